package rtc

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/dkeye/voice-client/internal/core"
	"github.com/dkeye/voice-client/internal/domain"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

type recvTransport struct {
	*transport
}

func (t *recvTransport) Consume(ctx context.Context, req core.ConsumeRequest) (core.ConsumerHandle, error) {
	if t.closed.Load() {
		return nil, core.ErrClosed
	}
	params := req.RtpParameters
	if len(params.Codecs) == 0 || len(params.Encodings) == 0 || params.Encodings[0].SSRC == 0 {
		return nil, fmt.Errorf("rtc: consumer %s: incomplete rtp parameters", req.ID)
	}
	typ, err := codecType(req.Kind)
	if err != nil {
		return nil, err
	}

	codecs := make([]webrtc.RTPCodecParameters, 0, len(params.Codecs))
	for _, c := range params.Codecs {
		wc := fromRtpCodecParameters(c)
		if err := t.register(req.Kind, wc); err != nil {
			return nil, err
		}
		codecs = append(codecs, wc)
	}

	if err := t.connect(ctx); err != nil {
		return nil, fmt.Errorf("connect recv transport: %w", err)
	}
	if err := t.waitReady(ctx); err != nil {
		return nil, err
	}

	receiver, err := t.api.NewRTPReceiver(typ, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtc: new receiver: %w", err)
	}
	enc := params.Encodings[0]
	dec := webrtc.RTPDecodingParameters{RTPCodingParameters: webrtc.RTPCodingParameters{
		SSRC:        webrtc.SSRC(enc.SSRC),
		PayloadType: codecs[0].PayloadType,
	}}
	var rtxSSRC uint32
	if enc.Rtx != nil {
		rtxSSRC = enc.Rtx.SSRC
		dec.RTX = webrtc.RTPRtxParameters{SSRC: webrtc.SSRC(rtxSSRC)}
	}
	if err := receiver.Receive(webrtc.RTPReceiveParameters{Encodings: []webrtc.RTPDecodingParameters{dec}}); err != nil {
		_ = receiver.Stop()
		return nil, fmt.Errorf("rtc: receive %s: %w", req.ID, err)
	}

	mid := t.addStream(stream{kind: req.Kind, ssrc: enc.SSRC, rtxSSRC: rtxSSRC, trackID: string(req.ID)})
	h := &consumerHandle{
		id:       req.ID,
		kind:     req.Kind,
		params:   params,
		ssrc:     enc.SSRC,
		receiver: receiver,
		t:        t,
		mid:      mid,
	}
	go h.drainRTCP()
	t.logger.Info().Str("consumer", string(req.ID)).Str("producer", string(req.ProducerID)).Uint32("ssrc", enc.SSRC).Msg("consuming")
	return h, nil
}

type consumerHandle struct {
	id       domain.ConsumerID
	kind     domain.MediaKind
	params   domain.RtpParameters
	ssrc     uint32
	receiver *webrtc.RTPReceiver
	t        *recvTransport
	mid      string
	closed   atomic.Bool
}

func (h *consumerHandle) ID() domain.ConsumerID               { return h.id }
func (h *consumerHandle) Kind() domain.MediaKind              { return h.kind }
func (h *consumerHandle) RtpParameters() domain.RtpParameters { return h.params }

func (h *consumerHandle) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := h.receiver.Track().ReadRTP()
	return pkt, err
}

func (h *consumerHandle) RequestKeyFrame() error {
	if h.kind != domain.KindVideo {
		return nil
	}
	_, err := h.t.dtls.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: h.ssrc}})
	return err
}

func (h *consumerHandle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.t.removeStream(h.mid)
	return h.receiver.Stop()
}

// drainRTCP lets the receiver's interceptors see incoming reports.
func (h *consumerHandle) drainRTCP() {
	for {
		if _, _, err := h.receiver.ReadRTCP(); err != nil {
			return
		}
	}
}
