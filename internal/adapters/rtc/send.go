package rtc

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync/atomic"

	"github.com/dkeye/voice-client/internal/core"
	"github.com/dkeye/voice-client/internal/domain"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

type sendTransport struct {
	*transport
}

// boundTrack remembers the codec the sender negotiated for its track.
type boundTrack struct {
	webrtc.TrackLocal
	codec atomic.Pointer[webrtc.RTPCodecParameters]
}

func (b *boundTrack) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	c, err := b.TrackLocal.Bind(ctx)
	if err == nil {
		b.codec.Store(&c)
	}
	return c, err
}

func (t *sendTransport) Produce(ctx context.Context, track webrtc.TrackLocal, appData domain.AppData) (core.ProducerHandle, error) {
	if t.closed.Load() {
		return nil, core.ErrClosed
	}
	kind := mediaKind(track.Kind())
	if err := t.connect(ctx); err != nil {
		return nil, fmt.Errorf("connect send transport: %w", err)
	}

	bound := &boundTrack{TrackLocal: track}
	sender, err := t.api.NewRTPSender(bound, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtc: new sender: %w", err)
	}

	ssrc := rand.Uint32()
	var rtxSSRC uint32
	codecs := t.registered(kind)
	if kind == domain.KindVideo && hasRTX(codecs) {
		rtxSSRC = rand.Uint32()
	}
	err = sender.Send(webrtc.RTPSendParameters{Encodings: []webrtc.RTPEncodingParameters{{
		RTPCodingParameters: webrtc.RTPCodingParameters{
			SSRC: webrtc.SSRC(ssrc),
			RTX:  webrtc.RTPRtxParameters{SSRC: webrtc.SSRC(rtxSSRC)},
		},
	}}})
	if err != nil {
		_ = sender.Stop()
		return nil, fmt.Errorf("rtc: send %s: %w", kind, err)
	}
	codec := bound.codec.Load()
	if codec == nil {
		_ = sender.Stop()
		return nil, fmt.Errorf("rtc: %s track bound no codec", kind)
	}

	used := []webrtc.RTPCodecParameters{*codec}
	if rtx, ok := rtxFor(codecs, codec.PayloadType); ok && rtxSSRC != 0 {
		used = append(used, rtx)
	} else {
		rtxSSRC = 0
	}
	mid := t.addStream(stream{kind: kind, send: true, ssrc: ssrc, rtxSSRC: rtxSSRC, trackID: track.ID()})
	params := t.rtpParameters(mid, used, ssrc, rtxSSRC)

	id, err := t.hooks.OnProduce(ctx, core.ProduceRequest{Kind: kind, RtpParameters: params, AppData: appData})
	if err != nil {
		_ = sender.Stop()
		t.removeStream(mid)
		return nil, err
	}

	h := &producerHandle{id: id, kind: kind, params: params, sender: sender, t: t, mid: mid}
	go h.readRTCP()
	t.logger.Info().Str("producer", string(id)).Str("kind", string(kind)).Str("codec", codec.MimeType).Uint32("ssrc", ssrc).Msg("producing")
	return h, nil
}

func (t *transport) rtpParameters(mid string, codecs []webrtc.RTPCodecParameters, ssrc, rtxSSRC uint32) domain.RtpParameters {
	p := domain.RtpParameters{
		Mid:  mid,
		Rtcp: &domain.RtcpParameters{Cname: t.cname, ReducedSize: true},
	}
	for _, c := range codecs {
		p.Codecs = append(p.Codecs, toRtpCodecParameters(c))
	}
	enc := domain.RtpEncodingParameters{SSRC: ssrc}
	if rtxSSRC != 0 {
		enc.Rtx = &struct {
			SSRC uint32 `json:"ssrc"`
		}{SSRC: rtxSSRC}
	}
	p.Encodings = []domain.RtpEncodingParameters{enc}
	return p
}

func hasRTX(codecs []webrtc.RTPCodecParameters) bool {
	for _, c := range codecs {
		if isRTX(c.MimeType) {
			return true
		}
	}
	return false
}

type producerHandle struct {
	id     domain.ProducerID
	kind   domain.MediaKind
	params domain.RtpParameters
	sender *webrtc.RTPSender
	t      *sendTransport
	mid    string
	closed atomic.Bool
}

func (h *producerHandle) ID() domain.ProducerID               { return h.id }
func (h *producerHandle) Kind() domain.MediaKind              { return h.kind }
func (h *producerHandle) RtpParameters() domain.RtpParameters { return h.params }

func (h *producerHandle) ReplaceTrack(track webrtc.TrackLocal) error {
	if h.closed.Load() {
		return core.ErrClosed
	}
	return h.sender.ReplaceTrack(&boundTrack{TrackLocal: track})
}

func (h *producerHandle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.t.removeStream(h.mid)
	return h.sender.Stop()
}

// readRTCP keeps the interceptors fed and logs keyframe requests.
func (h *producerHandle) readRTCP() {
	for {
		pkts, _, err := h.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, p := range pkts {
			switch p.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				h.t.logger.Debug().Str("producer", string(h.id)).Msg("keyframe requested")
			}
		}
	}
}
