package sfu

import (
	"github.com/dkeye/voice-client/internal/core"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// SenderTrack wraps a captured track and runs every outgoing payload
// through the producer's transform before it reaches the transport.
type SenderTrack struct {
	webrtc.TrackLocal
	ctl *sendControl
}

func newSenderTrack(src webrtc.TrackLocal, ctl *sendControl) *SenderTrack {
	return &SenderTrack{TrackLocal: src, ctl: ctl}
}

// Source is the wrapped capture track.
func (t *SenderTrack) Source() webrtc.TrackLocal { return t.TrackLocal }

func (t *SenderTrack) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return t.TrackLocal.Bind(&boundContext{
		TrackLocalContext: ctx,
		w:                 &transformWriter{next: ctx.WriteStream(), ctl: t.ctl},
	})
}

func (t *SenderTrack) Unbind(ctx webrtc.TrackLocalContext) error {
	return t.TrackLocal.Unbind(&boundContext{
		TrackLocalContext: ctx,
		w:                 &transformWriter{next: ctx.WriteStream(), ctl: t.ctl},
	})
}

type boundContext struct {
	webrtc.TrackLocalContext
	w webrtc.TrackLocalWriter
}

func (c *boundContext) WriteStream() webrtc.TrackLocalWriter { return c.w }

type transformWriter struct {
	next webrtc.TrackLocalWriter
	ctl  *sendControl
}

func (w *transformWriter) WriteRTP(header *rtp.Header, payload []byte) (int, error) {
	if w.ctl.State() != ProducerLive {
		return len(payload), nil
	}
	tr := w.ctl.currentTransform()
	if tr == nil {
		return w.next.WriteRTP(header, payload)
	}

	hdr := header.Clone()
	// a rejected frame is dropped; the pipeline counts it
	_ = tr.Submit(core.EncodedFrame{PayloadType: hdr.PayloadType, Payload: payload}, func(out []byte, err error) {
		if err != nil || w.ctl.State() != ProducerLive {
			return
		}
		if _, werr := w.next.WriteRTP(&hdr, out); werr != nil {
			log.Debug().Err(werr).Str("module", "sfu").Msg("write transformed frame")
		}
	})
	return len(payload), nil
}

func (w *transformWriter) Write(b []byte) (int, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(b); err != nil {
		return 0, err
	}
	if _, err := w.WriteRTP(&pkt.Header, pkt.Payload); err != nil {
		return 0, err
	}
	return len(b), nil
}
