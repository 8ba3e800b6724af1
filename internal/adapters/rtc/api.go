// Package rtc implements the SFU transports on pion's ORTC objects:
// one ICE/DTLS pair per direction, RTP senders and receivers on top.
package rtc

import (
	"context"
	"fmt"
	"strings"

	"github.com/dkeye/voice-client/internal/core"
	"github.com/dkeye/voice-client/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

type Config struct {
	ICEServers []string
	PortMin    uint16
	PortMax    uint16
}

var videoFeedback = []domain.RtcpFeedback{
	{Type: "nack"},
	{Type: "nack", Parameter: "pli"},
	{Type: "ccm", Parameter: "fir"},
	{Type: "goog-remb"},
}

// localCodecs is what capture and playback on this client handle.
var localCodecs = []domain.RtpCodecCapability{
	{Kind: domain.KindAudio, MimeType: webrtc.MimeTypeOpus, PreferredPayloadType: 111, ClockRate: 48000, Channels: 2,
		Parameters: map[string]any{"minptime": 10, "useinbandfec": 1}},
	{Kind: domain.KindAudio, MimeType: webrtc.MimeTypePCMU, PreferredPayloadType: 0, ClockRate: 8000},
	{Kind: domain.KindVideo, MimeType: webrtc.MimeTypeVP8, PreferredPayloadType: 96, ClockRate: 90000, RtcpFeedback: videoFeedback},
	{Kind: domain.KindVideo, MimeType: webrtc.MimeTypeRTX, PreferredPayloadType: 97, ClockRate: 90000,
		Parameters: map[string]any{"apt": 96}},
}

var localHeaderExtensions = []domain.RtpHeaderExtension{
	{Kind: domain.KindAudio, URI: "urn:ietf:params:rtp-hdrext:sdes:mid", PreferredID: 1},
	{Kind: domain.KindVideo, URI: "urn:ietf:params:rtp-hdrext:sdes:mid", PreferredID: 1},
	{Kind: domain.KindAudio, URI: "urn:ietf:params:rtp-hdrext:ssrc-audio-level", PreferredID: 10},
	{Kind: domain.KindVideo, URI: "http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time", PreferredID: 4},
}

// Factory builds transports. Every transport gets its own API so payload
// types negotiated on one never collide with another.
type Factory struct {
	cfg Config
}

func NewFactory(cfg Config) (*Factory, error) {
	if cfg.PortMin > cfg.PortMax {
		return nil, fmt.Errorf("rtc: port range %d-%d", cfg.PortMin, cfg.PortMax)
	}
	return &Factory{cfg: cfg}, nil
}

func (f *Factory) LocalCapabilities() domain.RtpCapabilities {
	caps := domain.RtpCapabilities{
		Codecs:           make([]domain.RtpCodecCapability, len(localCodecs)),
		HeaderExtensions: append([]domain.RtpHeaderExtension(nil), localHeaderExtensions...),
	}
	copy(caps.Codecs, localCodecs)
	return caps
}

func (f *Factory) NewSendTransport(ctx context.Context, opts domain.TransportOptions, caps domain.RtpCapabilities, hooks core.TransportHooks) (core.SendTransport, error) {
	api, engine, err := f.newAPI()
	if err != nil {
		return nil, err
	}
	t, err := newTransport(ctx, api, engine, domain.DirectionSend, opts, hooks, f.cfg)
	if err != nil {
		return nil, err
	}
	// senders bind to the router's payload types
	for _, c := range caps.Codecs {
		if err := t.register(c.Kind, toCodecParameters(c)); err != nil {
			t.Close()
			return nil, err
		}
	}
	return &sendTransport{transport: t}, nil
}

func (f *Factory) NewRecvTransport(ctx context.Context, opts domain.TransportOptions, caps domain.RtpCapabilities, hooks core.TransportHooks) (core.RecvTransport, error) {
	api, engine, err := f.newAPI()
	if err != nil {
		return nil, err
	}
	t, err := newTransport(ctx, api, engine, domain.DirectionRecv, opts, hooks, f.cfg)
	if err != nil {
		return nil, err
	}
	for _, c := range caps.Codecs {
		if err := t.register(c.Kind, toCodecParameters(c)); err != nil {
			t.Close()
			return nil, err
		}
	}
	return &recvTransport{transport: t}, nil
}

func (f *Factory) newAPI() (*webrtc.API, *webrtc.MediaEngine, error) {
	engine := &webrtc.MediaEngine{}
	registry := &interceptor.Registry{}
	if err := webrtc.ConfigureNack(engine, registry); err != nil {
		return nil, nil, fmt.Errorf("rtc: nack interceptor: %w", err)
	}
	if err := webrtc.ConfigureRTCPReports(registry); err != nil {
		return nil, nil, fmt.Errorf("rtc: rtcp reports: %w", err)
	}

	var se webrtc.SettingEngine
	if f.cfg.PortMax != 0 {
		if err := se.SetEphemeralUDPPortRange(f.cfg.PortMin, f.cfg.PortMax); err != nil {
			return nil, nil, fmt.Errorf("rtc: port range: %w", err)
		}
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(engine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)
	return api, engine, nil
}

func codecType(kind domain.MediaKind) (webrtc.RTPCodecType, error) {
	switch kind {
	case domain.KindAudio:
		return webrtc.RTPCodecTypeAudio, nil
	case domain.KindVideo:
		return webrtc.RTPCodecTypeVideo, nil
	}
	return 0, fmt.Errorf("%w: %q", domain.ErrUnsupportedKind, kind)
}

func mediaKind(t webrtc.RTPCodecType) domain.MediaKind {
	if t == webrtc.RTPCodecTypeVideo {
		return domain.KindVideo
	}
	return domain.KindAudio
}

func isRTX(mime string) bool { return strings.HasSuffix(strings.ToLower(mime), "/rtx") }
