package rtc

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dkeye/voice-client/internal/core"
	"github.com/dkeye/voice-client/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var errTransportFailed = errors.New("transport failed to connect")

// stream is one m-section of the transport's description.
type stream struct {
	mid     string
	kind    domain.MediaKind
	send    bool
	ssrc    uint32
	rtxSSRC uint32
	trackID string
}

type transport struct {
	id     string
	dir    domain.TransportDirection
	api    *webrtc.API
	engine *webrtc.MediaEngine
	hooks  core.TransportHooks
	remote domain.TransportOptions
	cname  string
	logger zerolog.Logger

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport

	connectOnce sync.Once
	connectErr  error
	ready       chan struct{}
	startErr    error

	state  atomic.Value
	closed atomic.Bool

	mu      sync.Mutex
	streams []stream
	nextMid int
	codecs  map[domain.MediaKind][]webrtc.RTPCodecParameters
}

func newTransport(ctx context.Context, api *webrtc.API, engine *webrtc.MediaEngine, dir domain.TransportDirection,
	opts domain.TransportOptions, hooks core.TransportHooks, cfg Config) (*transport, error) {
	if opts.ID == "" {
		return nil, fmt.Errorf("rtc: %s transport without id", dir)
	}
	var servers []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("rtc: ice gatherer: %w", err)
	}
	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("rtc: dtls transport: %w", err)
	}

	t := &transport{
		id:       opts.ID,
		dir:      dir,
		api:      api,
		engine:   engine,
		hooks:    hooks,
		remote:   opts,
		cname:    uuid.NewString(),
		logger:   log.With().Str("module", "rtc").Str("transport", opts.ID).Str("dir", string(dir)).Logger(),
		gatherer: gatherer,
		ice:      ice,
		dtls:     dtls,
		ready:    make(chan struct{}),
		codecs:   make(map[domain.MediaKind][]webrtc.RTPCodecParameters),
	}
	t.state.Store(core.TransportNew)

	ice.OnConnectionStateChange(func(s webrtc.ICETransportState) {
		t.logger.Debug().Str("ice_state", s.String()).Msg("ICE state")
		switch s {
		case webrtc.ICETransportStateChecking:
			t.setState(core.TransportConnecting)
		case webrtc.ICETransportStateDisconnected:
			t.setState(core.TransportDisconnected)
		case webrtc.ICETransportStateFailed:
			t.setState(core.TransportFailed)
		}
	})
	dtls.OnStateChange(func(s webrtc.DTLSTransportState) {
		t.logger.Debug().Str("dtls_state", s.String()).Msg("DTLS state")
		switch s {
		case webrtc.DTLSTransportStateConnected:
			t.setState(core.TransportConnected)
		case webrtc.DTLSTransportStateFailed:
			t.setState(core.TransportFailed)
		}
	})

	// candidates are gathered ahead of the first connect; the relay side is ICE-lite
	// and never needs them signaled
	if err := gatherer.Gather(); err != nil {
		t.Close()
		return nil, fmt.Errorf("rtc: gather: %w", err)
	}
	if err := ctx.Err(); err != nil {
		t.Close()
		return nil, err
	}
	t.logger.Info().Msg("transport created")
	return t, nil
}

func (t *transport) ID() string                           { return t.id }
func (t *transport) Direction() domain.TransportDirection { return t.dir }
func (t *transport) Closed() bool                         { return t.closed.Load() }

func (t *transport) State() core.TransportState {
	return t.state.Load().(core.TransportState)
}

func (t *transport) setState(s core.TransportState) {
	if prev := t.state.Swap(s); prev == s {
		return
	}
	if t.hooks.OnStateChange != nil {
		t.hooks.OnStateChange(s)
	}
}

// connect signals our DTLS parameters once, then brings ICE and DTLS up in the background.
func (t *transport) connect(ctx context.Context) error {
	t.connectOnce.Do(func() {
		local, err := t.dtls.GetLocalParameters()
		if err != nil {
			t.connectErr = fmt.Errorf("rtc: local dtls parameters: %w", err)
			return
		}
		if t.hooks.OnConnect != nil {
			if err := t.hooks.OnConnect(ctx, fromDTLSParameters(local, webrtc.DTLSRoleClient)); err != nil {
				t.connectErr = err
				return
			}
		}
		go t.start()
	})
	return t.connectErr
}

func (t *transport) start() {
	defer close(t.ready)
	cands, err := toICECandidates(t.remote.IceCandidates)
	if err == nil {
		err = t.ice.SetRemoteCandidates(cands)
	}
	if err == nil {
		role := webrtc.ICERoleControlling
		err = t.ice.Start(t.gatherer, toICEParameters(t.remote.IceParameters), &role)
	}
	if err == nil {
		remote := toDTLSParameters(t.remote.DtlsParameters)
		remote.Role = webrtc.DTLSRoleServer
		err = t.dtls.Start(remote)
	}
	if err != nil {
		t.startErr = fmt.Errorf("%w: %w", errTransportFailed, err)
		if !t.closed.Load() {
			t.logger.Warn().Err(err).Msg("transport failed")
			t.setState(core.TransportFailed)
		}
		return
	}
	t.logger.Info().Msg("transport connected")
}

// waitReady blocks until DTLS is up. Receivers need the SRTP session to exist.
func (t *transport) waitReady(ctx context.Context) error {
	select {
	case <-t.ready:
		return t.startErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// register adds c to the transport's media engine. Registering the same codec twice is a no-op.
func (t *transport) register(kind domain.MediaKind, c webrtc.RTPCodecParameters) error {
	typ, err := codecType(kind)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.engine.RegisterCodec(c, typ); err != nil {
		return fmt.Errorf("rtc: register %s/%d: %w", c.MimeType, c.PayloadType, err)
	}
	for _, have := range t.codecs[kind] {
		if have.PayloadType == c.PayloadType {
			return nil
		}
	}
	t.codecs[kind] = append(t.codecs[kind], c)
	return nil
}

func (t *transport) registered(kind domain.MediaKind) []webrtc.RTPCodecParameters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]webrtc.RTPCodecParameters(nil), t.codecs[kind]...)
}

func (t *transport) addStream(s stream) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	s.mid = strconv.Itoa(t.nextMid)
	t.nextMid++
	t.streams = append(t.streams, s)
	return s.mid
}

func (t *transport) removeStream(mid string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.streams {
		if s.mid == mid {
			t.streams = append(t.streams[:i], t.streams[i+1:]...)
			return
		}
	}
}

// SessionDescription renders the live streams as SDP.
func (t *transport) SessionDescription() string {
	desc, err := sdp.NewJSEPSessionDescription(false)
	if err != nil {
		return ""
	}
	if p, err := t.gatherer.GetLocalParameters(); err == nil {
		desc.WithValueAttribute("ice-ufrag", p.UsernameFragment).WithValueAttribute("ice-pwd", p.Password)
	}
	if p, err := t.dtls.GetLocalParameters(); err == nil {
		for _, f := range p.Fingerprints {
			desc.WithFingerprint(f.Algorithm, strings.ToUpper(f.Value))
		}
	}

	t.mu.Lock()
	streams := append([]stream(nil), t.streams...)
	t.mu.Unlock()
	// every kind with codecs gets a section, so the payload types the transport
	// knows stay visible before anything flows
	for _, kind := range []domain.MediaKind{domain.KindAudio, domain.KindVideo} {
		codecs := t.registered(kind)
		if len(codecs) == 0 {
			continue
		}
		live := false
		for _, s := range streams {
			if s.kind == kind {
				live = true
				desc.WithMedia(mediaSection(s, codecs, t.cname))
			}
		}
		if !live {
			desc.WithMedia(mediaSection(stream{mid: string(kind), kind: kind}, codecs, t.cname))
		}
	}
	out, err := desc.Marshal()
	if err != nil {
		t.logger.Warn().Err(err).Msg("render description")
		return ""
	}
	return string(out)
}

func mediaSection(s stream, codecs []webrtc.RTPCodecParameters, cname string) *sdp.MediaDescription {
	md := sdp.NewJSEPMediaDescription(string(s.kind), nil).WithValueAttribute("mid", s.mid)
	switch {
	case s.ssrc == 0:
		md.WithPropertyAttribute("inactive")
	case s.send:
		md.WithPropertyAttribute("sendonly")
	default:
		md.WithPropertyAttribute("recvonly")
	}
	md.WithPropertyAttribute("rtcp-mux")
	for _, c := range codecs {
		name := c.MimeType
		if i := strings.IndexByte(name, '/'); i >= 0 {
			name = name[i+1:]
		}
		md.WithCodec(uint8(c.PayloadType), name, c.ClockRate, c.Channels, c.SDPFmtpLine)
		for _, fb := range c.RTCPFeedback {
			v := fmt.Sprintf("%d %s", c.PayloadType, fb.Type)
			if fb.Parameter != "" {
				v += " " + fb.Parameter
			}
			md.WithValueAttribute("rtcp-fb", v)
		}
	}
	if s.ssrc != 0 {
		md.WithMediaSource(s.ssrc, cname, cname, s.trackID)
		if s.rtxSSRC != 0 {
			md.WithValueAttribute("ssrc-group", fmt.Sprintf("FID %d %d", s.ssrc, s.rtxSSRC))
			md.WithMediaSource(s.rtxSSRC, cname, cname, s.trackID)
		}
	}
	return md
}

func (t *transport) Close() {
	if !t.closed.CompareAndSwap(false, true) {
		return
	}
	if err := t.dtls.Stop(); err != nil {
		t.logger.Debug().Err(err).Msg("dtls stop")
	}
	if err := t.ice.Stop(); err != nil {
		t.logger.Debug().Err(err).Msg("ice stop")
	}
	if err := t.gatherer.Close(); err != nil {
		t.logger.Debug().Err(err).Msg("gatherer close")
	}
	t.setState(core.TransportClosed)
	t.logger.Info().Msg("transport closed")
}
