package session

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/dkeye/voice-client/internal/core"
	"github.com/dkeye/voice-client/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

const testSDP = "v=0\r\n" +
	"o=- 0 0 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 100\r\n" +
	"a=rtpmap:100 VP8/90000\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 0\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n"

// eventLog records calls across fakes in order.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type fakeRequester struct {
	log      *eventLog
	produced int
	failSend error
	// when set, Produce requests signal entered and wait for gate
	entered chan struct{}
	gate    chan struct{}
}

func (r *fakeRequester) SendMessage(m core.Message) error {
	if r.failSend != nil {
		return r.failSend
	}
	r.log.add("send %s", m.Action)
	return nil
}

func (r *fakeRequester) Request(_ context.Context, m core.Message, key string) (core.Message, error) {
	r.log.add("request %s -> %s", m.Action, key)
	switch m.Action {
	case core.ActionProduce:
		if r.gate != nil {
			r.entered <- struct{}{}
			<-r.gate
		}
		r.produced++
		return core.NewMessage(core.ActionProduced, core.ProducedPayload{ID: domain.ProducerID(fmt.Sprintf("p%d", r.produced))})
	case core.ActionConnectProducerTransport:
		return core.Message{Action: core.ActionConnectedProducerTransport}, nil
	case core.ActionConnectConsumerTransport:
		return core.Message{Action: core.ActionConnectedConsumerTransport}, nil
	}
	return core.Message{}, fmt.Errorf("unexpected request %s", m.Action)
}

type fakeFactory struct {
	local      domain.RtpCapabilities
	send       *fakeTransport
	recv       *fakeTransport
	consumeErr error
}

func (f *fakeFactory) LocalCapabilities() domain.RtpCapabilities { return f.local }

func (f *fakeFactory) NewSendTransport(_ context.Context, opts domain.TransportOptions, _ domain.RtpCapabilities, hooks core.TransportHooks) (core.SendTransport, error) {
	f.send = &fakeTransport{id: opts.ID, dir: domain.DirectionSend, hooks: hooks}
	return f.send, nil
}

func (f *fakeFactory) NewRecvTransport(_ context.Context, opts domain.TransportOptions, _ domain.RtpCapabilities, hooks core.TransportHooks) (core.RecvTransport, error) {
	f.recv = &fakeTransport{id: opts.ID, dir: domain.DirectionRecv, hooks: hooks, consumeErr: f.consumeErr}
	return f.recv, nil
}

type fakeTransport struct {
	id         string
	dir        domain.TransportDirection
	hooks      core.TransportHooks
	consumeErr error

	mu        sync.Mutex
	connected bool
	closed    bool
	handles   []*fakeConsumerHandle
	produced  []*fakeProducerHandle
}

func (t *fakeTransport) ID() string                           { return t.id }
func (t *fakeTransport) Direction() domain.TransportDirection { return t.dir }
func (t *fakeTransport) State() core.TransportState           { return core.TransportConnected }
func (t *fakeTransport) SessionDescription() string           { return testSDP }

func (t *fakeTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
}

func (t *fakeTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return nil
	}
	if err := t.hooks.OnConnect(ctx, domain.DtlsParameters{Role: "client"}); err != nil {
		return err
	}
	t.connected = true
	return nil
}

func (t *fakeTransport) Produce(ctx context.Context, track webrtc.TrackLocal, appData domain.AppData) (core.ProducerHandle, error) {
	if err := t.connect(ctx); err != nil {
		return nil, err
	}
	id, err := t.hooks.OnProduce(ctx, core.ProduceRequest{Kind: appData.Kind, AppData: appData})
	if err != nil {
		return nil, err
	}
	h := &fakeProducerHandle{id: id, kind: appData.Kind}
	t.mu.Lock()
	t.produced = append(t.produced, h)
	t.mu.Unlock()
	return h, nil
}

func (t *fakeTransport) Consume(ctx context.Context, req core.ConsumeRequest) (core.ConsumerHandle, error) {
	if t.consumeErr != nil {
		return nil, t.consumeErr
	}
	if err := t.connect(ctx); err != nil {
		return nil, err
	}
	h := &fakeConsumerHandle{
		id:      req.ID,
		kind:    req.Kind,
		params:  req.RtpParameters,
		packets: make(chan *rtp.Packet, 16),
		closed:  make(chan struct{}),
	}
	t.mu.Lock()
	t.handles = append(t.handles, h)
	t.mu.Unlock()
	return h, nil
}

type fakeProducerHandle struct {
	id   domain.ProducerID
	kind domain.MediaKind

	mu     sync.Mutex
	closed bool
}

func (h *fakeProducerHandle) ID() domain.ProducerID               { return h.id }
func (h *fakeProducerHandle) Kind() domain.MediaKind              { return h.kind }
func (h *fakeProducerHandle) RtpParameters() domain.RtpParameters { return domain.RtpParameters{} }
func (h *fakeProducerHandle) ReplaceTrack(webrtc.TrackLocal) error {
	return nil
}

func (h *fakeProducerHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *fakeProducerHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

type fakeConsumerHandle struct {
	id      domain.ConsumerID
	kind    domain.MediaKind
	params  domain.RtpParameters
	packets chan *rtp.Packet
	once    sync.Once
	closed  chan struct{}
}

func (h *fakeConsumerHandle) ID() domain.ConsumerID               { return h.id }
func (h *fakeConsumerHandle) Kind() domain.MediaKind              { return h.kind }
func (h *fakeConsumerHandle) RtpParameters() domain.RtpParameters { return h.params }
func (h *fakeConsumerHandle) RequestKeyFrame() error              { return nil }

func (h *fakeConsumerHandle) ReadRTP() (*rtp.Packet, error) {
	select {
	case p, ok := <-h.packets:
		if !ok {
			return nil, io.EOF
		}
		return p, nil
	case <-h.closed:
		return nil, io.EOF
	}
}

func (h *fakeConsumerHandle) Close() error {
	h.once.Do(func() { close(h.closed) })
	return nil
}

// captureTrack is a capture track the test can end.
type captureTrack struct {
	*webrtc.TrackLocalStaticRTP
	kind domain.MediaKind
	once sync.Once
	done chan struct{}
}

func newCaptureTrack(kind domain.MediaKind) *captureTrack {
	mime := webrtc.MimeTypeVP8
	if kind == domain.KindAudio {
		mime = webrtc.MimeTypePCMU
	}
	tr, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: mime}, string(kind), "capture")
	if err != nil {
		panic(err)
	}
	return &captureTrack{TrackLocalStaticRTP: tr, kind: kind, done: make(chan struct{})}
}

func (t *captureTrack) MediaKind() domain.MediaKind { return t.kind }
func (t *captureTrack) Label() string               { return "fake " + string(t.kind) }
func (t *captureTrack) Done() <-chan struct{}       { return t.done }
func (t *captureTrack) Stop()                       { t.once.Do(func() { close(t.done) }) }

// blockingCipher holds every call until release is closed.
type blockingCipher struct {
	release chan struct{}
	calls   chan struct{}
}

func (c *blockingCipher) Encrypt(ctx context.Context, p []byte, _ domain.CodecKind) ([]byte, error) {
	return c.wait(ctx, p)
}

func (c *blockingCipher) Decrypt(ctx context.Context, p []byte, _ domain.CodecKind) ([]byte, error) {
	return c.wait(ctx, p)
}

func (c *blockingCipher) wait(ctx context.Context, p []byte) ([]byte, error) {
	select {
	case c.calls <- struct{}{}:
	default:
	}
	select {
	case <-c.release:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *blockingCipher) Close() error { return nil }
