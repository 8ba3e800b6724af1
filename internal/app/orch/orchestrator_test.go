package orch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/voice-client/internal/app/session"
	"github.com/dkeye/voice-client/internal/app/sfu"
	"github.com/dkeye/voice-client/internal/core"
	"github.com/dkeye/voice-client/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSID domain.SessionID = "3f2504e0-4f89-41d3-9a0c-0305e82c3301"

var routerCaps = domain.RtpCapabilities{Codecs: []domain.RtpCodecCapability{
	{Kind: domain.KindAudio, MimeType: "audio/PCMU", ClockRate: 8000, PreferredPayloadType: 0},
}}

type fakeConn struct {
	mu     sync.Mutex
	sent   []core.Message
	closed bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	m, err := core.DecodeMessage(f)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrClosed
	}
	c.sent = append(c.sent, m)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) actions() []core.Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]core.Action, 0, len(c.sent))
	for _, m := range c.sent {
		out = append(out, m.Action)
	}
	return out
}

func (c *fakeConn) last(action core.Action) (core.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.sent) - 1; i >= 0; i-- {
		if c.sent[i].Action == action {
			return c.sent[i], true
		}
	}
	return core.Message{}, false
}

type fakeDialer struct {
	mu      sync.Mutex
	dials   int
	conn    *fakeConn
	handler core.SignalHandler
	err     error
}

func (d *fakeDialer) Dial(_ context.Context, _ domain.SessionID, h core.SignalHandler) (core.SignalConnection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	d.conn = &fakeConn{}
	d.handler = h
	return d.conn, nil
}

func (d *fakeDialer) deliver(t *testing.T, action core.Action, payload any) {
	t.Helper()
	msg, err := core.NewMessage(action, payload)
	require.NoError(t, err)
	f, err := msg.Encode()
	require.NoError(t, err)
	d.mu.Lock()
	h := d.handler
	d.mu.Unlock()
	h.OnFrame(f)
}

type fakeSession struct {
	mu         sync.Mutex
	caps       *domain.RtpCapabilities
	transports int
	transErr   error
	gate       chan struct{}
	consumed   []core.ConsumedPayload
	removed    []domain.ProducerID
	cleanups   int
	onEnded    session.TrackRemovedFunc
}

func (s *fakeSession) InitializeCapabilities(router domain.RtpCapabilities) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.caps != nil {
		return domain.ErrCapabilitiesInitialized
	}
	s.caps = &router
	return nil
}

func (s *fakeSession) Capabilities() (domain.RtpCapabilities, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.caps == nil {
		return domain.RtpCapabilities{}, false
	}
	return *s.caps, true
}

func (s *fakeSession) CreateTransports(ctx context.Context, _, _ domain.TransportOptions, _ core.Requester) error {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transports++
	return s.transErr
}

func (s *fakeSession) CreateConsumer(_ context.Context, consumed core.ConsumedPayload, onTrackAdded session.TrackAddedFunc) (*sfu.Consumer, error) {
	s.mu.Lock()
	s.consumed = append(s.consumed, consumed)
	s.mu.Unlock()
	onTrackAdded(nil, consumed.ID, consumed.ProducerID)
	return nil, nil
}

func (s *fakeSession) RemoveConsumersOfProducer(pid domain.ProducerID, _ session.TrackRemovedFunc) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, pid)
	return 0
}

func (s *fakeSession) OnTrackEnded(fn session.TrackRemovedFunc) { s.onEnded = fn }

func (s *fakeSession) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanups++
	s.caps = nil
}

func (s *fakeSession) snapshot() fakeSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fakeSession{
		transports: s.transports,
		consumed:   append([]core.ConsumedPayload(nil), s.consumed...),
		removed:    append([]domain.ProducerID(nil), s.removed...),
		cleanups:   s.cleanups,
	}
}

type fakePresence struct {
	mu     sync.Mutex
	joined []domain.SessionID
	left   int
}

func (p *fakePresence) JoinSession(sid domain.SessionID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.joined = append(p.joined, sid)
}

func (p *fakePresence) LeaveSession() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.left++
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) add(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s)
}

func (l *stateLog) all() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.states...)
}

func newTestOrchestrator(t *testing.T, opts Options) (*Orchestrator, *fakeDialer, *fakeSession, *fakePresence) {
	t.Helper()
	d := &fakeDialer{}
	s := &fakeSession{}
	p := &fakePresence{}
	o := New(d, s, p, opts)
	t.Cleanup(o.CloseConnection)
	return o, d, s, p
}

func connectAndNegotiate(t *testing.T, o *Orchestrator, d *fakeDialer) {
	t.Helper()
	require.NoError(t, o.Connect(context.Background(), testSID))
	d.deliver(t, core.ActionInit, core.InitPayload{RouterRtpCapabilities: routerCaps})
	require.Eventually(t, func() bool { return o.State() == StateConnected }, time.Second, 5*time.Millisecond)
}

func TestConnectRejectsInvalidSessionID(t *testing.T) {
	o, d, _, _ := newTestOrchestrator(t, Options{})

	err := o.Connect(context.Background(), "general")
	require.ErrorIs(t, err, domain.ErrInvalidSessionID)
	assert.Equal(t, 0, d.dials)
	assert.Equal(t, StateDisconnected, o.State())
}

func TestConnectIsIdempotent(t *testing.T) {
	o, d, _, p := newTestOrchestrator(t, Options{})

	require.NoError(t, o.Connect(context.Background(), testSID))
	require.NoError(t, o.Connect(context.Background(), testSID))

	assert.Equal(t, 1, d.dials)
	assert.Equal(t, StateConnecting, o.State())
	assert.Equal(t, []domain.SessionID{testSID}, p.joined)
}

func TestConnectDialFailure(t *testing.T) {
	o, d, s, _ := newTestOrchestrator(t, Options{})
	d.err = errors.New("refused")

	err := o.Connect(context.Background(), testSID)
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, o.State())
	assert.Equal(t, 1, s.snapshot().cleanups)

	d.err = nil
	require.NoError(t, o.Connect(context.Background(), testSID))
	assert.Equal(t, 2, d.dials)
}

func TestSendMessageWithoutChannel(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t, Options{})

	msg, err := core.NewMessage(core.ActionConsumerResume, core.ConsumerResumePayload{ID: "c1"})
	require.NoError(t, err)
	require.ErrorIs(t, o.SendMessage(msg), domain.ErrChannelNotReady)

	_, err = o.Request(context.Background(), msg, "anything")
	require.ErrorIs(t, err, domain.ErrChannelNotReady)
}

func TestInitNegotiatesThenConsumes(t *testing.T) {
	o, d, s, _ := newTestOrchestrator(t, Options{})
	states := &stateLog{}
	o.OnStateChange(states.add)
	var (
		mu     sync.Mutex
		tracks []string
	)
	o.OnTrackAdded(func(_ *sfu.RemoteTrack, cid domain.ConsumerID, pid domain.ProducerID) {
		mu.Lock()
		defer mu.Unlock()
		tracks = append(tracks, string(cid)+"/"+string(pid))
	})

	connectAndNegotiate(t, o, d)

	initReply, ok := d.conn.last(core.ActionInit)
	require.True(t, ok)
	var local core.LocalInitPayload
	require.NoError(t, initReply.Decode(&local))
	assert.Equal(t, routerCaps, local.RtpCapabilities)
	assert.Equal(t, 1, s.snapshot().transports)

	d.deliver(t, core.ActionProducerAdded, core.ProducerAddedPayload{ID: "p1", Participant: "u1"})
	require.Eventually(t, func() bool {
		_, ok := d.conn.last(core.ActionConsume)
		return ok
	}, time.Second, 5*time.Millisecond)
	req, _ := d.conn.last(core.ActionConsume)
	var consume core.ConsumePayload
	require.NoError(t, req.Decode(&consume))
	assert.Equal(t, domain.ProducerID("p1"), consume.ProducerID)
	assert.Equal(t, routerCaps, consume.RtpCapabilities)

	d.deliver(t, core.ActionConsumed, core.ConsumedPayload{ID: "c1", ProducerID: "p1", Kind: domain.KindVideo})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(tracks) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"c1/p1"}, tracks)
	consumed := s.snapshot().consumed
	require.Len(t, consumed, 1)
	assert.Equal(t, domain.ParticipantID("u1"), consumed[0].ParticipantID)
	assert.Equal(t, []State{StateConnecting, StateConnected}, states.all())
}

func TestDuplicateInitIgnored(t *testing.T) {
	o, d, s, _ := newTestOrchestrator(t, Options{})
	connectAndNegotiate(t, o, d)

	d.deliver(t, core.ActionInit, core.InitPayload{RouterRtpCapabilities: routerCaps})
	d.deliver(t, core.ActionProducerRemoved, core.ProducerRemovedPayload{ProducerID: "p0"})
	require.Eventually(t, func() bool { return len(s.snapshot().removed) == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, s.snapshot().transports)
	assert.Equal(t, StateConnected, o.State())
}

func TestMessagesQueuedUntilNegotiated(t *testing.T) {
	o, d, s, _ := newTestOrchestrator(t, Options{})
	s.gate = make(chan struct{})

	require.NoError(t, o.Connect(context.Background(), testSID))
	d.deliver(t, core.ActionProducerRemoved, core.ProducerRemovedPayload{ProducerID: "p9"})
	d.deliver(t, core.ActionInit, core.InitPayload{RouterRtpCapabilities: routerCaps})
	d.deliver(t, core.ActionProducerAdded, core.ProducerAddedPayload{ID: "p2", Participant: "u2"})
	assert.Empty(t, s.snapshot().removed)
	assert.Equal(t, StateConnecting, o.State())

	close(s.gate)
	require.Eventually(t, func() bool {
		_, ok := d.conn.last(core.ActionConsume)
		return ok
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []domain.ProducerID{"p9"}, s.snapshot().removed)
	assert.Equal(t, []core.Action{core.ActionInit, core.ActionConsume}, d.conn.actions())
}

func TestRelayErrorFailsPendingRequest(t *testing.T) {
	o, d, _, _ := newTestOrchestrator(t, Options{})
	var (
		mu        sync.Mutex
		relayErrs []core.ErrorPayload
	)
	o.OnRelayError(func(ep core.ErrorPayload) {
		mu.Lock()
		defer mu.Unlock()
		relayErrs = append(relayErrs, ep)
	})
	connectAndNegotiate(t, o, d)

	msg, err := core.NewMessage(core.ActionConsume, core.ConsumePayload{ProducerID: "p3"})
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() {
		_, err := o.Request(context.Background(), msg, core.ResponseKey(core.ActionConsumed, "p3"))
		done <- err
	}()
	require.Eventually(t, func() bool {
		_, ok := d.conn.last(core.ActionConsume)
		return ok
	}, time.Second, 5*time.Millisecond)

	d.deliver(t, core.ActionError, core.ErrorPayload{Message: "no such producer", Action: core.ActionConsume, ID: "p3"})

	select {
	case err := <-done:
		require.ErrorIs(t, err, domain.ErrRelay)
		assert.Contains(t, err.Error(), "no such producer")
	case <-time.After(time.Second):
		t.Fatal("request not failed")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, relayErrs, 1)
	assert.Equal(t, core.ActionConsume, relayErrs[0].Action)
}

func TestRequestTimeout(t *testing.T) {
	o, d, _, _ := newTestOrchestrator(t, Options{RequestTimeout: 30 * time.Millisecond})
	connectAndNegotiate(t, o, d)

	msg, err := core.NewMessage(core.ActionProduce, core.ProducePayload{Kind: domain.KindAudio})
	require.NoError(t, err)
	_, err = o.Request(context.Background(), msg, string(core.ActionProduced))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	o.mu.Lock()
	assert.Empty(t, o.table)
	o.mu.Unlock()
}

func TestChannelLossCleansUp(t *testing.T) {
	o, d, s, p := newTestOrchestrator(t, Options{})
	states := &stateLog{}
	o.OnStateChange(states.add)
	connectAndNegotiate(t, o, d)

	d.handler.OnClosed(errors.New("connection reset"))

	require.Eventually(t, func() bool { return o.State() == StateDisconnected }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(states.all()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []State{StateConnecting, StateConnected, StateDisconnected}, states.all())
	assert.Equal(t, 1, s.snapshot().cleanups)
	assert.True(t, d.conn.isClosed())
	p.mu.Lock()
	assert.Equal(t, 1, p.left)
	p.mu.Unlock()

	msg, err := core.NewMessage(core.ActionConsumerResume, core.ConsumerResumePayload{ID: "c1"})
	require.NoError(t, err)
	require.ErrorIs(t, o.SendMessage(msg), domain.ErrChannelNotReady)
}

func TestNegotiationFailureClosesSession(t *testing.T) {
	o, d, s, _ := newTestOrchestrator(t, Options{})
	s.transErr = session.ErrNoCommonCodec

	require.NoError(t, o.Connect(context.Background(), testSID))
	d.deliver(t, core.ActionInit, core.InitPayload{RouterRtpCapabilities: routerCaps})

	require.Eventually(t, func() bool { return d.conn.isClosed() }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.snapshot().cleanups == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateDisconnected, o.State())
}

func TestTrackEndedIsForwarded(t *testing.T) {
	o, _, s, _ := newTestOrchestrator(t, Options{})
	var got []domain.ConsumerID
	o.OnTrackRemoved(func(cid domain.ConsumerID, _ domain.ProducerID) { got = append(got, cid) })

	s.onEnded("c7", "p7")

	assert.Equal(t, []domain.ConsumerID{"c7"}, got)
}

func TestConsumedFallsBackToProducerAppData(t *testing.T) {
	o, d, s, _ := newTestOrchestrator(t, Options{})
	connectAndNegotiate(t, o, d)

	screen := domain.AppData{Source: domain.SourceScreenVideo, Kind: domain.KindVideo, Shared: true}
	camera := domain.AppData{Source: domain.SourceCamera, Kind: domain.KindVideo, Shared: true}
	cases := []struct {
		producer domain.ProducerID
		consumer domain.ConsumerID
		consumed domain.AppData
		want     domain.AppData
	}{
		{"p4", "c4", domain.AppData{}, screen},
		{"p5", "c5", camera, camera},
	}
	consumes := func() int {
		n := 0
		for _, a := range d.conn.actions() {
			if a == core.ActionConsume {
				n++
			}
		}
		return n
	}
	for i, tc := range cases {
		d.deliver(t, core.ActionProducerAdded, core.ProducerAddedPayload{ID: tc.producer, Participant: "u4", AppData: screen})
		require.Eventually(t, func() bool { return consumes() == i+1 }, time.Second, 5*time.Millisecond)
		d.deliver(t, core.ActionConsumed, core.ConsumedPayload{
			ID: tc.consumer, ProducerID: tc.producer, Kind: domain.KindVideo, AppData: tc.consumed,
		})
		require.Eventually(t, func() bool { return len(s.snapshot().consumed) == i+1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, tc.want, s.snapshot().consumed[i].AppData, string(tc.consumer))
	}
}
