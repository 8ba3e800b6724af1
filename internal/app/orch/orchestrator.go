// Package orch is the connection manager: it owns the signaling channel,
// drives the session state machine and routes relay messages.
package orch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/voice-client/internal/app/session"
	"github.com/dkeye/voice-client/internal/app/sfu"
	"github.com/dkeye/voice-client/internal/core"
	"github.com/dkeye/voice-client/internal/domain"
	"github.com/rs/zerolog/log"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	// StateNegotiating is internal; callers see it as connecting.
	StateNegotiating
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	}
	return "disconnected"
}

// External folds the internal negotiating state into connecting.
func (s State) External() State {
	if s == StateNegotiating {
		return StateConnecting
	}
	return s
}

// SessionService is the media side of a session; *session.Service implements it.
type SessionService interface {
	InitializeCapabilities(router domain.RtpCapabilities) error
	Capabilities() (domain.RtpCapabilities, bool)
	CreateTransports(ctx context.Context, sendOpts, recvOpts domain.TransportOptions, req core.Requester) error
	CreateConsumer(ctx context.Context, consumed core.ConsumedPayload, onTrackAdded session.TrackAddedFunc) (*sfu.Consumer, error)
	RemoveConsumersOfProducer(pid domain.ProducerID, onTrackRemoved session.TrackRemovedFunc) int
	OnTrackEnded(fn session.TrackRemovedFunc)
	Cleanup()
}

type Options struct {
	// RequestTimeout bounds every relay round trip.
	RequestTimeout time.Duration
	InboxSize      int
}

func (o Options) withDefaults() Options {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.InboxSize <= 0 {
		o.InboxSize = 64
	}
	return o
}

// Orchestrator is the connection manager of one client. It serves one session at a time.
type Orchestrator struct {
	dialer   core.SignalDialer
	session  SessionService
	presence core.Presence
	opts     Options

	mu      sync.Mutex
	state   State
	sid     domain.SessionID
	conn    core.SignalConnection
	gen     uint64
	inbox   chan event
	ctx     context.Context
	cancel  context.CancelFunc
	pending []core.Message
	table   map[string]responseFunc
	keys    map[string]chan struct{}
	tasks   sync.WaitGroup

	lmu          sync.RWMutex
	onState      []func(State)
	onTrackAdd   []session.TrackAddedFunc
	onTrackDel   []session.TrackRemovedFunc
	onRelayError []func(core.ErrorPayload)
}

// New builds an orchestrator. presence may be nil.
func New(dialer core.SignalDialer, svc SessionService, presence core.Presence, opts Options) *Orchestrator {
	o := &Orchestrator{
		dialer:   dialer,
		session:  svc,
		presence: presence,
		opts:     opts.withDefaults(),
		table:    make(map[string]responseFunc),
		keys:     make(map[string]chan struct{}),
	}
	svc.OnTrackEnded(o.emitTrackRemoved)
	return o
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) SessionID() domain.SessionID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sid
}

// Connect opens the signaling channel for sid. Calling it on an open channel
// only logs a warning.
func (o *Orchestrator) Connect(ctx context.Context, sid domain.SessionID) error {
	if _, err := domain.ParseSessionID(string(sid)); err != nil {
		return fmt.Errorf("connect %q: %w", sid, err)
	}

	o.mu.Lock()
	if o.state != StateDisconnected {
		cur := o.sid
		o.mu.Unlock()
		log.Warn().Str("module", "orch").Str("sid", string(cur)).Str("requested", string(sid)).Msg("signaling channel already open")
		return nil
	}
	o.gen++
	gen := o.gen
	o.state = StateConnecting
	o.sid = sid
	o.inbox = make(chan event, o.opts.InboxSize)
	o.ctx, o.cancel = context.WithCancel(context.Background())
	o.pending = nil
	inbox, sctx := o.inbox, o.ctx
	o.mu.Unlock()

	go o.run(sctx, inbox)
	o.emitState(StateConnecting)

	h := &connHandler{o: o, gen: gen, ready: make(chan struct{})}
	defer close(h.ready)
	conn, err := o.dialer.Dial(ctx, sid, h)
	if err != nil {
		o.teardown(gen, err)
		return fmt.Errorf("connect %s: %w", sid, err)
	}

	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		conn.Close()
		return fmt.Errorf("connect %s: %w", sid, core.ErrClosed)
	}
	o.conn = conn
	o.mu.Unlock()

	log.Info().Str("module", "orch").Str("sid", string(sid)).Msg("signaling channel open")
	if o.presence != nil {
		o.presence.JoinSession(sid)
	}
	return nil
}

// SendMessage transmits msg on the open channel. It is never queued or retried.
func (o *Orchestrator) SendMessage(msg core.Message) error {
	o.mu.Lock()
	conn := o.conn
	o.mu.Unlock()
	if conn == nil {
		log.Warn().Str("module", "orch").Str("action", string(msg.Action)).Msg("send on closed channel")
		return domain.ErrChannelNotReady
	}
	frame, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Action, err)
	}
	if err := conn.TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("action", string(msg.Action)).Msg("send failed")
		return err
	}
	return nil
}

// CloseConnection releases the channel and cleans the session up.
func (o *Orchestrator) CloseConnection() {
	o.mu.Lock()
	gen := o.gen
	o.mu.Unlock()
	o.teardown(gen, nil)
}

// teardown closes generation gen. Later generations are left alone.
func (o *Orchestrator) teardown(gen uint64, cause error) {
	o.mu.Lock()
	if o.gen != gen || o.state == StateDisconnected {
		o.mu.Unlock()
		return
	}
	sid, conn := o.sid, o.conn
	table := o.table
	if o.cancel != nil {
		// spawn checks the context under mu, so no task starts after this
		o.cancel()
	}
	o.gen++
	o.state = StateDisconnected
	o.conn = nil
	o.pending = nil
	o.table = make(map[string]responseFunc)
	o.mu.Unlock()

	if cause != nil {
		log.Error().Err(cause).Str("module", "orch").Str("sid", string(sid)).Msg("signaling channel lost, closing session")
	} else {
		log.Info().Str("module", "orch").Str("sid", string(sid)).Msg("closing session")
	}

	for _, fn := range table {
		fn(core.Message{}, core.ErrClosed)
	}
	if conn != nil {
		conn.Close()
	}
	o.tasks.Wait()
	o.session.Cleanup()
	if o.presence != nil {
		o.presence.LeaveSession()
	}
	o.emitState(StateDisconnected)
}

func (o *Orchestrator) setState(gen uint64, s State) bool {
	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return false
	}
	o.state = s
	o.mu.Unlock()
	o.emitState(s)
	return true
}

// spawn runs fn off the reactor, bound to the session's lifetime.
func (o *Orchestrator) spawn(fn func(ctx context.Context)) {
	o.mu.Lock()
	ctx := o.ctx
	if ctx == nil || ctx.Err() != nil {
		o.mu.Unlock()
		return
	}
	o.tasks.Add(1)
	o.mu.Unlock()
	go func() {
		defer o.tasks.Done()
		fn(ctx)
	}()
}

type connHandler struct {
	o   *Orchestrator
	gen uint64
	// ready is closed once Connect stored the connection.
	ready chan struct{}
}

func (h *connHandler) OnFrame(f core.Frame) {
	<-h.ready
	h.o.post(h.gen, event{frame: f})
}

func (h *connHandler) OnClosed(err error) {
	if err == nil {
		err = errors.New("signaling channel closed by peer")
	}
	go h.o.teardown(h.gen, err)
}
