package core

import (
	"context"
	"errors"

	"github.com/dkeye/voice-client/internal/domain"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("closed")
)

// Frame is a raw binary payload.
type Frame []byte

// SignalConnection abstracts the messaging transport to the relay.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// SignalHandler receives everything the adapter reads off the wire.
// OnClosed is called exactly once, with nil after a local Close.
type SignalHandler interface {
	OnFrame(Frame)
	OnClosed(error)
}

type SignalDialer interface {
	Dial(ctx context.Context, sid domain.SessionID, h SignalHandler) (SignalConnection, error)
}

// Requester is the round-trip surface the Session Service signals through.
type Requester interface {
	SendMessage(msg Message) error
	// Request sends msg and waits for the inbound message registered under responseKey.
	Request(ctx context.Context, msg Message, responseKey string) (Message, error)
}

// Presence notifies an external service that the local user entered or left a session.
// Calls are fire-and-forget.
type Presence interface {
	JoinSession(sid domain.SessionID)
	LeaveSession()
}
