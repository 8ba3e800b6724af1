package sfu

import (
	"sync/atomic"

	"github.com/dkeye/voice-client/internal/core"
)

type ProducerState int32

const (
	ProducerLive ProducerState = iota
	ProducerPaused
	ProducerClosed
)

func (s ProducerState) String() string {
	switch s {
	case ProducerLive:
		return "live"
	case ProducerPaused:
		return "paused"
	case ProducerClosed:
		return "closed"
	}
	return "unknown"
}

type transformBox struct{ core.FrameTransform }

// sendControl is shared by every SenderTrack a producer has bound,
// so replacing the source keeps pause state and transform.
type sendControl struct {
	state     atomic.Int32 // Zero by default (ProducerLive)
	transform atomic.Pointer[transformBox]
}

func (c *sendControl) State() ProducerState {
	return ProducerState(c.state.Load())
}

func (c *sendControl) markLive() bool {
	return c.state.CompareAndSwap(int32(ProducerPaused), int32(ProducerLive))
}

func (c *sendControl) markPaused() bool {
	return c.state.CompareAndSwap(int32(ProducerLive), int32(ProducerPaused))
}

func (c *sendControl) markClosed() bool {
	return ProducerState(c.state.Swap(int32(ProducerClosed))) != ProducerClosed
}

func (c *sendControl) setTransform(t core.FrameTransform) {
	if t == nil {
		c.transform.Store(nil)
		return
	}
	c.transform.Store(&transformBox{t})
}

func (c *sendControl) currentTransform() core.FrameTransform {
	if b := c.transform.Load(); b != nil {
		return b.FrameTransform
	}
	return nil
}
