package cryptosvc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/dkeye/voice-client/internal/core"
	"github.com/dkeye/voice-client/internal/domain"
	"github.com/rs/zerolog/log"
)

type reply struct {
	payload []byte
	err     error
}

// channel multiplexes concurrent calls over one stream by request id.
type channel struct {
	rwc   io.ReadWriteCloser
	modes core.CipherModes

	wmu sync.Mutex

	mu      sync.Mutex
	nextID  uint32
	pending map[uint32]chan reply
	err     error

	hello     chan core.CipherModes
	done      chan struct{}
	closeOnce sync.Once
}

func newChannel(rwc io.ReadWriteCloser) *channel {
	ch := &channel{
		rwc:     rwc,
		pending: make(map[uint32]chan reply),
		hello:   make(chan core.CipherModes, 1),
		done:    make(chan struct{}),
	}
	go ch.readLoop()
	return ch
}

func (ch *channel) handshake(ctx context.Context) error {
	if err := ch.write(typeHello, nil); err != nil {
		return fmt.Errorf("hello: %w", err)
	}
	select {
	case m := <-ch.hello:
		ch.modes = m
		return nil
	case <-ch.done:
		return fmt.Errorf("hello: %w", ch.failure())
	case <-ctx.Done():
		return fmt.Errorf("hello: %w", ctx.Err())
	}
}

func (ch *channel) Encrypt(ctx context.Context, payload []byte, codec domain.CodecKind) ([]byte, error) {
	return ch.call(ctx, typeEncrypt, payload, codec)
}

func (ch *channel) Decrypt(ctx context.Context, payload []byte, codec domain.CodecKind) ([]byte, error) {
	return ch.call(ctx, typeDecrypt, payload, codec)
}

func (ch *channel) call(ctx context.Context, typ byte, payload []byte, codec domain.CodecKind) ([]byte, error) {
	done := make(chan reply, 1)
	ch.mu.Lock()
	if ch.err != nil {
		err := ch.err
		ch.mu.Unlock()
		return nil, err
	}
	ch.nextID++
	id := ch.nextID
	ch.pending[id] = done
	ch.mu.Unlock()

	if err := ch.write(typ, message{id: id, codec: codec, payload: payload}.marshal()); err != nil {
		ch.forget(id)
		return nil, err
	}
	select {
	case r := <-done:
		return r.payload, r.err
	case <-ctx.Done():
		ch.forget(id)
		return nil, ctx.Err()
	}
}

func (ch *channel) forget(id uint32) {
	ch.mu.Lock()
	delete(ch.pending, id)
	ch.mu.Unlock()
}

func (ch *channel) write(typ byte, body []byte) error {
	ch.wmu.Lock()
	defer ch.wmu.Unlock()
	if err := writeFrame(ch.rwc, typ, body); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (ch *channel) readLoop() {
	r := bufio.NewReader(ch.rwc)
	for {
		typ, body, err := readFrame(r)
		if err != nil {
			ch.fail(err)
			return
		}
		switch typ {
		case typeHelloAck:
			if len(body) < 1 {
				ch.fail(fmt.Errorf("%w: empty hello-ack", ErrProtocol))
				return
			}
			select {
			case ch.hello <- core.CipherModes(body[0]):
			default:
			}
		case typeResult, typeError:
			m, err := parseMessage(body)
			if err != nil {
				ch.fail(err)
				return
			}
			r := reply{payload: m.payload}
			if typ == typeError {
				r = reply{err: fmt.Errorf("%w: %s", ErrRemote, m.payload)}
			}
			ch.deliver(m.id, r)
		default:
			log.Warn().Str("module", "cryptosvc").Uint8("type", typ).Msg("unexpected frame")
		}
	}
}

// deliver drops replies nobody waits for anymore.
func (ch *channel) deliver(id uint32, r reply) {
	ch.mu.Lock()
	done, ok := ch.pending[id]
	delete(ch.pending, id)
	ch.mu.Unlock()
	if ok {
		done <- r
	}
}

func (ch *channel) fail(err error) {
	ch.mu.Lock()
	if ch.err == nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
			err = core.ErrClosed
		}
		ch.err = err
	}
	pending := ch.pending
	ch.pending = make(map[uint32]chan reply)
	failure := ch.err
	ch.mu.Unlock()

	for _, done := range pending {
		done <- reply{err: failure}
	}
	ch.closeOnce.Do(func() { close(ch.done) })
}

func (ch *channel) failure() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.err
}

// Close ends the stream. Calls in flight fail with core.ErrClosed.
func (ch *channel) Close() error {
	ch.mu.Lock()
	if ch.err == nil {
		ch.err = core.ErrClosed
	}
	ch.mu.Unlock()
	err := ch.rwc.Close()
	ch.fail(core.ErrClosed)
	return err
}
