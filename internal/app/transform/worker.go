package transform

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/voice-client/internal/app/codec"
	"github.com/dkeye/voice-client/internal/core"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

type direction uint8

const (
	dirEncrypt direction = iota
	dirDecrypt
)

func (d direction) String() string {
	if d == dirEncrypt {
		return "encrypt"
	}
	return "decrypt"
}

type job struct {
	dir   direction
	frame core.EncodedFrame
	done  func([]byte, error)
}

type counters struct {
	submitted atomic.Uint64
	completed atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
	discarded atomic.Uint64
}

// worker is an isolated transform context. Its state is only touched by its
// own goroutine; everything else reaches it through inbox and ctrl.
type worker struct {
	name   string
	cipher core.Cipher
	inbox  chan job
	ctrl   chan codec.Mapping
	sem    *semaphore.Weighted
	stats  *counters

	callTimeout time.Duration
	codecs      codec.Mapping

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	wg     sync.WaitGroup
	logger zerolog.Logger
}

func newWorker(name string, c core.Cipher, opts Options, stats *counters) *worker {
	ctx, cancel := context.WithCancel(context.Background())
	inFlight := opts.MaxInFlight
	if opts.Ordered {
		inFlight = 1
	}
	return &worker{
		name:        name,
		cipher:      c,
		inbox:       make(chan job, opts.QueueSize),
		ctrl:        make(chan codec.Mapping, 1),
		sem:         semaphore.NewWeighted(inFlight),
		stats:       stats,
		callTimeout: opts.CallTimeout,
		ctx:         ctx,
		cancel:      cancel,
		logger:      log.With().Str("module", "transform").Str("worker", name).Logger(),
	}
}

func (w *worker) start() {
	w.wg.Add(1)
	go w.run()
}

func (w *worker) run() {
	defer w.wg.Done()
	w.logger.Debug().Msg("worker started")
	for {
		select {
		case <-w.ctx.Done():
			w.logger.Debug().Msg("worker stopped")
			return
		case m := <-w.ctrl:
			w.codecs = m
		case j := <-w.inbox:
			// codec updates queued before this frame must apply to it
			select {
			case m := <-w.ctrl:
				w.codecs = m
			default:
			}
			w.dispatch(j)
		}
	}
}

func (w *worker) dispatch(j job) {
	if err := w.sem.Acquire(w.ctx, 1); err != nil {
		w.stats.discarded.Add(1)
		return
	}
	hint := w.codecs.Lookup(j.frame.PayloadType)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.sem.Release(1)

		ctx, cancel := context.WithTimeout(w.ctx, w.callTimeout)
		defer cancel()

		var (
			out []byte
			err error
		)
		if j.dir == dirEncrypt {
			out, err = w.cipher.Encrypt(ctx, j.frame.Payload, hint)
		} else {
			out, err = w.cipher.Decrypt(ctx, j.frame.Payload, hint)
		}

		if w.ctx.Err() != nil {
			w.stats.discarded.Add(1)
			return
		}
		if err != nil {
			w.stats.failed.Add(1)
			w.logger.Debug().Err(err).Str("dir", j.dir.String()).Str("codec", hint.String()).Msg("frame dropped")
			j.done(nil, err)
			return
		}
		w.stats.completed.Add(1)
		j.done(out, nil)
	}()
}

func (w *worker) submit(j job) error {
	if w.closed.Load() {
		return core.ErrClosed
	}
	select {
	case w.inbox <- j:
		w.stats.submitted.Add(1)
		return nil
	default:
		w.stats.dropped.Add(1)
		return core.ErrBackpressure
	}
}

// updateCodecs keeps only the latest mapping if the worker has not read the previous one.
func (w *worker) updateCodecs(m codec.Mapping) {
	for {
		select {
		case w.ctrl <- m:
			return
		default:
		}
		select {
		case <-w.ctrl:
		default:
		}
	}
}

// close stops new work right away; in-flight completions are discarded.
func (w *worker) close() {
	if !w.closed.CompareAndSwap(false, true) {
		return
	}
	w.cancel()
	if err := w.cipher.Close(); err != nil {
		w.logger.Warn().Err(err).Msg("cipher close")
	}
}

// wait blocks until the worker goroutine and every in-flight call returned.
func (w *worker) wait() { w.wg.Wait() }
