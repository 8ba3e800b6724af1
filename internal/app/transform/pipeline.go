// Package transform runs per-frame encryption and decryption in isolated workers
// that talk to the external encryption service.
package transform

import (
	"context"
	"fmt"
	"time"

	"github.com/dkeye/voice-client/internal/app/codec"
	"github.com/dkeye/voice-client/internal/core"
	"github.com/rs/zerolog/log"
)

type Mechanism string

const (
	// MechanismScript runs one dedicated worker per direction.
	MechanismScript Mechanism = "script"
	// MechanismStreams runs a single worker shared by both directions.
	MechanismStreams Mechanism = "streams"
	MechanismNone    Mechanism = "none"
)

func ParseMechanism(s string) (Mechanism, bool) {
	switch Mechanism(s) {
	case MechanismScript, MechanismStreams, MechanismNone:
		return Mechanism(s), true
	}
	return "", false
}

type Options struct {
	QueueSize   int
	MaxInFlight int64
	CallTimeout time.Duration
	// Ordered allows a single service call in flight per worker.
	Ordered bool
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = 64
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 200 * time.Millisecond
	}
	return o
}

type Stats struct {
	Mechanism Mechanism `json:"mechanism"`
	Workers   int       `json:"workers"`
	Submitted uint64    `json:"submitted"`
	Completed uint64    `json:"completed"`
	Dropped   uint64    `json:"dropped"`
	Failed    uint64    `json:"failed"`
	Discarded uint64    `json:"discarded"`
}

// Pipeline owns the workers of one session.
type Pipeline struct {
	mechanism Mechanism
	encrypt   *worker
	decrypt   *worker
	workers   []*worker
	stats     counters
}

// NewPipeline opens the cipher channels the mechanism needs and starts its workers.
func NewPipeline(ctx context.Context, mech Mechanism, svc core.CipherService, opts Options) (*Pipeline, error) {
	opts = opts.withDefaults()
	p := &Pipeline{mechanism: mech}

	switch mech {
	case MechanismNone:
	case MechanismScript:
		enc, err := svc.Open(ctx)
		if err != nil {
			return nil, fmt.Errorf("open encrypt channel: %w", err)
		}
		dec, err := svc.Open(ctx)
		if err != nil {
			_ = enc.Close()
			return nil, fmt.Errorf("open decrypt channel: %w", err)
		}
		p.encrypt = newWorker("encrypt", enc, opts, &p.stats)
		p.decrypt = newWorker("decrypt", dec, opts, &p.stats)
		p.workers = []*worker{p.encrypt, p.decrypt}
	case MechanismStreams:
		c, err := svc.Open(ctx)
		if err != nil {
			return nil, fmt.Errorf("open shared channel: %w", err)
		}
		shared := newWorker("shared", c, opts, &p.stats)
		p.encrypt, p.decrypt = shared, shared
		p.workers = []*worker{shared}
	default:
		return nil, fmt.Errorf("unknown transform mechanism %q", mech)
	}

	for _, w := range p.workers {
		w.start()
	}
	log.Info().Str("module", "transform").Str("mechanism", string(mech)).Int("workers", len(p.workers)).Msg("pipeline started")
	return p, nil
}

func (p *Pipeline) Mechanism() Mechanism { return p.mechanism }

// Encryptor is nil when media flows unencrypted.
func (p *Pipeline) Encryptor() core.FrameTransform {
	if p.encrypt == nil {
		return nil
	}
	return &directional{w: p.encrypt, dir: dirEncrypt}
}

func (p *Pipeline) Decryptor() core.FrameTransform {
	if p.decrypt == nil {
		return nil
	}
	return &directional{w: p.decrypt, dir: dirDecrypt}
}

// UpdateCodecs hands every worker its own copy of the mapping.
func (p *Pipeline) UpdateCodecs(m codec.Mapping) {
	for _, w := range p.workers {
		w.updateCodecs(m)
	}
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Mechanism: p.mechanism,
		Workers:   len(p.workers),
		Submitted: p.stats.submitted.Load(),
		Completed: p.stats.completed.Load(),
		Dropped:   p.stats.dropped.Load(),
		Failed:    p.stats.failed.Load(),
		Discarded: p.stats.discarded.Load(),
	}
}

// Close stops issuing work synchronously. It does not wait for in-flight calls.
func (p *Pipeline) Close() {
	for _, w := range p.workers {
		w.close()
	}
	log.Info().Str("module", "transform").Str("mechanism", string(p.mechanism)).Msg("pipeline closed")
}

// Wait blocks until all workers and their in-flight calls returned.
func (p *Pipeline) Wait() {
	for _, w := range p.workers {
		w.wait()
	}
}

type directional struct {
	w   *worker
	dir direction
}

func (d *directional) Submit(f core.EncodedFrame, done func([]byte, error)) error {
	payload := make([]byte, len(f.Payload))
	copy(payload, f.Payload)
	return d.w.submit(job{
		dir:   d.dir,
		frame: core.EncodedFrame{PayloadType: f.PayloadType, Payload: payload},
		done:  done,
	})
}
