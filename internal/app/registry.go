package app

import (
	"fmt"
	"sync"

	"github.com/dkeye/voice-client/internal/app/sfu"
	"github.com/dkeye/voice-client/internal/domain"
	"github.com/rs/zerolog/log"
)

// Registry holds the producers and consumers of one session.
type Registry struct {
	mu        sync.RWMutex
	producers map[domain.ProducerKey]*sfu.Producer
	consumers map[domain.ConsumerID]*sfu.Consumer
}

func NewRegistry() *Registry {
	return &Registry{
		producers: make(map[domain.ProducerKey]*sfu.Producer),
		consumers: make(map[domain.ConsumerID]*sfu.Consumer),
	}
}

// AddProducer fails with ErrProducerExists and returns the registered one
// when the (kind, source) slot is taken.
func (r *Registry) AddProducer(p *sfu.Producer) (*sfu.Producer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := p.Key()
	if existing, ok := r.producers[key]; ok {
		return existing, fmt.Errorf("%w: %s", domain.ErrProducerExists, key)
	}
	r.producers[key] = p
	log.Info().Str("module", "app.registry").Str("producer", string(p.ID())).Str("key", key.String()).Msg("registered producer")
	return p, nil
}

func (r *Registry) Producer(key domain.ProducerKey) (*sfu.Producer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.producers[key]
	return p, ok
}

func (r *Registry) ProducerByID(id domain.ProducerID) (*sfu.Producer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.producers {
		if p.ID() == id {
			return p, true
		}
	}
	return nil, false
}

// RemoveProducer drops p only if it still owns its slot.
func (r *Registry) RemoveProducer(p *sfu.Producer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := p.Key()
	if cur, ok := r.producers[key]; !ok || cur != p {
		return false
	}
	delete(r.producers, key)
	log.Info().Str("module", "app.registry").Str("producer", string(p.ID())).Str("key", key.String()).Msg("unregistered producer")
	return true
}

func (r *Registry) Producers() []*sfu.Producer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*sfu.Producer, 0, len(r.producers))
	for _, p := range r.producers {
		out = append(out, p)
	}
	return out
}

func (r *Registry) AddConsumer(c *sfu.Consumer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consumers[c.ID()] = c
	log.Info().Str("module", "app.registry").Str("consumer", string(c.ID())).Str("producer", string(c.ProducerID())).Msg("registered consumer")
}

func (r *Registry) Consumer(id domain.ConsumerID) (*sfu.Consumer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.consumers[id]
	return c, ok
}

func (r *Registry) RemoveConsumer(id domain.ConsumerID) (*sfu.Consumer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.consumers[id]
	if ok {
		delete(r.consumers, id)
		log.Info().Str("module", "app.registry").Str("consumer", string(id)).Msg("unregistered consumer")
	}
	return c, ok
}

// ConsumersOf lists the consumers fed by a remote producer.
func (r *Registry) ConsumersOf(pid domain.ProducerID) []*sfu.Consumer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*sfu.Consumer
	for _, c := range r.consumers {
		if c.ProducerID() == pid {
			out = append(out, c)
		}
	}
	return out
}

func (r *Registry) Consumers() []*sfu.Consumer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*sfu.Consumer, 0, len(r.consumers))
	for _, c := range r.consumers {
		out = append(out, c)
	}
	return out
}

// Drain empties the registry and hands back everything it held.
func (r *Registry) Drain() ([]*sfu.Producer, []*sfu.Consumer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ps := make([]*sfu.Producer, 0, len(r.producers))
	for _, p := range r.producers {
		ps = append(ps, p)
	}
	cs := make([]*sfu.Consumer, 0, len(r.consumers))
	for _, c := range r.consumers {
		cs = append(cs, c)
	}
	r.producers = make(map[domain.ProducerKey]*sfu.Producer)
	r.consumers = make(map[domain.ConsumerID]*sfu.Consumer)
	log.Info().Str("module", "app.registry").Int("producers", len(ps)).Int("consumers", len(cs)).Msg("drained registry")
	return ps, cs
}
