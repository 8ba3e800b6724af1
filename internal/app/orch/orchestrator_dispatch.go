package orch

import (
	"context"
	"fmt"

	"github.com/dkeye/voice-client/internal/core"
	"github.com/dkeye/voice-client/internal/domain"
	"github.com/rs/zerolog/log"
)

type event struct {
	frame      core.Frame
	negotiated *negotiation
}

type negotiation struct {
	gen uint64
	err error
}

// responseFunc is a single-shot continuation from the response table.
type responseFunc func(core.Message, error)

// requestResponse pairs each request with the action that answers it.
var requestResponse = map[core.Action]core.Action{
	core.ActionConnectProducerTransport: core.ActionConnectedProducerTransport,
	core.ActionConnectConsumerTransport: core.ActionConnectedConsumerTransport,
	core.ActionProduce:                  core.ActionProduced,
	core.ActionConsume:                  core.ActionConsumed,
}

func (o *Orchestrator) post(gen uint64, ev event) {
	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return
	}
	inbox, ctx := o.inbox, o.ctx
	o.mu.Unlock()
	select {
	case inbox <- ev:
	case <-ctx.Done():
	}
}

// run is the reactor: every inbound message of a session is handled here, in order.
func (o *Orchestrator) run(ctx context.Context, inbox <-chan event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-inbox:
			if ev.negotiated != nil {
				o.finishNegotiation(*ev.negotiated)
				continue
			}
			msg, err := core.DecodeMessage(ev.frame)
			if err != nil {
				log.Warn().Err(err).Str("module", "orch").Msg("dropping malformed message")
				continue
			}
			o.receive(msg)
		}
	}
}

// receive routes one inbound message according to the session state.
func (o *Orchestrator) receive(msg core.Message) {
	if o.claim(msg) {
		return
	}
	o.mu.Lock()
	state, gen := o.state, o.gen
	switch {
	case msg.Action == core.ActionInit:
		o.mu.Unlock()
		o.startNegotiation(gen, state, msg)
		return
	case state == StateConnecting || state == StateNegotiating:
		o.pending = append(o.pending, msg)
		n := len(o.pending)
		o.mu.Unlock()
		log.Debug().Str("module", "orch").Str("action", string(msg.Action)).Int("queued", n).Msg("queued until negotiated")
		return
	case state == StateDisconnected:
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()
	o.dispatch(msg)
}

// claim offers msg to the response table. Responses answer our own requests
// and are never queued.
func (o *Orchestrator) claim(msg core.Message) bool {
	keys := responseKeys(msg)
	o.mu.Lock()
	var fn responseFunc
	for _, k := range keys {
		if f, ok := o.table[k]; ok {
			fn = f
			delete(o.table, k)
			break
		}
	}
	o.mu.Unlock()
	if fn == nil {
		return false
	}
	if msg.Action == core.ActionError {
		var ep core.ErrorPayload
		_ = msg.Decode(&ep)
		o.emitRelayError(ep)
		fn(msg, fmt.Errorf("%w: %s", domain.ErrRelay, ep.Message))
		return true
	}
	fn(msg, nil)
	return true
}

// responseKeys lists the table keys msg may answer, most specific first.
func responseKeys(msg core.Message) []string {
	switch msg.Action {
	case core.ActionConsumed:
		var c struct {
			ProducerID string `json:"producerId"`
		}
		if err := msg.Decode(&c); err == nil && c.ProducerID != "" {
			return []string{core.ResponseKey(msg.Action, c.ProducerID), string(msg.Action)}
		}
	case core.ActionError:
		var ep core.ErrorPayload
		if err := msg.Decode(&ep); err != nil || ep.Action == "" {
			return nil
		}
		action := ep.Action
		if resp, ok := requestResponse[action]; ok {
			action = resp
		}
		if ep.ID != "" {
			return []string{core.ResponseKey(action, ep.ID)}
		}
		return []string{string(action)}
	}
	return []string{string(msg.Action)}
}

// dispatch handles a message nobody was waiting for.
func (o *Orchestrator) dispatch(msg core.Message) {
	switch msg.Action {
	case core.ActionProducerAdded:
		var added core.ProducerAddedPayload
		if err := msg.Decode(&added); err != nil {
			log.Warn().Err(err).Str("module", "orch").Msg("bad ProducerAdded")
			return
		}
		o.spawn(func(ctx context.Context) { o.consume(ctx, added) })
	case core.ActionProducerRemoved:
		var removed core.ProducerRemovedPayload
		if err := msg.Decode(&removed); err != nil {
			log.Warn().Err(err).Str("module", "orch").Msg("bad ProducerRemoved")
			return
		}
		n := o.session.RemoveConsumersOfProducer(removed.ProducerID, o.emitTrackRemoved)
		log.Info().Str("module", "orch").Str("producer", string(removed.ProducerID)).Str("participant", string(removed.ParticipantID)).Int("consumers", n).Msg("remote producer removed")
	case core.ActionError:
		var ep core.ErrorPayload
		if err := msg.Decode(&ep); err != nil {
			ep.Message = string(msg.Data)
		}
		log.Error().Str("module", "orch").Str("sid", string(o.SessionID())).Str("action", string(ep.Action)).Str("message", ep.Message).Msg("relay error")
		o.emitRelayError(ep)
	default:
		log.Warn().Str("module", "orch").Str("action", string(msg.Action)).Msg("unrecognized message")
	}
}

// OnResponse registers a single-shot callback for key. A second registration replaces the first.
func (o *Orchestrator) OnResponse(key string, fn func(core.Message, error)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.table[key] = fn
}

// Request sends msg and waits for the message registered under responseKey.
// Requests sharing a key run one at a time.
func (o *Orchestrator) Request(ctx context.Context, msg core.Message, responseKey string) (core.Message, error) {
	release, err := o.lockKey(ctx, responseKey)
	if err != nil {
		return core.Message{}, err
	}
	defer release()

	ch := make(chan result, 1)
	fn := responseFunc(func(m core.Message, err error) { ch <- result{msg: m, err: err} })
	o.mu.Lock()
	if o.conn == nil {
		o.mu.Unlock()
		return core.Message{}, domain.ErrChannelNotReady
	}
	o.table[responseKey] = fn
	o.mu.Unlock()

	if err := o.SendMessage(msg); err != nil {
		o.dropResponse(responseKey)
		return core.Message{}, err
	}

	timer := ctx
	if o.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		timer, cancel = context.WithTimeout(ctx, o.opts.RequestTimeout)
		defer cancel()
	}
	select {
	case r := <-ch:
		return r.msg, r.err
	case <-timer.Done():
		o.dropResponse(responseKey)
		return core.Message{}, fmt.Errorf("%s: %w", msg.Action, timer.Err())
	}
}

type result struct {
	msg core.Message
	err error
}

func (o *Orchestrator) dropResponse(key string) {
	o.mu.Lock()
	delete(o.table, key)
	o.mu.Unlock()
}

func (o *Orchestrator) lockKey(ctx context.Context, key string) (func(), error) {
	o.mu.Lock()
	sem, ok := o.keys[key]
	if !ok {
		sem = make(chan struct{}, 1)
		o.keys[key] = sem
	}
	o.mu.Unlock()
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
