package orch

import (
	"context"
	"errors"

	"github.com/dkeye/voice-client/internal/app/session"
	"github.com/dkeye/voice-client/internal/app/sfu"
	"github.com/dkeye/voice-client/internal/core"
	"github.com/dkeye/voice-client/internal/domain"
	"github.com/rs/zerolog/log"
)

// startNegotiation reacts to the relay's Init. Only the first Init of a session counts.
func (o *Orchestrator) startNegotiation(gen uint64, state State, msg core.Message) {
	if state != StateConnecting {
		log.Warn().Str("module", "orch").Str("state", state.String()).Msg("ignoring duplicate Init")
		return
	}
	var init core.InitPayload
	if err := msg.Decode(&init); err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("bad Init")
		go o.teardown(gen, err)
		return
	}
	o.mu.Lock()
	if o.gen == gen {
		o.state = StateNegotiating
	}
	o.mu.Unlock()
	o.spawn(func(ctx context.Context) {
		err := o.negotiate(ctx, init)
		o.post(gen, event{negotiated: &negotiation{gen: gen, err: err}})
	})
}

func (o *Orchestrator) negotiate(ctx context.Context, init core.InitPayload) error {
	if err := o.session.InitializeCapabilities(init.RouterRtpCapabilities); err != nil {
		return err
	}
	caps, _ := o.session.Capabilities()
	reply, err := core.NewMessage(core.ActionInit, core.LocalInitPayload{RtpCapabilities: caps})
	if err != nil {
		return err
	}
	if err := o.SendMessage(reply); err != nil {
		return err
	}
	return o.session.CreateTransports(ctx, init.ProducerTransport, init.ConsumerTransport, o)
}

// finishNegotiation runs on the reactor, so the replay below happens before
// any message received after it.
func (o *Orchestrator) finishNegotiation(n negotiation) {
	if n.err != nil {
		if !errors.Is(n.err, context.Canceled) {
			log.Error().Err(n.err).Str("module", "orch").Msg("negotiation failed")
		}
		go o.teardown(n.gen, n.err)
		return
	}
	o.mu.Lock()
	if o.gen != n.gen {
		o.mu.Unlock()
		return
	}
	o.state = StateConnected
	queued := o.pending
	o.pending = nil
	sid := o.sid
	o.mu.Unlock()

	log.Info().Str("module", "orch").Str("sid", string(sid)).Int("replayed", len(queued)).Msg("session connected")
	o.emitState(StateConnected)
	for _, msg := range queued {
		o.dispatch(msg)
	}
}

// consume subscribes to a producer the relay announced.
func (o *Orchestrator) consume(ctx context.Context, added core.ProducerAddedPayload) {
	logger := log.With().Str("module", "orch").Str("producer", string(added.ID)).Str("participant", string(added.Participant)).Logger()
	caps, ok := o.session.Capabilities()
	if !ok {
		logger.Warn().Msg("producer announced before capabilities")
		return
	}
	req, err := core.NewMessage(core.ActionConsume, core.ConsumePayload{ProducerID: added.ID, RtpCapabilities: caps})
	if err != nil {
		logger.Error().Err(err).Msg("consume request")
		return
	}
	resp, err := o.Request(ctx, req, core.ResponseKey(core.ActionConsumed, string(added.ID)))
	if err != nil {
		if !errors.Is(err, core.ErrClosed) && ctx.Err() == nil {
			logger.Error().Err(err).Msg("consume failed")
		}
		return
	}
	var consumed core.ConsumedPayload
	if err := resp.Decode(&consumed); err != nil {
		logger.Error().Err(err).Msg("bad Consumed")
		return
	}
	if consumed.ParticipantID == "" {
		consumed.ParticipantID = added.Participant
	}
	if consumed.AppData == (domain.AppData{}) {
		consumed.AppData = added.AppData
	}
	if _, err := o.session.CreateConsumer(ctx, consumed, o.emitTrackAdded); err != nil {
		logger.Error().Err(err).Str("consumer", string(consumed.ID)).Msg("create consumer failed")
		return
	}
	logger.Info().Str("consumer", string(consumed.ID)).Str("kind", string(consumed.Kind)).Msg("consuming")
}

func (o *Orchestrator) OnStateChange(fn func(State)) {
	o.lmu.Lock()
	defer o.lmu.Unlock()
	o.onState = append(o.onState, fn)
}

func (o *Orchestrator) OnTrackAdded(fn session.TrackAddedFunc) {
	o.lmu.Lock()
	defer o.lmu.Unlock()
	o.onTrackAdd = append(o.onTrackAdd, fn)
}

func (o *Orchestrator) OnTrackRemoved(fn session.TrackRemovedFunc) {
	o.lmu.Lock()
	defer o.lmu.Unlock()
	o.onTrackDel = append(o.onTrackDel, fn)
}

// OnRelayError is told about every Error message from the relay.
func (o *Orchestrator) OnRelayError(fn func(core.ErrorPayload)) {
	o.lmu.Lock()
	defer o.lmu.Unlock()
	o.onRelayError = append(o.onRelayError, fn)
}

// emitState reports transitions as callers see them.
func (o *Orchestrator) emitState(s State) {
	o.lmu.RLock()
	fns := append([]func(State){}, o.onState...)
	o.lmu.RUnlock()
	ext := s.External()
	for _, fn := range fns {
		fn(ext)
	}
}

func (o *Orchestrator) emitTrackAdded(track *sfu.RemoteTrack, cid domain.ConsumerID, pid domain.ProducerID) {
	o.lmu.RLock()
	fns := append([]session.TrackAddedFunc{}, o.onTrackAdd...)
	o.lmu.RUnlock()
	for _, fn := range fns {
		fn(track, cid, pid)
	}
}

func (o *Orchestrator) emitTrackRemoved(cid domain.ConsumerID, pid domain.ProducerID) {
	o.lmu.RLock()
	fns := append([]session.TrackRemovedFunc{}, o.onTrackDel...)
	o.lmu.RUnlock()
	for _, fn := range fns {
		fn(cid, pid)
	}
}

func (o *Orchestrator) emitRelayError(ep core.ErrorPayload) {
	o.lmu.RLock()
	fns := append([]func(core.ErrorPayload){}, o.onRelayError...)
	o.lmu.RUnlock()
	for _, fn := range fns {
		fn(ep)
	}
}
