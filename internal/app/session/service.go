// Package session owns the per-session media state: capabilities,
// transports, producers, consumers and the frame transform pipeline.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/voice-client/internal/app"
	"github.com/dkeye/voice-client/internal/app/capability"
	"github.com/dkeye/voice-client/internal/app/codec"
	"github.com/dkeye/voice-client/internal/app/sfu"
	"github.com/dkeye/voice-client/internal/app/transform"
	"github.com/dkeye/voice-client/internal/core"
	"github.com/dkeye/voice-client/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrNoCommonCodec = errors.New("no codec shared with the router")

// TrackAddedFunc receives a playable remote track once its consumer exists.
type TrackAddedFunc func(track *sfu.RemoteTrack, consumerID domain.ConsumerID, producerID domain.ProducerID)

// TrackRemovedFunc is told when a remote track goes away.
type TrackRemovedFunc func(consumerID domain.ConsumerID, producerID domain.ProducerID)

type Options struct {
	// Mechanism is "auto" or a transform mechanism to force.
	Mechanism string
	// RequireEncryption refuses to publish when no transform is available.
	RequireEncryption bool
	Transform         transform.Options
}

type Service struct {
	factory core.TransportFactory
	cipher  core.CipherService
	devices core.MediaDevices
	opts    Options

	registry *app.Registry
	// produceMu serializes producer creation so a slot is only ever produced once.
	produceMu sync.Mutex

	mu        sync.RWMutex
	caps      *domain.RtpCapabilities
	send      core.SendTransport
	recv      core.RecvTransport
	requester core.Requester
	codecs    *codec.Registry
	detector  *capability.Detector
	report    capability.Report
	pipeline  *transform.Pipeline
	onEnded   TrackRemovedFunc
}

// NewService wires a session service. cipher and devices may be nil.
func NewService(factory core.TransportFactory, cipher core.CipherService, devices core.MediaDevices, opts Options) *Service {
	return &Service{
		factory:  factory,
		cipher:   cipher,
		devices:  devices,
		opts:     opts,
		registry: app.NewRegistry(),
		codecs:   codec.NewRegistry(),
	}
}

// OnTrackEnded registers the listener told when a remote track ends on its own.
func (s *Service) OnTrackEnded(fn TrackRemovedFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEnded = fn
}

// InitializeCapabilities derives the session's capability set from the router's.
func (s *Service) InitializeCapabilities(router domain.RtpCapabilities) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.caps != nil {
		return domain.ErrCapabilitiesInitialized
	}
	caps := intersect(router, s.factory.LocalCapabilities())
	if caps.Empty() {
		return ErrNoCommonCodec
	}
	s.caps = &caps
	log.Info().Str("module", "session").Int("codecs", len(caps.Codecs)).Int("extensions", len(caps.HeaderExtensions)).Msg("capabilities initialized")
	return nil
}

func (s *Service) Capabilities() (domain.RtpCapabilities, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.caps == nil {
		return domain.RtpCapabilities{}, false
	}
	return *s.caps, true
}

// CreateTransports builds both transports and the transform pipeline.
// Transport negotiation goes through req.
func (s *Service) CreateTransports(ctx context.Context, sendOpts, recvOpts domain.TransportOptions, req core.Requester) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.caps == nil {
		return domain.ErrCapabilitiesMissing
	}
	if s.send != nil || s.recv != nil {
		return domain.ErrTransportsExist
	}

	pipeline, report := s.selectPipeline(ctx)

	send, err := s.factory.NewSendTransport(ctx, sendOpts, *s.caps, core.TransportHooks{
		OnConnect: func(ctx context.Context, dtls domain.DtlsParameters) error {
			return roundTrip(ctx, req, core.ActionConnectProducerTransport, core.ActionConnectedProducerTransport,
				core.ConnectTransportPayload{DtlsParameters: dtls}, nil)
		},
		OnProduce: func(ctx context.Context, pr core.ProduceRequest) (domain.ProducerID, error) {
			var produced core.ProducedPayload
			err := roundTrip(ctx, req, core.ActionProduce, core.ActionProduced, core.ProducePayload{
				Kind:          pr.Kind,
				RtpParameters: pr.RtpParameters,
				AppData:       pr.AppData,
			}, &produced)
			return produced.ID, err
		},
		OnStateChange: transportStateLogger(domain.DirectionSend),
	})
	if err != nil {
		pipeline.Close()
		return fmt.Errorf("create send transport: %w", err)
	}

	recv, err := s.factory.NewRecvTransport(ctx, recvOpts, *s.caps, core.TransportHooks{
		OnConnect: func(ctx context.Context, dtls domain.DtlsParameters) error {
			return roundTrip(ctx, req, core.ActionConnectConsumerTransport, core.ActionConnectedConsumerTransport,
				core.ConnectTransportPayload{DtlsParameters: dtls}, nil)
		},
		OnStateChange: transportStateLogger(domain.DirectionRecv),
	})
	if err != nil {
		send.Close()
		pipeline.Close()
		return fmt.Errorf("create recv transport: %w", err)
	}

	s.send, s.recv, s.requester = send, recv, req
	s.pipeline, s.report = pipeline, report
	pipeline.UpdateCodecs(s.codecs.Snapshot())

	log.Info().
		Str("module", "session").
		Str("send", send.ID()).
		Str("recv", recv.ID()).
		Str("mechanism", string(pipeline.Mechanism())).
		Msg("transports created")
	return nil
}

// selectPipeline runs capability detection once per session and starts the matching workers.
// Any failure degrades to unencrypted media.
func (s *Service) selectPipeline(ctx context.Context) (*transform.Pipeline, capability.Report) {
	if s.detector == nil {
		s.detector = capability.NewDetector(s.cipher, s.devices, s.opts.Mechanism)
	}
	report, err := s.detector.Detect(ctx)
	if err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("capability detection failed")
	}
	mech := report.Mechanism
	if mech == "" {
		mech = transform.MechanismNone
	}

	pipeline, err := transform.NewPipeline(ctx, mech, s.cipher, s.opts.Transform)
	if err != nil {
		log.Warn().Err(err).Str("module", "session").Str("mechanism", string(mech)).Msg("transform pipeline unavailable")
		pipeline, _ = transform.NewPipeline(ctx, transform.MechanismNone, nil, s.opts.Transform)
		report.Mechanism = transform.MechanismNone
	}
	if pipeline.Mechanism() == transform.MechanismNone {
		if s.opts.RequireEncryption {
			log.Warn().Str("module", "session").Msg("end-to-end encryption unavailable, publishing disabled")
		} else {
			log.Warn().Str("module", "session").Msg("end-to-end encryption unavailable, media flows unencrypted")
		}
	}
	return pipeline, report
}

func roundTrip(ctx context.Context, req core.Requester, action, response core.Action, payload, out any) error {
	msg, err := core.NewMessage(action, payload)
	if err != nil {
		return err
	}
	resp, err := req.Request(ctx, msg, core.ResponseKey(response, ""))
	if err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	if out == nil {
		return nil
	}
	return resp.Decode(out)
}

func transportStateLogger(dir domain.TransportDirection) func(core.TransportState) {
	return func(st core.TransportState) {
		switch st {
		case core.TransportFailed, core.TransportDisconnected:
			log.Warn().Str("module", "session").Str("direction", string(dir)).Str("state", string(st)).Msg("transport state")
		default:
			log.Debug().Str("module", "session").Str("direction", string(dir)).Str("state", string(st)).Msg("transport state")
		}
	}
}

// CreateProducer publishes track as source. An occupied slot returns the
// existing producer together with ErrProducerExists.
func (s *Service) CreateProducer(ctx context.Context, track core.LocalTrack, source domain.Source) (*sfu.Producer, error) {
	s.produceMu.Lock()
	defer s.produceMu.Unlock()

	appData, err := domain.NewAppData(track.MediaKind(), source)
	if err != nil {
		return nil, err
	}
	if existing, ok := s.registry.Producer(appData.Key()); ok {
		return existing, fmt.Errorf("%w: %s", domain.ErrProducerExists, appData.Key())
	}

	s.mu.RLock()
	send, pipeline := s.send, s.pipeline
	s.mu.RUnlock()
	if send == nil {
		log.Warn().Str("module", "session").Str("key", appData.Key().String()).Msg("no send transport, not producing")
		return nil, domain.ErrTransportMissing
	}
	enc := pipeline.Encryptor()
	if enc == nil && s.opts.RequireEncryption {
		return nil, domain.ErrUnencryptedRefused
	}

	sender := sfu.PrepareTrack(track, enc)
	handle, err := send.Produce(ctx, sender, appData)
	if err != nil {
		log.Error().Err(err).Str("module", "session").Str("key", appData.Key().String()).Msg("produce failed")
		return nil, fmt.Errorf("produce %s: %w", appData.Key(), err)
	}
	p := sfu.NewProducer(handle, sender, appData)
	s.mu.RLock()
	if s.send != send {
		s.mu.RUnlock()
		_ = p.Close()
		log.Warn().Str("module", "session").Str("key", appData.Key().String()).Msg("session closed while producing")
		return nil, domain.ErrTransportMissing
	}
	existing, err := s.registry.AddProducer(p)
	s.mu.RUnlock()
	if err != nil {
		_ = p.Close()
		return existing, err
	}
	s.refreshCodecs(send)

	go s.watchTrack(p, track)
	return p, nil
}

// watchTrack closes the producer when its capture track ends.
func (s *Service) watchTrack(p *sfu.Producer, track core.LocalTrack) {
	select {
	case <-track.Done():
		log.Info().Str("module", "session").Str("producer", string(p.ID())).Msg("capture track ended, closing producer")
		s.registry.RemoveProducer(p)
		_ = p.Close()
	case <-p.Done():
	}
}

func (s *Service) Producer(kind domain.MediaKind, source domain.Source) (*sfu.Producer, bool) {
	return s.registry.Producer(domain.ProducerKey{Kind: kind, Source: source})
}

func (s *Service) Producers() []*sfu.Producer { return s.registry.Producers() }

func (s *Service) CloseProducer(id domain.ProducerID) error {
	p, ok := s.registry.ProducerByID(id)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrProducerNotFound, id)
	}
	s.registry.RemoveProducer(p)
	return p.Close()
}

// CreateConsumer receives a remote producer, decrypts it and hands the track to
// onTrackAdded before asking the relay to resume it.
func (s *Service) CreateConsumer(ctx context.Context, consumed core.ConsumedPayload, onTrackAdded TrackAddedFunc) (*sfu.Consumer, error) {
	s.mu.RLock()
	recv, pipeline, req := s.recv, s.pipeline, s.requester
	s.mu.RUnlock()
	if recv == nil {
		log.Warn().Str("module", "session").Str("producer", string(consumed.ProducerID)).Msg("no recv transport, not consuming")
		return nil, domain.ErrTransportMissing
	}

	handle, err := recv.Consume(ctx, core.ConsumeRequest{
		ID:            consumed.ID,
		ProducerID:    consumed.ProducerID,
		Kind:          consumed.Kind,
		RtpParameters: consumed.RtpParameters,
	})
	if err != nil {
		log.Error().Err(err).Str("module", "session").Str("producer", string(consumed.ProducerID)).Msg("consume failed")
		return nil, fmt.Errorf("consume %s: %w", consumed.ProducerID, err)
	}

	c := sfu.NewConsumer(handle, sfu.ConsumerInfo{
		ProducerID:    consumed.ProducerID,
		ParticipantID: consumed.ParticipantID,
		AppData:       consumed.AppData,
	}, pipeline.Decryptor())
	c.OnEnded(func() {
		s.mu.RLock()
		fn := s.onEnded
		s.mu.RUnlock()
		s.RemoveConsumer(c.ID(), fn)
	})
	s.mu.RLock()
	if s.recv != recv {
		s.mu.RUnlock()
		_ = c.Close()
		log.Warn().Str("module", "session").Str("consumer", string(c.ID())).Msg("session closed while consuming")
		return nil, domain.ErrTransportMissing
	}
	s.registry.AddConsumer(c)
	s.mu.RUnlock()
	s.codecs.UpdateFromParameters(consumed.RtpParameters)
	s.refreshCodecs(recv)
	c.Start()

	if onTrackAdded != nil {
		onTrackAdded(c.Track(), c.ID(), c.ProducerID())
	}

	msg, err := core.NewMessage(core.ActionConsumerResume, core.ConsumerResumePayload{ID: c.ID()})
	if err == nil {
		err = req.SendMessage(msg)
	}
	if err != nil {
		log.Warn().Err(err).Str("module", "session").Str("consumer", string(c.ID())).Msg("consumer resume not sent")
	}
	if c.Kind() == domain.KindVideo {
		if err := c.RequestKeyFrame(); err != nil {
			log.Debug().Err(err).Str("module", "session").Str("consumer", string(c.ID())).Msg("key frame request")
		}
	}
	return c, nil
}

// RemoveConsumer closes one consumer. Returns false when it was already gone.
func (s *Service) RemoveConsumer(id domain.ConsumerID, onTrackRemoved TrackRemovedFunc) bool {
	c, ok := s.registry.RemoveConsumer(id)
	if !ok {
		return false
	}
	_ = c.Close()
	if onTrackRemoved != nil {
		onTrackRemoved(c.ID(), c.ProducerID())
	}
	return true
}

// RemoveConsumersOfProducer closes every consumer fed by a remote producer.
func (s *Service) RemoveConsumersOfProducer(pid domain.ProducerID, onTrackRemoved TrackRemovedFunc) int {
	n := 0
	for _, c := range s.registry.ConsumersOf(pid) {
		if s.RemoveConsumer(c.ID(), onTrackRemoved) {
			n++
		}
	}
	return n
}

func (s *Service) Consumers() []*sfu.Consumer { return s.registry.Consumers() }

func (s *Service) Consumer(id domain.ConsumerID) (*sfu.Consumer, bool) {
	return s.registry.Consumer(id)
}

// refreshCodecs re-reads the transport's negotiated codecs and hands workers the result.
func (s *Service) refreshCodecs(t core.Transport) {
	s.codecs.UpdateFromSessionDescription(t.SessionDescription())
	s.mu.RLock()
	pipeline := s.pipeline
	s.mu.RUnlock()
	if pipeline != nil {
		pipeline.UpdateCodecs(s.codecs.Snapshot())
	}
}

func (s *Service) CodecMapping() codec.Mapping { return s.codecs.Snapshot() }

func (s *Service) Report() capability.Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.report
}

func (s *Service) TransformStats() transform.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pipeline == nil {
		return transform.Stats{Mechanism: transform.MechanismNone}
	}
	return s.pipeline.Stats()
}

// Cleanup closes producers and consumers, then transports, then forgets the
// capability set and stops the pipeline. In-flight transforms are discarded.
func (s *Service) Cleanup() {
	// detach first so a produce or consume in flight cannot register after the drain
	s.mu.Lock()
	send, recv, pipeline := s.send, s.recv, s.pipeline
	s.send, s.recv, s.requester, s.pipeline = nil, nil, nil, nil
	s.caps = nil
	s.detector = nil
	s.report = capability.Report{}
	s.mu.Unlock()

	producers, consumers := s.registry.Drain()
	for _, p := range producers {
		_ = p.Close()
	}
	for _, c := range consumers {
		_ = c.Close()
	}
	s.codecs.Reset()

	if send != nil {
		send.Close()
	}
	if recv != nil {
		recv.Close()
	}
	if pipeline != nil {
		pipeline.Close()
	}
	log.Info().Str("module", "session").Int("producers", len(producers)).Int("consumers", len(consumers)).Msg("session cleaned up")
}
