// Package media manages local capture: camera, microphone and screen share,
// and the producers that publish them.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/voice-client/internal/app/sfu"
	"github.com/dkeye/voice-client/internal/core"
	"github.com/dkeye/voice-client/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrNotSharing = errors.New("screen share not started")

// Publisher creates and closes producers; *session.Service implements it.
type Publisher interface {
	CreateProducer(ctx context.Context, track core.LocalTrack, source domain.Source) (*sfu.Producer, error)
	CloseProducer(id domain.ProducerID) error
}

// Microphone is the processing surface the manager may drive; *mic.Controller implements it.
type Microphone interface {
	Initialize(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Destroy()
}

type Options struct {
	Video core.VideoConstraints
	Audio core.AudioConstraints
	// NewMicrophone builds a controller for a fresh microphone producer; nil disables processing.
	NewMicrophone func(p *sfu.Producer) Microphone
}

type State struct {
	Video           bool `json:"video"`
	Audio           bool `json:"audio"`
	AudioPaused     bool `json:"audioPaused"`
	ScreenSharing   bool `json:"screenSharing"`
	ScreenPublished bool `json:"screenPublished"`
}

type slot struct {
	stream   *core.MediaStream
	producer *sfu.Producer
	mic      Microphone
	paused   bool
}

type screenSlot struct {
	stream    *core.MediaStream
	producers []*sfu.Producer
	published bool
}

type Manager struct {
	devices   core.MediaDevices
	publisher Publisher
	opts      Options

	mu     sync.Mutex
	video  *slot
	audio  *slot
	screen *screenSlot
}

func NewManager(devices core.MediaDevices, publisher Publisher, opts Options) *Manager {
	return &Manager{devices: devices, publisher: publisher, opts: opts}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := State{
		Video: m.video != nil,
		Audio: m.audio != nil,
	}
	if m.audio != nil {
		st.AudioPaused = m.audio.paused
	}
	if m.screen != nil {
		st.ScreenSharing = true
		st.ScreenPublished = m.screen.published
	}
	return st
}

// VideoStream is the local camera stream for preview, nil when stopped.
func (m *Manager) VideoStream() *core.MediaStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.video == nil {
		return nil
	}
	return m.video.stream
}

// StartVideo publishes the camera. An active camera returns its producer without capturing again.
func (m *Manager) StartVideo(ctx context.Context) (*sfu.Producer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.video != nil {
		return m.video.producer, nil
	}
	vc := m.opts.Video
	s, err := m.publish(ctx, core.StreamConstraints{Video: &vc}, domain.KindVideo, domain.SourceCamera)
	if err != nil {
		return nil, err
	}
	m.video = s
	go m.watch(s, func() { m.clearSlot(&m.video, s) })
	log.Info().Str("module", "media").Str("producer", string(s.producer.ID())).Msg("video started")
	return s.producer, nil
}

// StartAudio publishes the microphone, through the processing controller when configured.
func (m *Manager) StartAudio(ctx context.Context) (*sfu.Producer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startAudio(ctx)
}

func (m *Manager) startAudio(ctx context.Context) (*sfu.Producer, error) {
	if m.audio != nil {
		return m.audio.producer, nil
	}
	ac := m.opts.Audio
	s, err := m.publish(ctx, core.StreamConstraints{Audio: &ac}, domain.KindAudio, domain.SourceMicrophone)
	if err != nil {
		return nil, err
	}
	if m.opts.NewMicrophone != nil {
		mc := m.opts.NewMicrophone(s.producer)
		if err := mc.Initialize(ctx); err != nil {
			log.Warn().Err(err).Str("module", "media").Msg("microphone processing unavailable, sending raw audio")
			mc.Destroy()
		} else {
			s.mic = mc
		}
	}
	m.audio = s
	go m.watch(s, func() { m.clearSlot(&m.audio, s) })
	log.Info().Str("module", "media").Str("producer", string(s.producer.ID())).Bool("processed", s.mic != nil).Msg("audio started")
	return s.producer, nil
}

// publish acquires a single-track stream of kind and produces it. Nothing is kept on failure.
func (m *Manager) publish(ctx context.Context, c core.StreamConstraints, kind domain.MediaKind, source domain.Source) (*slot, error) {
	stream, err := m.devices.GetUserMedia(ctx, c)
	if err != nil {
		log.Warn().Err(err).Str("module", "media").Str("kind", string(kind)).Msg("capture failed")
		return nil, fmt.Errorf("capture %s: %w", kind, err)
	}
	single, ok := stream.Only(kind)
	if !ok {
		stream.Stop()
		return nil, fmt.Errorf("capture %s: %w", kind, domain.ErrDeviceUnavailable)
	}
	track := single.Tracks()[0]
	for _, t := range stream.Tracks() {
		if t != track {
			t.Stop()
		}
	}

	p, err := m.publisher.CreateProducer(ctx, track, source)
	if err != nil {
		single.Stop()
		return nil, err
	}
	return &slot{stream: single, producer: p}, nil
}

// watch runs clear once the producer closed, whoever closed it.
func (m *Manager) watch(s *slot, clear func()) {
	<-s.producer.Done()
	clear()
}

func (m *Manager) clearSlot(target **slot, s *slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if *target != s {
		return
	}
	*target = nil
	if s.mic != nil {
		s.mic.Destroy()
	}
	s.stream.Stop()
	log.Info().Str("module", "media").Str("producer", string(s.producer.ID())).Msg("producer ended, capture released")
}

func (m *Manager) StopVideo() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.video == nil {
		return
	}
	m.release(m.video)
	m.video = nil
	log.Info().Str("module", "media").Msg("video stopped")
}

func (m *Manager) StopAudio() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.audio == nil {
		return
	}
	m.release(m.audio)
	m.audio = nil
	log.Info().Str("module", "media").Msg("audio stopped")
}

// release closes the producer before stopping tracks so the relay never sees a bare track end.
func (m *Manager) release(s *slot) {
	if s.mic != nil {
		s.mic.Destroy()
	}
	m.closeProducer(s.producer)
	s.stream.Stop()
}

func (m *Manager) closeProducer(p *sfu.Producer) {
	if err := m.publisher.CloseProducer(p.ID()); err != nil && !errors.Is(err, domain.ErrProducerNotFound) {
		log.Warn().Err(err).Str("module", "media").Str("producer", string(p.ID())).Msg("close producer")
	}
}

// ToggleAudio starts the microphone, or flips it between paused and live.
func (m *Manager) ToggleAudio(ctx context.Context) (State, error) {
	m.mu.Lock()
	var err error
	switch {
	case m.audio == nil:
		_, err = m.startAudio(ctx)
	case !m.audio.paused:
		if err = m.pauseAudio(ctx); err == nil {
			m.audio.paused = true
		}
	default:
		if err = m.resumeAudio(ctx); err == nil {
			m.audio.paused = false
		}
	}
	m.mu.Unlock()
	return m.State(), err
}

func (m *Manager) pauseAudio(ctx context.Context) error {
	if m.audio.mic != nil {
		return m.audio.mic.Pause(ctx)
	}
	m.audio.producer.Pause()
	return nil
}

func (m *Manager) resumeAudio(ctx context.Context) error {
	if m.audio.mic != nil {
		return m.audio.mic.Resume(ctx)
	}
	m.audio.producer.Resume()
	return nil
}

// StartScreenShare captures the display. Publishing waits for PublishScreenShare.
func (m *Manager) StartScreenShare(ctx context.Context, withAudio bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.screen != nil {
		return nil
	}
	stream, err := m.devices.GetDisplayMedia(ctx, core.DisplayConstraints{Audio: withAudio})
	if err != nil {
		log.Warn().Err(err).Str("module", "media").Msg("display capture failed")
		return fmt.Errorf("capture display: %w", err)
	}
	videos := stream.TracksOf(domain.KindVideo)
	if len(videos) == 0 {
		stream.Stop()
		return fmt.Errorf("capture display: %w", domain.ErrDeviceUnavailable)
	}
	sc := &screenSlot{stream: stream}
	m.screen = sc
	go func() {
		<-videos[0].Done()
		m.stopScreenShare(sc)
	}()
	log.Info().Str("module", "media").Int("tracks", len(stream.Tracks())).Msg("screen share started")
	return nil
}

// PublishScreenShare produces every captured display track. All or nothing.
func (m *Manager) PublishScreenShare(ctx context.Context) ([]*sfu.Producer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.screen == nil {
		return nil, ErrNotSharing
	}
	if m.screen.published {
		return append([]*sfu.Producer(nil), m.screen.producers...), nil
	}

	var created []*sfu.Producer
	for _, t := range m.screen.stream.Tracks() {
		source := domain.SourceScreenVideo
		if t.MediaKind() == domain.KindAudio {
			source = domain.SourceScreenAudio
		}
		p, err := m.publisher.CreateProducer(ctx, t, source)
		if err != nil {
			for _, c := range created {
				m.closeProducer(c)
			}
			return nil, err
		}
		created = append(created, p)
	}
	m.screen.producers = created
	m.screen.published = true
	log.Info().Str("module", "media").Int("producers", len(created)).Msg("screen share published")
	return append([]*sfu.Producer(nil), created...), nil
}

func (m *Manager) StopScreenShare() {
	m.mu.Lock()
	sc := m.screen
	m.mu.Unlock()
	if sc != nil {
		m.stopScreenShare(sc)
	}
}

func (m *Manager) stopScreenShare(sc *screenSlot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.screen != sc {
		return
	}
	for _, p := range sc.producers {
		m.closeProducer(p)
	}
	sc.stream.Stop()
	m.screen = nil
	log.Info().Str("module", "media").Msg("screen share stopped")
}

// StopAll releases every capture, as on leaving a session.
func (m *Manager) StopAll() {
	m.StopScreenShare()
	m.StopVideo()
	m.StopAudio()
}
