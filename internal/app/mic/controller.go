// Package mic gates the published microphone with voice activity:
// the processed track only carries audio while someone is speaking.
package mic

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/voice-client/internal/app/audio"
	"github.com/dkeye/voice-client/internal/core"
	"github.com/dkeye/voice-client/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotInitialized     = errors.New("microphone controller not initialized")
	ErrAlreadyInitialized = errors.New("microphone controller already initialized")
	ErrDestroyed          = errors.New("microphone controller destroyed")
	ErrNoPCM              = errors.New("microphone track does not expose raw samples")
)

type Event string

const (
	EventVoiceStart Event = "voiceStart"
	EventVoiceEnd   Event = "voiceEnd"
)

type State int

const (
	StateSilence State = iota
	StateSpeaking
)

func (s State) String() string {
	if s == StateSpeaking {
		return "speaking"
	}
	return "silence"
}

// Producer is the published microphone slot the controller feeds.
type Producer interface {
	Track() webrtc.TrackLocal
	ReplaceTrack(webrtc.TrackLocal) error
	Pause()
	Resume()
}

type Options struct {
	DeviceID string
	Graph    audio.GraphConfig
	// SilencePacket is the keep-alive period while silent; zero disables it.
	SilencePacket time.Duration
}

type Controller struct {
	devices  core.MediaDevices
	producer Producer
	opts     Options

	mu          sync.Mutex
	state       State
	initialized bool
	destroyed   bool
	raw         *core.MediaStream
	dst         *audio.SampleTrack
	graph       *audio.Graph
	keepAlive   *audio.KeepAlive
	original    webrtc.TrackLocal
	listeners   map[Event][]func()
}

func NewController(devices core.MediaDevices, producer Producer, opts Options) *Controller {
	return &Controller{
		devices:   devices,
		producer:  producer,
		opts:      opts,
		listeners: make(map[Event][]func()),
	}
}

// On registers listener for event. Listeners run on the audio goroutine.
func (c *Controller) On(event Event, listener func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners[event] = append(c.listeners[event], listener)
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Initialize acquires the raw microphone, builds the graph and puts its output on the producer.
func (c *Controller) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.destroyed:
		return ErrDestroyed
	case c.initialized:
		return ErrAlreadyInitialized
	}

	raw, err := c.devices.GetUserMedia(ctx, core.StreamConstraints{Audio: &core.AudioConstraints{
		DeviceID:         c.opts.DeviceID,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}})
	if err != nil {
		return fmt.Errorf("acquire raw microphone: %w", err)
	}
	tracks := raw.TracksOf(domain.KindAudio)
	if len(tracks) == 0 {
		raw.Stop()
		return fmt.Errorf("acquire raw microphone: %w", domain.ErrDeviceUnavailable)
	}
	src, ok := tracks[0].(core.PCMSource)
	if !ok {
		raw.Stop()
		return ErrNoPCM
	}

	dst, err := audio.NewSampleTrack("mic-processed", raw.ID, tracks[0].Label())
	if err != nil {
		raw.Stop()
		return fmt.Errorf("processed track: %w", err)
	}
	graph, err := audio.NewGraph(src, dst, c.opts.Graph, c.onVAD)
	if err != nil {
		raw.Stop()
		return fmt.Errorf("audio graph: %w", err)
	}

	original := c.producer.Track()
	if err := c.producer.ReplaceTrack(dst); err != nil {
		raw.Stop()
		graph.Close()
		return fmt.Errorf("install processed track: %w", err)
	}

	c.raw, c.dst, c.graph, c.original = raw, dst, graph, original
	c.keepAlive = audio.NewKeepAlive(dst, c.opts.SilencePacket)
	c.state = StateSilence
	c.initialized = true

	c.keepAlive.Start()
	graph.Start()
	log.Info().Str("module", "mic").Str("track", tracks[0].Label()).Int("rate", src.SampleRate()).Msg("microphone processing started")
	return nil
}

func (c *Controller) onVAD(ev audio.VADEvent) {
	c.mu.Lock()
	if c.destroyed || !c.initialized {
		c.mu.Unlock()
		return
	}
	var fire Event
	switch {
	case ev == audio.SpeechStart && c.state == StateSilence:
		c.state = StateSpeaking
		c.graph.Gain().SetTarget(1, c.opts.Graph.GainTimeConst)
		c.keepAlive.Stop()
		fire = EventVoiceStart
	case (ev == audio.SpeechEnd || ev == audio.Misfire) && c.state == StateSpeaking:
		c.state = StateSilence
		c.graph.Gain().SetTarget(0, c.opts.Graph.GainTimeConst)
		c.keepAlive.Start()
		fire = EventVoiceEnd
	default:
		c.mu.Unlock()
		return
	}
	listeners := append([]func(){}, c.listeners[fire]...)
	c.mu.Unlock()

	log.Debug().Str("module", "mic").Str("event", string(fire)).Str("vad", ev.String()).Msg("voice state changed")
	for _, fn := range listeners {
		fn()
	}
}

func (c *Controller) Pause(context.Context) error {
	if err := c.ready(); err != nil {
		return err
	}
	c.producer.Pause()
	return nil
}

func (c *Controller) Resume(context.Context) error {
	if err := c.ready(); err != nil {
		return err
	}
	c.producer.Resume()
	return nil
}

func (c *Controller) ready() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.destroyed:
		return ErrDestroyed
	case !c.initialized:
		return ErrNotInitialized
	}
	return nil
}

// Destroy tears the graph down and gives the producer its original track back.
// Idempotent.
func (c *Controller) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	initialized := c.initialized
	raw, dst, graph, keepAlive, original := c.raw, c.dst, c.graph, c.keepAlive, c.original
	c.state = StateSilence
	c.listeners = make(map[Event][]func())
	c.mu.Unlock()

	if !initialized {
		return
	}
	graph.StopDetection()
	keepAlive.Release()
	raw.Stop()
	graph.Close()
	dst.Stop()
	if err := c.producer.ReplaceTrack(original); err != nil {
		log.Error().Err(err).Str("module", "mic").Msg("restore original microphone track")
		return
	}
	log.Info().Str("module", "mic").Msg("microphone processing stopped")
}
