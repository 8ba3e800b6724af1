package sfu

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/voice-client/internal/core"
	"github.com/dkeye/voice-client/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var ErrProducerClosed = errors.New("producer closed")

// Producer is one published local track.
type Producer struct {
	handle  core.ProducerHandle
	appData domain.AppData
	ctl     *sendControl

	mu      sync.Mutex
	current *SenderTrack

	closeOnce sync.Once
	closed    chan struct{}
}

// PrepareTrack wraps src for producing; the transform is in place before the first frame.
func PrepareTrack(src webrtc.TrackLocal, transform core.FrameTransform) *SenderTrack {
	ctl := &sendControl{}
	ctl.setTransform(transform)
	return newSenderTrack(src, ctl)
}

func NewProducer(handle core.ProducerHandle, track *SenderTrack, appData domain.AppData) *Producer {
	return &Producer{
		handle:  handle,
		appData: appData,
		ctl:     track.ctl,
		current: track,
		closed:  make(chan struct{}),
	}
}

func (p *Producer) ID() domain.ProducerID               { return p.handle.ID() }
func (p *Producer) Kind() domain.MediaKind              { return p.appData.Kind }
func (p *Producer) Source() domain.Source               { return p.appData.Source }
func (p *Producer) AppData() domain.AppData             { return p.appData }
func (p *Producer) Key() domain.ProducerKey             { return p.appData.Key() }
func (p *Producer) State() ProducerState                { return p.ctl.State() }
func (p *Producer) Paused() bool                        { return p.ctl.State() == ProducerPaused }
func (p *Producer) Done() <-chan struct{}               { return p.closed }
func (p *Producer) RtpParameters() domain.RtpParameters { return p.handle.RtpParameters() }

// Track returns the capture track currently feeding the producer.
func (p *Producer) Track() webrtc.TrackLocal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current.Source()
}

func (p *Producer) Pause() {
	if p.ctl.markPaused() {
		log.Info().Str("module", "sfu").Str("producer", string(p.ID())).Msg("producer paused")
	}
}

func (p *Producer) Resume() {
	if p.ctl.markLive() {
		log.Info().Str("module", "sfu").Str("producer", string(p.ID())).Msg("producer resumed")
	}
}

// SetTransform swaps the frame transform; nil sends frames as captured.
func (p *Producer) SetTransform(t core.FrameTransform) { p.ctl.setTransform(t) }

// ReplaceTrack feeds the producer from src, keeping transform and pause state.
func (p *Producer) ReplaceTrack(src webrtc.TrackLocal) error {
	if p.ctl.State() == ProducerClosed {
		return ErrProducerClosed
	}
	next := newSenderTrack(src, p.ctl)
	if err := p.handle.ReplaceTrack(next); err != nil {
		return fmt.Errorf("replace track: %w", err)
	}
	p.mu.Lock()
	p.current = next
	p.mu.Unlock()
	return nil
}

// Close is idempotent; the capture track is left to its owner.
func (p *Producer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.ctl.markClosed()
		err = p.handle.Close()
		close(p.closed)
		log.Info().Str("module", "sfu").Str("producer", string(p.ID())).Str("key", p.Key().String()).Msg("producer closed")
	})
	return err
}
