package capture

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dkeye/voice-client/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog/log"
)

const (
	opusClockRate    = 48000
	defaultFrameTime = 33 * time.Millisecond
)

var ErrUnsupportedFile = errors.New("unsupported media file")

// sampleSource yields encoded samples from a file; rewind starts it over.
type sampleSource interface {
	next() (media.Sample, error)
	rewind() error
}

// fileTrack plays a sampleSource in a loop until stopped.
type fileTrack struct {
	*webrtc.TrackLocalStaticSample
	kind  domain.MediaKind
	label string

	file    *os.File
	release func()

	once sync.Once
	done chan struct{}
	wg   sync.WaitGroup
}

func newFileTrack(capability webrtc.RTPCodecCapability, id, streamID, label string, kind domain.MediaKind, f *os.File, release func()) (*fileTrack, error) {
	t, err := webrtc.NewTrackLocalStaticSample(capability, id, streamID)
	if err != nil {
		return nil, err
	}
	return &fileTrack{
		TrackLocalStaticSample: t,
		kind:                   kind,
		label:                  label,
		file:                   f,
		release:                release,
		done:                   make(chan struct{}),
	}, nil
}

func (t *fileTrack) MediaKind() domain.MediaKind { return t.kind }
func (t *fileTrack) Label() string               { return t.label }
func (t *fileTrack) Done() <-chan struct{}       { return t.done }

// Stop ends playback and gives the device back. Safe to call more than once.
func (t *fileTrack) Stop() {
	t.once.Do(func() {
		close(t.done)
		t.wg.Wait()
		if err := t.file.Close(); err != nil {
			log.Debug().Err(err).Str("module", "capture").Str("track", t.label).Msg("close file")
		}
		t.release()
		log.Debug().Str("module", "capture").Str("track", t.label).Msg("track stopped")
	})
}

func (t *fileTrack) start(src sampleSource) {
	t.wg.Add(1)
	go t.play(src)
}

func (t *fileTrack) play(src sampleSource) {
	defer t.wg.Done()
	logger := log.With().Str("module", "capture").Str("track", t.label).Logger()

	due := time.Now()
	played := 0
	for {
		sample, err := src.next()
		if errors.Is(err, io.EOF) {
			if played == 0 {
				logger.Warn().Msg("file has no samples")
				go t.Stop()
				return
			}
			if err := src.rewind(); err != nil {
				logger.Error().Err(err).Msg("rewind failed")
				go t.Stop()
				return
			}
			played = 0
			continue
		}
		if err != nil {
			logger.Warn().Err(err).Msg("read failed, ending track")
			go t.Stop()
			return
		}
		played++

		if err := t.WriteSample(sample); err != nil {
			logger.Debug().Err(err).Msg("write sample")
		}

		due = due.Add(sample.Duration)
		if !sleepUntil(due, t.done) {
			return
		}
	}
}

// sleepUntil reports false when done closed first.
func sleepUntil(due time.Time, done <-chan struct{}) bool {
	d := time.Until(due)
	if d <= 0 {
		select {
		case <-done:
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-done:
		return false
	}
}

type ivfSource struct {
	f     *os.File
	r     *ivfreader.IVFReader
	frame time.Duration
}

func newIVFSource(f *os.File) (*ivfSource, error) {
	r, h, err := ivfreader.NewWith(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedFile, err)
	}
	if h.FourCC != "VP80" {
		return nil, fmt.Errorf("%w: codec %q", ErrUnsupportedFile, h.FourCC)
	}
	frame := time.Duration(h.TimebaseNumerator) * time.Second / time.Duration(h.TimebaseDenominator)
	if frame <= 0 {
		frame = defaultFrameTime
	}
	return &ivfSource{f: f, r: r, frame: frame}, nil
}

func (s *ivfSource) next() (media.Sample, error) {
	payload, _, err := s.r.ParseNextFrame()
	if err != nil {
		return media.Sample{}, err
	}
	return media.Sample{Data: payload, Duration: s.frame}, nil
}

func (s *ivfSource) rewind() error {
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r, _, err := ivfreader.NewWith(s.f)
	if err != nil {
		return err
	}
	s.r = r
	return nil
}

type oggSource struct {
	f    *os.File
	r    *oggreader.OggReader
	last uint64
}

func newOggSource(f *os.File) (*oggSource, error) {
	r, h, err := oggreader.NewWith(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedFile, err)
	}
	if h.SampleRate == 0 {
		return nil, fmt.Errorf("%w: no sample rate", ErrUnsupportedFile)
	}
	return &oggSource{f: f, r: r}, nil
}

func (s *oggSource) next() (media.Sample, error) {
	page, h, err := s.r.ParseNextPage()
	if err != nil {
		return media.Sample{}, err
	}
	var samples uint64
	if h.GranulePosition > s.last {
		samples = h.GranulePosition - s.last
	}
	s.last = h.GranulePosition
	return media.Sample{Data: page, Duration: time.Duration(samples) * time.Second / opusClockRate}, nil
}

func (s *oggSource) rewind() error {
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r, _, err := oggreader.NewWith(s.f)
	if err != nil {
		return err
	}
	s.r, s.last = r, 0
	return nil
}

func (d *Devices) openVideo(path, streamID, id string) (*fileTrack, error) {
	f, release, err := d.open(path)
	if err != nil {
		return nil, err
	}
	src, err := newIVFSource(f)
	if err != nil {
		_ = f.Close()
		release()
		return nil, err
	}
	t, err := newFileTrack(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, id, streamID, label(path), domain.KindVideo, f, release)
	if err != nil {
		_ = f.Close()
		release()
		return nil, err
	}
	t.start(src)
	log.Info().Str("module", "capture").Str("device", path).Dur("frame", src.frame).Msg("video capture started")
	return t, nil
}

func (d *Devices) openOpus(path, streamID, id string) (*fileTrack, error) {
	f, release, err := d.open(path)
	if err != nil {
		return nil, err
	}
	src, err := newOggSource(f)
	if err != nil {
		_ = f.Close()
		release()
		return nil, err
	}
	t, err := newFileTrack(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: 2}, id, streamID, label(path), domain.KindAudio, f, release)
	if err != nil {
		_ = f.Close()
		release()
		return nil, err
	}
	t.start(src)
	log.Info().Str("module", "capture").Str("device", path).Msg("audio capture started")
	return t, nil
}
