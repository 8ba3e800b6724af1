package capture

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dkeye/voice-client/internal/app/audio"
	"github.com/dkeye/voice-client/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

const micFrame = 20 * time.Millisecond

// Microphone is a raw WAV-backed audio track. It exposes its samples through
// ReadPCM and, while bound to a sender, also encodes them to PCMU itself.
type Microphone struct {
	*audio.SampleTrack

	file    *os.File
	release func()

	mu    sync.Mutex
	wav   *wavReader
	pace  pacer
	ratio int

	feedMu   sync.Mutex
	binds    int
	feedStop chan struct{}
	feedDone chan struct{}

	stopOnce sync.Once
}

var _ core.PCMSource = (*Microphone)(nil)

func (d *Devices) openMicrophone(path, streamID string) (*Microphone, error) {
	f, release, err := d.open(path)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*Microphone, error) {
		_ = f.Close()
		release()
		return nil, err
	}

	st, err := f.Stat()
	if err != nil {
		return fail(err)
	}
	wav, err := newWAVReader(f, st.Size())
	if err != nil {
		return fail(err)
	}
	rate := wav.format.sampleRate
	if rate%audio.PCMUClockRate != 0 {
		return fail(fmt.Errorf("%w: sample rate %d", ErrUnsupportedFile, rate))
	}
	track, err := audio.NewSampleTrack("microphone", streamID, label(path))
	if err != nil {
		return fail(err)
	}

	log.Info().Str("module", "capture").Str("device", path).Int("rate", rate).Int("channels", wav.format.channels).Msg("microphone opened")
	return &Microphone{
		SampleTrack: track,
		file:        f,
		release:     release,
		wav:         wav,
		pace:        pacer{rate: rate},
		ratio:       rate / audio.PCMUClockRate,
	}, nil
}

func (m *Microphone) SampleRate() int { return m.wav.format.sampleRate }

// ReadPCM blocks until buf's worth of capture time has passed.
func (m *Microphone) ReadPCM(buf []float32) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Stopped() {
		return 0, core.ErrClosed
	}
	n, err := m.wav.read(buf)
	if err != nil {
		return 0, err
	}
	if !m.pace.wait(n, m.Done()) {
		return 0, core.ErrClosed
	}
	return n, nil
}

func (m *Microphone) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	codec, err := m.SampleTrack.Bind(ctx)
	if err != nil {
		return codec, err
	}
	m.feedMu.Lock()
	defer m.feedMu.Unlock()
	m.binds++
	if m.binds == 1 && !m.Stopped() {
		m.feedStop, m.feedDone = make(chan struct{}), make(chan struct{})
		go m.feed(m.feedStop, m.feedDone)
	}
	return codec, nil
}

func (m *Microphone) Unbind(ctx webrtc.TrackLocalContext) error {
	err := m.SampleTrack.Unbind(ctx)
	m.feedMu.Lock()
	defer m.feedMu.Unlock()
	if m.binds > 0 {
		m.binds--
		if m.binds == 0 {
			m.stopFeed()
		}
	}
	return err
}

// stopFeed must be called with feedMu held.
func (m *Microphone) stopFeed() {
	if m.feedStop == nil {
		return
	}
	close(m.feedStop)
	<-m.feedDone
	m.feedStop, m.feedDone = nil, nil
}

// feed encodes captured audio straight to PCMU while nothing else consumes it.
func (m *Microphone) feed(stop, done chan struct{}) {
	defer close(done)
	pcm := make([]float32, m.SampleRate()*int(micFrame/time.Millisecond)/1000)
	narrow := make([]float32, len(pcm)/m.ratio)
	var out []byte
	for {
		select {
		case <-stop:
			return
		default:
		}
		n, err := m.ReadPCM(pcm)
		if err != nil {
			return
		}
		down := downsample(narrow[:0], pcm[:n], m.ratio)
		out = audio.EncodeMulaw(out[:0], down)
		if err := m.WriteSample(media.Sample{Data: append([]byte(nil), out...), Duration: micFrame}); err != nil {
			log.Debug().Err(err).Str("module", "capture").Msg("raw microphone write")
		}
	}
}

func (m *Microphone) Stop() {
	m.stopOnce.Do(func() {
		m.SampleTrack.Stop()
		m.feedMu.Lock()
		m.stopFeed()
		m.feedMu.Unlock()

		// wait out a reader still inside ReadPCM
		m.mu.Lock()
		defer m.mu.Unlock()
		if err := m.file.Close(); err != nil {
			log.Debug().Err(err).Str("module", "capture").Msg("close microphone file")
		}
		m.release()
		log.Debug().Str("module", "capture").Str("track", m.Label()).Msg("microphone stopped")
	})
}

// downsample averages groups of ratio samples.
func downsample(dst, src []float32, ratio int) []float32 {
	for i := 0; i+ratio <= len(src); i += ratio {
		var sum float32
		for _, s := range src[i : i+ratio] {
			sum += s
		}
		dst = append(dst, sum/float32(ratio))
	}
	return dst
}

// pacer holds a reader to the capture clock.
type pacer struct {
	rate  int
	start time.Time
	read  int64
}

// wait returns false when done closed before the samples were due.
func (p *pacer) wait(n int, done <-chan struct{}) bool {
	now := time.Now()
	if p.start.IsZero() {
		p.start = now
	}
	p.read += int64(n)
	due := p.start.Add(time.Duration(p.read) * time.Second / time.Duration(p.rate))
	if now.Sub(due) > time.Second {
		// the reader was away; restart the clock instead of bursting
		p.start, p.read = now, int64(n)
		due = now.Add(time.Duration(n) * time.Second / time.Duration(p.rate))
	}
	return sleepUntil(due, done)
}
