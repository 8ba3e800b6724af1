package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/voice-client/internal/core"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

const (
	frameDuration = 20 * time.Millisecond
	// below this the ramp counts as closed and nothing is sent
	gateFloor = 1e-3
)

var ErrUnsupportedRate = errors.New("unsupported sample rate")

type GraphConfig struct {
	GainTimeConst time.Duration
	HighPassHz    float64
	LowPassHz     float64
	VAD           VADConfig
}

// Graph is source -> gain -> band-pass -> destination, with a detector on the raw source.
type Graph struct {
	src    core.PCMSource
	dst    sampleWriter
	gain   *Gain
	filter *BandPass
	vad    *VAD
	onVAD  func(VADEvent)
	decim  int
	rate   int

	detect atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewGraph(src core.PCMSource, dst sampleWriter, cfg GraphConfig, onVAD func(VADEvent)) (*Graph, error) {
	rate := src.SampleRate()
	if rate <= 0 || rate%PCMUClockRate != 0 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedRate, rate)
	}
	low := cfg.LowPassHz
	if low <= 0 || low > PCMUClockRate/2 {
		// keep the decimated output free of aliasing
		low = PCMUClockRate / 2 * 0.85
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &Graph{
		src:    src,
		dst:    dst,
		gain:   NewGain(rate, 0),
		filter: NewBandPass(rate, cfg.HighPassHz, low),
		vad:    NewVAD(cfg.VAD),
		onVAD:  onVAD,
		decim:  rate / PCMUClockRate,
		rate:   rate,
		ctx:    ctx,
		cancel: cancel,
	}
	g.detect.Store(true)
	return g, nil
}

func (g *Graph) Gain() *Gain { return g.gain }

func (g *Graph) Start() {
	g.wg.Add(1)
	go g.loop()
}

// StopDetection silences the detector; audio keeps flowing.
func (g *Graph) StopDetection() { g.detect.Store(false) }

// Close stops the processing loop. The source must be stopped first so a
// pending read returns.
func (g *Graph) Close() {
	g.cancel()
	g.wg.Wait()
}

func (g *Graph) loop() {
	defer g.wg.Done()
	n := g.rate * int(frameDuration/time.Millisecond) / 1000
	raw := make([]float32, n)
	work := make([]float32, n)
	out := make([]byte, 0, n/g.decim)

	for {
		if g.ctx.Err() != nil {
			return
		}
		read, err := g.src.ReadPCM(raw)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, core.ErrClosed) {
				log.Warn().Err(err).Str("module", "audio").Msg("graph source read")
			}
			return
		}
		if read == 0 {
			continue
		}
		frame := raw[:read]
		d := time.Duration(read) * time.Second / time.Duration(g.rate)

		if g.detect.Load() {
			if ev, ok := g.vad.Process(frame, d); ok && g.onVAD != nil {
				g.onVAD(ev)
			}
		}

		w := work[:read]
		copy(w, frame)
		g.filter.Process(w)
		g.gain.Process(w)

		if g.gain.Target() == 0 && g.gain.Value() < gateFloor {
			continue
		}
		out = EncodeMulaw(out[:0], decimate(w, g.decim))
		if err := g.dst.WriteSample(media.Sample{Data: out, Duration: d}); err != nil {
			log.Debug().Err(err).Str("module", "audio").Msg("graph write")
		}
	}
}

// decimate keeps every n-th sample in place; the low-pass already band-limited the signal.
func decimate(buf []float32, n int) []float32 {
	if n <= 1 {
		return buf
	}
	j := 0
	for i := 0; i < len(buf); i += n {
		buf[j] = buf[i]
		j++
	}
	return buf[:j]
}
