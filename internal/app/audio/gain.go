// Package audio implements the microphone processing graph:
// gain, band-pass filtering, voice activity detection and silence keep-alive.
package audio

import (
	"math"
	"sync"
	"time"
)

// Gain approaches its target exponentially with a fixed time constant.
type Gain struct {
	mu         sync.Mutex
	value      float64
	target     float64
	sampleRate int
	alpha      float64
}

func NewGain(sampleRate int, initial float64) *Gain {
	return &Gain{value: initial, target: initial, sampleRate: sampleRate, alpha: 1}
}

// SetTarget starts a ramp toward target. A zero time constant jumps immediately.
func (g *Gain) SetTarget(target float64, timeConst time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.target = target
	if timeConst <= 0 {
		g.value = target
		g.alpha = 1
		return
	}
	g.alpha = 1 - math.Exp(-1/(timeConst.Seconds()*float64(g.sampleRate)))
}

func (g *Gain) Target() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.target
}

func (g *Gain) Value() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value
}

// Process scales buf in place.
func (g *Gain) Process(buf []float32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, s := range buf {
		g.value += (g.target - g.value) * g.alpha
		buf[i] = s * float32(g.value)
	}
}
