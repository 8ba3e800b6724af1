package audio

import "math"

// Biquad is a second order IIR section (RBJ cookbook), direct form I.
type Biquad struct {
	b0, b1, b2, a1, a2 float64
	x1, x2, y1, y2     float64
}

func NewHighPass(sampleRate int, cutoff, q float64) *Biquad {
	w0, alpha := prewarp(sampleRate, cutoff, q)
	cos := math.Cos(w0)
	a0 := 1 + alpha
	return &Biquad{
		b0: (1 + cos) / 2 / a0,
		b1: -(1 + cos) / a0,
		b2: (1 + cos) / 2 / a0,
		a1: -2 * cos / a0,
		a2: (1 - alpha) / a0,
	}
}

func NewLowPass(sampleRate int, cutoff, q float64) *Biquad {
	w0, alpha := prewarp(sampleRate, cutoff, q)
	cos := math.Cos(w0)
	a0 := 1 + alpha
	return &Biquad{
		b0: (1 - cos) / 2 / a0,
		b1: (1 - cos) / a0,
		b2: (1 - cos) / 2 / a0,
		a1: -2 * cos / a0,
		a2: (1 - alpha) / a0,
	}
}

func prewarp(sampleRate int, cutoff, q float64) (w0, alpha float64) {
	nyquist := float64(sampleRate) / 2
	if cutoff >= nyquist {
		cutoff = nyquist * 0.99
	}
	if q <= 0 {
		q = math.Sqrt2 / 2
	}
	w0 = 2 * math.Pi * cutoff / float64(sampleRate)
	return w0, math.Sin(w0) / (2 * q)
}

func (b *Biquad) Process(buf []float32) {
	for i, s := range buf {
		x := float64(s)
		y := b.b0*x + b.b1*b.x1 + b.b2*b.x2 - b.a1*b.y1 - b.a2*b.y2
		b.x2, b.x1 = b.x1, x
		b.y2, b.y1 = b.y1, y
		buf[i] = float32(y)
	}
}

func (b *Biquad) Reset() { b.x1, b.x2, b.y1, b.y2 = 0, 0, 0, 0 }

// BandPass chains a high-pass and a low-pass section.
type BandPass struct {
	hp, lp *Biquad
}

func NewBandPass(sampleRate int, low, high float64) *BandPass {
	return &BandPass{
		hp: NewHighPass(sampleRate, low, 0),
		lp: NewLowPass(sampleRate, high, 0),
	}
}

func (f *BandPass) Process(buf []float32) {
	f.hp.Process(buf)
	f.lp.Process(buf)
}
