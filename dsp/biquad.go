package dsp

import "math"

// Biquad implements a second-order IIR filter, Direct Form I, with
// per-channel state and no per-call allocation.
type Biquad struct {
	b0, b1, b2 float32
	a1, a2     float32

	x1, x2 []float32
	y1, y2 []float32
}

// NewBiquad creates a pass-through biquad for the given channel count.
func NewBiquad(channels int) *Biquad {
	return &Biquad{
		b0: 1,
		x1: make([]float32, channels),
		x2: make([]float32, channels),
		y1: make([]float32, channels),
		y2: make([]float32, channels),
	}
}

// Reset clears the filter state.
func (b *Biquad) Reset() {
	for i := range b.x1 {
		b.x1[i], b.x2[i], b.y1[i], b.y2[i] = 0, 0, 0, 0
	}
}

// SetCoefficients sets raw coefficients, normalizing by a0.
func (b *Biquad) SetCoefficients(b0, b1, b2, a0, a1, a2 float64) {
	inv := 1 / a0
	b.b0 = float32(b0 * inv)
	b.b1 = float32(b1 * inv)
	b.b2 = float32(b2 * inv)
	b.a1 = float32(a1 * inv)
	b.a2 = float32(a2 * inv)
}

// SetPeaking configures a peaking EQ band (RBJ cookbook).
func (b *Biquad) SetPeaking(sampleRate, frequency, q, gainDB float64) {
	a := math.Pow(10, gainDB/40)
	omega := 2 * math.Pi * frequency / sampleRate
	sinW, cosW := math.Sin(omega), math.Cos(omega)
	alpha := sinW / (2 * q)

	b.SetCoefficients(
		1+alpha*a, -2*cosW, 1-alpha*a,
		1+alpha/a, -2*cosW, 1-alpha/a,
	)
}

// SetLowpass configures a lowpass response.
func (b *Biquad) SetLowpass(sampleRate, frequency, q float64) {
	omega := 2 * math.Pi * frequency / sampleRate
	sinW, cosW := math.Sin(omega), math.Cos(omega)
	alpha := sinW / (2 * q)

	b.SetCoefficients(
		(1-cosW)/2, 1-cosW, (1-cosW)/2,
		1+alpha, -2*cosW, 1-alpha,
	)
}

// Process filters one channel's buffer in place.
func (b *Biquad) Process(buffer []float32, channel int) {
	x1, x2 := b.x1[channel], b.x2[channel]
	y1, y2 := b.y1[channel], b.y2[channel]

	for i := range buffer {
		x0 := buffer[i]
		y0 := b.b0*x0 + b.b1*x1 + b.b2*x2 - b.a1*y1 - b.a2*y2
		x2, x1 = x1, x0
		y2, y1 = y1, y0
		buffer[i] = y0
	}

	b.x1[channel], b.x2[channel] = x1, x2
	b.y1[channel], b.y2[channel] = y1, y2
}
