package dsp

// DelayLine is a fixed-capacity circular delay. It backs both the delay
// processor and the per-edge compensation delays inserted by the latency
// solver. Read and Write are render-context calls and never allocate.
type DelayLine struct {
	buf   []float32
	write int
	delay int
}

// NewDelayLine allocates a line holding up to maxSamples of history.
func NewDelayLine(maxSamples int) *DelayLine {
	if maxSamples < 1 {
		maxSamples = 1
	}
	return &DelayLine{buf: make([]float32, maxSamples)}
}

// Capacity returns the maximum delay in samples.
func (d *DelayLine) Capacity() int { return len(d.buf) }

// Delay returns the current delay in samples.
func (d *DelayLine) Delay() int { return d.delay }

// SetDelay sets the delay, clamped to [0, capacity-1].
func (d *DelayLine) SetDelay(samples int) {
	if samples < 0 {
		samples = 0
	}
	if samples >= len(d.buf) {
		samples = len(d.buf) - 1
	}
	d.delay = samples
}

// Read returns the sample written delay samples ago.
func (d *DelayLine) Read() float32 {
	idx := d.write - d.delay
	if idx < 0 {
		idx += len(d.buf)
	}
	return d.buf[idx]
}

// Write pushes one sample and advances the line.
func (d *DelayLine) Write(sample float32) {
	d.buf[d.write] = sample
	d.write++
	if d.write == len(d.buf) {
		d.write = 0
	}
}

// ProcessBlock delays a whole buffer in place. A zero delay is a no-op.
func (d *DelayLine) ProcessBlock(buf []float32) {
	if d.delay == 0 {
		return
	}
	for i := range buf {
		in := buf[i]
		buf[i] = d.Read()
		d.Write(in)
	}
}

// Clear zeroes the history without changing the delay.
func (d *DelayLine) Clear() {
	for i := range d.buf {
		d.buf[i] = 0
	}
}
