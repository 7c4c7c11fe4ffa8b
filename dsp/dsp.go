// Package dsp implements the closed set of insert processors the engine can
// host, plus the primitives (biquad filters, envelope detection, delay lines,
// level metering) they are built from. Processors are value-oriented state
// machines with a uniform per-block stereo process call; the set is closed on
// purpose : dispatch is a tag switch, not open-ended virtual calls.
package dsp

import "math"

// Kind identifies a processor type. The set is closed; adding a kind means
// adding a case to every switch in this file.
type Kind int

const (
	KindGain Kind = iota
	KindEQ
	KindCompressor
	KindDelay
)

var kindNames = map[Kind]string{
	KindGain:       "gain",
	KindEQ:         "eq",
	KindCompressor: "compressor",
	KindDelay:      "delay",
}

// String returns the stable lowercase name used across the boundary.
func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// KindFromName resolves a boundary-supplied kind name.
func KindFromName(name string) (Kind, bool) {
	for k, n := range kindNames {
		if n == name {
			return k, true
		}
	}
	return 0, false
}

// Params is the name→value parameter set carried by a slot. Parameter sets
// travel with processor identity, never with chain position.
type Params map[string]float64

// Clone returns an independent copy.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// DefaultParams returns the parameter set a freshly created processor starts
// with. Every name listed here is accepted by Apply.
func DefaultParams(k Kind) Params {
	switch k {
	case KindGain:
		return Params{"gain_db": 0}
	case KindEQ:
		return Params{"freq_hz": 1000, "gain_db": 0, "q": 0.707}
	case KindCompressor:
		return Params{
			"threshold_db": -20, "ratio": 4,
			"attack_s": 0.005, "release_s": 0.050,
			"makeup_db": 0, "lookahead_s": 0,
		}
	case KindDelay:
		return Params{"time_s": 0.125, "feedback": 0.3, "mix": 0.5}
	default:
		return Params{}
	}
}

// Processor is the tagged-variant insert processor. Only the variant selected
// by kind is allocated. All Process* methods run on the render context and
// never allocate; Apply and Reset are called from the render context at block
// boundaries only.
type Processor struct {
	kind       Kind
	sampleRate float64

	gain *gainStage
	eq   *stereoEQ
	comp *Compressor
	dly  *stereoDelay
}

// NewProcessor creates a processor of the given kind at its default settings.
func NewProcessor(kind Kind, sampleRate float64, maxBlock int) *Processor {
	p := &Processor{kind: kind, sampleRate: sampleRate}
	switch kind {
	case KindGain:
		p.gain = newGainStage(sampleRate)
	case KindEQ:
		p.eq = newStereoEQ(sampleRate)
	case KindCompressor:
		p.comp = NewCompressor(sampleRate)
	case KindDelay:
		p.dly = newStereoDelay(sampleRate)
	}
	p.Apply(DefaultParams(kind))
	return p
}

// Kind returns the processor's variant tag.
func (p *Processor) Kind() Kind { return p.kind }

// Apply updates parameters from a name→value set. Unknown names are ignored;
// the boundary validates names and ranges before they get here.
func (p *Processor) Apply(params Params) {
	switch p.kind {
	case KindGain:
		if v, ok := params["gain_db"]; ok {
			p.gain.setGainDB(v)
		}
	case KindEQ:
		p.eq.apply(params)
	case KindCompressor:
		if v, ok := params["threshold_db"]; ok {
			p.comp.SetThreshold(v)
		}
		if v, ok := params["ratio"]; ok {
			p.comp.SetRatio(v)
		}
		if v, ok := params["attack_s"]; ok {
			p.comp.SetAttack(v)
		}
		if v, ok := params["release_s"]; ok {
			p.comp.SetRelease(v)
		}
		if v, ok := params["makeup_db"]; ok {
			p.comp.SetMakeupGain(v)
		}
		if v, ok := params["lookahead_s"]; ok {
			p.comp.SetLookahead(v)
		}
	case KindDelay:
		p.dly.apply(params)
	}
}

// ProcessBlock processes one stereo block in place.
func (p *Processor) ProcessBlock(left, right []float32) {
	switch p.kind {
	case KindGain:
		p.gain.process(left)
		p.gain.process(right)
	case KindEQ:
		p.eq.process(left, right)
	case KindCompressor:
		p.comp.ProcessStereo(left, right)
	case KindDelay:
		p.dly.process(left, right)
	}
}

// LatencySamples reports the processor's intrinsic latency. The delay
// compensation solver sums these per chain.
func (p *Processor) LatencySamples() int {
	if p.kind == KindCompressor {
		return p.comp.LatencySamples()
	}
	return 0
}

// MaxLookaheadSeconds caps processor lookahead and with it the largest
// latency any single slot can claim.
const MaxLookaheadSeconds = 0.010

// LatencyForParams computes the latency a processor of the given kind would
// report once the parameter set is applied. Latency changes must be visible
// to the compensation solver at set time, before the audio context has
// picked the parameters up, so this mirrors the compressor's lookahead
// clamping exactly.
func LatencyForParams(kind Kind, params Params, sampleRate float64) int {
	if kind != KindCompressor {
		return 0
	}
	seconds := math.Max(0, math.Min(MaxLookaheadSeconds, params["lookahead_s"]))
	return int(seconds * sampleRate)
}

// GainReductionDB reports current gain reduction for metering; zero for
// processors that do not reduce gain.
func (p *Processor) GainReductionDB() float64 {
	if p.kind == KindCompressor {
		return p.comp.GainReduction()
	}
	return 0
}

// Reset clears all variant state.
func (p *Processor) Reset() {
	switch p.kind {
	case KindGain:
		// Stateless.
	case KindEQ:
		p.eq.reset()
	case KindCompressor:
		p.comp.Reset()
	case KindDelay:
		p.dly.reset()
	}
}

// gainStage is a smoothed linear gain.
type gainStage struct {
	target  float32
	current float32
	coeff   float32
}

func newGainStage(sampleRate float64) *gainStage {
	// ~5ms smoothing to avoid zipper noise on parameter jumps.
	return &gainStage{target: 1, current: 1, coeff: float32(math.Exp(-1 / (0.005 * sampleRate)))}
}

func (g *gainStage) setGainDB(db float64) {
	g.target = DBToLinear(float32(db))
}

func (g *gainStage) process(buf []float32) {
	cur, tgt, c := g.current, g.target, g.coeff
	for i := range buf {
		cur = tgt + (cur-tgt)*c
		buf[i] *= cur
	}
	g.current = cur
}

// stereoEQ is a single peaking band applied to both sides.
type stereoEQ struct {
	filt       *Biquad
	sampleRate float64
	freq       float64
	gainDB     float64
	q          float64
}

func newStereoEQ(sampleRate float64) *stereoEQ {
	return &stereoEQ{filt: NewBiquad(2), sampleRate: sampleRate, freq: 1000, q: 0.707}
}

func (e *stereoEQ) apply(params Params) {
	changed := false
	if v, ok := params["freq_hz"]; ok && v != e.freq {
		e.freq = v
		changed = true
	}
	if v, ok := params["gain_db"]; ok && v != e.gainDB {
		e.gainDB = v
		changed = true
	}
	if v, ok := params["q"]; ok && v != e.q {
		e.q = v
		changed = true
	}
	if changed {
		e.filt.SetPeaking(e.sampleRate, e.freq, e.q, e.gainDB)
	}
}

func (e *stereoEQ) process(left, right []float32) {
	e.filt.Process(left, 0)
	e.filt.Process(right, 1)
}

func (e *stereoEQ) reset() { e.filt.Reset() }

// stereoDelay is a feedback delay with dry/wet mix.
type stereoDelay struct {
	lines    [2]*DelayLine
	feedback float32
	mix      float32
}

func newStereoDelay(sampleRate float64) *stereoDelay {
	// Two seconds max, enough for musical delay times.
	maxSamples := int(2 * sampleRate)
	return &stereoDelay{
		lines: [2]*DelayLine{NewDelayLine(maxSamples), NewDelayLine(maxSamples)},
	}
}

func (d *stereoDelay) apply(params Params) {
	if v, ok := params["time_s"]; ok {
		// Capacity was sized from the sample rate, so capacity/2 == one second.
		n := int(v * float64(d.lines[0].Capacity()) / 2)
		if n < 1 {
			n = 1
		}
		d.lines[0].SetDelay(n)
		d.lines[1].SetDelay(n)
	}
	if v, ok := params["feedback"]; ok {
		d.feedback = float32(math.Min(0.95, math.Max(0, v)))
	}
	if v, ok := params["mix"]; ok {
		d.mix = float32(math.Min(1, math.Max(0, v)))
	}
}

func (d *stereoDelay) process(left, right []float32) {
	for ch, buf := range [2][]float32{left, right} {
		line := d.lines[ch]
		fb, mix := d.feedback, d.mix
		for i := range buf {
			dry := buf[i]
			wet := line.Read()
			line.Write(dry + wet*fb)
			buf[i] = dry*(1-mix) + wet*mix
		}
	}
}

func (d *stereoDelay) reset() {
	d.lines[0].Clear()
	d.lines[1].Clear()
}

// DBToLinear converts decibels to linear amplitude.
func DBToLinear(db float32) float32 {
	return float32(math.Pow(10, float64(db)/20))
}

// LinearToDB converts linear amplitude to decibels, clamped at floor.
func LinearToDB(lin float32, floor float32) float32 {
	if lin <= 0 {
		return floor
	}
	db := float32(20 * math.Log10(float64(lin)))
	if db < floor {
		return floor
	}
	return db
}
