package dsp

import "math"

// EnvelopeFollower tracks signal level with independent attack and release
// time constants, operating on the larger of the two stereo magnitudes.
type EnvelopeFollower struct {
	sampleRate   float64
	attackCoeff  float64
	releaseCoeff float64
	level        float64
}

// NewEnvelopeFollower creates a follower with the given time constants.
func NewEnvelopeFollower(sampleRate, attack, release float64) *EnvelopeFollower {
	e := &EnvelopeFollower{sampleRate: sampleRate}
	e.SetAttack(attack)
	e.SetRelease(release)
	return e
}

// SetAttack sets the attack time in seconds.
func (e *EnvelopeFollower) SetAttack(seconds float64) {
	e.attackCoeff = timeCoeff(seconds, e.sampleRate)
}

// SetRelease sets the release time in seconds.
func (e *EnvelopeFollower) SetRelease(seconds float64) {
	e.releaseCoeff = timeCoeff(seconds, e.sampleRate)
}

// Step advances the follower by one sample magnitude and returns the level.
func (e *EnvelopeFollower) Step(mag float64) float64 {
	coeff := e.releaseCoeff
	if mag > e.level {
		coeff = e.attackCoeff
	}
	e.level = mag + (e.level-mag)*coeff
	return e.level
}

// Reset clears the tracked level.
func (e *EnvelopeFollower) Reset() { e.level = 0 }

func timeCoeff(seconds, sampleRate float64) float64 {
	if seconds <= 0 {
		return 0
	}
	return math.Exp(-1 / (seconds * sampleRate))
}

// Compressor is a feed-forward stereo compressor with soft knee, makeup gain
// and optional lookahead. Lookahead is the only latency source in the
// processor set, reported through LatencySamples for delay compensation.
type Compressor struct {
	sampleRate float64

	thresholdDB float64
	ratio       float64
	kneeDB      float64
	makeupLin   float64

	detector *EnvelopeFollower

	lookahead    [2]*DelayLine
	delaySamples int

	lastReductionDB float64
}

// NewCompressor creates a compressor with musical defaults.
func NewCompressor(sampleRate float64) *Compressor {
	return &Compressor{
		sampleRate:  sampleRate,
		thresholdDB: -20,
		ratio:       4,
		kneeDB:      2,
		makeupLin:   1,
		detector:    NewEnvelopeFollower(sampleRate, 0.005, 0.050),
	}
}

// SetThreshold sets the threshold in dB.
func (c *Compressor) SetThreshold(db float64) { c.thresholdDB = db }

// SetRatio sets the compression ratio; values below 1:1 are clamped up.
func (c *Compressor) SetRatio(ratio float64) { c.ratio = math.Max(1, ratio) }

// SetAttack sets the detector attack time in seconds.
func (c *Compressor) SetAttack(seconds float64) { c.detector.SetAttack(math.Max(0.0001, seconds)) }

// SetRelease sets the detector release time in seconds.
func (c *Compressor) SetRelease(seconds float64) { c.detector.SetRelease(math.Max(0.001, seconds)) }

// SetMakeupGain sets makeup gain in dB.
func (c *Compressor) SetMakeupGain(db float64) { c.makeupLin = float64(DBToLinear(float32(db))) }

// SetLookahead sets lookahead in seconds, capped at 10ms.
func (c *Compressor) SetLookahead(seconds float64) {
	seconds = math.Max(0, math.Min(MaxLookaheadSeconds, seconds))
	n := int(seconds * c.sampleRate)
	if n == c.delaySamples {
		return
	}
	c.delaySamples = n
	if n > 0 {
		for ch := range c.lookahead {
			line := NewDelayLine(n + 1)
			line.SetDelay(n)
			c.lookahead[ch] = line
		}
	} else {
		c.lookahead[0], c.lookahead[1] = nil, nil
	}
}

// LatencySamples reports lookahead-induced latency.
func (c *Compressor) LatencySamples() int { return c.delaySamples }

// GainReduction returns the most recent gain reduction in dB (negative when
// reducing).
func (c *Compressor) GainReduction() float64 { return c.lastReductionDB }

// ProcessStereo compresses one stereo block in place with a shared detector,
// so the image does not shift under compression.
func (c *Compressor) ProcessStereo(left, right []float32) {
	maxReduction := 0.0
	for i := range left {
		mag := math.Max(math.Abs(float64(left[i])), math.Abs(float64(right[i])))
		level := c.detector.Step(mag)

		levelDB := -120.0
		if level > 0 {
			levelDB = 20 * math.Log10(level)
		}

		reductionDB := c.gainCurve(levelDB)
		if reductionDB < maxReduction {
			maxReduction = reductionDB
		}
		gain := float32(math.Pow(10, reductionDB/20) * c.makeupLin)

		l, r := left[i], right[i]
		if c.delaySamples > 0 {
			delayedL := c.lookahead[0].Read()
			delayedR := c.lookahead[1].Read()
			c.lookahead[0].Write(l)
			c.lookahead[1].Write(r)
			l, r = delayedL, delayedR
		}
		left[i] = l * gain
		right[i] = r * gain
	}
	c.lastReductionDB = maxReduction
}

// gainCurve returns the gain change in dB for a detector level in dB,
// with a quadratic soft knee around the threshold.
func (c *Compressor) gainCurve(levelDB float64) float64 {
	over := levelDB - c.thresholdDB
	switch {
	case over <= -c.kneeDB/2:
		return 0
	case over < c.kneeDB/2 && c.kneeDB > 0:
		x := over + c.kneeDB/2
		return (1/c.ratio - 1) * x * x / (2 * c.kneeDB)
	default:
		return (1/c.ratio - 1) * over
	}
}

// Reset clears detector and lookahead state.
func (c *Compressor) Reset() {
	c.detector.Reset()
	c.lastReductionDB = 0
	for _, line := range c.lookahead {
		if line != nil {
			line.Clear()
		}
	}
}
