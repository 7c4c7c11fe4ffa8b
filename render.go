package mixcore

import (
	"math"
	"time"

	"github.com/soundfold/mixcore/dsp"
	"github.com/soundfold/mixcore/ffi"
	"github.com/soundfold/mixcore/wavecache"
)

// renderState is the immutable-per-block snapshot the render context works
// from. The control context builds a complete new state and publishes it with
// one atomic store; within a block the effective chain order and topology are
// fixed, and a mutation committed mid-block is visible only from the next
// block on.
type renderState struct {
	gen        uint64
	blockSize  int
	sampleRate float64

	// channels in topological order: every channel before its targets.
	channels []*renderChannel
	// masterArrival is the solved latency at the master input.
	masterArrival int

	// Scratch space owned by the render thread through this state.
	dryL, dryR   []float32
	sendL, sendR []float32
}

// compLine is a stereo compensation delay, one line per side so both sides
// stay phase-aligned through the same delay.
type compLine struct {
	left, right *dsp.DelayLine
}

func newCompLine(capacity int) *compLine {
	return &compLine{
		left:  dsp.NewDelayLine(capacity),
		right: dsp.NewDelayLine(capacity),
	}
}

func (cl *compLine) capacity() int { return cl.left.Capacity() }

func (cl *compLine) process(left, right []float32, delay int) {
	if delay <= 0 {
		return
	}
	cl.left.SetDelay(delay)
	cl.right.SetDelay(delay)
	cl.left.ProcessBlock(left)
	cl.right.ProcessBlock(right)
}

type renderSend struct {
	target int // index into renderState.channels
	level  float32
	delay  int
	line   *compLine
}

// renderChannel is one channel's frozen routing view. The mutable fields it
// points at (buffers, delay lines, slots' DSP state) are touched only by the
// render thread.
type renderChannel struct {
	ch    *Channel
	slots []*ProcessorSlot

	isTrack bool
	source  *wavecache.Entry

	gain float32 // fader x VCA product; zero when inaudible
	panL float32
	panR float32

	target      int // index into renderState.channels, -1 when unrouted
	targetDelay int
	targetLine  *compLine
	sends       []renderSend

	bufL, bufR []float32
}

// publishLocked rebuilds the render snapshot from current control state and
// swaps it in atomically. Called with e.mu held, on the dispatcher goroutine.
func (e *Engine) publishLocked() {
	sol, err := solvePDC(e.channels)
	if err != nil {
		// Unreachable while edge commits are cycle-guarded; keep the last
		// good snapshot rather than publish a broken one.
		e.errorHandler.HandleError(ffi.Wrap(ffi.SyncError, ffi.CodePublishConflict, err,
			"refusing to publish snapshot"))
		return
	}
	order, err := topoOrder(e.channels)
	if err != nil {
		e.errorHandler.HandleError(err)
		return
	}
	audible := resolveAudibility(e.channels)

	block := e.cfg.BlockSize
	index := make(map[string]int, len(order))
	for i, c := range order {
		index[c.id] = i
	}

	e.publishGen++
	st := &renderState{
		gen:           e.publishGen,
		blockSize:     block,
		sampleRate:    e.cfg.SampleRate,
		channels:      make([]*renderChannel, len(order)),
		masterArrival: sol.arrival[e.masterID],
		dryL:          make([]float32, block),
		dryR:          make([]float32, block),
		sendL:         make([]float32, block),
		sendR:         make([]float32, block),
	}

	for i, c := range order {
		ensureBuffers(c, block)

		gain := float32(0)
		if audible[c.id] {
			gain = float32(c.volume * vcaGain(e.channels, c))
		}
		// Equal-power pan.
		angle := (c.pan + 1) * math.Pi / 4
		rc := &renderChannel{
			ch:      c,
			slots:   c.chain.snapshotOrder(),
			isTrack: c.kind == ChannelTrack,
			source:  c.sourceEntry,
			gain:    gain,
			panL:    float32(math.Cos(angle)),
			panR:    float32(math.Sin(angle)),
			target:  -1,
			bufL:    c.bufL,
			bufR:    c.bufR,
		}

		if c.outputTarget != "" {
			if t, ok := index[c.outputTarget]; ok {
				rc.target = t
				rc.targetDelay = sol.edgeDelay(c.id, -1)
				c.comp = ensureCompLine(c.comp, rc.targetDelay)
				rc.targetLine = c.comp
			}
		}
		for si, s := range c.sends {
			t, ok := index[s.Target]
			if !ok {
				continue
			}
			delay := sol.edgeDelay(c.id, si)
			s.comp = ensureCompLine(s.comp, delay)
			rc.sends = append(rc.sends, renderSend{
				target: t,
				level:  float32(s.Level),
				delay:  delay,
				line:   s.comp,
			})
		}
		st.channels[i] = rc
	}

	e.renderState.Store(st)
	e.reapParkedLocked()
}

func ensureBuffers(c *Channel, block int) {
	if len(c.bufL) != block {
		c.bufL = make([]float32, block)
		c.bufR = make([]float32, block)
	}
}

// ensureCompLine reuses line when its capacity covers delay, otherwise
// allocates a larger one. The old line stays valid for the snapshot still
// referencing it; history is lost only when the line grows, which only
// happens on a latency change.
func ensureCompLine(line *compLine, delay int) *compLine {
	if line != nil && line.capacity() > delay {
		return line
	}
	// Headroom so small latency increases do not reallocate.
	return newCompLine(delay + 256)
}

// RenderBlock renders one audio block into the caller's stereo buffers. It
// runs on the render context: no locks, no allocation on the steady path, no
// I/O. A fault inside the block drops the output to silence and counts a
// render failure; it never crashes the process.
func (e *Engine) RenderBlock(outL, outR []float32) error {
	st := e.renderState.Load()
	if st == nil {
		zero(outL)
		zero(outR)
		return nil
	}
	if err := ffi.CheckBufferSize(len(outL), st.blockSize); err != nil {
		return err.WithContext("RenderBlock")
	}
	if err := ffi.CheckBufferSize(len(outR), st.blockSize); err != nil {
		return err.WithContext("RenderBlock")
	}

	defer func() {
		if r := recover(); r != nil {
			e.renderFailures.Add(1)
			zero(outL)
			zero(outR)
		}
		// The block no longer reads through this snapshot; parked source
		// pins older than it may now be released.
		e.renderedGen.Store(st.gen)
	}()

	blockDur := time.Duration(float64(st.blockSize) / st.sampleRate * float64(time.Second))

	for _, rc := range st.channels {
		zero(rc.bufL)
		zero(rc.bufR)
	}

	var master *renderChannel
	for _, rc := range st.channels {
		if rc.isTrack && rc.source != nil {
			pullSource(rc, st.blockSize)
		}
		processChain(rc, st, blockDur)
		routeOut(rc, st)
		if rc.ch.kind == ChannelMaster {
			master = rc
		}
	}

	if master != nil {
		copy(outL, master.bufL)
		copy(outR, master.bufR)
	} else {
		zero(outL)
		zero(outR)
	}
	return nil
}

// pullSource reads the next block of source frames, looping at the end.
func pullSource(rc *renderChannel, block int) {
	pos := int(rc.ch.playhead.Load())
	frames := rc.source.Frames
	if frames == 0 {
		return
	}
	pos %= frames
	filled := 0
	for filled < block {
		dst := [][]float32{rc.bufL[filled:], rc.bufR[filled:]}
		read := rc.source.ReadFrames(dst, pos)
		if read == 0 {
			pos = 0
			continue
		}
		filled += read
		pos = (pos + read) % frames
	}
	rc.ch.playhead.Store(int64(pos))
}

// processChain runs the insert chain with metering and bypass crossfades.
func processChain(rc *renderChannel, st *renderState, blockDur time.Duration) {
	for _, slot := range rc.slots {
		// Drain staged parameter updates at the block boundary.
		if p := slot.pending.Swap(nil); p != nil {
			slot.proc.Apply(*p)
		}

		// Dry metering happens before the processor runs.
		inPeakL := dsp.BlockPeak(rc.bufL)
		inPeakR := dsp.BlockPeak(rc.bufR)
		inRMSL := dsp.BlockRMS(rc.bufL)
		inRMSR := dsp.BlockRMS(rc.bufR)
		slot.meter.storeInput(inPeakL, inPeakR, inRMSL, inRMSR)

		fade := slot.fadeLevel()
		target := float32(0)
		if slot.wantActive.Load() {
			target = 1
		}

		// The dry path runs through a delay matched to the processor's
		// latency, so a bypassed slot still occupies the samples the
		// compensation solver accounted for and toggling bypass never
		// shifts phase against parallel paths.
		lat := slot.proc.LatencySamples()
		slot.dryDelayL.SetDelay(lat)
		slot.dryDelayR.SetDelay(lat)

		if fade == 0 && target == 0 {
			// Fully bypassed: delayed dry passes, output meters track it.
			slot.dryDelayL.ProcessBlock(rc.bufL)
			slot.dryDelayR.ProcessBlock(rc.bufR)
			slot.meter.storeOutput(inPeakL, inPeakR, inRMSL, inRMSR, 0,
				loadPercent(slot, 0, blockDur))
			continue
		}

		start := time.Now()
		copy(st.dryL, rc.bufL)
		copy(st.dryR, rc.bufR)
		slot.proc.ProcessBlock(rc.bufL, rc.bufR)

		if fade != target {
			slot.dryDelayL.ProcessBlock(st.dryL)
			slot.dryDelayR.ProcessBlock(st.dryR)

			// Per-sample crossfade between delayed dry and processed signal.
			step := slot.fadeStep
			if target == 0 {
				step = -step
			}
			f := fade
			for i := range rc.bufL {
				f += step
				if f > 1 {
					f = 1
				} else if f < 0 {
					f = 0
				}
				rc.bufL[i] = rc.bufL[i]*f + st.dryL[i]*(1-f)
				rc.bufR[i] = rc.bufR[i]*f + st.dryR[i]*(1-f)
			}
			slot.setFade(f)
		} else if lat > 0 {
			// Fully active: keep the dry history warm so the next bypass
			// transition reads real signal, not stale samples.
			for i := range st.dryL {
				slot.dryDelayL.Write(st.dryL[i])
				slot.dryDelayR.Write(st.dryR[i])
			}
		}
		elapsed := time.Since(start)

		outPeakL := dsp.BlockPeak(rc.bufL)
		outPeakR := dsp.BlockPeak(rc.bufR)
		outRMSL := dsp.BlockRMS(rc.bufL)
		outRMSR := dsp.BlockRMS(rc.bufR)

		// Gain reduction from levels when the processor does not report
		// its own, clamped to the display floor.
		gr := float32(slot.proc.GainReductionDB())
		if gr == 0 {
			inPeak := maxf(inPeakL, inPeakR)
			outPeak := maxf(outPeakL, outPeakR)
			if inPeak > 0 && outPeak < inPeak {
				gr = dsp.LinearToDB(outPeak/inPeak, gainReductionFloorDB)
			}
		}
		if gr < gainReductionFloorDB {
			gr = gainReductionFloorDB
		}

		slot.meter.storeOutput(outPeakL, outPeakR, outRMSL, outRMSR, gr,
			loadPercent(slot, elapsed, blockDur))
	}
}

// loadPercent folds one block's processing time into the slot's rolling load
// average, as percent of the block budget.
func loadPercent(slot *ProcessorSlot, elapsed, blockDur time.Duration) float32 {
	load := 0.0
	if blockDur > 0 {
		load = float64(elapsed) / float64(blockDur)
	}
	slot.loadAccum = slot.loadAccum*0.9 + load*0.1
	return float32(slot.loadAccum * 100)
}

// routeOut applies fader, pan and per-edge compensation, then sums into the
// downstream buffers. Sends tap post-fader, each through its own
// compensation line.
func routeOut(rc *renderChannel, st *renderState) {
	for i := range rc.bufL {
		rc.bufL[i] *= rc.gain * rc.panL
		rc.bufR[i] *= rc.gain * rc.panR
	}

	for _, send := range rc.sends {
		dst := st.channels[send.target]
		sl := st.sendL[:len(rc.bufL)]
		sr := st.sendR[:len(rc.bufR)]
		for i := range sl {
			sl[i] = rc.bufL[i] * send.level
			sr[i] = rc.bufR[i] * send.level
		}
		send.line.process(sl, sr, send.delay)
		for i := range sl {
			dst.bufL[i] += sl[i]
			dst.bufR[i] += sr[i]
		}
	}

	if rc.target >= 0 {
		rc.targetLine.process(rc.bufL, rc.bufR, rc.targetDelay)
		dst := st.channels[rc.target]
		for i := range rc.bufL {
			dst.bufL[i] += rc.bufL[i]
			dst.bufR[i] += rc.bufR[i]
		}
	}
}

func zero(buf []float32) {
	for i := range buf {
		buf[i] = 0
	}
}

func maxf(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}
