package mixcore

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundfold/mixcore/dsp"
	"github.com/soundfold/mixcore/ffi"
)

const chainTestRate = 48000.0

func testSlot(kind dsp.Kind) *ProcessorSlot {
	return newProcessorSlot(kind, chainTestRate, 512)
}

func chainKinds(ic *InsertChain) []dsp.Kind {
	kinds := make([]dsp.Kind, ic.Len())
	for i := range kinds {
		s, _ := ic.Slot(i)
		kinds[i] = s.Kind()
	}
	return kinds
}

func TestInsertChainInsertPositions(t *testing.T) {
	ic := NewInsertChain()
	require.NoError(t, ic.Insert(testSlot(dsp.KindEQ), 0))
	require.NoError(t, ic.Insert(testSlot(dsp.KindDelay), 1), "append at Len")
	require.NoError(t, ic.Insert(testSlot(dsp.KindGain), 0), "prepend shifts the rest")

	assert.Equal(t, []dsp.Kind{dsp.KindGain, dsp.KindEQ, dsp.KindDelay}, chainKinds(ic))

	err := ic.Insert(testSlot(dsp.KindGain), 5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ffi.New(ffi.OutOfBounds, 0, "")))
	assert.Equal(t, 3, ic.Len(), "failed insert leaves the chain unchanged")
}

func TestInsertChainRemove(t *testing.T) {
	ic := NewInsertChain()
	eq := testSlot(dsp.KindEQ)
	require.NoError(t, ic.Insert(testSlot(dsp.KindGain), 0))
	require.NoError(t, ic.Insert(eq, 1))

	removed, err := ic.Remove(1)
	require.NoError(t, err)
	assert.Same(t, eq, removed)
	assert.Equal(t, 1, ic.Len())

	_, err = ic.Remove(1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ffi.New(ffi.OutOfBounds, ffi.CodeIndexOutOfRange, "")))
}

func TestInsertChainSwapPreservesParams(t *testing.T) {
	ic := NewInsertChain()
	eq := testSlot(dsp.KindEQ)
	comp := testSlot(dsp.KindCompressor)
	eq.setParam("freq_hz", 220)
	comp.setParam("ratio", 8)
	require.NoError(t, ic.Insert(eq, 0))
	require.NoError(t, ic.Insert(comp, 1))

	require.NoError(t, ic.Swap(0, 1))

	s0, _ := ic.Slot(0)
	s1, _ := ic.Slot(1)
	assert.Equal(t, dsp.KindCompressor, s0.Kind())
	assert.Equal(t, 8.0, s0.params["ratio"], "values travel with the slot")
	assert.Equal(t, 220.0, s1.params["freq_hz"])
	assert.Equal(t, eq.ID(), s1.ID(), "identity travels with the slot")
}

func TestInsertChainReorder(t *testing.T) {
	ic := NewInsertChain()
	require.NoError(t, ic.Insert(testSlot(dsp.KindGain), 0))
	require.NoError(t, ic.Insert(testSlot(dsp.KindEQ), 1))
	require.NoError(t, ic.Insert(testSlot(dsp.KindCompressor), 2))

	require.NoError(t, ic.Reorder([]int{2, 0, 1}))
	assert.Equal(t, []dsp.Kind{dsp.KindCompressor, dsp.KindGain, dsp.KindEQ}, chainKinds(ic))
}

func TestInsertChainReorderRejectsBadPermutations(t *testing.T) {
	ic := NewInsertChain()
	require.NoError(t, ic.Insert(testSlot(dsp.KindGain), 0))
	require.NoError(t, ic.Insert(testSlot(dsp.KindEQ), 1))
	before := chainKinds(ic)

	cases := []struct {
		name  string
		order []int
	}{
		{"wrong length", []int{0}},
		{"repeated position", []int{1, 1}},
		{"out of range", []int{0, 2}},
		{"negative", []int{-1, 0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Error(t, ic.Reorder(tc.order))
			assert.Equal(t, before, chainKinds(ic), "chain unchanged after rejection")
		})
	}
}

func TestInsertChainLatencyFollowsParams(t *testing.T) {
	ic := NewInsertChain()
	comp := testSlot(dsp.KindCompressor)
	require.NoError(t, ic.Insert(comp, 0))
	assert.Equal(t, 0, ic.LatencySamples())

	comp.setParam("lookahead_s", 0.002)
	assert.Equal(t, 96, ic.LatencySamples(), "visible before the audio context applies it")

	comp.setParam("lookahead_s", 0.5)
	assert.Equal(t, 480, ic.LatencySamples(), "lookahead capped at 10ms")

	second := testSlot(dsp.KindCompressor)
	second.setParam("lookahead_s", 0.001)
	require.NoError(t, ic.Insert(second, 1))
	assert.Equal(t, 528, ic.LatencySamples(), "latencies sum across slots")
}

func TestBypassStateDerivation(t *testing.T) {
	s := testSlot(dsp.KindGain)
	assert.Equal(t, "on", s.bypassState().String())

	// Control requests bypass; the transition starts at commit even though
	// the render thread has not moved the fade yet.
	s.bypassed = true
	s.syncDesired()
	assert.Equal(t, "fading_out", s.bypassState().String())

	s.setFade(0.4)
	assert.Equal(t, "fading_out", s.bypassState().String())

	s.setFade(0)
	assert.Equal(t, "off", s.bypassState().String())

	s.bypassed = false
	s.syncDesired()
	s.setFade(0.4)
	assert.Equal(t, "fading_in", s.bypassState().String())

	s.setFade(1)
	assert.Equal(t, "on", s.bypassState().String())
}

func TestSlotStateReporting(t *testing.T) {
	ic := NewInsertChain()
	eq := testSlot(dsp.KindEQ)
	eq.setParam("gain_db", -3)
	require.NoError(t, ic.Insert(eq, 0))

	states := ic.states()
	require.Len(t, states, 1)
	assert.Equal(t, eq.ID(), states[0].ID)
	assert.Equal(t, "eq", states[0].Kind)
	assert.True(t, states[0].Enabled)
	assert.Equal(t, "on", states[0].BypassState)
	assert.Equal(t, -3.0, states[0].Parameters["gain_db"])
}

func TestSlotMeterRoundTrip(t *testing.T) {
	m := &SlotMeter{}
	m.storeInput(0.8, 0.7, 0.5, 0.4)
	m.storeOutput(0.6, 0.5, 0.3, 0.2, -4.5, 12)

	snap := m.Snapshot()
	assert.InDelta(t, 0.8, snap.InputPeakL, 1e-6)
	assert.InDelta(t, 0.7, snap.InputPeakR, 1e-6)
	assert.InDelta(t, 0.5, snap.InputRMSL, 1e-6)
	assert.InDelta(t, 0.6, snap.OutputPeakL, 1e-6)
	assert.InDelta(t, 0.2, snap.OutputRMSR, 1e-6)
	assert.InDelta(t, -4.5, snap.GainRedDB, 1e-6)
	assert.InDelta(t, 12, snap.LoadPercent, 1e-6)
}
