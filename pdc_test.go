package mixcore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundfold/mixcore/dsp"
)

func latentSlot(t *testing.T, lookaheadSeconds float64) *ProcessorSlot {
	t.Helper()
	s := newProcessorSlot(dsp.KindCompressor, 48000, 512)
	s.setParam("lookahead_s", lookaheadSeconds)
	return s
}

func TestSolvePDCParallelPaths(t *testing.T) {
	channels := graph(map[string]ChannelKind{
		"a": ChannelTrack, "b": ChannelTrack, "m": ChannelMaster,
	})
	channels["a"].outputTarget = "m"
	channels["b"].outputTarget = "m"
	require.NoError(t, channels["a"].chain.Insert(latentSlot(t, 0.002), 0))

	sol, err := solvePDC(channels)
	require.NoError(t, err)

	// Master hears both paths at the latent path's arrival time; the dry
	// path is padded by the full difference.
	assert.Equal(t, 96, sol.arrival["m"])
	assert.Equal(t, 0, sol.edgeDelay("a", -1))
	assert.Equal(t, 96, sol.edgeDelay("b", -1))
}

func TestSolvePDCChainedLatency(t *testing.T) {
	channels := graph(map[string]ChannelKind{
		"t": ChannelTrack, "b": ChannelBus, "m": ChannelMaster,
	})
	channels["t"].outputTarget = "b"
	channels["b"].outputTarget = "m"
	require.NoError(t, channels["t"].chain.Insert(latentSlot(t, 0.001), 0))
	require.NoError(t, channels["b"].chain.Insert(latentSlot(t, 0.002), 0))

	sol, err := solvePDC(channels)
	require.NoError(t, err)

	assert.Equal(t, 48, sol.arrival["b"])
	assert.Equal(t, 48+96, sol.arrival["m"])
}

func TestSolvePDCSendEdges(t *testing.T) {
	channels := graph(map[string]ChannelKind{
		"t": ChannelTrack, "aux": ChannelAux, "m": ChannelMaster,
	})
	channels["t"].outputTarget = "m"
	channels["t"].sends = []*Send{{Target: "aux", Level: 0.5}}
	channels["aux"].outputTarget = "m"
	require.NoError(t, channels["aux"].chain.Insert(latentSlot(t, 0.002), 0))

	sol, err := solvePDC(channels)
	require.NoError(t, err)

	// Send edges compensate exactly like main edges. The wet path through
	// the aux carries 96 samples of latency, so the track's direct feed to
	// the master is padded to match.
	assert.Equal(t, 96, sol.arrival["m"])
	assert.Equal(t, 0, sol.edgeDelay("t", 0))
	assert.Equal(t, 96, sol.edgeDelay("t", -1))
	assert.Equal(t, 0, sol.edgeDelay("aux", -1))
}

func TestSolvePDCNoLatency(t *testing.T) {
	channels := graph(map[string]ChannelKind{
		"t": ChannelTrack, "m": ChannelMaster,
	})
	channels["t"].outputTarget = "m"

	sol, err := solvePDC(channels)
	require.NoError(t, err)
	assert.Equal(t, 0, sol.arrival["m"])
	for _, e := range sol.edges {
		assert.Zero(t, e.delay)
	}
}

func TestSolvePDCRejectsCycle(t *testing.T) {
	channels := graph(map[string]ChannelKind{"a": ChannelBus, "b": ChannelBus})
	channels["a"].outputTarget = "b"
	channels["b"].outputTarget = "a"

	_, err := solvePDC(channels)
	require.Error(t, err)
}
