package mixcore

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundfold/mixcore/config"
	"github.com/soundfold/mixcore/ffi"
	"github.com/soundfold/mixcore/internal/testutil"
)

// newTestEngine builds an engine over a throwaway cache root. The small
// block size keeps render-driven tests fast.
func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.BlockSize = 256
	cfg.Cache.Root = t.TempDir()
	e, err := NewEngine(cfg)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func TestEngineInitStateProgression(t *testing.T) {
	cfg := config.Default()
	cfg.BlockSize = 256
	cfg.Cache.Root = t.TempDir()

	// Options run on the bare engine, before the master channel and the
	// dispatcher exist.
	var atOptionTime EngineInitState
	e, err := NewEngine(cfg, func(e *Engine) { atOptionTime = e.initState })
	require.NoError(t, err)
	t.Cleanup(e.Close)

	assert.Equal(t, EngineCreated, atOptionTime)
	assert.Equal(t, EngineRunning, e.InitState())
}

func TestNewEngineRejectsBadConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Cache.Root = t.TempDir()

	bad := cfg
	bad.SampleRate = 1000
	_, err := NewEngine(bad)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ffi.New(ffi.AudioError, ffi.CodeBadSampleRate, "")))

	bad = cfg
	bad.BlockSize = 4
	_, err = NewEngine(bad)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ffi.New(ffi.InvalidInput, 0, "")))
}

func TestEngineStartsWithMaster(t *testing.T) {
	e := newTestEngine(t)

	master := e.MasterID()
	require.NotEmpty(t, master)
	assert.Contains(t, e.ListChannels(), master)

	state, err := e.ChannelStateByID(master)
	require.NoError(t, err)
	assert.Equal(t, ChannelMaster, state.Kind)
	assert.Equal(t, 1.0, state.Volume)

	err = e.RemoveChannel(master)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ffi.New(ffi.InvalidState, 0, "")))
}

func TestAddChannelAutoRoutesToMaster(t *testing.T) {
	e := newTestEngine(t)

	track, err := e.AddChannel(ChannelTrack, "Drums")
	require.NoError(t, err)
	state, err := e.ChannelStateByID(track)
	require.NoError(t, err)
	assert.Equal(t, e.MasterID(), state.OutputTarget)

	vca, err := e.AddChannel(ChannelVCA, "Rhythm")
	require.NoError(t, err)
	state, err = e.ChannelStateByID(vca)
	require.NoError(t, err)
	assert.Empty(t, state.OutputTarget, "vca channels carry no audio path")

	_, err = e.AddChannel(ChannelMaster, "Second Master")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ffi.New(ffi.InvalidInput, ffi.CodeWrongChannelKind, "")))
}

func TestRemoveChannelDetachesEveryEdge(t *testing.T) {
	e := newTestEngine(t)

	track, err := e.AddChannel(ChannelTrack, "Gtr")
	require.NoError(t, err)
	aux, err := e.AddChannel(ChannelAux, "Verb")
	require.NoError(t, err)
	vca, err := e.AddChannel(ChannelVCA, "Group")
	require.NoError(t, err)

	require.NoError(t, e.AddSend(track, aux, 0.5))
	require.NoError(t, e.AssignVCA(track, vca))

	require.NoError(t, e.RemoveChannel(aux))
	state, err := e.ChannelStateByID(track)
	require.NoError(t, err)
	assert.Empty(t, state.Sends, "send to removed channel is dropped")

	require.NoError(t, e.RemoveChannel(vca))
	state, err = e.ChannelStateByID(track)
	require.NoError(t, err)
	assert.Empty(t, state.VCAGroup)

	err = e.RemoveChannel("nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ffi.New(ffi.NotFound, ffi.CodeUnknownID, "")))
}

func TestSetOutputRejectsCycles(t *testing.T) {
	e := newTestEngine(t)

	b1, err := e.AddChannel(ChannelBus, "B1")
	require.NoError(t, err)
	b2, err := e.AddChannel(ChannelBus, "B2")
	require.NoError(t, err)
	require.NoError(t, e.SetOutput(b1, b2))

	err = e.SetOutput(b2, b1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ffi.New(ffi.InvalidState, ffi.CodeWouldCycle, "")))

	// Rejection leaves the graph exactly as it was.
	state, serr := e.ChannelStateByID(b2)
	require.NoError(t, serr)
	assert.Equal(t, e.MasterID(), state.OutputTarget)
}

func TestSetOutputKindRules(t *testing.T) {
	e := newTestEngine(t)

	track, err := e.AddChannel(ChannelTrack, "T")
	require.NoError(t, err)
	vca, err := e.AddChannel(ChannelVCA, "V")
	require.NoError(t, err)

	require.Error(t, e.SetOutput(track, vca), "cannot route audio into a vca")
	require.Error(t, e.SetOutput(e.MasterID(), track), "master has no output routing")
	require.Error(t, e.SetOutput(vca, track))

	require.NoError(t, e.SetOutput(track, ""))
	state, serr := e.ChannelStateByID(track)
	require.NoError(t, serr)
	assert.Empty(t, state.OutputTarget, "empty target disconnects")
}

func TestAddSendRules(t *testing.T) {
	e := newTestEngine(t)

	track, err := e.AddChannel(ChannelTrack, "T")
	require.NoError(t, err)
	bus, err := e.AddChannel(ChannelBus, "B")
	require.NoError(t, err)
	aux, err := e.AddChannel(ChannelAux, "A")
	require.NoError(t, err)

	err = e.AddSend(track, bus, 0.5)
	require.Error(t, err, "sends only target auxes")
	assert.True(t, errors.Is(err, ffi.New(ffi.InvalidInput, ffi.CodeWrongChannelKind, "")))

	require.Error(t, e.AddSend(track, aux, 3), "level above range")
	require.Error(t, e.AddSend(track, aux, -0.1))

	require.NoError(t, e.AddSend(track, aux, 0.5))
	require.NoError(t, e.AddSend(track, aux, 0.8), "re-adding updates the level")

	state, serr := e.ChannelStateByID(track)
	require.NoError(t, serr)
	require.Len(t, state.Sends, 1)
	assert.Equal(t, 0.8, state.Sends[0].Level)
}

func TestAssignVCA(t *testing.T) {
	e := newTestEngine(t)

	track, err := e.AddChannel(ChannelTrack, "T")
	require.NoError(t, err)
	v1, err := e.AddChannel(ChannelVCA, "V1")
	require.NoError(t, err)
	v2, err := e.AddChannel(ChannelVCA, "V2")
	require.NoError(t, err)

	require.Error(t, e.AssignVCA(track, e.MasterID()), "target must be a vca")

	require.NoError(t, e.AssignVCA(track, v1))
	require.NoError(t, e.AssignVCA(v1, v2))

	err = e.AssignVCA(v2, v1)
	require.Error(t, err, "vca nesting must stay acyclic")
	assert.True(t, errors.Is(err, ffi.New(ffi.InvalidState, ffi.CodeWouldCycle, "")))

	require.NoError(t, e.AssignVCA(track, ""))
	state, serr := e.ChannelStateByID(track)
	require.NoError(t, serr)
	assert.Empty(t, state.VCAGroup)
}

func TestChannelFieldValidation(t *testing.T) {
	e := newTestEngine(t)
	track, err := e.AddChannel(ChannelTrack, "T")
	require.NoError(t, err)
	vca, err := e.AddChannel(ChannelVCA, "V")
	require.NoError(t, err)

	require.NoError(t, e.SetVolume(track, 2))
	require.Error(t, e.SetVolume(track, 4.5), "above fader ceiling")
	require.Error(t, e.SetVolume(track, -0.1))

	require.NoError(t, e.SetPan(track, -1))
	require.Error(t, e.SetPan(track, 1.5))

	require.Error(t, e.SetSolo(vca, true), "vca channels cannot be soloed")
	require.NoError(t, e.SetMute(vca, true), "muting a vca silences its members")

	require.NoError(t, e.SetArmed(track, true))
	state, serr := e.ChannelStateByID(track)
	require.NoError(t, serr)
	assert.True(t, state.Armed)
	assert.Equal(t, 2.0, state.Volume)
	assert.Equal(t, -1.0, state.Pan)
}

func TestSlotLifecycleThroughEngine(t *testing.T) {
	e := newTestEngine(t)
	track, err := e.AddChannel(ChannelTrack, "T")
	require.NoError(t, err)

	_, err = e.AddSlot(track, "reverse_phlogiston", 0)
	require.Error(t, err, "unknown processor kind")

	slotID, err := e.AddSlot(track, "eq", 0)
	require.NoError(t, err)
	require.NotEmpty(t, slotID)

	require.NoError(t, e.SetSlotParam(track, 0, "freq_hz", 250))
	v, err := e.SlotParam(track, 0, "freq_hz")
	require.NoError(t, err)
	assert.Equal(t, 250.0, v)

	err = e.SetSlotParam(track, 0, "wetness", 0.5)
	require.Error(t, err, "unknown parameter name")
	err = e.SetSlotParam(track, 0, "freq_hz", math.Inf(1))
	require.Error(t, err, "non-finite value")

	_, err = e.AddSlot(track, "compressor", 5)
	require.Error(t, err, "position out of range")

	vca, err := e.AddChannel(ChannelVCA, "V")
	require.NoError(t, err)
	_, err = e.AddSlot(vca, "eq", 0)
	require.Error(t, err, "vca channels host no processors")

	require.NoError(t, e.RemoveSlot(track, 0))
	state, serr := e.ChannelStateByID(track)
	require.NoError(t, serr)
	assert.Empty(t, state.Slots)
}

func TestPipelineLatencyTracksLookahead(t *testing.T) {
	e := newTestEngine(t)
	track, err := e.AddChannel(ChannelTrack, "T")
	require.NoError(t, err)

	assert.Equal(t, 0, e.PipelineLatency())

	_, err = e.AddSlot(track, "compressor", 0)
	require.NoError(t, err)
	require.NoError(t, e.SetSlotParam(track, 0, "lookahead_s", 0.002))
	assert.Equal(t, 96, e.PipelineLatency(), "latency is solved at set time")

	require.NoError(t, e.RemoveSlot(track, 0))
	assert.Equal(t, 0, e.PipelineLatency())
}

func TestSetTrackSource(t *testing.T) {
	e := newTestEngine(t)
	testutil.WriteSineWAV(t, e.cfg.Cache.Root, "tone.wav", 4800, 375, 48000)

	track, err := e.AddChannel(ChannelTrack, "T")
	require.NoError(t, err)
	bus, err := e.AddChannel(ChannelBus, "B")
	require.NoError(t, err)

	err = e.SetTrackSource(bus, "tone.wav")
	require.Error(t, err, "only tracks carry source material")

	err = e.SetTrackSource(track, "missing.wav")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ffi.New(ffi.NotFound, 0, "")))

	require.NoError(t, e.SetTrackSource(track, "tone.wav"))
	state, serr := e.ChannelStateByID(track)
	require.NoError(t, serr)
	assert.Equal(t, "tone.wav", state.SourceKey)

	require.NoError(t, e.SetTrackSource(track, ""))
	state, serr = e.ChannelStateByID(track)
	require.NoError(t, serr)
	assert.Empty(t, state.SourceKey)
}

func TestSetTrackSourceOverCeiling(t *testing.T) {
	cfg := config.Default()
	cfg.BlockSize = 256
	cfg.Cache.Root = t.TempDir()
	cfg.Cache.SoftBudgetBytes = 16 << 10
	cfg.Cache.HardCeilingBytes = 32 << 10
	e, err := NewEngine(cfg)
	require.NoError(t, err)
	t.Cleanup(e.Close)

	// One second of 16-bit audio is ~94KB on disk, past the hard ceiling.
	testutil.WriteSineWAV(t, cfg.Cache.Root, "big.wav", 48000, 375, 48000)
	track, err := e.AddChannel(ChannelTrack, "T")
	require.NoError(t, err)

	err = e.SetTrackSource(track, "big.wav")
	require.Error(t, err)
	assert.Equal(t, ffi.ResourceExhausted, ffi.AsError(err).Category)

	state, serr := e.ChannelStateByID(track)
	require.NoError(t, serr)
	assert.Empty(t, state.SourceKey, "failed load leaves the track unbound")
}

func TestAsyncAssetOps(t *testing.T) {
	e := newTestEngine(t)
	testutil.WriteSineWAV(t, e.cfg.Cache.Root, "tone.wav", 4800, 375, 48000)

	load := e.LoadAssetAsync("tone.wav")
	res := load.Await()
	require.Nil(t, res.Err)
	payload, ok := res.Value.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "tone.wav", payload["key"])

	analyze := e.AnalyzeAssetAsync("tone.wav")
	res = analyze.Await()
	require.Nil(t, res.Err)
	payload, ok = res.Value.(map[string]any)
	require.True(t, ok)
	// Full-scale sine scaled to 0.5 has mean |x| of 2/pi * 0.5.
	assert.InDelta(t, 0.3183, payload["mean_amplitude"].(float64), 0.01)

	res = e.LoadAssetAsync("absent.wav").Await()
	require.Error(t, res.Err)
	assert.Equal(t, ffi.NotFound, ffi.AsError(res.Err).Category)
}
