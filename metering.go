package mixcore

import (
	"math"
	"sync/atomic"
)

// SlotMeter is the per-slot metering cell shared between contexts. The render
// thread stores each metric once per block; the control side polls whenever
// it likes (30Hz is plenty) without ever making the render thread wait.
// Values are float32 bits in atomics, so neither side takes a lock.
type SlotMeter struct {
	inputPeakL  atomic.Uint32
	inputPeakR  atomic.Uint32
	inputRMSL   atomic.Uint32
	inputRMSR   atomic.Uint32
	outputPeakL atomic.Uint32
	outputPeakR atomic.Uint32
	outputRMSL  atomic.Uint32
	outputRMSR  atomic.Uint32
	gainRedDB   atomic.Uint32
	loadPercent atomic.Uint32
}

func storeF32(cell *atomic.Uint32, v float32) { cell.Store(math.Float32bits(v)) }
func loadF32(cell *atomic.Uint32) float32     { return math.Float32frombits(cell.Load()) }

// storeInput records dry-signal levels captured before the processor runs.
func (m *SlotMeter) storeInput(peakL, peakR, rmsL, rmsR float32) {
	storeF32(&m.inputPeakL, peakL)
	storeF32(&m.inputPeakR, peakR)
	storeF32(&m.inputRMSL, rmsL)
	storeF32(&m.inputRMSR, rmsR)
}

// storeOutput records post-processor levels plus gain reduction and load.
func (m *SlotMeter) storeOutput(peakL, peakR, rmsL, rmsR, gainRedDB, loadPct float32) {
	storeF32(&m.outputPeakL, peakL)
	storeF32(&m.outputPeakR, peakR)
	storeF32(&m.outputRMSL, rmsL)
	storeF32(&m.outputRMSR, rmsR)
	storeF32(&m.gainRedDB, gainRedDB)
	storeF32(&m.loadPercent, loadPct)
}

// MeterSnapshot is the poll-based metering payload. Field names are the wire
// contract with the control surface.
type MeterSnapshot struct {
	InputPeakL  float32 `json:"input_peak_l"`
	InputPeakR  float32 `json:"input_peak_r"`
	InputRMSL   float32 `json:"input_rms_l"`
	InputRMSR   float32 `json:"input_rms_r"`
	OutputPeakL float32 `json:"output_peak_l"`
	OutputPeakR float32 `json:"output_peak_r"`
	OutputRMSL  float32 `json:"output_rms_l"`
	OutputRMSR  float32 `json:"output_rms_r"`
	GainRedDB   float32 `json:"gain_reduction_db"`
	LoadPercent float32 `json:"load_percent"`
}

// Snapshot reads a consistent-enough view for display. Each field is
// individually atomic; cross-field tearing across one block is not visible at
// polling rates.
func (m *SlotMeter) Snapshot() MeterSnapshot {
	return MeterSnapshot{
		InputPeakL:  loadF32(&m.inputPeakL),
		InputPeakR:  loadF32(&m.inputPeakR),
		InputRMSL:   loadF32(&m.inputRMSL),
		InputRMSR:   loadF32(&m.inputRMSR),
		OutputPeakL: loadF32(&m.outputPeakL),
		OutputPeakR: loadF32(&m.outputPeakR),
		OutputRMSL:  loadF32(&m.outputRMSL),
		OutputRMSR:  loadF32(&m.outputRMSR),
		GainRedDB:   loadF32(&m.gainRedDB),
		LoadPercent: loadF32(&m.loadPercent),
	}
}

// gainReductionFloorDB clamps computed gain reduction to a sane display floor.
const gainReductionFloorDB = -60
