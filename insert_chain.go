package mixcore

import (
	"math"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/soundfold/mixcore/dsp"
	"github.com/soundfold/mixcore/ffi"
)

// BypassState is the per-slot bypass state machine. Bypass is never an
// instantaneous cut; engaging runs on → fading_out → off and disengaging runs
// off → fading_in → on, crossfading over a short window to avoid clicks.
// "on" means the processor is active in the signal path.
type BypassState int32

const (
	BypassOn BypassState = iota
	BypassFadingOut
	BypassOff
	BypassFadingIn
)

// String returns the boundary name of the state.
func (s BypassState) String() string {
	switch s {
	case BypassOn:
		return "on"
	case BypassFadingOut:
		return "fading_out"
	case BypassOff:
		return "off"
	default:
		return "fading_in"
	}
}

// bypassFadeSeconds is the crossfade window for bypass transitions.
const bypassFadeSeconds = 0.010

// ProcessorSlot is one insert in a channel's chain. The slot owns its
// processor identity and parameter set; chain operations move slots around
// but never touch what is inside them, which is how parameter values survive
// any sequence of reorders and swaps.
//
// Field ownership is split by context: params is the control-side master
// copy, pending and wantActive are the atomic handoff cells, and proc plus
// the fade fields are touched only by the render context.
type ProcessorSlot struct {
	id         string
	kind       dsp.Kind
	sampleRate float64

	// Control-side master parameter copy.
	params dsp.Params

	// pending carries parameter updates to the render context; the render
	// thread drains it at block start.
	pending atomic.Pointer[dsp.Params]

	// wantActive is the control-side desired state (enabled and not
	// bypassed). The render thread moves the fade toward it.
	wantActive atomic.Bool

	enabled  bool
	bypassed bool

	meter *SlotMeter

	// Render-context state. fade is atomic only so that control-side state
	// reporting can read it; the render thread is the sole writer.
	proc      *dsp.Processor
	fadeBits  atomic.Uint32 // float32 bits; 0 = fully bypassed, 1 = fully active
	fadeStep  float32
	loadAccum float64 // rolling CPU load average, fraction of block budget

	// dryDelay holds the dry signal back by the processor's latency so a
	// bypassed slot still occupies the latency the compensation solver
	// accounted for. Render-context only.
	dryDelayL, dryDelayR *dsp.DelayLine
}

func (s *ProcessorSlot) fadeLevel() float32 {
	return math.Float32frombits(s.fadeBits.Load())
}

func (s *ProcessorSlot) setFade(v float32) {
	s.fadeBits.Store(math.Float32bits(v))
}

func newProcessorSlot(kind dsp.Kind, sampleRate float64, maxBlock int) *ProcessorSlot {
	maxLatency := int(dsp.MaxLookaheadSeconds*sampleRate) + 1
	s := &ProcessorSlot{
		id:         uuid.NewString(),
		kind:       kind,
		sampleRate: sampleRate,
		params:     dsp.DefaultParams(kind),
		enabled:    true,
		meter:      &SlotMeter{},
		proc:       dsp.NewProcessor(kind, sampleRate, maxBlock),
		fadeStep:   float32(1 / (bypassFadeSeconds * sampleRate)),
		dryDelayL:  dsp.NewDelayLine(maxLatency),
		dryDelayR:  dsp.NewDelayLine(maxLatency),
	}
	s.setFade(1)
	s.wantActive.Store(true)
	return s
}

// ID returns the slot's stable identifier.
func (s *ProcessorSlot) ID() string { return s.id }

// Kind returns the processor kind hosted by this slot.
func (s *ProcessorSlot) Kind() dsp.Kind { return s.kind }

// Meter returns the slot's metering snapshot cell.
func (s *ProcessorSlot) Meter() *SlotMeter { return s.meter }

// bypassState derives the published state machine value from the fade
// position and the desired direction. The transition begins when the control
// side commits the change, not when the render thread first moves the fade,
// so a freshly bypassed slot reports fading_out immediately.
func (s *ProcessorSlot) bypassState() BypassState {
	active := s.wantActive.Load()
	fade := s.fadeLevel()
	switch {
	case active && fade >= 1:
		return BypassOn
	case !active && fade <= 0:
		return BypassOff
	case active:
		return BypassFadingIn
	default:
		return BypassFadingOut
	}
}

// setParam updates one parameter on the control side and stages the full set
// for the render context.
func (s *ProcessorSlot) setParam(name string, value float64) {
	s.params[name] = value
	staged := s.params.Clone()
	s.pending.Store(&staged)
}

// syncDesired recomputes the render-visible activity flag.
func (s *ProcessorSlot) syncDesired() {
	s.wantActive.Store(s.enabled && !s.bypassed)
}

// SlotState is the serializable control-side view of a slot.
type SlotState struct {
	ID          string     `json:"id"`
	Kind        string     `json:"processor_kind"`
	Enabled     bool       `json:"enabled"`
	BypassState string     `json:"bypass_state"`
	Parameters  dsp.Params `json:"parameters"`
}

// InsertChain is the ordered, mutable processor list of one channel. All
// mutation happens on the control context through the engine dispatcher; the
// render context walks the slice published in the current snapshot.
type InsertChain struct {
	slots []*ProcessorSlot
}

// NewInsertChain creates an empty chain.
func NewInsertChain() *InsertChain {
	return &InsertChain{slots: make([]*ProcessorSlot, 0)}
}

// Len returns the number of slots.
func (ic *InsertChain) Len() int { return len(ic.slots) }

// Slot returns the slot at position i.
func (ic *InsertChain) Slot(i int) (*ProcessorSlot, error) {
	if err := ffi.CheckIndex(i, len(ic.slots)); err != nil {
		return nil, err
	}
	return ic.slots[i], nil
}

// Insert places a slot at position; position may equal Len to append.
func (ic *InsertChain) Insert(slot *ProcessorSlot, position int) error {
	if position < 0 || position > len(ic.slots) {
		return ffi.New(ffi.OutOfBounds, ffi.CodeIndexOutOfRange,
			"insert position %d out of range for chain length %d", position, len(ic.slots))
	}
	ic.slots = append(ic.slots, nil)
	copy(ic.slots[position+1:], ic.slots[position:])
	ic.slots[position] = slot
	return nil
}

// Remove detaches and returns the slot at position.
func (ic *InsertChain) Remove(position int) (*ProcessorSlot, error) {
	if err := ffi.CheckIndex(position, len(ic.slots)); err != nil {
		return nil, err
	}
	slot := ic.slots[position]
	copy(ic.slots[position:], ic.slots[position+1:])
	ic.slots[len(ic.slots)-1] = nil
	ic.slots = ic.slots[:len(ic.slots)-1]
	return slot, nil
}

// Swap exchanges the slots at two positions.
func (ic *InsertChain) Swap(a, b int) error {
	if err := ffi.CheckIndex(a, len(ic.slots)); err != nil {
		return err
	}
	if err := ffi.CheckIndex(b, len(ic.slots)); err != nil {
		return err
	}
	ic.slots[a], ic.slots[b] = ic.slots[b], ic.slots[a]
	return nil
}

// Reorder rearranges the chain to newOrder, a permutation of current
// positions. The chain is unchanged on any validation failure.
func (ic *InsertChain) Reorder(newOrder []int) error {
	if len(newOrder) != len(ic.slots) {
		return ffi.New(ffi.InvalidInput, ffi.CodeBufferSizeBad,
			"reorder length %d does not match chain length %d", len(newOrder), len(ic.slots))
	}
	seen := make([]bool, len(ic.slots))
	for _, pos := range newOrder {
		if err := ffi.CheckIndex(pos, len(ic.slots)); err != nil {
			return err
		}
		if seen[pos] {
			return ffi.New(ffi.InvalidInput, ffi.CodeIndexOutOfRange,
				"reorder repeats position %d", pos)
		}
		seen[pos] = true
	}
	reordered := make([]*ProcessorSlot, len(ic.slots))
	for i, pos := range newOrder {
		reordered[i] = ic.slots[pos]
	}
	ic.slots = reordered
	return nil
}

// LatencySamples sums the chain's processor latencies, computed from the
// control-side parameter copies so a latency change is visible to the
// compensation solver immediately, not one audio block later. Bypassed slots
// still occupy their latency so that toggling bypass does not shift phase
// alignment mid-stream.
func (ic *InsertChain) LatencySamples() int {
	total := 0
	for _, s := range ic.slots {
		total += dsp.LatencyForParams(s.kind, s.params, s.sampleRate)
	}
	return total
}

// snapshotOrder returns the published order for a render snapshot.
func (ic *InsertChain) snapshotOrder() []*ProcessorSlot {
	out := make([]*ProcessorSlot, len(ic.slots))
	copy(out, ic.slots)
	return out
}

func (ic *InsertChain) states() []SlotState {
	out := make([]SlotState, len(ic.slots))
	for i, s := range ic.slots {
		out[i] = SlotState{
			ID:          s.id,
			Kind:        s.kind.String(),
			Enabled:     s.enabled,
			BypassState: s.bypassState().String(),
			Parameters:  s.params.Clone(),
		}
	}
	return out
}
