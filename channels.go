package mixcore

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/soundfold/mixcore/ffi"
	"github.com/soundfold/mixcore/wavecache"
)

// ChannelKind identifies the role of a channel in the routing graph.
type ChannelKind string

const (
	ChannelTrack  ChannelKind = "track"
	ChannelBus    ChannelKind = "bus"
	ChannelAux    ChannelKind = "aux"
	ChannelVCA    ChannelKind = "vca"
	ChannelMaster ChannelKind = "master"
)

func validChannelKind(k ChannelKind) bool {
	switch k {
	case ChannelTrack, ChannelBus, ChannelAux, ChannelVCA, ChannelMaster:
		return true
	}
	return false
}

// Send is a post-fader tap into an aux channel. Sends are ordinary edges for
// latency compensation.
type Send struct {
	Target string
	Level  float64

	// comp is the compensation delay assigned by the latency solver.
	// Render-context use only.
	comp *compLine
}

// Channel is one strip in the mixer: a source track, a summing bus, an aux
// return, a gain-only VCA group or the master. Channels are created and
// mutated exclusively on the control context through the engine dispatcher;
// the render context sees them only through published snapshots.
type Channel struct {
	id   string
	name string
	kind ChannelKind

	volume float64 // linear
	pan    float64 // -1..1
	mute   bool
	solo   bool
	armed  bool

	// outputTarget is the channel this one sums into; empty means
	// disconnected. The master has none. VCAs carry no audio path.
	outputTarget string
	sends        []*Send

	// vcaGroup names the VCA whose gain scales this channel, if any.
	vcaGroup string

	chain *InsertChain

	// Track source material, pinned in the wave cache while bound.
	// playhead is advanced by the render context and reset by the control
	// context on rebind, hence atomic.
	sourceKey   string
	sourceEntry *wavecache.Entry
	playhead    atomic.Int64

	// Render-context working state, sized at publish. The render thread is
	// the only reader and writer between publishes.
	bufL, bufR []float32
	comp       *compLine
}

func newChannel(kind ChannelKind, name string) *Channel {
	return &Channel{
		id:     uuid.NewString(),
		name:   name,
		kind:   kind,
		volume: 1,
		chain:  NewInsertChain(),
	}
}

// ID returns the channel's stable identifier.
func (c *Channel) ID() string { return c.id }

// Name returns the display name.
func (c *Channel) Name() string { return c.name }

// Kind returns the channel kind.
func (c *Channel) Kind() ChannelKind { return c.kind }

// Chain returns the channel's insert chain.
func (c *Channel) Chain() *InsertChain { return c.chain }

// intrinsicLatency is the chain's summed processor latency in samples. VCAs
// carry no audio and report zero.
func (c *Channel) intrinsicLatency() int {
	if c.kind == ChannelVCA {
		return 0
	}
	return c.chain.LatencySamples()
}

// carriesAudio reports whether the channel participates in the signal path.
func (c *Channel) carriesAudio() bool { return c.kind != ChannelVCA }

// ChannelState is the JSON-stable control-side view of a channel, used by the
// boundary's richer payloads. It is not an on-disk project format.
type ChannelState struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Kind         ChannelKind `json:"kind"`
	Volume       float64     `json:"volume"`
	Pan          float64     `json:"pan"`
	Mute         bool        `json:"mute"`
	Solo         bool        `json:"solo"`
	Armed        bool        `json:"armed"`
	OutputTarget string      `json:"output_target,omitempty"`
	VCAGroup     string      `json:"vca_group,omitempty"`
	SourceKey    string      `json:"source_key,omitempty"`
	Sends        []SendState `json:"sends,omitempty"`
	Slots        []SlotState `json:"slots"`
}

// SendState is the serializable view of one send.
type SendState struct {
	Target string  `json:"target"`
	Level  float64 `json:"level"`
}

func (c *Channel) state() ChannelState {
	sends := make([]SendState, len(c.sends))
	for i, s := range c.sends {
		sends[i] = SendState{Target: s.Target, Level: s.Level}
	}
	return ChannelState{
		ID:           c.id,
		Name:         c.name,
		Kind:         c.kind,
		Volume:       c.volume,
		Pan:          c.pan,
		Mute:         c.mute,
		Solo:         c.solo,
		Armed:        c.armed,
		OutputTarget: c.outputTarget,
		VCAGroup:     c.vcaGroup,
		SourceKey:    c.sourceKey,
		Sends:        sends,
		Slots:        c.chain.states(),
	}
}

func validatePan(pan float64) *ffi.Error {
	return ffi.CheckClosed("pan", pan, -1, 1)
}

func validateVolume(volume float64) *ffi.Error {
	// Linear gain; 4x (~+12 dB) is the fader ceiling.
	return ffi.CheckClosed("volume", volume, 0, 4)
}
