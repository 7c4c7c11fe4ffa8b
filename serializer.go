package mixcore

import (
	"encoding/json"
	"io"
	"time"

	"github.com/soundfold/mixcore/dsp"
	"github.com/soundfold/mixcore/ffi"
)

// EngineState is the complete serializable state of the engine.
type EngineState struct {
	Version    string                  `json:"version"`
	SampleRate float64                 `json:"sample_rate"`
	BlockSize  int                     `json:"block_size"`
	Channels   map[string]ChannelState `json:"channels"`
	Timestamp  int64                   `json:"timestamp"`
	Metadata   map[string]any          `json:"metadata,omitempty"`
}

// Serializer handles engine state persistence and restoration. Capture and
// restore both run as ordinary serialized operations, so a snapshot is always
// internally consistent with respect to concurrent control calls.
type Serializer struct {
	engine  *Engine
	version string
}

// NewSerializer creates a serializer bound to one engine.
func NewSerializer(engine *Engine) *Serializer {
	return &Serializer{
		engine:  engine,
		version: "1.0.0", // state format version
	}
}

// GetState captures the complete engine state.
func (s *Serializer) GetState() (EngineState, error) {
	data, err := s.engine.dispatcher.run("get_state", func() (any, error) {
		e := s.engine
		e.mu.RLock()
		defer e.mu.RUnlock()

		channels := make(map[string]ChannelState, len(e.channels))
		for id, c := range e.channels {
			channels[id] = c.state()
		}
		return EngineState{
			Version:    s.version,
			SampleRate: e.cfg.SampleRate,
			BlockSize:  e.cfg.BlockSize,
			Channels:   channels,
			Timestamp:  time.Now().Unix(),
		}, nil
	})
	if err != nil {
		return EngineState{}, err
	}
	return data.(EngineState), nil
}

// SetState replaces the engine's mixer topology with the given state. The
// running master channel is kept and takes over the serialized master's
// settings; every other channel is rebuilt.
func (s *Serializer) SetState(state EngineState) error {
	if err := s.ValidateState(state); err != nil {
		return err
	}
	_, err := s.engine.dispatcher.run("set_state", func() (any, error) {
		e := s.engine
		e.mu.Lock()
		defer e.mu.Unlock()

		for id, c := range e.channels {
			if id == e.masterID {
				continue
			}
			if c.sourceEntry != nil {
				e.parkEntryLocked(c.sourceEntry)
				c.sourceEntry = nil
			}
			delete(e.channels, id)
		}

		// The serialized master's id maps onto the live master so that
		// restored output targets keep pointing at it.
		remap := make(map[string]string, 1)
		master := e.channels[e.masterID]

		for id, cs := range state.Channels {
			if cs.Kind == ChannelMaster {
				remap[id] = e.masterID
				if err := s.applyChannelState(master, cs); err != nil {
					return nil, err
				}
				continue
			}
			c := newChannel(cs.Kind, cs.Name)
			c.id = id
			if err := s.applyChannelState(c, cs); err != nil {
				return nil, err
			}
			e.channels[id] = c
		}

		for _, c := range e.channels {
			if t, ok := remap[c.outputTarget]; ok {
				c.outputTarget = t
			}
			if t, ok := remap[c.vcaGroup]; ok {
				c.vcaGroup = t
			}
			for _, send := range c.sends {
				if t, ok := remap[send.Target]; ok {
					send.Target = t
				}
			}
		}

		e.publishLocked()
		return nil, nil
	})
	return err
}

// applyChannelState restores one channel's settings, chain and source
// binding. Caller holds e.mu on the dispatcher goroutine.
func (s *Serializer) applyChannelState(c *Channel, cs ChannelState) error {
	if err := validateVolume(cs.Volume); err != nil {
		return err.WithContext("SetState")
	}
	if err := validatePan(cs.Pan); err != nil {
		return err.WithContext("SetState")
	}

	c.name = cs.Name
	c.volume = cs.Volume
	c.pan = cs.Pan
	c.mute = cs.Mute
	c.solo = cs.Solo
	c.armed = cs.Armed
	c.outputTarget = cs.OutputTarget
	c.vcaGroup = cs.VCAGroup

	c.sends = c.sends[:0]
	for _, ss := range cs.Sends {
		c.sends = append(c.sends, &Send{Target: ss.Target, Level: ss.Level})
	}

	c.chain = NewInsertChain()
	for i, slotState := range cs.Slots {
		kind, ok := dsp.KindFromName(slotState.Kind)
		if !ok {
			return ffi.New(ffi.SerializationError, ffi.CodeBadPayload,
				"channel %q slot %d: unknown processor kind %q", c.id, i, slotState.Kind)
		}
		slot := newProcessorSlot(kind, s.engine.cfg.SampleRate, s.engine.cfg.BlockSize)
		slot.id = slotState.ID
		for name, value := range slotState.Parameters {
			if _, ok := dsp.DefaultParams(kind)[name]; !ok {
				return ffi.New(ffi.SerializationError, ffi.CodeBadPayload,
					"channel %q slot %d: unknown parameter %q", c.id, i, name)
			}
			slot.setParam(name, value)
		}
		slot.enabled = slotState.Enabled
		slot.bypassed = slotState.BypassState == BypassOff.String() ||
			slotState.BypassState == BypassFadingOut.String()
		slot.syncDesired()
		if !slot.wantActive.Load() {
			slot.setFade(0)
		}
		if err := c.chain.Insert(slot, i); err != nil {
			return err
		}
	}

	if cs.SourceKey != "" && c.kind == ChannelTrack {
		entry, err := s.engine.cache.GetOrLoad(cs.SourceKey)
		if err != nil {
			return ffi.Wrap(ffi.CategoryOf(err), ffi.CodeLoadFailed, err,
				"restoring source %q for channel %q", cs.SourceKey, c.id)
		}
		c.sourceKey = cs.SourceKey
		c.sourceEntry = entry
		c.playhead.Store(0)
	}
	return nil
}

// SaveToWriter writes the engine state as indented JSON.
func (s *Serializer) SaveToWriter(w io.Writer) error {
	state, err := s.GetState()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(state); err != nil {
		return ffi.Wrap(ffi.SerializationError, ffi.CodeBadPayload, err,
			"encoding engine state")
	}
	return nil
}

// LoadFromReader restores engine state from a JSON stream.
func (s *Serializer) LoadFromReader(r io.Reader) error {
	var state EngineState
	if err := json.NewDecoder(r).Decode(&state); err != nil {
		return ffi.Wrap(ffi.SerializationError, ffi.CodeBadPayload, err,
			"decoding engine state")
	}
	return s.SetState(state)
}

// SaveToJSON returns the engine state as a JSON string.
func (s *Serializer) SaveToJSON() (string, error) {
	state, err := s.GetState()
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return "", ffi.Wrap(ffi.SerializationError, ffi.CodeBadPayload, err,
			"marshaling engine state")
	}
	return string(data), nil
}

// LoadFromJSON restores engine state from a JSON string.
func (s *Serializer) LoadFromJSON(jsonData string) error {
	var state EngineState
	if err := json.Unmarshal([]byte(jsonData), &state); err != nil {
		return ffi.Wrap(ffi.SerializationError, ffi.CodeBadPayload, err,
			"unmarshaling engine state")
	}
	return s.SetState(state)
}

// Version returns the current state format version.
func (s *Serializer) Version() string { return s.version }

// IsCompatible reports whether a state version can be restored.
func (s *Serializer) IsCompatible(version string) bool {
	return version == s.version
}

// ValidateState checks the structural integrity of a state before restoring.
func (s *Serializer) ValidateState(state EngineState) error {
	if !s.IsCompatible(state.Version) {
		return ffi.New(ffi.SerializationError, ffi.CodeBadPayload,
			"incompatible state version %q, want %q", state.Version, s.version)
	}

	masters := 0
	for _, cs := range state.Channels {
		if cs.Kind == ChannelMaster {
			masters++
		}
	}
	if masters != 1 {
		return ffi.New(ffi.SerializationError, ffi.CodeBadPayload,
			"state must contain exactly one master channel, got %d", masters)
	}

	for id, cs := range state.Channels {
		if !validChannelKind(cs.Kind) {
			return ffi.New(ffi.SerializationError, ffi.CodeBadPayload,
				"channel %q has unknown kind %q", id, cs.Kind)
		}
		if cs.OutputTarget != "" {
			if _, ok := state.Channels[cs.OutputTarget]; !ok {
				return ffi.New(ffi.SerializationError, ffi.CodeBadPayload,
					"channel %q routes to unknown channel %q", id, cs.OutputTarget)
			}
		}
		for _, send := range cs.Sends {
			if _, ok := state.Channels[send.Target]; !ok {
				return ffi.New(ffi.SerializationError, ffi.CodeBadPayload,
					"channel %q sends to unknown channel %q", id, send.Target)
			}
		}
	}

	// Restored topology gets the same acyclicity guarantee as live edge
	// commits. A cyclic state would commit a graph the snapshot publisher
	// refuses forever, so it is rejected before any live channel is touched.
	candidate := make(map[string]*Channel, len(state.Channels))
	for id, cs := range state.Channels {
		c := &Channel{id: id, kind: cs.Kind, outputTarget: cs.OutputTarget}
		for _, ss := range cs.Sends {
			c.sends = append(c.sends, &Send{Target: ss.Target, Level: ss.Level})
		}
		candidate[id] = c
	}
	if _, err := topoOrder(candidate); err != nil {
		return ffi.New(ffi.SerializationError, ffi.CodeBadPayload,
			"state routing graph contains a cycle").
			WithSuggestion("break the routing loop in the saved state before restoring")
	}
	return nil
}
