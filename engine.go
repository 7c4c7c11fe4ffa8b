// Package mixcore is a real-time audio mixing and routing engine with a
// safety-hardened control boundary. Channels (tracks, buses, auxes, VCA
// groups, master) carry ordered insert-processor chains, sum through a
// routing graph with automatic delay compensation, and pull source material
// from a budgeted wave cache. All mutation flows through validated,
// serialized control-side calls; the render context reads one atomically
// published snapshot per audio block and never allocates, locks or blocks.
package mixcore

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/soundfold/mixcore/asyncops"
	"github.com/soundfold/mixcore/config"
	"github.com/soundfold/mixcore/dsp"
	"github.com/soundfold/mixcore/ffi"
	"github.com/soundfold/mixcore/wavecache"
)

// EngineInitState tracks the engine initialization lifecycle.
type EngineInitState int

const (
	EngineCreated EngineInitState = iota // engine allocated, no channels
	MasterReady                          // master channel initialized
	EngineRunning                        // render-ready, dispatcher accepting work
)

// Engine owns the full mixer state. There are no ambient singletons: every
// boundary call goes through a handle to one Engine instance.
type Engine struct {
	id   uuid.UUID
	name string

	cfg config.Config

	mu       sync.RWMutex
	channels map[string]*Channel
	masterID string

	dispatcher   *Dispatcher
	cache        *wavecache.Cache
	async        *asyncops.Dispatcher
	errorHandler ErrorHandler

	// renderState is the atomic handoff to the render context: the render
	// thread loads it once per block and sees either the old or the fully
	// new state, never a partial write.
	renderState atomic.Pointer[renderState]

	// renderedGen is the snapshot generation of the last block the render
	// context finished. Entries unpinned by a control mutation are parked
	// until the render completes a block on a newer snapshot; releasing at
	// commit time would let eviction destroy an entry a block in flight
	// still reads through the previous snapshot.
	renderedGen atomic.Uint64
	publishGen  uint64        // guarded by mu
	parked      []parkedEntry // guarded by mu

	initState      EngineInitState
	renderFailures atomic.Uint64
}

// parkedEntry is a cache pin awaiting epoch-delayed release. gen is the last
// snapshot generation that could still reference the entry.
type parkedEntry struct {
	entry *wavecache.Entry
	gen   uint64
}

// parkEntryLocked queues a dropped source pin for release once no render
// snapshot can reach it. Caller holds e.mu.
func (e *Engine) parkEntryLocked(entry *wavecache.Entry) {
	e.parked = append(e.parked, parkedEntry{entry: entry, gen: e.publishGen})
}

// reapParkedLocked releases parked pins the render context has moved past.
// Caller holds e.mu.
func (e *Engine) reapParkedLocked() {
	done := e.renderedGen.Load()
	kept := e.parked[:0]
	for _, p := range e.parked {
		if done > p.gen {
			p.entry.Release()
		} else {
			kept = append(kept, p)
		}
	}
	for i := len(kept); i < len(e.parked); i++ {
		e.parked[i] = parkedEntry{}
	}
	e.parked = kept
}

// EngineOption customizes engine construction.
type EngineOption func(*Engine)

// WithErrorHandler replaces the default log-based error handler.
func WithErrorHandler(h ErrorHandler) EngineOption {
	return func(e *Engine) {
		if h != nil {
			e.errorHandler = h
		}
	}
}

// NewEngine creates an engine from validated configuration, with the master
// channel in place and the dispatcher running.
func NewEngine(cfg config.Config, opts ...EngineOption) (*Engine, error) {
	if cfg.SampleRate < 8000 || cfg.SampleRate > 384000 {
		return nil, ffi.New(ffi.AudioError, ffi.CodeBadSampleRate,
			"sample rate must be within 8000..384000 Hz, got %v", cfg.SampleRate)
	}
	if cfg.BlockSize < 16 || cfg.BlockSize > 8192 {
		return nil, ffi.New(ffi.InvalidInput, ffi.CodeValueOutOfUnit,
			"block size must be within 16..8192 samples, got %d", cfg.BlockSize)
	}

	cache, err := wavecache.New(wavecache.Config{
		Root:               cfg.Cache.Root,
		SoftBudgetBytes:    cfg.Cache.SoftBudgetBytes,
		HardCeilingBytes:   cfg.Cache.HardCeilingBytes,
		EvictTargetRatio:   cfg.Cache.EvictTargetRatio,
		MmapThresholdBytes: cfg.Cache.MmapThresholdBytes,
	})
	if err != nil {
		return nil, err
	}

	e := &Engine{
		id:           uuid.New(),
		name:         "mixcore engine",
		cfg:          cfg,
		channels:     make(map[string]*Channel),
		cache:        cache,
		async:        asyncops.NewDispatcher(),
		errorHandler: &LogErrorHandler{},
		initState:    EngineCreated,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.async.RegisterClass(asyncops.CallClass{
		Name:        "cache",
		Timeout:     cfg.Async.Timeout,
		MaxRetries:  cfg.Async.MaxRetries,
		BaseBackoff: cfg.Async.BaseBackoff,
		CacheTTL:    cfg.Async.CacheTTL,
	})
	e.async.RegisterClass(asyncops.CallClass{
		Name:        "analysis",
		Timeout:     cfg.Async.Timeout,
		MaxRetries:  0, // analysis over resident data has nothing transient to retry
		BaseBackoff: cfg.Async.BaseBackoff,
		CacheTTL:    cfg.Async.CacheTTL,
	})

	master := newChannel(ChannelMaster, "Master")
	e.channels[master.id] = master
	e.masterID = master.id
	e.initState = MasterReady

	e.dispatcher = newDispatcher(e.errorHandler)
	if err := e.dispatcher.Start(); err != nil {
		cache.Close()
		return nil, err
	}
	e.initState = EngineRunning

	e.publishLocked()
	return e, nil
}

// ID returns the engine's UUID string.
func (e *Engine) ID() string { return e.id.String() }

// InitState reports how far engine initialization has progressed. A fully
// constructed engine is always EngineRunning; earlier states are visible
// only to code holding a partially built engine, such as option hooks.
func (e *Engine) InitState() EngineInitState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.initState
}

// MasterID returns the master channel's id.
func (e *Engine) MasterID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.masterID
}

// Cache exposes the wave cache for background warming; never call its
// loading methods from the render context.
func (e *Engine) Cache() *wavecache.Cache { return e.cache }

// Close stops the dispatcher, async work and cache.
func (e *Engine) Close() {
	e.dispatcher.Stop()
	e.async.Close()

	e.mu.Lock()
	for _, c := range e.channels {
		if c.sourceEntry != nil {
			c.sourceEntry.Release()
			c.sourceEntry = nil
		}
	}
	for _, p := range e.parked {
		p.entry.Release()
	}
	e.parked = nil
	e.mu.Unlock()

	e.cache.Close()
	logrus.WithFields(logrus.Fields{
		"function": "Close",
		"engine":   e.id.String(),
	}).Info("engine closed")
}

// RenderFailures counts blocks dropped to silence by render-context faults.
func (e *Engine) RenderFailures() uint64 { return e.renderFailures.Load() }

// lookupLocked re-validates a channel id on the receiving side of the
// boundary. Callers hold e.mu.
func (e *Engine) lookupLocked(id string) (*Channel, error) {
	if err := ffi.CheckNonEmpty("channel id", id); err != nil {
		return nil, err
	}
	c, ok := ffi.MapGet(e.channels, id)
	if !ok {
		return nil, ffi.New(ffi.NotFound, ffi.CodeUnknownID, "unknown channel %q", id)
	}
	return c, nil
}

// --- Topology operations (serialized through the dispatcher) ---

// AddChannel creates a channel of the given kind. Tracks, buses and auxes
// are auto-routed to the master; VCAs carry no audio path.
func (e *Engine) AddChannel(kind ChannelKind, name string) (string, error) {
	if !validChannelKind(kind) || kind == ChannelMaster {
		return "", ffi.New(ffi.InvalidInput, ffi.CodeWrongChannelKind,
			"cannot create channel of kind %q", kind).WithContext("AddChannel")
	}
	data, err := e.dispatcher.run("add_channel", func() (any, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		c := newChannel(kind, name)
		if c.carriesAudio() {
			c.outputTarget = e.masterID
		}
		e.channels[c.id] = c
		e.publishLocked()
		return c.id, nil
	})
	if err != nil {
		return "", err
	}
	logrus.WithFields(logrus.Fields{
		"function": "AddChannel",
		"kind":     kind,
		"channel":  data.(string),
	}).Info("channel created")
	return data.(string), nil
}

// RemoveChannel destroys a channel and detaches every edge that referenced
// it. The master cannot be removed.
func (e *Engine) RemoveChannel(id string) error {
	_, err := e.dispatcher.run("remove_channel", func() (any, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		c, err := e.lookupLocked(id)
		if err != nil {
			return nil, err.(*ffi.Error).WithContext("RemoveChannel")
		}
		if c.kind == ChannelMaster {
			return nil, ffi.New(ffi.InvalidState, ffi.CodeWrongChannelKind,
				"master channel cannot be removed").WithContext("RemoveChannel")
		}
		if c.sourceEntry != nil {
			e.parkEntryLocked(c.sourceEntry)
			c.sourceEntry = nil
		}
		delete(e.channels, id)
		for _, other := range e.channels {
			if other.outputTarget == id {
				other.outputTarget = ""
			}
			if other.vcaGroup == id {
				other.vcaGroup = ""
			}
			kept := other.sends[:0]
			for _, s := range other.sends {
				if s.Target != id {
					kept = append(kept, s)
				}
			}
			other.sends = kept
		}
		e.publishLocked()
		return nil, nil
	})
	return err
}

// SetOutput reroutes a channel's output target. Rerouting that would close a
// cycle is rejected with InvalidState and leaves the graph unchanged. An
// empty target disconnects the channel.
func (e *Engine) SetOutput(id, targetID string) error {
	_, err := e.dispatcher.run("set_output", func() (any, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		c, err := e.lookupLocked(id)
		if err != nil {
			return nil, err.(*ffi.Error).WithContext("SetOutput")
		}
		if c.kind == ChannelMaster || c.kind == ChannelVCA {
			return nil, ffi.New(ffi.InvalidState, ffi.CodeWrongChannelKind,
				"%s channels have no output routing", c.kind).WithContext("SetOutput")
		}
		if targetID == "" {
			c.outputTarget = ""
			e.publishLocked()
			return nil, nil
		}
		target, err := e.lookupLocked(targetID)
		if err != nil {
			return nil, err.(*ffi.Error).WithContext("SetOutput")
		}
		if !target.carriesAudio() {
			return nil, ffi.New(ffi.InvalidInput, ffi.CodeWrongChannelKind,
				"cannot route audio into %s channel %q", target.kind, targetID).WithContext("SetOutput")
		}
		if wouldCycle(e.channels, id, targetID) {
			return nil, ffi.New(ffi.InvalidState, ffi.CodeWouldCycle,
				"routing %q into %q would create a cycle", id, targetID).
				WithContext("SetOutput").
				WithSuggestion("route through a bus that does not feed back into the source")
		}
		c.outputTarget = targetID
		e.publishLocked()
		return nil, nil
	})
	return err
}

// AddSend creates a post-fader send from a channel into an aux. Send edges
// obey the same cycle rule as output edges.
func (e *Engine) AddSend(id, targetID string, level float64) error {
	if err := ffi.CheckClosed("send level", level, 0, 2); err != nil {
		return err.WithContext("AddSend")
	}
	_, err := e.dispatcher.run("add_send", func() (any, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		c, err := e.lookupLocked(id)
		if err != nil {
			return nil, err.(*ffi.Error).WithContext("AddSend")
		}
		target, err := e.lookupLocked(targetID)
		if err != nil {
			return nil, err.(*ffi.Error).WithContext("AddSend")
		}
		if target.kind != ChannelAux {
			return nil, ffi.New(ffi.InvalidInput, ffi.CodeWrongChannelKind,
				"sends must target aux channels, %q is %s", targetID, target.kind).WithContext("AddSend")
		}
		for _, s := range c.sends {
			if s.Target == targetID {
				s.Level = level
				e.publishLocked()
				return nil, nil
			}
		}
		if wouldCycle(e.channels, id, targetID) {
			return nil, ffi.New(ffi.InvalidState, ffi.CodeWouldCycle,
				"send from %q to %q would create a cycle", id, targetID).WithContext("AddSend")
		}
		c.sends = append(c.sends, &Send{Target: targetID, Level: level})
		e.publishLocked()
		return nil, nil
	})
	return err
}

// AssignVCA attaches a channel to a VCA group; empty vcaID detaches.
func (e *Engine) AssignVCA(id, vcaID string) error {
	_, err := e.dispatcher.run("assign_vca", func() (any, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		c, err := e.lookupLocked(id)
		if err != nil {
			return nil, err.(*ffi.Error).WithContext("AssignVCA")
		}
		if vcaID == "" {
			c.vcaGroup = ""
			e.publishLocked()
			return nil, nil
		}
		vca, err := e.lookupLocked(vcaID)
		if err != nil {
			return nil, err.(*ffi.Error).WithContext("AssignVCA")
		}
		if vca.kind != ChannelVCA {
			return nil, ffi.New(ffi.InvalidInput, ffi.CodeWrongChannelKind,
				"%q is %s, not a vca", vcaID, vca.kind).WithContext("AssignVCA")
		}
		// VCA nesting must stay acyclic too.
		for walk := vca; walk != nil && walk.vcaGroup != ""; {
			if walk.vcaGroup == id {
				return nil, ffi.New(ffi.InvalidState, ffi.CodeWouldCycle,
					"vca assignment would create a cycle").WithContext("AssignVCA")
			}
			walk = e.channels[walk.vcaGroup]
		}
		c.vcaGroup = vcaID
		e.publishLocked()
		return nil, nil
	})
	return err
}

// --- Parameter setters ---

// setChannelField runs a validated field mutation and republishes.
func (e *Engine) setChannelField(opName, id string, mutate func(*Channel) error) error {
	_, err := e.dispatcher.run(opName, func() (any, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		c, err := e.lookupLocked(id)
		if err != nil {
			return nil, err.(*ffi.Error).WithContext(opName)
		}
		if err := mutate(c); err != nil {
			return nil, err
		}
		e.publishLocked()
		return nil, nil
	})
	return err
}

// SetVolume sets a channel's fader gain (linear).
func (e *Engine) SetVolume(id string, volume float64) error {
	if err := validateVolume(volume); err != nil {
		return err.WithContext("SetVolume")
	}
	return e.setChannelField("set_volume", id, func(c *Channel) error {
		if err := validateVolume(volume); err != nil {
			return err.WithContext("SetVolume")
		}
		c.volume = volume
		return nil
	})
}

// SetPan sets stereo position, -1 (left) to 1 (right).
func (e *Engine) SetPan(id string, pan float64) error {
	if err := validatePan(pan); err != nil {
		return err.WithContext("SetPan")
	}
	return e.setChannelField("set_pan", id, func(c *Channel) error {
		if err := validatePan(pan); err != nil {
			return err.WithContext("SetPan")
		}
		c.pan = pan
		return nil
	})
}

// SetMute sets the channel mute flag. Solo state elsewhere may override it.
func (e *Engine) SetMute(id string, mute bool) error {
	return e.setChannelField("set_mute", id, func(c *Channel) error {
		c.mute = mute
		return nil
	})
}

// SetSolo sets the channel solo flag. Soloing any channel makes every
// non-soloed channel inaudible.
func (e *Engine) SetSolo(id string, solo bool) error {
	return e.setChannelField("set_solo", id, func(c *Channel) error {
		if !c.carriesAudio() {
			return ffi.New(ffi.InvalidState, ffi.CodeWrongChannelKind,
				"vca channels cannot be soloed").WithContext("SetSolo")
		}
		c.solo = solo
		return nil
	})
}

// SetArmed sets the record-arm flag.
func (e *Engine) SetArmed(id string, armed bool) error {
	return e.setChannelField("set_armed", id, func(c *Channel) error {
		c.armed = armed
		return nil
	})
}

// --- Insert chain operations ---

// AddSlot creates a processor of the given kind at position in a channel's
// chain and returns the slot id.
func (e *Engine) AddSlot(channelID, kindName string, position int) (string, error) {
	kind, ok := dsp.KindFromName(kindName)
	if !ok {
		return "", ffi.New(ffi.InvalidInput, ffi.CodeEmptyArgument,
			"unknown processor kind %q", kindName).WithContext("AddSlot")
	}
	data, err := e.dispatcher.run("add_slot", func() (any, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		c, err := e.lookupLocked(channelID)
		if err != nil {
			return nil, err.(*ffi.Error).WithContext("AddSlot")
		}
		if !c.carriesAudio() {
			return nil, ffi.New(ffi.InvalidState, ffi.CodeWrongChannelKind,
				"vca channels host no processors").WithContext("AddSlot")
		}
		slot := newProcessorSlot(kind, e.cfg.SampleRate, e.cfg.BlockSize)
		if err := c.chain.Insert(slot, position); err != nil {
			return nil, err
		}
		e.publishLocked()
		return slot.id, nil
	})
	if err != nil {
		return "", err
	}
	return data.(string), nil
}

// RemoveSlot removes the slot at position from a channel's chain.
func (e *Engine) RemoveSlot(channelID string, position int) error {
	_, err := e.dispatcher.run("remove_slot", func() (any, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		c, err := e.lookupLocked(channelID)
		if err != nil {
			return nil, err.(*ffi.Error).WithContext("RemoveSlot")
		}
		if _, err := c.chain.Remove(position); err != nil {
			return nil, err
		}
		e.publishLocked()
		return nil, nil
	})
	return err
}

// SwapSlots exchanges two chain positions. Each slot's parameter set travels
// with it.
func (e *Engine) SwapSlots(channelID string, a, b int) error {
	_, err := e.dispatcher.run("swap_slots", func() (any, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		c, err := e.lookupLocked(channelID)
		if err != nil {
			return nil, err.(*ffi.Error).WithContext("SwapSlots")
		}
		if err := c.chain.Swap(a, b); err != nil {
			return nil, err
		}
		e.publishLocked()
		return nil, nil
	})
	return err
}

// ReorderSlots rearranges a chain to the given permutation of positions.
func (e *Engine) ReorderSlots(channelID string, newOrder []int) error {
	_, err := e.dispatcher.run("reorder_slots", func() (any, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		c, err := e.lookupLocked(channelID)
		if err != nil {
			return nil, err.(*ffi.Error).WithContext("ReorderSlots")
		}
		if err := c.chain.Reorder(newOrder); err != nil {
			return nil, err
		}
		e.publishLocked()
		return nil, nil
	})
	return err
}

// SetSlotEnabled enables or disables a slot; disabling starts the bypass
// crossfade rather than cutting the processor out instantly.
func (e *Engine) SetSlotEnabled(channelID string, position int, enabled bool) error {
	return e.mutateSlot("set_slot_enabled", channelID, position, func(s *ProcessorSlot) error {
		s.enabled = enabled
		s.syncDesired()
		return nil
	})
}

// SetSlotBypassed engages or disengages bypass with the crossfade state
// machine.
func (e *Engine) SetSlotBypassed(channelID string, position int, bypassed bool) error {
	return e.mutateSlot("set_slot_bypassed", channelID, position, func(s *ProcessorSlot) error {
		s.bypassed = bypassed
		s.syncDesired()
		return nil
	})
}

// SetSlotParam sets one named parameter on a slot. The value must be finite;
// unknown names are rejected so typos cannot silently detune a mix.
func (e *Engine) SetSlotParam(channelID string, position int, name string, value float64) error {
	if err := ffi.CheckNonEmpty("parameter name", name); err != nil {
		return err.WithContext("SetSlotParam")
	}
	if err := ffi.CheckFinite(name, value); err != nil {
		return err.WithContext("SetSlotParam")
	}
	return e.mutateSlot("set_slot_param", channelID, position, func(s *ProcessorSlot) error {
		if _, ok := dsp.DefaultParams(s.kind)[name]; !ok {
			return ffi.New(ffi.InvalidInput, ffi.CodeEmptyArgument,
				"processor %s has no parameter %q", s.kind, name).
				WithContext("SetSlotParam")
		}
		s.setParam(name, value)
		return nil
	})
}

// SlotParam reads a parameter value from the control-side master copy.
func (e *Engine) SlotParam(channelID string, position int, name string) (float64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, err := e.lookupLocked(channelID)
	if err != nil {
		return 0, err
	}
	slot, serr := c.chain.Slot(position)
	if serr != nil {
		return 0, serr
	}
	v, ok := ffi.MapGet(slot.params, name)
	if !ok {
		return 0, ffi.New(ffi.NotFound, ffi.CodeUnknownID,
			"slot has no parameter %q", name).WithContext("SlotParam")
	}
	return v, nil
}

func (e *Engine) mutateSlot(opName, channelID string, position int, mutate func(*ProcessorSlot) error) error {
	_, err := e.dispatcher.run(opName, func() (any, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		c, err := e.lookupLocked(channelID)
		if err != nil {
			return nil, err.(*ffi.Error).WithContext(opName)
		}
		slot, serr := c.chain.Slot(position)
		if serr != nil {
			return nil, serr
		}
		if err := mutate(slot); err != nil {
			return nil, err
		}
		e.publishLocked()
		return nil, nil
	})
	return err
}

// --- Source material ---

// SetTrackSource binds a cached asset to a track. Loading may block on I/O;
// use LoadAssetAsync first to warm the cache when latency matters. An empty
// key unbinds the track.
func (e *Engine) SetTrackSource(channelID, assetKey string) error {
	_, err := e.dispatcher.run("set_track_source", func() (any, error) {
		e.mu.Lock()
		c, lerr := e.lookupLocked(channelID)
		if lerr != nil {
			e.mu.Unlock()
			return nil, lerr.(*ffi.Error).WithContext("SetTrackSource")
		}
		if c.kind != ChannelTrack {
			e.mu.Unlock()
			return nil, ffi.New(ffi.InvalidState, ffi.CodeWrongChannelKind,
				"only tracks carry source material, %q is %s", channelID, c.kind).
				WithContext("SetTrackSource")
		}
		e.mu.Unlock()

		var entry *wavecache.Entry
		if assetKey != "" {
			var err error
			entry, err = e.cache.GetOrLoad(assetKey)
			if err != nil {
				return nil, err
			}
		}

		e.mu.Lock()
		defer e.mu.Unlock()
		if c.sourceEntry != nil {
			e.parkEntryLocked(c.sourceEntry)
		}
		c.sourceKey = assetKey
		c.sourceEntry = entry
		c.playhead.Store(0)
		e.publishLocked()
		return nil, nil
	})
	return err
}

// LoadAssetAsync warms the cache off-thread and returns a task whose result
// reports from_cache within the configured TTL.
func (e *Engine) LoadAssetAsync(assetKey string) *asyncops.Task {
	return e.async.Submit("load:"+assetKey, "cache", func(ctx context.Context) (any, error) {
		entry, err := e.cache.GetOrLoad(assetKey)
		if err != nil {
			return nil, err
		}
		// Warming only; the pin belongs to whichever slot binds it later.
		entry.Release()
		return map[string]any{
			"key":     entry.Key,
			"bytes":   entry.ByteSize,
			"frames":  entry.Frames,
			"backing": entry.Backing.String(),
		}, nil
	})
}

// AnalyzeAssetAsync computes the asset's mean amplitude off-thread. Mapped
// assets are streamed without materializing the decoded file.
func (e *Engine) AnalyzeAssetAsync(assetKey string) *asyncops.Task {
	return e.async.Submit("analyze:"+assetKey, "analysis", func(ctx context.Context) (any, error) {
		entry, err := e.cache.GetOrLoad(assetKey)
		if err != nil {
			return nil, err
		}
		defer entry.Release()
		return map[string]any{
			"key":            entry.Key,
			"mean_amplitude": entry.MeanAmplitude(),
			"duration_s":     float64(entry.Frames) / float64(entry.SampleRate),
		}, nil
	})
}

// --- Inspection ---

// ChannelStateByID returns the serializable view of one channel.
func (e *Engine) ChannelStateByID(id string) (ChannelState, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, err := e.lookupLocked(id)
	if err != nil {
		return ChannelState{}, err
	}
	return c.state(), nil
}

// ListChannels returns all channel ids.
func (e *Engine) ListChannels() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.channels))
	for id := range e.channels {
		ids = append(ids, id)
	}
	return ids
}

// SlotMeterSnapshot polls the metering cell of one slot.
func (e *Engine) SlotMeterSnapshot(channelID string, position int) (MeterSnapshot, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, err := e.lookupLocked(channelID)
	if err != nil {
		return MeterSnapshot{}, err
	}
	slot, serr := c.chain.Slot(position)
	if serr != nil {
		return MeterSnapshot{}, serr
	}
	return slot.meter.Snapshot(), nil
}

// PipelineLatency returns the solved end-to-end latency at the master input,
// in samples.
func (e *Engine) PipelineLatency() int {
	st := e.renderState.Load()
	if st == nil {
		return 0
	}
	return st.masterArrival
}
