// Package wavecache is the budgeted store of decoded audio assets. Loading
// and eviction run on control-side or background goroutines only; the render
// context reads frames from pinned entries, which are immutable once
// published. Asset keys are sandboxed paths relative to a fixed root.
package wavecache

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/soundfold/mixcore/ffi"
)

// DefaultEvictTargetRatio is how far below the soft budget eviction drains
// resident bytes. Stopping short of the budget avoids thrashing on repeated
// access near the boundary; the exact value is a tuning choice, which is why
// it is overridable per cache rather than hard-coded.
const DefaultEvictTargetRatio = 0.80

// Config sizes the cache. Zero values fall back to defaults.
type Config struct {
	// Root is the directory asset keys resolve under.
	Root string
	// SoftBudgetBytes triggers background eviction when exceeded.
	SoftBudgetBytes int64
	// HardCeilingBytes is the absolute resident limit; loads that cannot
	// fit under it fail with ResourceExhausted instead of thrashing.
	HardCeilingBytes int64
	// EvictTargetRatio overrides DefaultEvictTargetRatio when > 0.
	EvictTargetRatio float64
	// MmapThresholdBytes is the file size above which assets are
	// memory-mapped instead of fully decoded. Zero maps nothing.
	MmapThresholdBytes int64
}

// Cache is the asset store. Safe for concurrent use from any context that is
// not the render context.
type Cache struct {
	cfg Config

	mu       sync.Mutex
	entries  map[string]*Entry
	resident int64
	closed   bool

	loads   singleflight.Group
	evictCh chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a cache and starts its background evictor.
func New(cfg Config) (*Cache, error) {
	if err := ffi.CheckNonEmpty("Root", cfg.Root); err != nil {
		return nil, err
	}
	if cfg.SoftBudgetBytes <= 0 {
		cfg.SoftBudgetBytes = 64 << 20
	}
	if cfg.HardCeilingBytes <= 0 {
		cfg.HardCeilingBytes = 2 * cfg.SoftBudgetBytes
	}
	if cfg.HardCeilingBytes < cfg.SoftBudgetBytes {
		return nil, ffi.New(ffi.InvalidInput, ffi.CodeValueOutOfUnit,
			"hard ceiling %d below soft budget %d", cfg.HardCeilingBytes, cfg.SoftBudgetBytes)
	}
	if cfg.EvictTargetRatio <= 0 || cfg.EvictTargetRatio > 1 {
		cfg.EvictTargetRatio = DefaultEvictTargetRatio
	}

	c := &Cache{
		cfg:     cfg,
		entries: make(map[string]*Entry),
		evictCh: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	c.wg.Add(1)
	go c.evictLoop()
	return c, nil
}

// GetOrLoad returns the cached entry for key, loading it on first request.
// The returned entry is acquired; callers release it when their reference
// (typically a slot's source binding) goes away. Must not be called from the
// render context : loading blocks on I/O.
func (c *Cache) GetOrLoad(key string) (*Entry, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ffi.New(ffi.InvalidState, ffi.CodeEngineStopped, "cache is closed")
	}
	if e, ok := c.entries[key]; ok {
		e.touch()
		e.Acquire()
		c.mu.Unlock()
		return e, nil
	}
	c.mu.Unlock()

	v, err, _ := c.loads.Do(key, func() (any, error) {
		return c.load(key)
	})
	if err != nil {
		return nil, err
	}
	e := v.(*Entry)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		e.close()
		return nil, ffi.New(ffi.InvalidState, ffi.CodeEngineStopped, "cache is closed")
	}
	// A concurrent Do for the same key published first; use the winner.
	if existing, ok := c.entries[key]; ok && existing != e {
		e.close()
		e = existing
	} else if !ok {
		c.entries[key] = e
		c.resident += e.ByteSize
	}
	e.touch()
	e.Acquire()

	if c.resident > c.cfg.SoftBudgetBytes {
		c.signalEvict()
	}
	return e, nil
}

func (c *Cache) load(key string) (*Entry, error) {
	path, err := resolveKey(c.cfg.Root, key)
	if err != nil {
		return nil, err
	}
	info, statErr := os.Stat(path)
	if statErr != nil {
		return nil, ffi.Wrap(ffi.IOError, ffi.CodeLoadFailed, statErr, "cannot stat asset %q", key)
	}
	size := info.Size()

	if size > c.cfg.HardCeilingBytes {
		return nil, ffi.New(ffi.ResourceExhausted, ffi.CodeHardCeiling,
			"asset %q (%d bytes) exceeds hard ceiling %d", key, size, c.cfg.HardCeilingBytes).
			WithSuggestion("raise the cache hard ceiling or stream the asset in segments")
	}
	// Make room under the ceiling synchronously; we are already off the
	// render thread, and admitting first would overshoot the hard limit.
	if err := c.reserve(size, key); err != nil {
		return nil, err
	}

	var e *Entry
	if c.cfg.MmapThresholdBytes > 0 && size >= c.cfg.MmapThresholdBytes {
		e, err = decodeMapped(path, key, size)
	} else {
		e, err = decodeInMemory(path, key, size)
	}
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "load",
		"key":      key,
		"bytes":    size,
		"backing":  e.Backing.String(),
		"frames":   e.Frames,
	}).Debug("asset loaded")
	return e, nil
}

// reserve evicts unpinned entries until size fits under the hard ceiling.
func (c *Cache) reserve(size int64, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resident+size <= c.cfg.HardCeilingBytes {
		return nil
	}
	c.evictLocked(c.cfg.HardCeilingBytes - size)
	if c.resident+size > c.cfg.HardCeilingBytes {
		return ffi.New(ffi.ResourceExhausted, ffi.CodeHardCeiling,
			"cannot admit asset %q: %d resident (pinned) + %d requested exceeds ceiling %d",
			key, c.resident, size, c.cfg.HardCeilingBytes).
			WithSuggestion("release unused slots or raise the cache hard ceiling")
	}
	return nil
}

// Contains reports whether key is resident, without touching its LRU clock.
func (c *Cache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// ResidentBytes returns the current resident total.
func (c *Cache) ResidentBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resident
}

// signalEvict nudges the background evictor without blocking.
func (c *Cache) signalEvict() {
	select {
	case c.evictCh <- struct{}{}:
	default:
	}
}

func (c *Cache) evictLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case <-c.evictCh:
			target := int64(float64(c.cfg.SoftBudgetBytes) * c.cfg.EvictTargetRatio)
			c.mu.Lock()
			before := c.resident
			c.evictLocked(target)
			after := c.resident
			c.mu.Unlock()
			if before != after {
				logrus.WithFields(logrus.Fields{
					"function": "evictLoop",
					"freed":    before - after,
					"resident": after,
					"target":   target,
				}).Debug("cache eviction pass")
			}
		}
	}
}

// evictLocked removes least-recently-accessed unpinned entries until resident
// bytes drop to target. Pinned entries are skipped unconditionally.
func (c *Cache) evictLocked(target int64) {
	for c.resident > target {
		var victim *Entry
		for _, e := range c.entries {
			if e.Pinned() {
				continue
			}
			if victim == nil || e.LastAccess() < victim.LastAccess() {
				victim = e
			}
		}
		if victim == nil {
			return
		}
		delete(c.entries, victim.Key)
		c.resident -= victim.ByteSize
		victim.close()
	}
}

// Close stops the evictor and drops all unpinned entries.
func (c *Cache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for key, e := range c.entries {
		if !e.Pinned() {
			delete(c.entries, key)
			c.resident -= e.ByteSize
			e.close()
		}
	}
	c.mu.Unlock()
	close(c.done)
	c.wg.Wait()
}
