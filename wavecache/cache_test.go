package wavecache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundfold/mixcore/ffi"
	"github.com/soundfold/mixcore/internal/testutil"
)

func newTestCache(t *testing.T, cfg Config) (*Cache, string) {
	t.Helper()
	root := t.TempDir()
	cfg.Root = root
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, root
}

func fixtureSize(t *testing.T, root, name string, frames int) int64 {
	t.Helper()
	path := testutil.WriteSineWAV(t, root, name, frames, 440, 48000)
	info, err := os.Stat(path)
	require.NoError(t, err)
	return info.Size()
}

func TestGetOrLoadDecodesWAV(t *testing.T) {
	c, root := newTestCache(t, Config{SoftBudgetBytes: 1 << 20})
	testutil.WriteSineWAV(t, root, "tone.wav", 4800, 440, 48000)

	e, err := c.GetOrLoad("tone.wav")
	require.NoError(t, err)
	defer e.Release()

	assert.Equal(t, "tone.wav", e.Key)
	assert.Equal(t, InMemory, e.Backing)
	assert.Equal(t, 48000, e.SampleRate)
	assert.Equal(t, 1, e.Channels)
	assert.Equal(t, 4800, e.Frames)
	assert.True(t, e.Pinned())
	assert.True(t, c.Contains("tone.wav"))
	assert.Greater(t, c.ResidentBytes(), int64(0))
}

func TestGetOrLoadMissingAsset(t *testing.T) {
	c, _ := newTestCache(t, Config{})
	_, err := c.GetOrLoad("nope.wav")
	require.Error(t, err)
	assert.Equal(t, ffi.NotFound, ffi.CategoryOf(err))
}

func TestSandboxRejectsEscapes(t *testing.T) {
	c, root := newTestCache(t, Config{})

	outside := filepath.Join(filepath.Dir(root), "outside.wav")
	testutil.WriteSineWAV(t, filepath.Dir(root), "outside.wav", 100, 440, 48000)
	defer os.Remove(outside)

	tests := []struct {
		name string
		key  string
	}{
		{"absolute path", outside},
		{"dotdot prefix", "../outside.wav"},
		{"nested dotdot", "sub/../../outside.wav"},
		{"empty key", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.GetOrLoad(tt.key)
			require.Error(t, err)
			assert.Equal(t, ffi.InvalidInput, ffi.CategoryOf(err))
		})
	}
}

func TestSandboxRejectsSymlinkEscape(t *testing.T) {
	c, root := newTestCache(t, Config{})

	outsideDir := t.TempDir()
	testutil.WriteSineWAV(t, outsideDir, "secret.wav", 100, 440, 48000)
	link := filepath.Join(root, "link.wav")
	require.NoError(t, os.Symlink(filepath.Join(outsideDir, "secret.wav"), link))

	_, err := c.GetOrLoad("link.wav")
	require.Error(t, err)
	ferr := ffi.AsError(err)
	assert.Equal(t, ffi.InvalidInput, ferr.Category)
	assert.Equal(t, ffi.CodePathEscape, ferr.Code)
}

func TestRepeatLoadsShareOneEntry(t *testing.T) {
	c, root := newTestCache(t, Config{})
	testutil.WriteSineWAV(t, root, "a.wav", 1000, 440, 48000)

	e1, err := c.GetOrLoad("a.wav")
	require.NoError(t, err)
	e2, err := c.GetOrLoad("a.wav")
	require.NoError(t, err)
	assert.Same(t, e1, e2)

	e1.Release()
	assert.True(t, e2.Pinned())
	e2.Release()
	assert.False(t, e2.Pinned())
}

func TestSoftBudgetEvictionSettlesBelowTarget(t *testing.T) {
	oneSize := fixtureSize(t, t.TempDir(), "ruler.wav", 24000)

	// Budget fits about three assets; ceiling is roomy so nothing fails.
	c, root := newTestCache(t, Config{
		SoftBudgetBytes:  3 * oneSize,
		HardCeilingBytes: 20 * oneSize,
	})

	for i := 0; i < 8; i++ {
		name := string(rune('a'+i)) + ".wav"
		testutil.WriteSineWAV(t, root, name, 24000, 440, 48000)
		e, err := c.GetOrLoad(name)
		require.NoError(t, err)
		e.Release() // unpinned, evictable
	}

	target := int64(float64(3*oneSize) * DefaultEvictTargetRatio)
	require.Eventually(t, func() bool {
		return c.ResidentBytes() <= target
	}, 2*time.Second, 10*time.Millisecond,
		"resident %d should settle at or below target %d", c.ResidentBytes(), target)
}

func TestPinnedEntriesSurviveEviction(t *testing.T) {
	oneSize := fixtureSize(t, t.TempDir(), "ruler.wav", 24000)

	c, root := newTestCache(t, Config{
		SoftBudgetBytes:  2 * oneSize,
		HardCeilingBytes: 20 * oneSize,
	})

	testutil.WriteSineWAV(t, root, "pinned.wav", 24000, 440, 48000)
	pinned, err := c.GetOrLoad("pinned.wav")
	require.NoError(t, err)
	defer pinned.Release()

	// Overflow the soft budget with unpinned entries.
	for i := 0; i < 6; i++ {
		name := string(rune('a'+i)) + ".wav"
		testutil.WriteSineWAV(t, root, name, 24000, 440, 48000)
		e, err := c.GetOrLoad(name)
		require.NoError(t, err)
		e.Release()
	}

	require.Eventually(t, func() bool {
		return c.ResidentBytes() <= 2*oneSize
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, c.Contains("pinned.wav"), "pinned entry must never be evicted")
}

func TestHardCeilingRejectsOversizedAsset(t *testing.T) {
	c, root := newTestCache(t, Config{
		SoftBudgetBytes:  4 << 10,
		HardCeilingBytes: 8 << 10,
	})
	testutil.WriteSineWAV(t, root, "big.wav", 48000, 440, 48000) // ~94 KiB

	_, err := c.GetOrLoad("big.wav")
	require.Error(t, err)
	ferr := ffi.AsError(err)
	assert.Equal(t, ffi.ResourceExhausted, ferr.Category)
	assert.Equal(t, ffi.CodeHardCeiling, ferr.Code)
}

func TestHardCeilingBlockedByPins(t *testing.T) {
	oneSize := fixtureSize(t, t.TempDir(), "ruler.wav", 24000)

	c, root := newTestCache(t, Config{
		SoftBudgetBytes:  2 * oneSize,
		HardCeilingBytes: 2*oneSize + oneSize/2,
	})

	// Pin two entries so the ceiling is effectively spent.
	for _, name := range []string{"a.wav", "b.wav"} {
		testutil.WriteSineWAV(t, root, name, 24000, 440, 48000)
		e, err := c.GetOrLoad(name)
		require.NoError(t, err)
		defer e.Release()
	}

	testutil.WriteSineWAV(t, root, "c.wav", 24000, 440, 48000)
	_, err := c.GetOrLoad("c.wav")
	require.Error(t, err)
	assert.Equal(t, ffi.ResourceExhausted, ffi.CategoryOf(err))

	// Releasing a pin makes room; the same load then succeeds.
}

func TestEvictThenAdmit(t *testing.T) {
	oneSize := fixtureSize(t, t.TempDir(), "ruler.wav", 24000)

	c, root := newTestCache(t, Config{
		SoftBudgetBytes:  2 * oneSize,
		HardCeilingBytes: 2*oneSize + oneSize/2,
	})

	testutil.WriteSineWAV(t, root, "old.wav", 24000, 440, 48000)
	old, err := c.GetOrLoad("old.wav")
	require.NoError(t, err)
	old.Release() // evictable

	testutil.WriteSineWAV(t, root, "held.wav", 24000, 440, 48000)
	held, err := c.GetOrLoad("held.wav")
	require.NoError(t, err)
	defer held.Release()

	// Admitting a third asset requires synchronously evicting old.wav.
	testutil.WriteSineWAV(t, root, "new.wav", 24000, 440, 48000)
	e, err := c.GetOrLoad("new.wav")
	require.NoError(t, err)
	defer e.Release()

	assert.False(t, c.Contains("old.wav"))
	assert.True(t, c.Contains("held.wav"))
}

func TestMmapBackingAboveThreshold(t *testing.T) {
	c, root := newTestCache(t, Config{
		SoftBudgetBytes:    4 << 20,
		MmapThresholdBytes: 1 << 10,
	})
	testutil.WriteSineWAV(t, root, "mapped.wav", 24000, 440, 48000)

	e, err := c.GetOrLoad("mapped.wav")
	require.NoError(t, err)
	defer e.Release()

	assert.Equal(t, MemoryMapped, e.Backing)
	assert.Equal(t, 24000, e.Frames)

	// Mapped reads decode the same samples the in-memory path would.
	dst := [][]float32{make([]float32, 64), make([]float32, 64)}
	n := e.ReadFrames(dst, 100)
	assert.Equal(t, 64, n)
	peak := float32(0)
	for _, v := range dst[0] {
		if v > peak {
			peak = v
		}
	}
	assert.Greater(t, peak, float32(0.1))
	assert.Equal(t, dst[0], dst[1], "mono spreads to both sides")
}

func TestReadFramesZeroPadsPastEnd(t *testing.T) {
	c, root := newTestCache(t, Config{})
	testutil.WriteSineWAV(t, root, "short.wav", 100, 440, 48000)

	e, err := c.GetOrLoad("short.wav")
	require.NoError(t, err)
	defer e.Release()

	dst := [][]float32{make([]float32, 64), make([]float32, 64)}
	n := e.ReadFrames(dst, 80)
	assert.Equal(t, 20, n)
	for i := 20; i < 64; i++ {
		assert.Equal(t, float32(0), dst[0][i], "frame %d", i)
	}
}

func TestMeanAmplitude(t *testing.T) {
	c, root := newTestCache(t, Config{})
	testutil.WriteSineWAV(t, root, "tone.wav", 48000, 440, 48000)

	e, err := c.GetOrLoad("tone.wav")
	require.NoError(t, err)
	defer e.Release()

	// Mean |sin| is 2/pi; the fixture is scaled to 0.5 amplitude.
	assert.InDelta(t, 0.5*2/3.14159, e.MeanAmplitude(), 0.01)
}

func TestCacheClose(t *testing.T) {
	root := t.TempDir()
	c, err := New(Config{Root: root})
	require.NoError(t, err)
	testutil.WriteSineWAV(t, root, "a.wav", 100, 440, 48000)

	e, err := c.GetOrLoad("a.wav")
	require.NoError(t, err)
	e.Release()

	c.Close()
	_, err = c.GetOrLoad("a.wav")
	require.Error(t, err)
	assert.Equal(t, ffi.InvalidState, ffi.CategoryOf(err))

	// Close is idempotent.
	c.Close()
}

func TestConfigValidation(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err, "root is required")

	_, err = New(Config{Root: t.TempDir(), SoftBudgetBytes: 100, HardCeilingBytes: 50})
	require.Error(t, err, "ceiling below budget")
}
