package ffi

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckIndex(t *testing.T) {
	tests := []struct {
		name string
		i, n int
		ok   bool
	}{
		{"first", 0, 3, true},
		{"last", 2, 3, true},
		{"past end", 3, 3, false},
		{"negative", -1, 3, false},
		{"empty", 0, 0, false},
		{"large negative", math.MinInt, 3, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckIndex(tt.i, tt.n)
			if tt.ok {
				assert.Nil(t, err)
				return
			}
			require.NotNil(t, err)
			assert.Equal(t, OutOfBounds, err.Category)
			assert.Equal(t, CodeIndexOutOfRange, err.Code)
		})
	}
}

func TestCheckRange(t *testing.T) {
	tests := []struct {
		name         string
		from, to, n  int
		ok           bool
	}{
		{"full", 0, 4, 4, true},
		{"empty range", 2, 2, 4, true},
		{"middle", 1, 3, 4, true},
		{"to past end", 0, 5, 4, false},
		{"inverted", 3, 1, 4, false},
		{"negative from", -1, 2, 4, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckRange(tt.from, tt.to, tt.n)
			assert.Equal(t, tt.ok, err == nil)
		})
	}
}

func TestCheckBufferSize(t *testing.T) {
	assert.Nil(t, CheckBufferSize(512, 512))

	err := CheckBufferSize(256, 512)
	require.NotNil(t, err)
	assert.Equal(t, InvalidInput, err.Category)
	assert.Equal(t, CodeBufferSizeBad, err.Code)
	assert.NotEmpty(t, err.Suggestion)
}

func TestCheckFinite(t *testing.T) {
	assert.Nil(t, CheckFinite("gain", 0))
	assert.Nil(t, CheckFinite("gain", -1e300))

	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		err := CheckFinite("gain", v)
		require.NotNil(t, err, "value %v", v)
		assert.Equal(t, CodeValueNotFinite, err.Code)
	}
}

func TestCheckUnitAndClosed(t *testing.T) {
	assert.Nil(t, CheckUnit("mix", 0))
	assert.Nil(t, CheckUnit("mix", 1))
	assert.NotNil(t, CheckUnit("mix", 1.01))
	assert.NotNil(t, CheckUnit("mix", math.NaN()))

	assert.Nil(t, CheckClosed("pan", -1, -1, 1))
	assert.Nil(t, CheckClosed("pan", 1, -1, 1))
	assert.NotNil(t, CheckClosed("pan", -1.5, -1, 1))
	assert.NotNil(t, CheckClosed("pan", math.Inf(1), -1, 1))
}

func TestCheckNonEmpty(t *testing.T) {
	assert.Nil(t, CheckNonEmpty("id", "x"))
	err := CheckNonEmpty("id", "")
	require.NotNil(t, err)
	assert.Equal(t, CodeEmptyArgument, err.Code)
}

func TestSliceAt(t *testing.T) {
	s := []string{"a", "b"}

	v, ok := SliceAt(s, 1)
	assert.True(t, ok)
	assert.Equal(t, "b", v)

	_, ok = SliceAt(s, 2)
	assert.False(t, ok)
	_, ok = SliceAt(s, -1)
	assert.False(t, ok)
	_, ok = SliceAt([]string(nil), 0)
	assert.False(t, ok)
}

func TestMapGet(t *testing.T) {
	m := map[string]int{"x": 1}

	v, ok := MapGet(m, "x")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = MapGet(m, "y")
	assert.False(t, ok)
	_, ok = MapGet(map[string]int(nil), "x")
	assert.False(t, ok)
}
