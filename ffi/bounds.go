package ffi

import (
	"errors"
	"math"
)

func asError(err error, target **Error) bool {
	return errors.As(err, target)
}

// CheckIndex validates i against a collection of length n. It never panics;
// any out-of-range index, including negative values, yields OutOfBounds.
func CheckIndex(i, n int) *Error {
	if i < 0 || i >= n {
		return New(OutOfBounds, CodeIndexOutOfRange,
			"index %d out of range for length %d", i, n).
			WithSuggestion("valid indices are 0..len-1")
	}
	return nil
}

// CheckRange validates a half-open range [from, to) against length n.
func CheckRange(from, to, n int) *Error {
	if from < 0 || to < from || to > n {
		return New(OutOfBounds, CodeRangeOutOfRange,
			"range [%d,%d) out of range for length %d", from, to, n)
	}
	return nil
}

// CheckBufferSize validates that a caller-provided buffer matches the size the
// engine expects. Mismatches are caller contract violations, not bounds slips.
func CheckBufferSize(provided, expected int) *Error {
	if provided != expected {
		return New(InvalidInput, CodeBufferSizeBad,
			"buffer size %d does not match expected %d", provided, expected).
			WithSuggestion("allocate buffers with the engine's configured block size")
	}
	return nil
}

// CheckFinite rejects NaN and infinite parameter values before they can reach
// render state.
func CheckFinite(name string, v float64) *Error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return New(InvalidInput, CodeValueNotFinite, "%s must be finite, got %v", name, v)
	}
	return nil
}

// CheckUnit validates a normalized parameter in [0, 1].
func CheckUnit(name string, v float64) *Error {
	if err := CheckFinite(name, v); err != nil {
		return err
	}
	if v < 0 || v > 1 {
		return New(InvalidInput, CodeValueOutOfUnit, "%s must be in [0,1], got %v", name, v)
	}
	return nil
}

// CheckClosed validates a parameter in the closed interval [lo, hi].
func CheckClosed(name string, v, lo, hi float64) *Error {
	if err := CheckFinite(name, v); err != nil {
		return err
	}
	if v < lo || v > hi {
		return New(InvalidInput, CodeValueOutOfUnit, "%s must be in [%v,%v], got %v", name, lo, hi, v)
	}
	return nil
}

// CheckNonEmpty validates a required string argument.
func CheckNonEmpty(name, v string) *Error {
	if v == "" {
		return New(InvalidInput, CodeEmptyArgument, "%s must not be empty", name)
	}
	return nil
}

// SliceAt returns s[i] when i is in range. Invalid access returns the zero
// value and false instead of trapping; the caller decides the fallback.
func SliceAt[T any](s []T, i int) (T, bool) {
	if i < 0 || i >= len(s) {
		var zero T
		return zero, false
	}
	return s[i], true
}

// MapGet is the optional-returning map accessor used by boundary handlers.
func MapGet[K comparable, V any](m map[K]V, k K) (V, bool) {
	v, ok := m[k]
	return v, ok
}
