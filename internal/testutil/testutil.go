// Package testutil provides fixtures shared by package tests: generated WAV
// assets and environment gates.
package testutil

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// SkipUnlessEnv skips the test unless the given env var equals the wanted value.
func SkipUnlessEnv(t *testing.T, key, want string) {
	t.Helper()
	if os.Getenv(key) != want {
		t.Skipf("skipped: set %s=%s to run", key, want)
	}
}

// IsCI reports whether running under common CI environments.
func IsCI() bool {
	return os.Getenv("CI") == "true" || os.Getenv("GITHUB_ACTIONS") == "true"
}

// SineFrames generates one channel of a sine at freq Hz.
func SineFrames(frames int, freq, sampleRate, amplitude float64) []float64 {
	out := make([]float64, frames)
	for i := range out {
		out[i] = amplitude * math.Sin(2*math.Pi*freq*float64(i)/sampleRate)
	}
	return out
}

// WriteWAV writes a PCM WAV file under dir from per-channel float64 frames in
// -1..1 and returns its path. All channels must have equal length.
func WriteWAV(t *testing.T, dir, name string, sampleRate, bitDepth int, channels ...[]float64) string {
	t.Helper()
	if len(channels) == 0 {
		t.Fatal("WriteWAV needs at least one channel")
	}
	frames := len(channels[0])
	for i, ch := range channels {
		if len(ch) != frames {
			t.Fatalf("channel %d has %d frames, want %d", i, len(ch), frames)
		}
	}

	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()

	scale := float64(int(1) << (bitDepth - 1))
	data := make([]int, 0, frames*len(channels))
	for frame := 0; frame < frames; frame++ {
		for _, ch := range channels {
			v := ch[frame] * (scale - 1)
			data = append(data, int(v))
		}
	}

	enc := wav.NewEncoder(f, sampleRate, bitDepth, len(channels), 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: len(channels), SampleRate: sampleRate},
		SourceBitDepth: bitDepth,
		Data:           data,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("encode %s: %v", path, err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("finalize %s: %v", path, err)
	}
	return path
}

// WriteSineWAV writes a mono sine fixture and returns its path.
func WriteSineWAV(t *testing.T, dir, name string, frames int, freq float64, sampleRate int) string {
	t.Helper()
	return WriteWAV(t, dir, name, sampleRate, 16,
		SineFrames(frames, freq, float64(sampleRate), 0.5))
}
