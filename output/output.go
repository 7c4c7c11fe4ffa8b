// Package output carries rendered audio to a playback device. The default
// backend is oto; building with -tags headless substitutes a silent sink so
// the engine runs in CI and server environments without an audio device.
package output

// Renderer pulls one block of stereo audio into the provided buffers. The
// sink calls it from the playback callback, so implementations must be
// non-blocking.
type Renderer interface {
	RenderBlock(outL, outR []float32) error
}

// Sink is a running audio output bound to one renderer.
type Sink interface {
	Start() error
	Stop()
	Close() error
	Running() bool
}
