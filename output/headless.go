//go:build headless

package output

import (
	"sync"
	"time"
)

// headlessSink drives the renderer from a ticker at real-time rate without
// touching any audio device. Output is discarded.
type headlessSink struct {
	renderer Renderer

	blockSize int
	interval  time.Duration
	bufL      []float32
	bufR      []float32

	mu      sync.Mutex
	started bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewSink returns a device-free sink that pulls blocks on a wall-clock
// schedule matching the sample rate.
func NewSink(sampleRate float64, blockSize int, r Renderer) (Sink, error) {
	return &headlessSink{
		renderer:  r,
		blockSize: blockSize,
		interval:  time.Duration(float64(blockSize) / sampleRate * float64(time.Second)),
		bufL:      make([]float32, blockSize),
		bufR:      make([]float32, blockSize),
	}, nil
}

func (s *headlessSink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.done = make(chan struct{})
	s.wg.Add(1)
	go s.pullLoop(s.done)
	s.started = true
	return nil
}

func (s *headlessSink) pullLoop(done chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			_ = s.renderer.RenderBlock(s.bufL, s.bufR)
		}
	}
}

func (s *headlessSink) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		close(s.done)
		s.wg.Wait()
		s.started = false
	}
}

func (s *headlessSink) Close() error {
	s.Stop()
	return nil
}

func (s *headlessSink) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}
