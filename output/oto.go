//go:build !headless

package output

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/ebitengine/oto/v3"
	"github.com/sirupsen/logrus"

	"github.com/soundfold/mixcore/ffi"
)

type otoSink struct {
	ctx      *oto.Context
	player   *oto.Player
	renderer Renderer

	blockSize int
	bufL      []float32
	bufR      []float32

	// frame is one block interleaved as stereo float32 LE; leftover is the
	// unconsumed tail of it.
	frame    []byte
	leftover []byte

	mu      sync.Mutex
	started bool
}

// NewSink opens the system audio device at the given rate and binds it to the
// renderer. The device pulls in its own granularity; the sink re-blocks to
// the renderer's block size.
func NewSink(sampleRate float64, blockSize int, r Renderer) (Sink, error) {
	op := &oto.NewContextOptions{
		SampleRate:   int(sampleRate),
		ChannelCount: 2,
		Format:       oto.FormatFloat32LE,
	}
	ctx, ready, err := oto.NewContext(op)
	if err != nil {
		return nil, ffi.Wrap(ffi.AudioError, ffi.CodeInternal, err,
			"opening audio device at %v Hz", sampleRate)
	}
	<-ready

	s := &otoSink{
		ctx:       ctx,
		renderer:  r,
		blockSize: blockSize,
		bufL:      make([]float32, blockSize),
		bufR:      make([]float32, blockSize),
		frame:     make([]byte, blockSize*8),
	}
	s.player = ctx.NewPlayer(s)
	return s, nil
}

// Read implements io.Reader for the oto player. It renders whole blocks and
// interleaves them as stereo float32 LE.
func (s *otoSink) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if len(s.leftover) == 0 {
			if err := s.renderer.RenderBlock(s.bufL, s.bufR); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Read",
					"error":    err,
				}).Warn("render failed, emitting silence")
				for i := range s.bufL {
					s.bufL[i] = 0
					s.bufR[i] = 0
				}
			}
			for i := 0; i < s.blockSize; i++ {
				binary.LittleEndian.PutUint32(s.frame[i*8:], math.Float32bits(s.bufL[i]))
				binary.LittleEndian.PutUint32(s.frame[i*8+4:], math.Float32bits(s.bufR[i]))
			}
			s.leftover = s.frame
		}
		c := copy(p[n:], s.leftover)
		s.leftover = s.leftover[c:]
		n += c
	}
	return n, nil
}

func (s *otoSink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.player.Play()
	s.started = true
	return nil
}

func (s *otoSink) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		s.player.Pause()
		s.started = false
	}
}

func (s *otoSink) Close() error {
	s.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.player != nil {
		err := s.player.Close()
		s.player = nil
		return err
	}
	return nil
}

func (s *otoSink) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}
