package wavecache

import (
	"encoding/binary"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-audio/wav"
	"golang.org/x/exp/mmap"

	"github.com/soundfold/mixcore/ffi"
)

// Backing describes how an entry's sample data is held.
type Backing int

const (
	// InMemory entries hold fully decoded float32 frames.
	InMemory Backing = iota
	// MemoryMapped entries decode on access from a mapped file, so only
	// touched regions consume resident memory.
	MemoryMapped
)

// String returns the backing name used in snapshots and logs.
func (b Backing) String() string {
	if b == MemoryMapped {
		return "memory_mapped"
	}
	return "in_memory"
}

// Entry is one cached asset. Once published by the cache the audio content is
// immutable; only the access clock and the reference count change. The render
// context may read frames from a pinned entry without locking.
type Entry struct {
	Key      string
	ByteSize int64
	Backing  Backing

	SampleRate int
	Channels   int
	Frames     int

	// InMemory: decoded frames, one slice per channel.
	samples [][]float32

	// MemoryMapped: raw file plus the PCM layout needed to decode on read.
	reader         *mmap.ReaderAt
	dataOffset     int64
	bytesPerSample int

	lastAccess atomic.Int64
	refs       atomic.Int32
}

// Acquire pins the entry against eviction. Every live slot referencing the
// asset holds one pin.
func (e *Entry) Acquire() { e.refs.Add(1) }

// Release drops one pin.
func (e *Entry) Release() { e.refs.Add(-1) }

// Pinned reports whether any live reference holds the entry.
func (e *Entry) Pinned() bool { return e.refs.Load() > 0 }

func (e *Entry) touch() { e.lastAccess.Store(time.Now().UnixNano()) }

// LastAccess returns the monotonic-ordered access stamp used by eviction.
func (e *Entry) LastAccess() int64 { return e.lastAccess.Load() }

// ReadFrames fills dst (one slice per engine channel) starting at fromFrame,
// zero-padding past the end, and returns the number of source frames copied.
// Mono assets are duplicated to both sides. For mapped entries this is pure
// memory access , with no syscalls, so it is safe off the loading path.
func (e *Entry) ReadFrames(dst [][]float32, fromFrame int) int {
	n := 0
	if len(dst) == 0 {
		return 0
	}
	want := len(dst[0])
	for i := 0; i < want; i++ {
		frame := fromFrame + i
		if frame >= e.Frames || frame < 0 {
			for ch := range dst {
				dst[ch][i] = 0
			}
			continue
		}
		for ch := range dst {
			src := ch
			if src >= e.Channels {
				src = e.Channels - 1
			}
			dst[ch][i] = e.sampleAt(frame, src)
		}
		n++
	}
	return n
}

func (e *Entry) sampleAt(frame, channel int) float32 {
	if e.Backing == InMemory {
		return e.samples[channel][frame]
	}
	off := e.dataOffset + int64(frame*e.Channels+channel)*int64(e.bytesPerSample)
	switch e.bytesPerSample {
	case 2:
		v := int16(uint16(e.reader.At(int(off))) | uint16(e.reader.At(int(off)+1))<<8)
		return float32(v) / 32768
	case 3:
		v := int32(uint32(e.reader.At(int(off))) |
			uint32(e.reader.At(int(off)+1))<<8 |
			uint32(e.reader.At(int(off)+2))<<16)
		if v&0x800000 != 0 {
			v |= ^int32(0xffffff)
		}
		return float32(v) / 8388608
	default:
		return 0
	}
}

// MeanAmplitude streams the whole asset and returns the average absolute
// sample value. For mapped entries this touches each region exactly once and
// never materializes the decoded asset.
func (e *Entry) MeanAmplitude() float64 {
	if e.Frames == 0 || e.Channels == 0 {
		return 0
	}
	sum := 0.0
	for frame := 0; frame < e.Frames; frame++ {
		for ch := 0; ch < e.Channels; ch++ {
			v := float64(e.sampleAt(frame, ch))
			if v < 0 {
				v = -v
			}
			sum += v
		}
	}
	return sum / float64(e.Frames*e.Channels)
}

func (e *Entry) close() {
	if e.reader != nil {
		e.reader.Close()
		e.reader = nil
	}
	e.samples = nil
}

// decodeInMemory fully decodes a WAV file into float32 frames.
func decodeInMemory(path, key string, size int64) (*Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ffi.Wrap(ffi.IOError, ffi.CodeLoadFailed, err, "cannot open asset %q", key)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, ffi.Wrap(ffi.IOError, ffi.CodeLoadFailed, err, "cannot decode asset %q", key)
	}
	if dec.SampleRate == 0 || buf.Format == nil || buf.Format.NumChannels == 0 {
		return nil, ffi.New(ffi.AudioError, ffi.CodeBadSampleRate, "asset %q has invalid format", key)
	}

	channels := buf.Format.NumChannels
	frames := len(buf.Data) / channels
	scale := float32(int64(1) << (dec.BitDepth - 1))
	samples := make([][]float32, channels)
	for ch := range samples {
		samples[ch] = make([]float32, frames)
	}
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			samples[ch][i] = float32(buf.Data[i*channels+ch]) / scale
		}
	}

	e := &Entry{
		Key:        key,
		ByteSize:   size,
		Backing:    InMemory,
		SampleRate: int(dec.SampleRate),
		Channels:   channels,
		Frames:     frames,
		samples:    samples,
	}
	e.touch()
	return e, nil
}

// decodeMapped maps the file and records the PCM layout without reading the
// sample data. Only the header is parsed eagerly.
func decodeMapped(path, key string, size int64) (*Entry, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, ffi.Wrap(ffi.IOError, ffi.CodeLoadFailed, err, "cannot map asset %q", key)
	}

	sec := io.NewSectionReader(r, 0, size)
	dec := wav.NewDecoder(sec)
	dec.ReadInfo()
	if dec.SampleRate == 0 || dec.NumChans == 0 || dec.BitDepth == 0 {
		r.Close()
		return nil, ffi.New(ffi.AudioError, ffi.CodeBadSampleRate, "asset %q has invalid format", key)
	}
	if dec.BitDepth != 16 && dec.BitDepth != 24 {
		r.Close()
		return nil, ffi.New(ffi.AudioError, ffi.CodeBadSampleRate,
			"mapped asset %q must be 16 or 24 bit PCM, got %d", key, dec.BitDepth)
	}

	dataOffset, dataLen, err := findDataChunk(r, size)
	if err != nil {
		r.Close()
		return nil, ffi.Wrap(ffi.IOError, ffi.CodeLoadFailed, err, "asset %q has no data chunk", key)
	}

	bytesPer := int(dec.BitDepth) / 8
	e := &Entry{
		Key:            key,
		ByteSize:       size,
		Backing:        MemoryMapped,
		SampleRate:     int(dec.SampleRate),
		Channels:       int(dec.NumChans),
		Frames:         int(dataLen) / (bytesPer * int(dec.NumChans)),
		reader:         r,
		dataOffset:     dataOffset,
		bytesPerSample: bytesPer,
	}
	e.touch()
	return e, nil
}

// findDataChunk walks RIFF chunks in the mapped file to locate raw PCM.
func findDataChunk(r *mmap.ReaderAt, size int64) (offset, length int64, err error) {
	var hdr [8]byte
	pos := int64(12) // past RIFF header
	for pos+8 <= size {
		if _, err := r.ReadAt(hdr[:], pos); err != nil {
			return 0, 0, err
		}
		chunkLen := int64(binary.LittleEndian.Uint32(hdr[4:]))
		if string(hdr[:4]) == "data" {
			return pos + 8, chunkLen, nil
		}
		pos += 8 + chunkLen
		if chunkLen%2 == 1 {
			pos++
		}
	}
	return 0, 0, io.ErrUnexpectedEOF
}
