// Package source provides sample sources feeding a trail: in-memory
// buffers and WAV files.
package source

import (
	"fmt"
	"sync/atomic"

	"github.com/nicktill/trailcache/pkg/span"
)

// Buffer serves frames from memory. It is safe for concurrent reads.
type Buffer struct {
	id    string
	rate  float64
	data  [][]float32
	reads atomic.Int64
}

// NewBuffer wraps channel-major sample data. All channels must have equal length.
func NewBuffer(identity string, rate float64, data [][]float32) (*Buffer, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("buffer source needs at least one channel")
	}
	for ch := 1; ch < len(data); ch++ {
		if len(data[ch]) != len(data[0]) {
			return nil, fmt.Errorf("channel %d has %d frames, channel 0 has %d", ch, len(data[ch]), len(data[0]))
		}
	}
	return &Buffer{id: identity, rate: rate, data: data}, nil
}

// ReadFrames copies the frames in sp into buf[ch][off:]
func (b *Buffer) ReadFrames(buf [][]float32, off int, sp span.Span) error {
	if sp.Start < 0 || sp.Stop > b.FrameCount() || sp.Stop < sp.Start {
		return fmt.Errorf("read span %v outside source [0, %d)", sp, b.FrameCount())
	}
	if len(buf) < len(b.data) {
		return fmt.Errorf("buffer has %d channels, source has %d", len(buf), len(b.data))
	}
	b.reads.Add(1)
	for ch, x := range b.data {
		copy(buf[ch][off:off+int(sp.Len())], x[sp.Start:sp.Stop])
	}
	return nil
}

// Channels returns the channel count
func (b *Buffer) Channels() int {
	return len(b.data)
}

// Rate returns the sample rate
func (b *Buffer) Rate() float64 {
	return b.rate
}

// FrameCount returns the number of frames
func (b *Buffer) FrameCount() int64 {
	return int64(len(b.data[0]))
}

// Identity returns the identity given at construction
func (b *Buffer) Identity() string {
	return b.id
}

// Reads returns how many ReadFrames calls were served
func (b *Buffer) Reads() int64 {
	return b.reads.Load()
}
