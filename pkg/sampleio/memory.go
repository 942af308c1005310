package sampleio

import (
	"fmt"
	"io"
)

// Memory stores frames in memory. Data is lost on Close.
type Memory struct {
	data     [][]float32
	channels int
	rate     float64
	pos      int64
	closed   bool
}

// NewMemory creates an empty in-memory frame file
func NewMemory(channels int, rate float64) *Memory {
	return &Memory{
		data:     make([][]float32, channels),
		channels: channels,
		rate:     rate,
	}
}

// Seek positions the cursor
func (m *Memory) Seek(frame int64) error {
	if m.closed {
		return fmt.Errorf("seek: %w", io.ErrClosedPipe)
	}
	if frame < 0 {
		return fmt.Errorf("seek to negative frame %d", frame)
	}
	m.pos = frame
	return nil
}

// ReadFrames reads n frames at the cursor
func (m *Memory) ReadFrames(buf [][]float32, off, n int) error {
	if m.closed {
		return fmt.Errorf("read: %w", io.ErrClosedPipe)
	}
	if len(buf) < m.channels {
		return fmt.Errorf("read: buffer has %d channels, need %d", len(buf), m.channels)
	}
	if m.pos+int64(n) > m.FrameCount() {
		return fmt.Errorf("read %d frames at %d beyond %d: %w", n, m.pos, m.FrameCount(), io.ErrUnexpectedEOF)
	}
	for ch := 0; ch < m.channels; ch++ {
		copy(buf[ch][off:off+n], m.data[ch][m.pos:])
	}
	m.pos += int64(n)
	return nil
}

// WriteFrames writes n frames at the cursor, growing the storage as needed
func (m *Memory) WriteFrames(buf [][]float32, off, n int) error {
	if m.closed {
		return fmt.Errorf("write: %w", io.ErrClosedPipe)
	}
	if len(buf) < m.channels {
		return fmt.Errorf("write: buffer has %d channels, need %d", len(buf), m.channels)
	}
	end := m.pos + int64(n)
	for ch := 0; ch < m.channels; ch++ {
		switch {
		case int64(len(m.data[ch])) >= end:
		case int64(cap(m.data[ch])) >= end:
			m.data[ch] = m.data[ch][:end]
		default:
			grown := make([]float32, end, max(end, int64(cap(m.data[ch]))*2))
			copy(grown, m.data[ch])
			m.data[ch] = grown
		}
		copy(m.data[ch][m.pos:end], buf[ch][off:off+n])
	}
	m.pos = end
	return nil
}

// FrameCount returns the number of stored frames
func (m *Memory) FrameCount() int64 {
	if len(m.data) == 0 {
		return 0
	}
	return int64(len(m.data[0]))
}

// Channels returns the channel count
func (m *Memory) Channels() int {
	return m.channels
}

// Rate returns the nominal sample rate
func (m *Memory) Rate() float64 {
	return m.rate
}

// Close releases the frames
func (m *Memory) Close() error {
	m.closed = true
	m.data = nil
	return nil
}

// Delete is the same as Close for memory storage
func (m *Memory) Delete() error {
	return m.Close()
}
