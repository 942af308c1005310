package sampleio

import (
	"errors"

	"github.com/nicktill/trailcache/pkg/span"
)

// ErrBadHeader is returned when a frame file does not carry a valid header
var ErrBadHeader = errors.New("invalid frame file header")

// FrameFile is random-access storage of fixed-width multichannel float frames.
// Implementations: memory (tests, per-level scratch), File (on disk).
//
// A FrameFile is not safe for concurrent use; callers serialise access.
type FrameFile interface {
	// Seek positions the read/write cursor at a frame index
	Seek(frame int64) error

	// ReadFrames reads n frames at the cursor into buf[ch][off:off+n]
	ReadFrames(buf [][]float32, off, n int) error

	// WriteFrames writes n frames from buf[ch][off:off+n] at the cursor,
	// extending the file when writing past its end
	WriteFrames(buf [][]float32, off, n int) error

	// FrameCount returns the number of frames stored
	FrameCount() int64

	// Channels returns the channel count
	Channels() int

	// Rate returns the nominal sample rate of the stored frames
	Rate() float64

	// Close releases the storage
	Close() error

	// Delete closes and removes the storage
	Delete() error
}

// Source is a read-only provider of full-rate sample frames.
type Source interface {
	// ReadFrames reads the frames in sp into buf[ch][off:off+sp.Len()]
	ReadFrames(buf [][]float32, off int, sp span.Span) error

	// Channels returns the channel count
	Channels() int

	// Rate returns the sample rate in Hz
	Rate() float64

	// FrameCount returns the total number of frames available
	FrameCount() int64

	// Identity returns a stable identity used to key caches
	// (e.g. path plus size and modification time)
	Identity() string
}

// MakeBuffer allocates a channel-major buffer
func MakeBuffer(channels, frames int) [][]float32 {
	buf := make([][]float32, channels)
	for ch := range buf {
		buf[ch] = make([]float32, frames)
	}
	return buf
}
