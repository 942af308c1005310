package sampleio

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

// On-disk layout
//
//	[0:4]   magic "TRLF"
//	[4:6]   version
//	[6:8]   channel count
//	[8:16]  sample rate (float64 bits)
//	[16:64] metadata block, owned by the caller
//	[64:]   interleaved little-endian float32 frames
const (
	HeaderSize = 64
	MetaSize   = 48

	fileVersion = 1
)

var fileMagic = [4]byte{'T', 'R', 'L', 'F'}

// File is a FrameFile backed by a regular file
type File struct {
	f        *os.File
	path     string
	channels int
	rate     float64
	frames   int64
	pos      int64
	scratch  []byte
}

// Create creates (or truncates) a frame file for writing
func Create(path string, channels int, rate float64) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create frame file: %w", err)
	}
	return initFile(f, path, channels, rate)
}

// CreateTemp creates a new frame file in dir with a random name
func CreateTemp(dir, pattern string, channels int, rate float64) (*File, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp frame file: %w", err)
	}
	return initFile(f, f.Name(), channels, rate)
}

func initFile(f *os.File, path string, channels int, rate float64) (*File, error) {
	if channels <= 0 || channels > math.MaxUint16 {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("invalid channel count %d", channels)
	}

	var hdr [HeaderSize]byte
	copy(hdr[0:4], fileMagic[:])
	binary.LittleEndian.PutUint16(hdr[4:6], fileVersion)
	binary.LittleEndian.PutUint16(hdr[6:8], uint16(channels))
	binary.LittleEndian.PutUint64(hdr[8:16], math.Float64bits(rate))
	if _, err := f.WriteAt(hdr[:], 0); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to write frame file header: %w", err)
	}

	return &File{f: f, path: path, channels: channels, rate: rate}, nil
}

// Open opens an existing frame file. writable selects read-write mode.
func Open(path string, writable bool) (*File, error) {
	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}

	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	if [4]byte(hdr[0:4]) != fileMagic || binary.LittleEndian.Uint16(hdr[4:6]) != fileVersion {
		f.Close()
		return nil, ErrBadHeader
	}
	channels := int(binary.LittleEndian.Uint16(hdr[6:8]))
	if channels == 0 {
		f.Close()
		return nil, ErrBadHeader
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	return &File{
		f:        f,
		path:     path,
		channels: channels,
		rate:     math.Float64frombits(binary.LittleEndian.Uint64(hdr[8:16])),
		frames:   (info.Size() - HeaderSize) / int64(4*channels),
	}, nil
}

// Path returns the file system path
func (fl *File) Path() string {
	return fl.path
}

// Seek positions the cursor
func (fl *File) Seek(frame int64) error {
	if frame < 0 {
		return fmt.Errorf("seek to negative frame %d", frame)
	}
	fl.pos = frame
	return nil
}

func (fl *File) frameSize() int {
	return 4 * fl.channels
}

func (fl *File) grow(n int) []byte {
	size := n * fl.frameSize()
	if cap(fl.scratch) < size {
		fl.scratch = make([]byte, size)
	}
	return fl.scratch[:size]
}

// ReadFrames reads n frames at the cursor
func (fl *File) ReadFrames(buf [][]float32, off, n int) error {
	if len(buf) < fl.channels {
		return fmt.Errorf("read: buffer has %d channels, need %d", len(buf), fl.channels)
	}
	if fl.pos+int64(n) > fl.frames {
		return fmt.Errorf("read %d frames at %d beyond %d: %w", n, fl.pos, fl.frames, io.ErrUnexpectedEOF)
	}

	raw := fl.grow(n)
	if _, err := fl.f.ReadAt(raw, HeaderSize+fl.pos*int64(fl.frameSize())); err != nil {
		return fmt.Errorf("failed to read frames: %w", err)
	}

	i := 0
	for k := off; k < off+n; k++ {
		for ch := 0; ch < fl.channels; ch++ {
			buf[ch][k] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i:]))
			i += 4
		}
	}
	fl.pos += int64(n)
	return nil
}

// WriteFrames writes n frames at the cursor
func (fl *File) WriteFrames(buf [][]float32, off, n int) error {
	if len(buf) < fl.channels {
		return fmt.Errorf("write: buffer has %d channels, need %d", len(buf), fl.channels)
	}

	raw := fl.grow(n)
	i := 0
	for k := off; k < off+n; k++ {
		for ch := 0; ch < fl.channels; ch++ {
			binary.LittleEndian.PutUint32(raw[i:], math.Float32bits(buf[ch][k]))
			i += 4
		}
	}
	if _, err := fl.f.WriteAt(raw, HeaderSize+fl.pos*int64(fl.frameSize())); err != nil {
		return fmt.Errorf("failed to write frames: %w", err)
	}

	fl.pos += int64(n)
	fl.frames = max(fl.frames, fl.pos)
	return nil
}

// FrameCount returns the number of stored frames
func (fl *File) FrameCount() int64 {
	return fl.frames
}

// Channels returns the channel count
func (fl *File) Channels() int {
	return fl.channels
}

// Rate returns the nominal sample rate
func (fl *File) Rate() float64 {
	return fl.rate
}

// Meta reads the caller-owned metadata block
func (fl *File) Meta() ([]byte, error) {
	meta := make([]byte, MetaSize)
	if _, err := fl.f.ReadAt(meta, HeaderSize-MetaSize); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	return meta, nil
}

// WriteMeta replaces the metadata block and syncs the file
func (fl *File) WriteMeta(meta []byte) error {
	if len(meta) > MetaSize {
		return fmt.Errorf("metadata of %d bytes exceeds %d", len(meta), MetaSize)
	}
	block := make([]byte, MetaSize)
	copy(block, meta)
	if _, err := fl.f.WriteAt(block, HeaderSize-MetaSize); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return fl.f.Sync()
}

// Close closes the underlying file
func (fl *File) Close() error {
	return fl.f.Close()
}

// Delete closes and removes the file
func (fl *File) Delete() error {
	fl.f.Close()
	if err := os.Remove(fl.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete frame file: %w", err)
	}
	return nil
}
