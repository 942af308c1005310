package source

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-audio/wav"
)

// WAV is a sample source decoded from a PCM WAV file.
// The whole file is decoded on open and normalised to [-1, 1).
type WAV struct {
	*Buffer
	Path     string
	BitDepth int
}

// OpenWAV decodes a WAV file. The identity combines the absolute path,
// size and modification time, so a rewritten file invalidates its caches.
func OpenWAV(path string) (*WAV, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAV file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, errors.New("invalid WAV file format")
	}

	channels := int(dec.NumChans)
	bitDepth := int(dec.BitDepth)
	divisor, err := getAudioDivisor(bitDepth)
	if err != nil {
		return nil, err
	}

	pcm, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("error reading WAV data: %w", err)
	}
	if channels == 0 {
		return nil, errors.New("WAV file declares no channels")
	}

	frames := len(pcm.Data) / channels
	data := make([][]float32, channels)
	for ch := range data {
		data[ch] = make([]float32, frames)
	}
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			data[ch][i] = float32(pcm.Data[i*channels+ch]) / divisor
		}
	}

	identity := fmt.Sprintf("%s|%d|%d", abs, info.Size(), info.ModTime().UnixNano())
	buf, err := NewBuffer(identity, float64(dec.SampleRate), data)
	if err != nil {
		return nil, err
	}

	return &WAV{Buffer: buf, Path: abs, BitDepth: bitDepth}, nil
}

// getAudioDivisor returns the divisor normalising integer samples of a bit depth
func getAudioDivisor(bitDepth int) (float32, error) {
	switch bitDepth {
	case 16:
		return 32768.0, nil
	case 24:
		return 8388608.0, nil
	case 32:
		return 2147483648.0, nil
	default:
		return 0, fmt.Errorf("unsupported bit depth: %d", bitDepth)
	}
}
