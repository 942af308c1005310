package decimate

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupported is returned for model / operation combinations that are not implemented
var ErrUnsupported = errors.New("unsupported decimation")

// Model identifies the numeric reduction applied at each decimation step
type Model uint8

const (
	HalfwavePeakRMS Model = iota // +peak, -peak, +mean square, -mean square
	FullwavePeakRMS              // +peak, -peak, mean square
	Median                       // median of four
)

// Fanout returns the number of output channels per input channel
func (m Model) Fanout() int {
	switch m {
	case HalfwavePeakRMS:
		return 4
	case FullwavePeakRMS:
		return 3
	case Median:
		return 1
	default:
		return 0
	}
}

func (m Model) String() string {
	switch m {
	case HalfwavePeakRMS:
		return "halfwave"
	case FullwavePeakRMS:
		return "fullwave"
	case Median:
		return "median"
	default:
		return fmt.Sprintf("model(%d)", uint8(m))
	}
}

// ParseModel parses a model name as produced by String
func ParseModel(s string) (Model, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "halfwave", "halfwave-peak-rms":
		return HalfwavePeakRMS, nil
	case "fullwave", "fullwave-peak-rms", "":
		return FullwavePeakRMS, nil
	case "median":
		return Median, nil
	default:
		return 0, fmt.Errorf("unknown decimation model %q", s)
	}
}

// Validate checks that the model can drive the given level chain.
// The median model only supports a step of exactly 4 between levels
// (including the first step from full rate).
func (m Model) Validate(levels []Level) error {
	if m.Fanout() == 0 {
		return fmt.Errorf("%w: %s", ErrUnsupported, m)
	}
	if m != Median {
		return nil
	}
	prev := Level{}
	for i, l := range levels {
		if step := l.StepFrom(prev); step != 4 {
			return fmt.Errorf("%w: median needs a step of 4, level %d has %d", ErrUnsupported, i, step)
		}
		prev = l
	}
	return nil
}

// MarshalText encodes the model by name
func (m Model) MarshalText() ([]byte, error) {
	if m.Fanout() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, m)
	}
	return []byte(m.String()), nil
}

// UnmarshalText accepts any name ParseModel accepts
func (m *Model) UnmarshalText(b []byte) error {
	parsed, err := ParseModel(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
