package decimate

import "fmt"

// Level holds the conversion constants of one decimation level.
// Factors are always powers of two, so full-rate <-> sub-rate conversion
// is a shift and alignment is a mask.
type Level struct {
	Rate     float64 // effective sample rate of this level
	Shift    int     // log2 of the cumulative factor from full rate
	Factor   int64   // 1 << Shift
	Mask     int64   // -Factor, aligns to factor boundaries
	RoundAdd int64   // Factor >> 1, bias for round-to-nearest
}

// NewLevel creates the level for a cumulative shift relative to fullRate
func NewLevel(fullRate float64, shift int) Level {
	factor := int64(1) << shift
	return Level{
		Rate:     fullRate / float64(factor),
		Shift:    shift,
		Factor:   factor,
		Mask:     -factor,
		RoundAdd: factor >> 1,
	}
}

// NewLevels builds the ordered level chain for the given ascending shifts.
// Every shift must be positive and strictly greater than its predecessor.
func NewLevels(fullRate float64, shifts []int) ([]Level, error) {
	if len(shifts) == 0 {
		return nil, fmt.Errorf("at least one decimation level required")
	}

	levels := make([]Level, len(shifts))
	prev := 0
	for i, shift := range shifts {
		if shift <= prev {
			return nil, fmt.Errorf("level %d: shift %d must exceed %d", i, shift, prev)
		}
		if shift > 30 {
			return nil, fmt.Errorf("level %d: shift %d too large", i, shift)
		}
		levels[i] = NewLevel(fullRate, shift)
		prev = shift
	}
	return levels, nil
}

// FullrateToSubrate converts a full-rate frame count to this level's rate
func (l Level) FullrateToSubrate(n int64) int64 {
	return n >> l.Shift
}

// SubrateToFullrate converts a sub-rate frame count back to full rate
func (l Level) SubrateToFullrate(n int64) int64 {
	return n << l.Shift
}

// RoundToMultiple rounds x to the nearest multiple of Factor; ties round up.
// Same as x + RoundAdd - floormod(x + RoundAdd, Factor), so negative x works too.
func (l Level) RoundToMultiple(x int64) int64 {
	return (x + l.RoundAdd) & l.Mask
}

// FloorToMultiple rounds x down to a multiple of Factor
func (l Level) FloorToMultiple(x int64) int64 {
	return x & l.Mask
}

// CeilToMultiple rounds x up to a multiple of Factor
func (l Level) CeilToMultiple(x int64) int64 {
	return (x + l.Factor - 1) & l.Mask
}

// StepFrom returns the decimation factor between prev and l
func (l Level) StepFrom(prev Level) int {
	return 1 << (l.Shift - prev.Shift)
}
