// Package span provides the half-open frame interval used throughout trailcache.
package span

import "fmt"

// Span is a half-open interval [Start, Stop) of frame indices.
type Span struct {
	Start int64 `json:"start"`
	Stop  int64 `json:"stop"`
}

// New creates a span. Stop is clamped to Start if it lies before it.
func New(start, stop int64) Span {
	if stop < start {
		stop = start
	}
	return Span{Start: start, Stop: stop}
}

// Len returns the number of frames covered
func (s Span) Len() int64 {
	return s.Stop - s.Start
}

// IsEmpty reports whether the span covers no frames
func (s Span) IsEmpty() bool {
	return s.Stop <= s.Start
}

// Contains reports whether pos lies inside the span
func (s Span) Contains(pos int64) bool {
	return pos >= s.Start && pos < s.Stop
}

// ContainsSpan reports whether o lies completely inside the span
func (s Span) ContainsSpan(o Span) bool {
	return o.Start >= s.Start && o.Stop <= s.Stop
}

// Overlaps reports whether the two spans share at least one frame
func (s Span) Overlaps(o Span) bool {
	return s.Start < o.Stop && o.Start < s.Stop
}

// Intersect returns the common part of both spans (possibly empty)
func (s Span) Intersect(o Span) Span {
	return New(max(s.Start, o.Start), min(s.Stop, o.Stop))
}

// Shift translates the span by delta frames
func (s Span) Shift(delta int64) Span {
	return Span{Start: s.Start + delta, Stop: s.Stop + delta}
}

// WithStart returns a copy with a new start
func (s Span) WithStart(start int64) Span {
	return Span{Start: start, Stop: s.Stop}
}

// WithStop returns a copy with a new stop
func (s Span) WithStop(stop int64) Span {
	return Span{Start: s.Start, Stop: stop}
}

func (s Span) String() string {
	return fmt.Sprintf("[%d, %d)", s.Start, s.Stop)
}
