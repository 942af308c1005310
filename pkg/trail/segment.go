package trail

import (
	"fmt"
	"sync"

	"github.com/nicktill/trailcache/pkg/decimate"
	"github.com/nicktill/trailcache/pkg/sampleio"
	"github.com/nicktill/trailcache/pkg/span"
)

// storage is the level chain shared by all segments of a trail: one frame
// file per level plus the mutex serialising every access to those files and
// to the segments' written counters.
type storage struct {
	mu       sync.Mutex
	levels   []decimate.Level
	files    []sampleio.FrameFile
	ends     []int64 // next unallocated frame per level
	channels int     // model channels per frame
}

func newStorage(levels []decimate.Level, channels int, dir string) (*storage, error) {
	st := &storage{
		levels:   levels,
		files:    make([]sampleio.FrameFile, len(levels)),
		ends:     make([]int64, len(levels)),
		channels: channels,
	}
	for i, l := range levels {
		if dir == "" {
			st.files[i] = sampleio.NewMemory(channels, l.Rate)
			continue
		}
		f, err := sampleio.CreateTemp(dir, fmt.Sprintf("level%d-*.trf", i), channels, l.Rate)
		if err != nil {
			st.close()
			return nil, err
		}
		st.files[i] = f
	}
	return st, nil
}

// allocate reserves n frames at the end of a level's file
func (st *storage) allocate(level int, n int64) int64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	start := st.ends[level]
	st.ends[level] += n
	return start
}

func (st *storage) close() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	var firstErr error
	for _, f := range st.files {
		if f == nil {
			continue
		}
		if err := f.Delete(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Segment is a contiguous full-rate region of a trail together with its
// place in every level's storage.
//
// For level i, biased[i] is the full-rate span that files[i] actually
// represents: frame k of files[i] covers
// [biased[i].Start + k<<shift, biased[i].Start + (k+1)<<shift).
// biased[i] may be offset from the segment span by less than the level's
// factor, which keeps file offsets aligned when boundaries move.
// Invariant: files[i].Len() == biased[i].Len() >> shift.
//
// Structural operations return new segments; the written counters are
// guarded by the shared storage mutex.
type Segment struct {
	span    span.Span
	store   *storage
	files   []span.Span
	biased  []span.Span
	written []int64
}

// readResult describes a segment read at one level
type readResult struct {
	first int64 // level frame index (relative to biased start) of the first frame
	ready int   // frames copied from storage
	busy  int   // frames requested but not yet computed
}

func newSegment(st *storage, sp span.Span) *Segment {
	s := &Segment{
		span:    sp,
		store:   st,
		files:   make([]span.Span, len(st.levels)),
		biased:  make([]span.Span, len(st.levels)),
		written: make([]int64, len(st.levels)),
	}
	for i, l := range st.levels {
		biasedLen := l.CeilToMultiple(sp.Len())
		n := l.FullrateToSubrate(biasedLen)
		start := st.allocate(i, n)
		s.files[i] = span.New(start, start+n)
		s.biased[i] = span.New(sp.Start, sp.Start+biasedLen)
	}
	return s
}

// Span returns the full-rate region covered
func (s *Segment) Span() span.Span {
	return s.span
}

// FileSpan returns the region of level's storage owned by the segment
func (s *Segment) FileSpan(level int) span.Span {
	return s.files[level]
}

// BiasedSpan returns the full-rate span level's frames actually represent
func (s *Segment) BiasedSpan(level int) span.Span {
	return s.biased[level]
}

// FramesWritten returns how many frames of level have been populated
func (s *Segment) FramesWritten(level int) int64 {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	return s.written[level]
}

// IsComplete reports whether every level is fully populated
func (s *Segment) IsComplete() bool {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	for i, fs := range s.files {
		if s.written[i] < fs.Len() {
			return false
		}
	}
	return true
}

// continueWrite appends n frames to level at the segment's write cursor
func (s *Segment) continueWrite(level int, buf [][]float32, off, n int) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	fs := s.files[level]
	w := s.written[level]
	if n < 0 || w+int64(n) > fs.Len() {
		return fmt.Errorf("%w: write of %d frames at %d exceeds level %d file span %v",
			ErrOutOfRange, n, w, level, fs)
	}

	f := s.store.files[level]
	if err := f.Seek(fs.Start + w); err != nil {
		return err
	}
	if err := f.WriteFrames(buf, off, n); err != nil {
		return fmt.Errorf("failed to write level %d: %w", level, err)
	}
	s.written[level] = w + int64(n)
	return nil
}

// read copies the frames of level covering sp (which must lie inside the
// segment) into buf[ch][off:]. It never waits for population: frames not
// yet written are reported as busy.
func (s *Segment) read(level int, buf [][]float32, off int, sp span.Span) (readResult, error) {
	l := s.store.levels[level]
	b := s.biased[level]
	fileLen := s.files[level].Len()

	first := l.FullrateToSubrate(l.RoundToMultiple(sp.Start - b.Start))
	last := l.FullrateToSubrate(l.RoundToMultiple(sp.Stop - b.Start))
	if sp.Stop >= s.span.Stop {
		// the last frame holds the padded tail
		last = fileLen
	}
	first = min(max(first, 0), fileLen)
	last = min(max(last, first), fileLen)

	res := readResult{first: first}
	capacity := 0
	if len(buf) > 0 {
		capacity = len(buf[0]) - off
	}
	n := int(min(last-first, int64(max(capacity, 0))))
	if n == 0 {
		return res, nil
	}

	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	res.ready = int(min(max(s.written[level]-first, 0), int64(n)))
	res.busy = n - res.ready
	if res.ready > 0 {
		f := s.store.files[level]
		if err := f.Seek(s.files[level].Start + first); err != nil {
			return readResult{first: first}, err
		}
		if err := f.ReadFrames(buf, off, res.ready); err != nil {
			return readResult{first: first}, fmt.Errorf("failed to read level %d: %w", level, err)
		}
	}
	return res, nil
}

// readFrame copies the frame of level containing full-rate pos, restricted
// to the fanout model channels of raw channel ch, into out. It reports
// false when the frame is outside the segment or not yet populated.
func (s *Segment) readFrame(level int, pos int64, ch, fanout int, out []float32) (bool, error) {
	l := s.store.levels[level]
	idx := l.FullrateToSubrate(pos - s.biased[level].Start)
	if pos < s.biased[level].Start || idx >= s.files[level].Len() {
		return false, nil
	}

	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	if idx >= s.written[level] {
		return false, nil
	}
	frame := sampleio.MakeBuffer(s.store.channels, 1)
	f := s.store.files[level]
	if err := f.Seek(s.files[level].Start + idx); err != nil {
		return false, err
	}
	if err := f.ReadFrames(frame, 0, 1); err != nil {
		return false, fmt.Errorf("failed to read level %d: %w", level, err)
	}
	for k := 0; k < fanout; k++ {
		out[k] = frame[ch*fanout+k][0]
	}
	return true, nil
}

func (s *Segment) clone() *Segment {
	c := &Segment{
		span:    s.span,
		store:   s.store,
		files:   append([]span.Span(nil), s.files...),
		biased:  append([]span.Span(nil), s.biased...),
		written: make([]int64, len(s.written)),
	}
	s.store.mu.Lock()
	copy(c.written, s.written)
	s.store.mu.Unlock()
	return c
}

// Duplicate returns an independent segment sharing the same storage
func (s *Segment) Duplicate() *Segment {
	return s.clone()
}

// ReplaceStart returns a segment starting at newStart. For every level the
// new biased start stays on the grid of the old one and is the grid point
// nearest to newStart, so the bias never exceeds half a factor.
func (s *Segment) ReplaceStart(newStart int64) (*Segment, error) {
	if newStart < s.span.Start || newStart >= s.span.Stop {
		return nil, fmt.Errorf("%w: start %d outside %v", ErrOutOfRange, newStart, s.span)
	}

	c := s.clone()
	c.span = c.span.WithStart(newStart)
	for i, l := range s.store.levels {
		b := s.biased[i]
		biasedStart := min(b.Start+l.RoundToMultiple(newStart-b.Start), b.Stop)
		delta := l.FullrateToSubrate(biasedStart - b.Start)

		c.biased[i] = b.WithStart(biasedStart)
		c.files[i] = s.files[i].WithStart(s.files[i].Start + delta)
		c.written[i] = min(max(c.written[i]-delta, 0), c.files[i].Len())
	}
	return c, nil
}

// ReplaceStop returns a segment ending at newStop, with biased stops
// rounded to the nearest grid point of each level.
func (s *Segment) ReplaceStop(newStop int64) (*Segment, error) {
	if newStop <= s.span.Start || newStop > s.span.Stop {
		return nil, fmt.Errorf("%w: stop %d outside %v", ErrOutOfRange, newStop, s.span)
	}

	c := s.clone()
	c.span = c.span.WithStop(newStop)
	for i, l := range s.store.levels {
		b := s.biased[i]
		biasedStop := min(max(b.Start+l.RoundToMultiple(newStop-b.Start), b.Start), b.Stop)
		n := l.FullrateToSubrate(biasedStop - b.Start)

		c.biased[i] = b.WithStop(biasedStop)
		c.files[i] = s.files[i].WithStop(s.files[i].Start + n)
		c.written[i] = min(c.written[i], n)
	}
	return c, nil
}

// Split cuts the segment at pos into two segments sharing storage
func (s *Segment) Split(pos int64) (*Segment, *Segment, error) {
	left, err := s.ReplaceStop(pos)
	if err != nil {
		return nil, nil, err
	}
	right, err := s.ReplaceStart(pos)
	if err != nil {
		return nil, nil, err
	}
	return left, right, nil
}

// ShiftVirtual moves the segment by delta frames without touching storage
func (s *Segment) ShiftVirtual(delta int64) *Segment {
	c := s.clone()
	c.span = c.span.Shift(delta)
	for i := range c.biased {
		c.biased[i] = c.biased[i].Shift(delta)
	}
	return c
}
