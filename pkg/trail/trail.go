package trail

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/nicktill/trailcache/pkg/decimate"
	"github.com/nicktill/trailcache/pkg/sampleio"
	"github.com/nicktill/trailcache/pkg/span"
)

// Trail is the multi-level decimated cache of one source's timeline.
// It is safe for concurrent use: reads may run while the population
// task is still writing.
type Trail struct {
	src    sampleio.Source
	model  decimate.Model
	dec    decimate.Decimator
	levels []decimate.Level
	store  *storage
	opts   options
	pop    *population

	mu       sync.RWMutex
	segments []*Segment // ordered by start, non-overlapping
	closed   bool
}

// DecimationInfo describes how to serve a view from a trail
type DecimationInfo struct {
	Level     int            `json:"level"`      // -1 reads the source directly
	Inline    int            `json:"inline"`     // extra decimation applied on top of Level
	Shift     int            `json:"shift"`      // cumulative shift of Level
	Channels  int            `json:"channels"`   // channels per frame at Level
	Model     decimate.Model `json:"model"`      // reduction stored at Level
	SubLength int64          `json:"sub_length"` // frames after inline decimation
}

// New creates a trail over src. shifts lists the cumulative decimation
// shifts of the stored levels in ascending order.
//
// When src holds frames, population starts right away: in the background
// by default, inline with WithSynchronous. The background task is bound
// to ctx.
func New(ctx context.Context, src sampleio.Source, model decimate.Model, shifts []int, opts ...Option) (*Trail, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if src.Channels() < 1 {
		return nil, fmt.Errorf("source has %d channels", src.Channels())
	}
	levels, err := decimate.NewLevels(src.Rate(), shifts)
	if err != nil {
		return nil, err
	}
	if err := model.Validate(levels); err != nil {
		return nil, err
	}
	dec, err := decimate.New(model)
	if err != nil {
		return nil, err
	}

	store, err := newStorage(levels, src.Channels()*model.Fanout(), o.storageDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create level storage: %w", err)
	}

	t := &Trail{
		src:    src,
		model:  model,
		dec:    dec,
		levels: levels,
		store:  store,
		opts:   o,
		pop:    &population{},
	}

	frames := src.FrameCount()
	if frames == 0 {
		return t, nil
	}

	seg := newSegment(store, span.New(0, frames))
	t.segments = []*Segment{seg}
	if err := t.startPopulation(ctx, seg); err != nil {
		store.close()
		return nil, err
	}
	return t, nil
}

// Model returns the reduction stored at every level
func (t *Trail) Model() decimate.Model {
	return t.model
}

// Levels returns the stored decimation levels, finest first
func (t *Trail) Levels() []decimate.Level {
	return append([]decimate.Level(nil), t.levels...)
}

// Channels returns the source channel count
func (t *Trail) Channels() int {
	return t.src.Channels()
}

// Source returns the sample source backing the trail
func (t *Trail) Source() sampleio.Source {
	return t.src
}

// Segments returns a snapshot of the segments in start order
func (t *Trail) Segments() []*Segment {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]*Segment(nil), t.segments...)
}

// Span returns the full-rate region from the first segment's start to the
// last segment's stop
func (t *Trail) Span() span.Span {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.spanLocked()
}

func (t *Trail) spanLocked() span.Span {
	if len(t.segments) == 0 {
		return span.Span{}
	}
	return span.New(t.segments[0].span.Start, t.segments[len(t.segments)-1].span.Stop)
}

// GetBestSubsample picks the coarsest stored level that still yields at
// least minLen frames for sp. When even the coarsest level yields more,
// an inline factor brings the length down to minLen or just above.
// minLen 0 selects the coarsest level.
func (t *Trail) GetBestSubsample(sp span.Span, minLen int64) DecimationInfo {
	info := DecimationInfo{
		Level:     -1,
		Inline:    1,
		Channels:  t.src.Channels(),
		Model:     t.model,
		SubLength: sp.Len(),
	}

	n := sp.Len()
	for i, l := range t.levels {
		if l.FullrateToSubrate(n) < minLen {
			break
		}
		info.Level = i
	}
	if info.Level < 0 {
		return info
	}

	l := t.levels[info.Level]
	info.Shift = l.Shift
	info.Channels = t.store.channels
	info.SubLength = l.FullrateToSubrate(n)
	if info.Level == len(t.levels)-1 && info.SubLength > 0 {
		info.Inline = int(max(1, info.SubLength/max(minLen, 1)))
		info.SubLength /= int64(info.Inline)
	}
	return info
}

// ReadFrames reads the frames of level covering sp into buf[ch][off:] and
// returns the number of frames produced plus the full-rate spans that are
// not populated yet. Busy frames hold the last frame read before them.
//
// Level -1 reads raw frames from the source. sp must lie inside the trail
// (inside the source for level -1). The read is clamped to the capacity of
// buf and never waits for population.
func (t *Trail) ReadFrames(level int, buf [][]float32, off int, sp span.Span) (int, []span.Span, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return 0, nil, ErrClosed
	}
	if level < -1 || level >= len(t.levels) {
		return 0, nil, fmt.Errorf("%w: level %d", ErrOutOfRange, level)
	}
	if level == -1 {
		return t.readSource(buf, off, sp)
	}
	if len(buf) != t.store.channels {
		return 0, nil, fmt.Errorf("buffer has %d channels, level frames have %d", len(buf), t.store.channels)
	}
	if sp.IsEmpty() {
		return 0, nil, nil
	}
	if !t.spanLocked().ContainsSpan(sp) {
		return 0, nil, fmt.Errorf("%w: read %v outside trail %v", ErrOutOfRange, sp, t.spanLocked())
	}

	l := t.levels[level]
	capacity := len(buf[0]) - off
	produced := 0
	var busy []span.Span

	cursor := sp.Start
	for i := t.segmentIndex(sp.Start); i < len(t.segments) && produced < capacity; i++ {
		seg := t.segments[i]
		if seg.span.Start >= sp.Stop {
			break
		}

		// Unpopulated gaps between segments read as silence
		if gap := seg.span.Start - cursor; gap > 0 {
			n := int(min(l.FullrateToSubrate(l.RoundToMultiple(gap)), int64(capacity-produced)))
			for ch := range buf {
				clear(buf[ch][off+produced : off+produced+n])
			}
			produced += n
		}

		clip := seg.span.Intersect(sp)
		cursor = clip.Stop
		res, err := seg.read(level, buf, off+produced, clip)
		if err != nil {
			return produced, busy, err
		}
		if res.busy > 0 {
			holdLast(buf, off, off+produced+res.ready, res.busy)

			b := seg.biased[level]
			bs := span.New(
				b.Start+l.SubrateToFullrate(res.first+int64(res.ready)),
				b.Start+l.SubrateToFullrate(res.first+int64(res.ready+res.busy)),
			).Intersect(clip)
			busy = appendBusy(busy, bs)
		}
		produced += res.ready + res.busy
	}
	return produced, busy, nil
}

// readSource serves level -1 straight from the source
func (t *Trail) readSource(buf [][]float32, off int, sp span.Span) (int, []span.Span, error) {
	if len(buf) != t.src.Channels() {
		return 0, nil, fmt.Errorf("buffer has %d channels, source has %d", len(buf), t.src.Channels())
	}
	if sp.IsEmpty() {
		return 0, nil, nil
	}
	if sp.Start < 0 || sp.Stop > t.src.FrameCount() {
		return 0, nil, fmt.Errorf("%w: read %v outside source of %d frames", ErrOutOfRange, sp, t.src.FrameCount())
	}
	n := min(sp.Len(), int64(len(buf[0])-off))
	if n <= 0 {
		return 0, nil, nil
	}
	if err := t.src.ReadFrames(buf, off, span.New(sp.Start, sp.Start+n)); err != nil {
		return 0, nil, fmt.Errorf("failed to read source: %w", err)
	}
	return int(n), nil, nil
}

// holdLast fills n frames at pos with the frame before pos, or zeros when
// pos is the first frame of the read
func holdLast(buf [][]float32, first, pos, n int) {
	for ch := range buf {
		var v float32
		if pos > first {
			v = buf[ch][pos-1]
		}
		out := buf[ch][pos : pos+n]
		for k := range out {
			out[k] = v
		}
	}
}

// appendBusy adds sp to the list, merging it with an adjacent last span
func appendBusy(busy []span.Span, sp span.Span) []span.Span {
	if sp.IsEmpty() {
		return busy
	}
	if n := len(busy); n > 0 && busy[n-1].Stop >= sp.Start {
		busy[n-1].Stop = max(busy[n-1].Stop, sp.Stop)
		return busy
	}
	return append(busy, sp)
}

// ReadFrame copies the frame of level containing full-rate pos for source
// channel ch into out, which needs room for the model's fanout. Level -1
// copies the raw sample. It reports false when pos is outside the trail
// or not yet populated.
func (t *Trail) ReadFrame(level int, pos int64, ch int, out []float32) (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return false, ErrClosed
	}
	if level < -1 || level >= len(t.levels) {
		return false, fmt.Errorf("%w: level %d", ErrOutOfRange, level)
	}
	if ch < 0 || ch >= t.src.Channels() {
		return false, fmt.Errorf("%w: channel %d", ErrOutOfRange, ch)
	}

	if level == -1 {
		if len(out) < 1 {
			return false, fmt.Errorf("output holds %d values, need 1", len(out))
		}
		if pos < 0 || pos >= t.src.FrameCount() {
			return false, nil
		}
		frame := sampleio.MakeBuffer(t.src.Channels(), 1)
		if err := t.src.ReadFrames(frame, 0, span.New(pos, pos+1)); err != nil {
			return false, fmt.Errorf("failed to read source: %w", err)
		}
		out[0] = frame[ch][0]
		return true, nil
	}

	fanout := t.model.Fanout()
	if len(out) < fanout {
		return false, fmt.Errorf("output holds %d values, need %d", len(out), fanout)
	}
	i := t.segmentIndex(pos)
	if i >= len(t.segments) || !t.segments[i].span.Contains(pos) {
		return false, nil
	}
	return t.segments[i].readFrame(level, pos, ch, fanout, out)
}

// segmentIndex returns the index of the first segment ending after pos
func (t *Trail) segmentIndex(pos int64) int {
	return sort.Search(len(t.segments), func(i int) bool {
		return t.segments[i].span.Stop > pos
	})
}

// Split cuts the segment containing pos in two. Splitting at an existing
// boundary or outside the trail is a no-op.
func (t *Trail) Split(pos int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkEditable(); err != nil {
		return err
	}
	return t.splitLocked(pos)
}

func (t *Trail) splitLocked(pos int64) error {
	i := t.segmentIndex(pos)
	if i >= len(t.segments) {
		return nil
	}
	seg := t.segments[i]
	if pos <= seg.span.Start {
		return nil
	}
	left, right, err := seg.Split(pos)
	if err != nil {
		return err
	}
	t.segments = append(t.segments[:i], append([]*Segment{left, right}, t.segments[i+1:]...)...)
	return nil
}

// Shift moves every frame at or after from by delta. A segment containing
// from is split first. Moving onto earlier segments is rejected.
func (t *Trail) Shift(from, delta int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkEditable(); err != nil {
		return err
	}
	if delta == 0 {
		return nil
	}
	if err := t.splitLocked(from); err != nil {
		return err
	}

	i := sort.Search(len(t.segments), func(i int) bool {
		return t.segments[i].span.Start >= from
	})
	if i == len(t.segments) {
		return nil
	}
	if i > 0 && t.segments[i].span.Start+delta < t.segments[i-1].span.Stop {
		return fmt.Errorf("%w: shifting %d by %d overlaps %v", ErrOutOfRange, from, delta, t.segments[i-1].span)
	}
	t.shiftFromLocked(i, delta)
	return nil
}

func (t *Trail) shiftFromLocked(i int, delta int64) {
	for ; i < len(t.segments); i++ {
		t.segments[i] = t.segments[i].ShiftVirtual(delta)
	}
}

// Remove deletes sp from the timeline and closes the gap by moving the
// following segments back. Storage of removed frames is not reclaimed.
func (t *Trail) Remove(sp span.Span) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkEditable(); err != nil {
		return err
	}
	if sp.IsEmpty() {
		return nil
	}
	if !t.spanLocked().ContainsSpan(sp) {
		return fmt.Errorf("%w: remove %v outside trail %v", ErrOutOfRange, sp, t.spanLocked())
	}
	if err := t.splitLocked(sp.Start); err != nil {
		return err
	}
	if err := t.splitLocked(sp.Stop); err != nil {
		return err
	}

	kept := t.segments[:0]
	next := -1
	for _, seg := range t.segments {
		if sp.ContainsSpan(seg.span) {
			continue
		}
		if next < 0 && seg.span.Start >= sp.Stop {
			next = len(kept)
		}
		kept = append(kept, seg)
	}
	clear(t.segments[len(kept):])
	t.segments = kept
	if next >= 0 {
		t.shiftFromLocked(next, -sp.Len())
	}
	return nil
}

func (t *Trail) checkEditable() error {
	if t.closed {
		return ErrClosed
	}
	if t.IsPopulating() {
		return ErrPopulating
	}
	return nil
}

// Close cancels population, waits for it to stop and deletes the level
// storage. Closing twice is a no-op.
func (t *Trail) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.CancelPopulation()
	if err := t.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("Population of %s failed before close: %v", t.CacheKey(), err)
	}

	if err := t.store.close(); err != nil {
		log.Printf("Failed to delete level storage: %v", err)
		return err
	}
	return nil
}
