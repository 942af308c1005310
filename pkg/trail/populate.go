package trail

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nicktill/trailcache/pkg/sampleio"
	"github.com/nicktill/trailcache/pkg/span"
)

// State is the lifecycle of a trail's population task
type State int32

const (
	NotStarted State = iota
	Running
	Finished
	Cancelled
	Failed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Running:
		return "running"
	case Finished:
		return "finished"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// EventKind identifies a population notification
type EventKind int

const (
	EventUpdate EventKind = iota
	EventFinished
	EventCancelled
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventUpdate:
		return "update"
	case EventFinished:
		return "finished"
	case EventCancelled:
		return "cancelled"
	case EventFailed:
		return "failed"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is published by the population task. Update events are rate
// limited; exactly one terminal event follows them.
type Event struct {
	Kind     EventKind
	Time     time.Time
	Progress float64 // fraction of source frames processed
	CacheHit bool
	Err      error // set for EventFailed
}

// Sink receives population events on the population goroutine.
// It must not block.
type Sink func(Event)

// population holds the state of the single population task of a trail
type population struct {
	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
	err    error

	total     atomic.Int64
	processed atomic.Int64
	cacheHit  atomic.Bool
}

// startPopulation runs the population task for seg. Starting a second
// task on the same trail panics.
func (t *Trail) startPopulation(ctx context.Context, seg *Segment) error {
	p := t.pop
	p.mu.Lock()
	if p.state != NotStarted {
		p.mu.Unlock()
		panic(fmt.Sprintf("trail: population started twice (state %s)", p.state))
	}
	ctx, cancel := context.WithCancel(ctx)
	p.state = Running
	p.cancel = cancel
	p.done = make(chan struct{})
	p.total.Store(t.src.FrameCount())
	p.mu.Unlock()

	if t.opts.synchronous {
		return t.runPopulation(ctx, seg)
	}
	go t.runPopulation(ctx, seg)
	return nil
}

func (t *Trail) runPopulation(ctx context.Context, seg *Segment) error {
	p := t.pop
	defer close(p.done)
	defer p.cancel()

	start := time.Now()
	log.Printf("Population started: %s (%d frames, %d levels)", t.CacheKey(), p.total.Load(), len(t.levels))

	err := t.populate(ctx, seg)

	state, kind := Finished, EventFinished
	switch {
	case err == nil:
		log.Printf("Population finished: %s in %v (cache hit: %v)", t.CacheKey(), time.Since(start), p.cacheHit.Load())
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		state, kind = Cancelled, EventCancelled
		log.Printf("Population cancelled: %s after %v", t.CacheKey(), time.Since(start))
	default:
		state, kind = Failed, EventFailed
		log.Printf("Population failed: %s: %v", t.CacheKey(), err)
	}

	p.mu.Lock()
	p.state = state
	p.err = err
	p.mu.Unlock()

	t.emit(Event{Kind: kind, Err: errIfFailed(kind, err)})
	return err
}

func errIfFailed(kind EventKind, err error) error {
	if kind == EventFailed {
		return err
	}
	return nil
}

// populate walks the source one coarsest-factor chunk at a time, runs each
// chunk through the level chain and appends every level to seg. The first
// level is read from a valid cache file when there is one and mirrored
// into a new cache file otherwise.
func (t *Trail) populate(ctx context.Context, seg *Segment) error {
	p := t.pop

	cache, err := t.openCacheForRead()
	if err != nil {
		return err
	}
	var writer *cacheWriter
	if cache != nil {
		defer cache.Close()
		p.cacheHit.Store(true)
		log.Printf("Cache hit: %s", cache.Path())
	} else {
		writer, err = t.openCacheForWrite()
		if err != nil {
			return err
		}
	}
	committed := false
	defer func() {
		if writer != nil && !committed {
			writer.discard()
		}
	}()

	frames := t.src.FrameCount()
	chunk := t.levels[len(t.levels)-1].Factor
	first := t.levels[0]

	pcm := sampleio.MakeBuffer(t.src.Channels(), int(chunk))
	bufs := make([][][]float32, len(t.levels))
	for i, l := range t.levels {
		bufs[i] = sampleio.MakeBuffer(t.store.channels, int(l.FullrateToSubrate(chunk)))
	}

	lastUpdate := time.Now()
	for pos := int64(0); pos < frames; pos += chunk {
		if err := ctx.Err(); err != nil {
			return err
		}

		n0 := int(first.FullrateToSubrate(chunk))
		if cache != nil {
			if err := cache.Seek(first.FullrateToSubrate(pos)); err != nil {
				return err
			}
			if err := cache.ReadFrames(bufs[0], 0, n0); err != nil {
				return fmt.Errorf("failed to read cache: %w", err)
			}
		} else {
			n := min(chunk, frames-pos)
			if err := t.src.ReadFrames(pcm, 0, span.New(pos, pos+n)); err != nil {
				return fmt.Errorf("failed to read source at %d: %w", pos, err)
			}
			if n < chunk {
				padTail(pcm, int(n))
			}
			if err := t.dec.DecimatePCM(pcm, bufs[0], 0, n0, int(first.Factor)); err != nil {
				return err
			}
			if writer != nil {
				if err := writer.write(bufs[0], n0); err != nil {
					return err
				}
			}
		}

		for i := 1; i < len(t.levels); i++ {
			l := t.levels[i]
			n := int(l.FullrateToSubrate(chunk))
			if err := t.dec.Decimate(bufs[i-1], bufs[i], 0, n, l.StepFrom(t.levels[i-1])); err != nil {
				return err
			}
		}

		for i, l := range t.levels {
			n := min(l.FullrateToSubrate(chunk), seg.FileSpan(i).Len()-seg.FramesWritten(i))
			if n <= 0 {
				continue
			}
			if err := seg.continueWrite(i, bufs[i], 0, int(n)); err != nil {
				return err
			}
		}

		p.processed.Store(min(pos+chunk, frames))
		if now := time.Now(); now.Sub(lastUpdate) >= t.opts.updateInterval {
			lastUpdate = now
			t.emit(Event{Kind: EventUpdate})
		}
	}

	if writer != nil {
		committed = true
		if err := writer.commit(t.currentToken()); err != nil {
			return err
		}
		log.Printf("Cache committed: %s", writer.final)
		t.register(ctx)
	}
	return nil
}

// padTail repeats the last of n valid frames up to the end of the buffer
func padTail(buf [][]float32, n int) {
	for ch := range buf {
		v := buf[ch][n-1]
		tail := buf[ch][n:]
		for k := range tail {
			tail[k] = v
		}
	}
}

func (t *Trail) emit(e Event) {
	if t.opts.sink == nil {
		return
	}
	e.Time = time.Now()
	e.Progress = t.Progress()
	e.CacheHit = t.pop.cacheHit.Load()
	t.opts.sink(e)
}

// State returns the population state
func (t *Trail) State() State {
	t.pop.mu.Lock()
	defer t.pop.mu.Unlock()
	return t.pop.state
}

// IsPopulating reports whether the population task is running
func (t *Trail) IsPopulating() bool {
	return t.State() == Running
}

// CancelPopulation asks the population task to stop. It returns at once;
// use Wait to block until the task has exited.
func (t *Trail) CancelPopulation() {
	t.pop.mu.Lock()
	defer t.pop.mu.Unlock()
	if t.pop.state == Running {
		t.pop.cancel()
	}
}

// Wait blocks until the population task has exited and returns its error.
// A finished or never started population returns nil.
func (t *Trail) Wait() error {
	t.pop.mu.Lock()
	done := t.pop.done
	t.pop.mu.Unlock()
	if done == nil {
		return nil
	}

	<-done
	t.pop.mu.Lock()
	defer t.pop.mu.Unlock()
	return t.pop.err
}

// Progress returns the fraction of source frames processed
func (t *Trail) Progress() float64 {
	total := t.pop.total.Load()
	if total == 0 {
		return 0
	}
	return float64(t.pop.processed.Load()) / float64(total)
}

// CacheHit reports whether the first level was read from a cache file
func (t *Trail) CacheHit() bool {
	return t.pop.cacheHit.Load()
}
