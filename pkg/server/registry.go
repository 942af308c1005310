package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/nicktill/trailcache/pkg/decimate"
	"github.com/nicktill/trailcache/pkg/httpx"
	"github.com/nicktill/trailcache/pkg/monitor"
	"github.com/nicktill/trailcache/pkg/source"
	"github.com/nicktill/trailcache/pkg/span"
	"github.com/nicktill/trailcache/pkg/trail"
)

// ErrTrailNotFound is returned for unknown trail ids
var ErrTrailNotFound = errors.New("trail not found")

// OpenedTrail is a trail served by the registry
type OpenedTrail struct {
	ID     string
	Path   string
	Shifts []int
	Opened time.Time
	Trail  *trail.Trail
}

// TrailInfo is the JSON view of an opened trail
type TrailInfo struct {
	ID       string         `json:"id"`
	Path     string         `json:"path"`
	Model    decimate.Model `json:"model"`
	Shifts   []int          `json:"shifts"`
	Channels int            `json:"channels"`
	Rate     float64        `json:"rate"`
	Span     span.Span      `json:"span"`
	State    string         `json:"state"`
	Progress float64        `json:"progress"`
	CacheHit bool           `json:"cache_hit"`
	CacheKey string         `json:"cache_key"`
	Opened   time.Time      `json:"opened"`
}

// Info snapshots the trail for JSON responses
func (o *OpenedTrail) Info() TrailInfo {
	t := o.Trail
	return TrailInfo{
		ID:       o.ID,
		Path:     o.Path,
		Model:    t.Model(),
		Shifts:   o.Shifts,
		Channels: t.Source().Channels(),
		Rate:     t.Source().Rate(),
		Span:     t.Span(),
		State:    t.State().String(),
		Progress: t.Progress(),
		CacheHit: t.CacheHit(),
		CacheKey: t.CacheKey(),
		Opened:   o.Opened,
	}
}

// Registry owns the trails opened through the API. Trails populate in the
// background, bound to the registry's context.
type Registry struct {
	ctx     context.Context
	hub     *EventHub
	monitor *monitor.PopulationMonitor
	opts    []trail.Option

	mu     sync.RWMutex
	trails map[string]*OpenedTrail
}

// NewRegistry creates a registry. opts are applied to every trail it opens.
func NewRegistry(ctx context.Context, hub *EventHub, mon *monitor.PopulationMonitor, opts ...trail.Option) *Registry {
	return &Registry{
		ctx:     ctx,
		hub:     hub,
		monitor: mon,
		opts:    opts,
		trails:  make(map[string]*OpenedTrail),
	}
}

// trailID names a (file, model, levels) combination
func trailID(path string, model decimate.Model, shifts []int) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(fmt.Sprintf("%s|%s|%v", path, model, shifts)))
}

// Open decodes a WAV file and opens a trail over it. Opening the same file
// with the same model and levels again returns the trail already open;
// created reports which case applied.
func (r *Registry) Open(path string, model decimate.Model, shifts []int) (ot *OpenedTrail, created bool, err error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, false, httpx.WithStatus(http.StatusBadRequest, err)
	}
	id := trailID(abs, model, shifts)

	r.mu.Lock()
	defer r.mu.Unlock()
	if ot, ok := r.trails[id]; ok {
		return ot, false, nil
	}

	src, err := source.OpenWAV(abs)
	if err != nil {
		return nil, false, httpx.WithStatus(http.StatusBadRequest, err)
	}
	if err := checkLevels(src.Rate(), model, shifts); err != nil {
		return nil, false, err
	}

	populating := src.FrameCount() > 0
	if populating {
		r.monitor.RecordStart()
	}
	opts := append(append([]trail.Option(nil), r.opts...), trail.WithSink(r.sink(id)))
	tr, err := trail.New(r.ctx, src, model, shifts, opts...)
	if err != nil {
		if populating {
			r.monitor.RecordFailure(err)
		}
		return nil, false, err
	}

	ot = &OpenedTrail{ID: id, Path: abs, Shifts: shifts, Opened: time.Now(), Trail: tr}
	r.trails[id] = ot
	log.Printf("Trail opened: %s (%s, %s, %d frames)", id, abs, model, src.FrameCount())
	return ot, true, nil
}

// checkLevels rejects level chains a trail would refuse, as a client error
func checkLevels(rate float64, model decimate.Model, shifts []int) error {
	levels, err := decimate.NewLevels(rate, shifts)
	if err != nil {
		return httpx.WithStatus(http.StatusBadRequest, err)
	}
	if err := model.Validate(levels); err != nil {
		return httpx.WithStatus(http.StatusBadRequest, err)
	}
	return nil
}

// sink forwards population events to WebSocket clients and the monitor
func (r *Registry) sink(id string) trail.Sink {
	return func(e trail.Event) {
		msg := PopulationMessage{
			Type:     "population",
			ID:       id,
			Event:    e.Kind.String(),
			Progress: e.Progress,
			CacheHit: e.CacheHit,
			Time:     e.Time,
		}
		switch e.Kind {
		case trail.EventFinished:
			r.monitor.RecordSuccess(e.CacheHit)
		case trail.EventCancelled:
			r.monitor.RecordCancel()
		case trail.EventFailed:
			r.monitor.RecordFailure(e.Err)
			msg.Error = e.Err.Error()
		}
		r.hub.Publish(msg)
	}
}

// Get returns an opened trail
func (r *Registry) Get(id string) (*OpenedTrail, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ot, ok := r.trails[id]
	if !ok {
		return nil, httpx.WithStatus(http.StatusNotFound, fmt.Errorf("%w: %s", ErrTrailNotFound, id))
	}
	return ot, nil
}

// List returns the opened trails ordered by path
func (r *Registry) List() []*OpenedTrail {
	r.mu.RLock()
	out := make([]*OpenedTrail, 0, len(r.trails))
	for _, ot := range r.trails {
		out = append(out, ot)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Close removes a trail from the registry and closes it, cancelling any
// running population
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	ot, ok := r.trails[id]
	delete(r.trails, id)
	r.mu.Unlock()
	if !ok {
		return httpx.WithStatus(http.StatusNotFound, fmt.Errorf("%w: %s", ErrTrailNotFound, id))
	}
	log.Printf("Trail closed: %s", id)
	return ot.Trail.Close()
}

// CloseAll closes every trail
func (r *Registry) CloseAll() {
	r.mu.Lock()
	trails := r.trails
	r.trails = make(map[string]*OpenedTrail)
	r.mu.Unlock()

	for id, ot := range trails {
		if err := ot.Trail.Close(); err != nil {
			log.Printf("Failed to close trail %s: %v", id, err)
		}
	}
}
