package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/nicktill/trailcache/pkg/catalog"
	"github.com/nicktill/trailcache/pkg/config"
	"github.com/nicktill/trailcache/pkg/decimate"
	"github.com/nicktill/trailcache/pkg/httpx"
	"github.com/nicktill/trailcache/pkg/monitor"
	"github.com/nicktill/trailcache/pkg/sampleio"
	"github.com/nicktill/trailcache/pkg/span"
	"github.com/nicktill/trailcache/pkg/trail"
)

var startTime = time.Now()

// Handler serves the trail and cache API
type Handler struct {
	registry   *Registry
	catalog    catalog.Catalog
	population *monitor.PopulationMonitor
	usage      *monitor.CacheMonitor
	hub        *EventHub
	shifts     []int
}

// NewHandler creates a handler. shifts are the level shifts used when an
// open request names none.
func NewHandler(
	registry *Registry,
	cat catalog.Catalog,
	population *monitor.PopulationMonitor,
	usage *monitor.CacheMonitor,
	hub *EventHub,
	shifts []int,
) *Handler {
	return &Handler{
		registry:   registry,
		catalog:    cat,
		population: population,
		usage:      usage,
		hub:        hub,
		shifts:     shifts,
	}
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status     string                   `json:"status"`
	Version    string                   `json:"version"`
	Uptime     string                   `json:"uptime"`
	Trails     int                      `json:"trails"`
	Population monitor.PopulationStatus `json:"population"`
}

// HandleHealth returns service health status.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	overallStatus := "healthy"
	statusCode := http.StatusOK
	if !h.population.IsHealthy() {
		overallStatus = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	httpx.RespondJSON(w, statusCode, HealthResponse{
		Status:     overallStatus,
		Version:    "1.0.0",
		Uptime:     time.Since(startTime).String(),
		Trails:     len(h.registry.List()),
		Population: h.population.Status(),
	})
}

// OpenRequest opens a trail over a WAV file
type OpenRequest struct {
	Path   string         `json:"path"`
	Model  decimate.Model `json:"model"`
	Shifts []int          `json:"shifts,omitempty"`
}

// HandleOpen opens a trail and starts populating it
func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	req := OpenRequest{Model: decimate.FullwavePeakRMS}
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.RespondErr(w, err)
		return
	}
	if req.Path == "" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "path is required")
		return
	}
	if len(req.Shifts) == 0 {
		req.Shifts = h.shifts
	}

	ot, created, err := h.registry.Open(req.Path, req.Model, req.Shifts)
	if err != nil {
		httpx.RespondErr(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	httpx.RespondJSON(w, status, ot.Info())
}

// HandleList lists opened trails
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	trails := h.registry.List()
	infos := make([]TrailInfo, 0, len(trails))
	for _, ot := range trails {
		infos = append(infos, ot.Info())
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"trails": infos,
		"count":  len(infos),
	})
}

// HandleGet describes one trail
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ot, err := h.registry.Get(mux.Vars(r)["id"])
	if err != nil {
		httpx.RespondErr(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, ot.Info())
}

// SegmentInfo describes one segment of a trail's timeline
type SegmentInfo struct {
	Span     span.Span `json:"span"`
	Complete bool      `json:"complete"`
}

// HandleSegments lists a trail's segments
func (h *Handler) HandleSegments(w http.ResponseWriter, r *http.Request) {
	ot, err := h.registry.Get(mux.Vars(r)["id"])
	if err != nil {
		httpx.RespondErr(w, err)
		return
	}
	segs := ot.Trail.Segments()
	out := make([]SegmentInfo, len(segs))
	for i, s := range segs {
		out[i] = SegmentInfo{Span: s.Span(), Complete: s.IsComplete()}
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]interface{}{"segments": out})
}

// ViewResponse carries the frames drawn for one view of a trail
type ViewResponse struct {
	Span       span.Span            `json:"span"`
	Decimation trail.DecimationInfo `json:"decimation"`
	Reduced    bool                 `json:"reduced"` // inline decimation applied
	Frames     int                  `json:"frames"`
	Data       [][]float32          `json:"data"` // channel-major
	Busy       []span.Span          `json:"busy"`
}

// HandleView serves the best stored level for a span at a target width.
// Query parameters: start, stop (full-rate frames, default whole trail)
// and width (minimum frames wanted).
func (h *Handler) HandleView(w http.ResponseWriter, r *http.Request) {
	ot, err := h.registry.Get(mux.Vars(r)["id"])
	if err != nil {
		httpx.RespondErr(w, err)
		return
	}
	tr := ot.Trail

	full := tr.Span()
	q := r.URL.Query()
	start, err1 := queryInt64(q.Get("start"), full.Start)
	stop, err2 := queryInt64(q.Get("stop"), full.Stop)
	width, err3 := queryInt64(q.Get("width"), config.ViewDefaultWidth)
	if err := errors.Join(err1, err2, err3); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	if stop <= start {
		httpx.RespondErrorString(w, http.StatusBadRequest, "stop must be greater than start")
		return
	}
	if width < 0 || width > config.ViewMaxWidth {
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("width must be between 0 and %d", config.ViewMaxWidth))
		return
	}

	resp, err := readView(tr, span.New(start, stop), width)
	if err != nil {
		httpx.RespondErr(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, resp)
}

// readView reads sp at the level GetBestSubsample picks for width and
// applies the inline factor when the model supports it
func readView(tr *trail.Trail, sp span.Span, width int64) (*ViewResponse, error) {
	info := tr.GetBestSubsample(sp, width)

	frames := int(sp.Len())
	if info.Level >= 0 {
		// each segment may round up by one frame
		frames = int(sp.Len()>>info.Shift) + len(tr.Segments()) + 1
	}
	buf := sampleio.MakeBuffer(info.Channels, frames)
	n, busy, err := tr.ReadFrames(info.Level, buf, 0, sp)
	if err != nil {
		return nil, trailError(err)
	}
	for ch := range buf {
		buf[ch] = buf[ch][:n]
	}

	resp := &ViewResponse{Span: sp, Decimation: info, Frames: n, Data: buf, Busy: busy}
	if busy == nil {
		resp.Busy = []span.Span{}
	}
	if info.Inline > 1 {
		reduced, ok, err := reduceInline(tr.Model(), buf, n, info.Inline)
		if err != nil {
			return nil, err
		}
		if ok {
			resp.Data = reduced
			resp.Frames = len(reduced[0])
			resp.Reduced = true
		}
	}
	return resp, nil
}

// reduceInline decimates frames of a stored level by inline. ok is false
// when the model cannot decimate by that factor.
func reduceInline(model decimate.Model, buf [][]float32, n, inline int) ([][]float32, bool, error) {
	dec, err := decimate.New(model)
	if err != nil {
		return nil, false, err
	}
	outLen := n / inline
	out := sampleio.MakeBuffer(len(buf), outLen)
	if outLen == 0 {
		return out, true, nil
	}
	if err := dec.Decimate(buf, out, 0, outLen, inline); err != nil {
		if errors.Is(err, decimate.ErrUnsupported) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return out, true, nil
}

// HandleCancel stops a trail's population
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	ot, err := h.registry.Get(mux.Vars(r)["id"])
	if err != nil {
		httpx.RespondErr(w, err)
		return
	}
	ot.Trail.CancelPopulation()
	httpx.RespondJSON(w, http.StatusAccepted, ot.Info())
}

// HandleClose closes a trail and forgets it
func (h *Handler) HandleClose(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Close(mux.Vars(r)["id"]); err != nil {
		httpx.RespondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EditRequest describes a structural edit of a trail's timeline
type EditRequest struct {
	Op    string `json:"op"` // split, shift or remove
	Pos   int64  `json:"pos"`
	Delta int64  `json:"delta"`
	Start int64  `json:"start"`
	Stop  int64  `json:"stop"`
}

// HandleEdit applies a split, shift or remove to a populated trail
func (h *Handler) HandleEdit(w http.ResponseWriter, r *http.Request) {
	ot, err := h.registry.Get(mux.Vars(r)["id"])
	if err != nil {
		httpx.RespondErr(w, err)
		return
	}
	var req EditRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.RespondErr(w, err)
		return
	}

	switch req.Op {
	case "split":
		err = ot.Trail.Split(req.Pos)
	case "shift":
		err = ot.Trail.Shift(req.Pos, req.Delta)
	case "remove":
		err = ot.Trail.Remove(span.New(req.Start, req.Stop))
	default:
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("unknown edit op %q", req.Op))
		return
	}
	if err != nil {
		httpx.RespondErr(w, trailError(err))
		return
	}
	h.HandleSegments(w, r)
}

// trailError attaches the HTTP status matching a trail error
func trailError(err error) error {
	switch {
	case errors.Is(err, trail.ErrOutOfRange):
		return httpx.WithStatus(http.StatusBadRequest, err)
	case errors.Is(err, trail.ErrPopulating):
		return httpx.WithStatus(http.StatusConflict, err)
	case errors.Is(err, trail.ErrClosed):
		return httpx.WithStatus(http.StatusGone, err)
	default:
		return err
	}
}

// HandleCaches lists catalogued cache files
func (h *Handler) HandleCaches(w http.ResponseWriter, r *http.Request) {
	entries, err := h.catalog.List(r.Context())
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []catalog.Entry{}
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"caches": entries,
		"count":  len(entries),
	})
}

// CacheStatsResponse combines catalog statistics and disk usage
type CacheStatsResponse struct {
	Catalog *catalog.Stats     `json:"catalog"`
	Disk    monitor.CacheUsage `json:"disk"`
}

// HandleCacheStats reports catalog statistics and cache disk usage
func (h *Handler) HandleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.catalog.Stats(r.Context())
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	usage, err := h.usage.GetUsage()
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, CacheStatsResponse{Catalog: stats, Disk: usage})
}

// HandlePruneCaches deletes cache files older than the older_than duration
// (default: all of them)
func (h *Handler) HandlePruneCaches(w http.ResponseWriter, r *http.Request) {
	var age time.Duration
	if v := r.URL.Query().Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("invalid older_than %q", v))
			return
		}
		age = d
	}

	removed, err := catalog.Prune(r.Context(), h.catalog, time.Now().Add(-age))
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func queryInt64(v string, def int64) (int64, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

// SetupRoutes configures all HTTP routes for the server.
func SetupRoutes(router *mux.Router, h *Handler, port string) {
	router.Use(corsMiddleware(port))

	api := router.PathPrefix("/v1").Subrouter()

	// Trails
	api.HandleFunc("/trails", h.HandleOpen).Methods("POST")
	api.HandleFunc("/trails", h.HandleList).Methods("GET")
	api.HandleFunc("/trails/{id}", h.HandleGet).Methods("GET")
	api.HandleFunc("/trails/{id}", h.HandleClose).Methods("DELETE")
	api.HandleFunc("/trails/{id}/view", h.HandleView).Methods("GET")
	api.HandleFunc("/trails/{id}/segments", h.HandleSegments).Methods("GET")
	api.HandleFunc("/trails/{id}/edits", h.HandleEdit).Methods("POST")
	api.HandleFunc("/trails/{id}/cancel", h.HandleCancel).Methods("POST")

	// Disk cache
	api.HandleFunc("/caches", h.HandleCaches).Methods("GET")
	api.HandleFunc("/caches", h.HandlePruneCaches).Methods("DELETE")
	api.HandleFunc("/caches/stats", h.HandleCacheStats).Methods("GET")

	api.HandleFunc("/health", h.HandleHealth).Methods("GET")

	// Population events
	api.HandleFunc("/ws", h.hub.HandleWebSocket).Methods("GET")
}

// corsMiddleware creates CORS middleware that restricts to localhost origins only.
func corsMiddleware(port string) func(http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:" + port: true,
		"http://127.0.0.1:" + port: true,
		"http://localhost:3000":    true,
		"http://127.0.0.1:3000":    true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); allowedOrigins[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
