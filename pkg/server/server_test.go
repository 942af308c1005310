package server

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/trailcache/pkg/catalog/memory"
	"github.com/nicktill/trailcache/pkg/config"
	"github.com/nicktill/trailcache/pkg/monitor"
	"github.com/nicktill/trailcache/pkg/span"
	"github.com/nicktill/trailcache/pkg/trail"
)

type testServer struct {
	handler  *Handler
	registry *Registry
	router   *mux.Router
	hub      *EventHub
	cacheDir string
	wavPath  string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()
	cacheDir := filepath.Join(dir, "cache")

	ctx, cancel := context.WithCancel(context.Background())
	hub := NewEventHub()
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	cat := memory.New()
	mon := &monitor.PopulationMonitor{}
	registry := NewRegistry(ctx, hub, mon, trail.WithCacheDir(cacheDir), trail.WithCatalog(cat))
	usage := monitor.NewCacheMonitor(cacheDir, config.CacheFileExt, config.CachePartExt)
	h := NewHandler(registry, cat, mon, usage, hub, []int{2, 4, 6})

	router := mux.NewRouter()
	SetupRoutes(router, h, config.DefaultPort)

	t.Cleanup(func() {
		registry.CloseAll()
		cancel()
		<-done
	})

	wavPath := filepath.Join(dir, "take1.wav")
	writeSineWAV(t, wavPath, 8000, 2, 20_000)

	return &testServer{
		handler:  h,
		registry: registry,
		router:   router,
		hub:      hub,
		cacheDir: cacheDir,
		wavPath:  wavPath,
	}
}

// writeSineWAV writes a 16-bit file with a 50 Hz sine on every channel
func writeSineWAV(t *testing.T, path string, rate, channels, frames int) {
	t.Helper()
	data := make([]int, 0, frames*channels)
	for i := 0; i < frames; i++ {
		v := int(16000 * math.Sin(2*math.Pi*50*float64(i)/float64(rate)))
		for ch := 0; ch < channels; ch++ {
			data = append(data, v)
		}
	}

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	enc := wav.NewEncoder(f, rate, 16, channels, 1)
	require.NoError(t, enc.Write(&audio.IntBuffer{
		Data:           data,
		Format:         &audio.Format{SampleRate: rate, NumChannels: channels},
		SourceBitDepth: 16,
	}))
	require.NoError(t, enc.Close())
}

func (s *testServer) do(t *testing.T, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

// open opens the fixture and waits for population to finish
func (s *testServer) open(t *testing.T, model string) TrailInfo {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/v1/trails", map[string]interface{}{"path": s.wavPath, "model": model})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	info := decode[TrailInfo](t, rec)

	ot, err := s.registry.Get(info.ID)
	require.NoError(t, err)
	require.NoError(t, ot.Trail.Wait())
	return info
}

func TestServer_OpenAndList(t *testing.T) {
	s := newTestServer(t)
	info := s.open(t, "fullwave")
	assert.Equal(t, "fullwave", info.Model.String())
	assert.Equal(t, []int{2, 4, 6}, info.Shifts)
	assert.Equal(t, 2, info.Channels)
	assert.Equal(t, float64(8000), info.Rate)
	assert.Equal(t, span.New(0, 20_000), info.Span)

	// Opening again returns the same trail
	rec := s.do(t, http.MethodPost, "/v1/trails", map[string]interface{}{"path": s.wavPath, "model": "fullwave"})
	require.Equal(t, http.StatusOK, rec.Code)
	again := decode[TrailInfo](t, rec)
	assert.Equal(t, info.ID, again.ID)
	assert.Equal(t, "finished", again.State)
	assert.Equal(t, 1.0, again.Progress)

	// Another model is another trail
	s.open(t, "halfwave")

	rec = s.do(t, http.MethodGet, "/v1/trails", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Trails []TrailInfo `json:"trails"`
		Count  int         `json:"count"`
	}](t, rec)
	assert.Equal(t, 2, list.Count)

	rec = s.do(t, http.MethodGet, "/v1/trails/"+info.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, info.CacheKey, decode[TrailInfo](t, rec).CacheKey)
}

func TestServer_OpenErrors(t *testing.T) {
	s := newTestServer(t)
	tests := []struct {
		name string
		body string
	}{
		{"missing path", `{"model":"fullwave"}`},
		{"unknown model", `{"path":"` + s.wavPath + `","model":"cubic"}`},
		{"missing file", `{"path":"/nonexistent/take.wav"}`},
		{"median needs steps of 4", `{"path":"` + s.wavPath + `","model":"median","shifts":[2,3]}`},
		{"shifts out of order", `{"path":"` + s.wavPath + `","shifts":[4,2]}`},
		{"unknown field", `{"path":"` + s.wavPath + `","levels":[2]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/trails", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			s.router.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
	assert.Empty(t, s.registry.List())
}

func TestServer_View(t *testing.T) {
	s := newTestServer(t)
	info := s.open(t, "fullwave")
	base := "/v1/trails/" + info.ID + "/view"

	tests := []struct {
		name      string
		query     string
		level     int
		channels  int
		reduced   bool
		minFrames int
	}{
		{"coarsest level with inline", "?width=100", 2, 6, true, 100},
		{"middle level", "?width=1000", 1, 6, false, 1000},
		{"raw frames", "?width=10000", -1, 2, false, 20_000},
		{"sub span", "?start=4000&stop=8000&width=200", 1, 6, false, 200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodGet, base+tt.query, nil)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			view := decode[ViewResponse](t, rec)

			assert.Equal(t, tt.level, view.Decimation.Level)
			assert.Equal(t, tt.reduced, view.Reduced)
			assert.Empty(t, view.Busy)
			require.Len(t, view.Data, tt.channels)
			assert.GreaterOrEqual(t, view.Frames, tt.minFrames)
			assert.Len(t, view.Data[0], view.Frames)

			if tt.level >= 0 {
				// +peak never below -peak, mean square within the peaks' square
				for k := 0; k < view.Frames; k++ {
					mx, mn, ms := view.Data[0][k], view.Data[1][k], view.Data[2][k]
					require.GreaterOrEqual(t, mx, mn, "frame %d", k)
					require.GreaterOrEqual(t, ms, float32(0))
					require.LessOrEqual(t, ms, max(mx*mx, mn*mn)+1e-6)
				}
			}
		})
	}
}

func TestServer_ViewErrors(t *testing.T) {
	s := newTestServer(t)
	info := s.open(t, "fullwave")
	base := "/v1/trails/" + info.ID + "/view"

	for _, q := range []string{"?start=x", "?start=10&stop=10", "?width=-1", "?width=1000000", "?stop=30000"} {
		rec := s.do(t, http.MethodGet, base+q, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}

	rec := s.do(t, http.MethodGet, "/v1/trails/0123456789abcdef/view", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_MedianViewSkipsUnsupportedInline(t *testing.T) {
	s := newTestServer(t)
	info := s.open(t, "median")

	rec := s.do(t, http.MethodGet, "/v1/trails/"+info.ID+"/view?width=100", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view := decode[ViewResponse](t, rec)
	assert.Equal(t, 2, view.Decimation.Level)
	assert.Equal(t, 3, view.Decimation.Inline)
	assert.False(t, view.Reduced)
	assert.Len(t, view.Data, 2)
}

func TestServer_Edits(t *testing.T) {
	s := newTestServer(t)
	info := s.open(t, "fullwave")
	edits := "/v1/trails/" + info.ID + "/edits"

	type segments struct {
		Segments []SegmentInfo `json:"segments"`
	}

	rec := s.do(t, http.MethodPost, edits, EditRequest{Op: "split", Pos: 5000})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	segs := decode[segments](t, rec).Segments
	require.Len(t, segs, 2)
	assert.Equal(t, span.New(0, 5000), segs[0].Span)
	assert.True(t, segs[1].Complete)

	rec = s.do(t, http.MethodPost, edits, EditRequest{Op: "remove", Start: 1000, Stop: 2000})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	segs = decode[segments](t, rec).Segments
	assert.Equal(t, int64(19_000), segs[len(segs)-1].Span.Stop)

	rec = s.do(t, http.MethodPost, edits, EditRequest{Op: "shift", Pos: 4000, Delta: -5000})
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, edits, EditRequest{Op: "rotate"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_CachesAndPrune(t *testing.T) {
	s := newTestServer(t)
	info := s.open(t, "halfwave")

	rec := s.do(t, http.MethodGet, "/v1/caches", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	caches := decode[struct {
		Count int `json:"count"`
	}](t, rec)
	assert.Equal(t, 1, caches.Count)

	rec = s.do(t, http.MethodGet, "/v1/caches/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[CacheStatsResponse](t, rec)
	assert.Equal(t, uint64(1), stats.Catalog.TotalEntries)
	assert.Equal(t, 1, stats.Disk.Files)
	assert.Positive(t, stats.Disk.UsedBytes)

	rec = s.do(t, http.MethodDelete, "/v1/caches?older_than=1h", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[map[string]int](t, rec)["removed"])

	rec = s.do(t, http.MethodDelete, "/v1/caches?older_than=soon", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ot, err := s.registry.Get(info.ID)
	require.NoError(t, err)
	cachePath := ot.Trail.CachePath()
	require.FileExists(t, cachePath)

	rec = s.do(t, http.MethodDelete, "/v1/caches", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[map[string]int](t, rec)["removed"])
	assert.NoFileExists(t, cachePath)
}

func TestServer_HealthAndClose(t *testing.T) {
	s := newTestServer(t)
	info := s.open(t, "fullwave")

	rec := s.do(t, http.MethodGet, "/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[HealthResponse](t, rec)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 1, health.Trails)
	assert.Equal(t, int64(1), health.Population.Finished)
	assert.Equal(t, 0, health.Population.Running)

	rec = s.do(t, http.MethodPost, "/v1/trails/"+info.ID+"/cancel", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = s.do(t, http.MethodDelete, "/v1/trails/"+info.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(t, http.MethodGet, "/v1/trails/"+info.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = s.do(t, http.MethodDelete, "/v1/trails/"+info.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_PopulationEventsOverWebSocket(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, s.hub.HasClients, 5*time.Second, 5*time.Millisecond)

	info := s.open(t, "fullwave")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg PopulationMessage
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, "population", msg.Type)
		assert.Equal(t, info.ID, msg.ID)
		if msg.Event != "update" {
			assert.Equal(t, "finished", msg.Event)
			assert.Equal(t, 1.0, msg.Progress)
			break
		}
	}
}

func TestCORSMiddleware(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestParseShifts(t *testing.T) {
	got, err := ParseShifts("2, 4,6")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 6}, got)

	_, err = ParseShifts("2,x")
	assert.Error(t, err)
}
