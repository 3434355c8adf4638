package monitor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/mapping/internal/fsutil"
	"github.com/banshee-data/mapping/internal/mapping/geometry"
	"github.com/banshee-data/mapping/internal/mapping/maps"
	"github.com/banshee-data/mapping/internal/mapping/mapper"
	"github.com/banshee-data/mapping/internal/mapping/provider"
	"github.com/banshee-data/mapping/internal/mapping/publisher"
	"github.com/banshee-data/mapping/internal/mapping/tf"
	"github.com/banshee-data/mapping/internal/testutil"
)

var stamp = time.Unix(1700000000, 0).UTC()

type env struct {
	ws  *WebServer
	mgr *mapper.Manager
	fs  *fsutil.MemoryFileSystem
	src *provider.Static
}

func newEnv(t *testing.T, cfg WebServerConfig) *env {
	t.Helper()
	e := &env{mgr: mapper.NewManager(), fs: fsutil.NewMemoryFileSystem(), src: provider.NewStatic("sim")}
	cfg.Mappers = e.mgr
	e.ws = NewWebServer(cfg)

	buf := tf.NewBuffer(tf.Options{})
	require.NoError(t, buf.SetTransform("/map", "lidar", stamp, geometry.Identity(), true))
	providers := provider.Registry{}
	providers.Add(e.src)
	publishers := publisher.Registry{}
	publishers.Add(e.ws)

	opts := mapper.DefaultOptions()
	opts.Type = "occupancy_grid_3d"
	opts.PublishRate = 0
	opts.DataProviders = []string{"sim"}
	opts.MapPublishers = []string{e.ws.Name()}
	mp, err := mapper.New("voxels", opts, mapper.Deps{
		Providers:  providers,
		Publishers: publishers,
		Transforms: buf,
		FS:         e.fs,
	})
	require.NoError(t, err)
	require.NoError(t, e.mgr.Add(mp))
	require.NoError(t, e.mgr.StartAll())
	t.Cleanup(e.mgr.StopAll)

	e.src.Deliver(testutil.Cloud("lidar", stamp, r3.Vec{X: 2.05, Y: 0.05, Z: 0.05}))
	require.Eventually(t, func() bool { return mp.Stats().Applied == 1 }, 2*time.Second, time.Millisecond)
	return e
}

func (e *env) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.ws.Handler().ServeHTTP(rec, req)
	return rec
}

func TestPublishKeepsLatest(t *testing.T) {
	ws := NewWebServer(WebServerConfig{})
	assert.Equal(t, "http", ws.Name())

	g, err := maps.NewOccupancyGrid2D(maps.GridParams{Resolution: 0.5, Model: maps.DefaultInverseModel()})
	require.NoError(t, err)
	m := maps.New("/map", g)
	first := m.Snapshot()
	require.NoError(t, m.Update(func(maps.Representation) error { return nil }))
	second := m.Snapshot()

	require.NoError(t, ws.Publish("grid", first, stamp))
	require.NoError(t, ws.Publish("grid", second, stamp.Add(time.Second)))
	got, at, ok := ws.Latest("grid")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Equal(t, stamp.Add(time.Second), at)

	_, _, ok = ws.Latest("other")
	assert.False(t, ok)

	rec := httptest.NewRecorder()
	ws.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/maps", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list []MapSummary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, "grid", list[0].Name)
	assert.Equal(t, "occupancy_grid_2d", list[0].Variant)
	assert.Equal(t, uint64(1), list[0].Version)
	assert.Empty(t, list[0].State)
	require.NotNil(t, list[0].PublishedVersion)
	assert.Equal(t, uint64(1), *list[0].PublishedVersion)
}

func TestGetMap(t *testing.T) {
	e := newEnv(t, WebServerConfig{})

	rec := e.do(t, http.MethodGet, "/api/maps/voxels?points=1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var s MapSummary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&s))
	assert.Equal(t, "voxels", s.Name)
	assert.Equal(t, "running", s.State)
	assert.Equal(t, "/map", s.Frame)
	assert.Equal(t, uint64(1), s.Version)
	assert.Equal(t, 0.1, s.Resolution)
	require.NotNil(t, s.Stats)
	assert.Equal(t, uint64(1), s.Stats.Applied)
	assert.Nil(t, s.PublishedAt, "publication is disabled")
	require.Len(t, s.Points, 1)
	assert.InDelta(t, 2.05, s.Points[0][0], 1e-9)
	assert.Greater(t, s.Points[0][3], 0.5)

	rec = e.do(t, http.MethodGet, "/api/maps/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/maps", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []MapSummary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Empty(t, list[0].Points)
}

func TestSaveMap(t *testing.T) {
	e := newEnv(t, WebServerConfig{SaveRoot: "/maps", AllowedSaveDirs: []string{"/maps", "/archive"}})

	rec := e.do(t, http.MethodPost, "/api/maps/voxels/save", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp SaveResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, SaveResponse{Name: "voxels", Dir: "/maps/voxels", Version: 1}, resp)

	rec = e.do(t, http.MethodPost, "/api/maps/voxels/save", `{"path": "/archive/today"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = e.do(t, http.MethodPost, "/api/maps/voxels/save?path=/archive/query", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, []string{
		"/archive/query/voxels/map.og3", "/archive/query/voxels/map.yaml",
		"/archive/today/voxels/map.og3", "/archive/today/voxels/map.yaml",
		"/maps/voxels/map.og3", "/maps/voxels/map.yaml",
	}, e.fs.Files())

	tests := []struct {
		name, target, body string
		status             int
	}{
		{"outside allowed dirs", "/api/maps/voxels/save?path=/etc", "", http.StatusForbidden},
		{"traversal", "/api/maps/voxels/save?path=/maps/../etc", "", http.StatusForbidden},
		{"unknown mapper", "/api/maps/ghost/save", "", http.StatusNotFound},
		{"bad body", "/api/maps/voxels/save", `{"path":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(t, http.MethodPost, tt.target, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}

	rec = e.do(t, http.MethodGet, "/api/maps/voxels/save", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSaveMapFailures(t *testing.T) {
	e := newEnv(t, WebServerConfig{})
	rec := e.do(t, http.MethodPost, "/api/maps/voxels/save", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// With neither a save root nor an allow-list no path is writable.
	for _, target := range []string{"/api/maps/voxels/save?path=/etc/cron.d", "/api/maps/voxels/save?path=/tmp"} {
		rec = e.do(t, http.MethodPost, target, "")
		assert.Equal(t, http.StatusForbidden, rec.Code, target)
	}
	assert.Empty(t, e.fs.Files())

	rooted := newEnv(t, WebServerConfig{SaveRoot: "/maps"})
	tests := []struct {
		name, target string
		status       int
	}{
		{"inside save root", "/api/maps/voxels/save?path=/maps/nightly", http.StatusOK},
		{"outside save root", "/api/maps/voxels/save?path=/etc", http.StatusForbidden},
		{"sibling of save root", "/api/maps/voxels/save?path=/maps-old", http.StatusForbidden},
		{"traversal out of save root", "/api/maps/voxels/save?path=/maps/../etc", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := rooted.do(t, http.MethodPost, tt.target, "")
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
	assert.Equal(t, []string{"/maps/nightly/voxels/map.og3", "/maps/nightly/voxels/map.yaml"}, rooted.fs.Files())

	denied := newEnv(t, WebServerConfig{SaveRoot: "/ro"})
	denied.fs.Deny("/ro")
	rec = denied.do(t, http.MethodPost, "/api/maps/voxels/save", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "persistence")

	bare := NewWebServer(WebServerConfig{})
	rec = httptest.NewRecorder()
	bare.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/maps/voxels/save", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMapChart(t *testing.T) {
	e := newEnv(t, WebServerConfig{})

	rec := e.do(t, http.MethodGet, "/debug/maps/voxels", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "echarts")
	assert.Contains(t, body, "occupancy_grid_3d version=1")

	rec = e.do(t, http.MethodGet, "/debug/maps/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsAndHealth(t *testing.T) {
	e := newEnv(t, WebServerConfig{})

	rec := e.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `mapping_observations_total{mapper="voxels",result="applied"}`)

	rec = e.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestAttachRoutes(t *testing.T) {
	e := newEnv(t, WebServerConfig{})

	require.NoError(t, e.ws.AttachRoutes(func(mux *http.ServeMux) error {
		mux.HandleFunc("GET /debug/extra", func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "extra")
		})
		return nil
	}))
	rec := e.do(t, http.MethodGet, "/debug/extra", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "extra", rec.Body.String())

	assert.Error(t, e.ws.AttachRoutes(func(*http.ServeMux) error { return assert.AnError }))
}

func TestStartStopsOnCancel(t *testing.T) {
	ws := NewWebServer(WebServerConfig{Address: "127.0.0.1:0"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ws.Start(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestStartReportsListenError(t *testing.T) {
	ws := NewWebServer(WebServerConfig{Address: "127.0.0.1:-1"})
	err := ws.Start(context.Background())
	assert.Error(t, err)
}
