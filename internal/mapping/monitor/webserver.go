// Package monitor is the HTTP face of the mapping service: a map publisher
// that remembers the latest snapshot of every mapper, a small control API
// and echarts debug views.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/banshee-data/mapping/internal/httputil"
	"github.com/banshee-data/mapping/internal/mapping/maps"
	"github.com/banshee-data/mapping/internal/mapping/mapper"
	"github.com/banshee-data/mapping/internal/monitoring"
	"github.com/banshee-data/mapping/internal/security"
)

// Mappers is the view of the running mappers the control API needs.
// *mapper.Manager implements it.
type Mappers interface {
	Names() []string
	Get(name string) (*mapper.Mapper, bool)
}

// WebServerConfig configures a WebServer.
type WebServerConfig struct {
	// Name is the publisher name; it defaults to "http".
	Name    string
	Address string
	Mappers Mappers
	// SaveRoot is used when a save request does not name a path.
	SaveRoot string
	// AllowedSaveDirs lists the directories saves may write under. When
	// empty only SaveRoot is allowed, and with no SaveRoot every save is
	// refused.
	AllowedSaveDirs []string
}

type published struct {
	snap  *maps.Snapshot
	stamp time.Time
}

// WebServer publishes snapshots to HTTP clients.
type WebServer struct {
	name    string
	address string
	mappers Mappers
	root    string
	allowed []string
	latest  *xsync.MapOf[string, published]
	mux     *http.ServeMux
	server  *http.Server
	logf    func(format string, v ...interface{})
}

// NewWebServer creates a web server; call Start to serve.
func NewWebServer(cfg WebServerConfig) *WebServer {
	name := cfg.Name
	if name == "" {
		name = "http"
	}
	ws := &WebServer{
		name:    name,
		address: cfg.Address,
		mappers: cfg.Mappers,
		root:    cfg.SaveRoot,
		allowed: cfg.AllowedSaveDirs,
		latest:  xsync.NewMapOf[string, published](),
		logf:    monitoring.Component("Monitor", name),
	}
	ws.mux = ws.routes()
	ws.server = &http.Server{
		Addr:              ws.address,
		Handler:           ws.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ws
}

func (ws *WebServer) Name() string { return ws.name }

// Publish records snap as the latest snapshot of mapperName.
func (ws *WebServer) Publish(mapperName string, snap *maps.Snapshot, stamp time.Time) error {
	ws.latest.Store(mapperName, published{snap: snap, stamp: stamp})
	return nil
}

// Latest returns the last snapshot published by mapperName.
func (ws *WebServer) Latest(mapperName string) (*maps.Snapshot, time.Time, bool) {
	p, ok := ws.latest.Load(mapperName)
	return p.snap, p.stamp, ok
}

// Start serves until ctx is cancelled.
func (ws *WebServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		ws.logf("listening on %s", ws.address)
		if err := ws.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("monitor %s: %w", ws.address, err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		ws.logf("shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			ws.logf("force close error: %v", err)
		}
	}
	ws.logf("stopped")
	return nil
}

// Handler returns the routes served by the web server.
func (ws *WebServer) Handler() http.Handler { return ws.mux }

// AttachRoutes lets another component (such as the snapshot archive) add
// its admin routes to the monitor's mux.
func (ws *WebServer) AttachRoutes(attach func(mux *http.ServeMux) error) error {
	return attach(ws.mux)
}

func (ws *WebServer) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", ws.handleHealth)
	mux.HandleFunc("GET /api/maps", ws.handleListMaps)
	mux.HandleFunc("GET /api/maps/{name}", ws.handleGetMap)
	mux.HandleFunc("POST /api/maps/{name}/save", ws.handleSaveMap)
	mux.HandleFunc("GET /debug/maps/{name}", ws.handleMapChart)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]string{"status": "ok"})
}

// MapSummary describes one mapper and its latest publication.
type MapSummary struct {
	Name       string        `json:"name"`
	Variant    string        `json:"variant"`
	Frame      string        `json:"frame"`
	State      string        `json:"state,omitempty"`
	Version    uint64        `json:"version"`
	CellCount  int           `json:"cell_count"`
	Resolution float64       `json:"resolution"`
	Stats      *mapper.Stats `json:"stats,omitempty"`

	PublishedAt      *time.Time `json:"published_at,omitempty"`
	PublishedVersion *uint64    `json:"published_version,omitempty"`

	// Points is filled by GET /api/maps/{name}?points=1.
	Points [][4]float64 `json:"points,omitempty"`
}

// summary describes name from its live mapper when there is one and from
// the latest publication otherwise.
func (ws *WebServer) summary(name string) (MapSummary, *maps.Snapshot, bool) {
	s := MapSummary{Name: name}
	var snap *maps.Snapshot
	if ws.mappers != nil {
		if mp, ok := ws.mappers.Get(name); ok {
			snap = mp.Map()
			st := mp.Stats()
			s.State = mp.State().String()
			s.Stats = &st
		}
	}
	if p, ok := ws.latest.Load(name); ok {
		stamp, version := p.stamp, p.snap.Version()
		s.PublishedAt = &stamp
		s.PublishedVersion = &version
		if snap == nil {
			snap = p.snap
		}
	}
	if snap == nil {
		return s, nil, false
	}
	s.Variant = snap.Variant().String()
	s.Frame = snap.Frame()
	s.Version = snap.Version()
	s.CellCount = snap.CellCount()
	s.Resolution = snap.Resolution()
	return s, snap, true
}

func (ws *WebServer) names() []string {
	seen := make(map[string]bool)
	var out []string
	if ws.mappers != nil {
		for _, n := range ws.mappers.Names() {
			seen[n] = true
			out = append(out, n)
		}
	}
	var extra []string
	ws.latest.Range(func(n string, _ published) bool {
		if !seen[n] {
			extra = append(extra, n)
		}
		return true
	})
	sort.Strings(extra)
	return append(out, extra...)
}

func (ws *WebServer) handleListMaps(w http.ResponseWriter, r *http.Request) {
	out := make([]MapSummary, 0)
	for _, name := range ws.names() {
		if s, _, ok := ws.summary(name); ok {
			out = append(out, s)
		}
	}
	httputil.WriteJSONOK(w, out)
}

func (ws *WebServer) handleGetMap(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	s, snap, ok := ws.summary(name)
	if !ok {
		httputil.NotFound(w, fmt.Sprintf("unknown map %q", name))
		return
	}
	if v := r.URL.Query().Get("points"); v == "1" || v == "true" {
		for _, p := range maps.Points(snap) {
			s.Points = append(s.Points, [4]float64{p.Position.X, p.Position.Y, p.Position.Z, p.Value})
		}
	}
	httputil.WriteJSONOK(w, s)
}

// SaveRequest is the optional JSON body of a save request.
type SaveRequest struct {
	Path string `json:"path"`
}

// SaveResponse reports where a map was written.
type SaveResponse struct {
	Name    string `json:"name"`
	Dir     string `json:"dir"`
	Version uint64 `json:"version"`
}

func (ws *WebServer) handleSaveMap(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if ws.mappers == nil {
		httputil.ServiceUnavailable(w, "no mappers attached")
		return
	}
	mp, ok := ws.mappers.Get(name)
	if !ok {
		httputil.NotFound(w, fmt.Sprintf("unknown mapper %q", name))
		return
	}

	path := r.URL.Query().Get("path")
	if path == "" && strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req SaveRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
			httputil.BadRequest(w, fmt.Sprintf("invalid request body: %v", err))
			return
		}
		path = req.Path
	}
	if path == "" {
		path = ws.root
	}
	if path == "" {
		httputil.BadRequest(w, "missing 'path' and no default save directory configured")
		return
	}
	// Without an explicit allow-list only the save root is writable.
	allowed := ws.allowed
	if len(allowed) == 0 && ws.root != "" {
		allowed = []string{ws.root}
	}
	if err := security.ValidatePathWithinAllowedDirs(path, allowed); err != nil {
		httputil.Forbidden(w, err.Error())
		return
	}

	version := mp.Map().Version()
	if err := mp.SaveMap(path); err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	ws.logf("saved %s to %s via control API", name, path)
	httputil.WriteJSONOK(w, SaveResponse{Name: name, Dir: filepath.Join(path, name), Version: version})
}
