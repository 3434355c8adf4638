package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/mapping/internal/httputil"
	"github.com/banshee-data/mapping/internal/mapping/maps"
	"github.com/banshee-data/mapping/internal/mapping/monitor"
	"github.com/banshee-data/mapping/internal/monitoring"
)

func init() {
	monitoring.SetLogger(nil)
}

func execute(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	body := `{
  "providers": [{"name": "sim", "type": "static"}],
  "publishers": [{"name": "images", "type": "image", "dir": "` + filepath.Join(dir, "images") + `"}],
  "mappers": [{"name": "grid", "type": "occupancy_grid_2d", "publish_rate": 0,
               "data_providers": ["sim"], "map_publishers": ["images"]}]
}`
	path := filepath.Join(dir, "mapping.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, context.Background(), "validate", "--config", writeConfig(t, dir))
	require.NoError(t, err)
	assert.Contains(t, out, "MAPPER")
	assert.Contains(t, out, "grid")
	assert.Contains(t, out, "occupancy_grid_2d")
	assert.Contains(t, out, "0Hz")

	_, err = execute(t, context.Background(), "validate", "--config", filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestRunCommandSavesOnExit(t *testing.T) {
	dir := t.TempDir()
	saveDir := filepath.Join(dir, "saved")
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	out, err := execute(t, ctx, "run", "-q", "--config", writeConfig(t, dir), "--save-on-exit", saveDir)
	require.NoError(t, err)
	assert.Contains(t, out, "running 1 mapper(s)")
	assert.Contains(t, out, "saved maps to "+saveDir)
	assert.FileExists(t, filepath.Join(saveDir, "grid", "map.yaml"))
	assert.DirExists(t, filepath.Join(dir, "images"))
}

func TestRunCommandRejectsBadConfig(t *testing.T) {
	_, err := execute(t, context.Background(), "run", "--config", "mapping.yaml")
	assert.ErrorContains(t, err, ".json")
}

func TestSaveCommand(t *testing.T) {
	var got monitor.SaveRequest
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/maps/{name}/save", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("name") != "grid" {
			httputil.NotFound(w, "unknown map")
			return
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		httputil.WriteJSONOK(w, monitor.SaveResponse{Name: "grid", Dir: filepath.Join(got.Path, "grid"), Version: 7})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	out, err := execute(t, context.Background(), "save", "grid", "--server", srv.URL, "--path", "/maps")
	require.NoError(t, err)
	assert.Equal(t, "/maps", got.Path)
	assert.Equal(t, "saved grid version 7 to /maps/grid\n", out)

	_, err = execute(t, context.Background(), "save", "ghost", "--server", srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")

	_, err = execute(t, context.Background(), "save")
	assert.Error(t, err)
}

func TestListCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/maps", r.URL.Path)
		httputil.WriteJSONOK(w, []monitor.MapSummary{
			{Name: "grid", Variant: "occupancy_grid_2d", State: "running", Version: 3, CellCount: 42},
		})
	}))
	defer srv.Close()

	out, err := execute(t, context.Background(), "list", "--server", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "grid")
	assert.Contains(t, out, "running")
	assert.Contains(t, out, "42")
}

func TestInspectCommand(t *testing.T) {
	grid, err := maps.NewOccupancyGrid2D(maps.GridParams{Resolution: 0.5, Model: maps.DefaultInverseModel()})
	require.NoError(t, err)
	m := maps.New("/odom", grid)
	require.NoError(t, maps.UpdateAs(m, func(g *maps.OccupancyGrid2D) error {
		return g.Insert(r3.Vec{X: 0.25, Y: 0.25}, []r3.Vec{{X: 2.25, Y: 0.25}})
	}))
	snap := m.Snapshot()

	dir := filepath.Join(t.TempDir(), "floor")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	md := snap.Metadata("floor")
	var body, meta bytes.Buffer
	require.NoError(t, snap.Encode(&body))
	require.NoError(t, md.Encode(&meta))
	require.NoError(t, os.WriteFile(filepath.Join(dir, md.File), body.Bytes(), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "map.yaml"), meta.Bytes(), 0o644))

	out, err := execute(t, context.Background(), "inspect", dir)
	require.NoError(t, err)
	for _, want := range []string{"floor", "occupancy_grid_2d", "/odom", "version:     1", "cells:       5", "resolution:  0.5"} {
		assert.Contains(t, out, want)
	}

	_, err = execute(t, context.Background(), "inspect", filepath.Join(t.TempDir(), "missing"))
	assert.ErrorContains(t, err, "persistence")
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, context.Background(), "version")
	require.NoError(t, err)
	assert.Contains(t, out, "mapper dev")
}
