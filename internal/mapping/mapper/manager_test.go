package mapper

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager(t *testing.T) {
	f := newFixture(t)
	mgr := NewManager()
	for _, name := range []string{"grid", "voxels"} {
		typ := "occupancy_grid_2d"
		if name == "voxels" {
			typ = "occupancy_grid_3d"
		}
		mp, err := New(name, options(typ, 0), f.deps())
		require.NoError(t, err)
		require.NoError(t, mgr.Add(mp))
	}
	dup, err := New("grid", options("ndt_grid_3d", 0), f.deps())
	require.NoError(t, err)
	assert.ErrorIs(t, mgr.Add(dup), ErrConfiguration)
	dup.Stop()

	assert.Equal(t, []string{"grid", "voxels"}, mgr.Names())
	_, ok := mgr.Get("missing")
	assert.False(t, ok)

	require.NoError(t, mgr.StartAll())
	grid, ok := mgr.Get("grid")
	require.True(t, ok)
	assert.Equal(t, StateRunning, grid.State())

	require.NoError(t, mgr.SaveAll("/maps"))
	assert.Equal(t, []string{
		"/maps/grid/map.og2", "/maps/grid/map.yaml",
		"/maps/voxels/map.og3", "/maps/voxels/map.yaml",
	}, f.fs.Files())

	f.fs.Deny("/denied/voxels")
	err = mgr.SaveAll("/denied")
	assert.ErrorIs(t, err, ErrPersistence)
	assert.Contains(t, err.Error(), `mapper "voxels"`)
	assert.NotContains(t, err.Error(), `mapper "grid"`)

	mgr.StopAll()
	for _, name := range mgr.Names() {
		mp, _ := mgr.Get(name)
		assert.Equal(t, StateStopped, mp.State(), name)
	}
}

func TestManagerStartAllRollsBack(t *testing.T) {
	f := newFixture(t)
	mgr := NewManager()
	first, err := New("first", options("occupancy_grid_2d", 0), f.deps())
	require.NoError(t, err)
	second, err := New("second", options("occupancy_grid_2d", 0), f.deps())
	require.NoError(t, err)
	require.NoError(t, mgr.Add(first))
	require.NoError(t, mgr.Add(second))

	second.Stop()
	assert.ErrorIs(t, mgr.StartAll(), ErrAlreadyStarted)
	assert.Equal(t, StateStopped, first.State())
}
