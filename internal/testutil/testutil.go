// Package testutil provides shared test utilities and fixtures.
//
// This package centralises the observation builders and polling helpers
// used by the mapper, monitor and configuration tests.
package testutil

import (
	"math"
	"testing"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/mapping/internal/mapping/data"
)

// Epoch is the base stamp of test observations.
var Epoch = time.Unix(1700000000, 0)

// WaitTimeout bounds WaitFor.
const WaitTimeout = 2 * time.Second

// WaitFor polls cond every millisecond and fails the test if it does not
// hold within WaitTimeout.
func WaitFor(t testing.TB, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(WaitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// Cloud returns a point cloud in frame captured instantaneously at stamp.
func Cloud(frame string, stamp time.Time, pts ...r3.Vec) *data.Pointcloud3D {
	return data.NewPointcloud3D(frame, data.TimeFrame{Start: stamp, End: stamp}, pts)
}

// Scan returns a planar scan whose beams start at angle 0 and are a quarter
// turn apart, with valid ranges in [0.1, 10].
func Scan(frame string, stamp time.Time, ranges ...float64) *data.LaserScan2D {
	return data.NewLaserScan2D(frame, data.TimeFrame{Start: stamp, End: stamp}, 0, math.Pi/2, 0.1, 10, ranges)
}
