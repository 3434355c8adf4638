package testutil

import (
	"testing"
	"time"

	"gonum.org/v1/gonum/spatial/r3"
)

func TestCloud(t *testing.T) {
	c := Cloud("lidar", Epoch, r3.Vec{X: 1}, r3.Vec{Y: 2})
	if c.Frame() != "lidar" {
		t.Errorf("Frame() = %q, want lidar", c.Frame())
	}
	if got := c.TimeFrame(); !got.Start.Equal(Epoch) || !got.End.Equal(Epoch) {
		t.Errorf("TimeFrame() = %+v, want instant at %v", got, Epoch)
	}
	if n := c.Len(); n != 2 {
		t.Errorf("Len() = %d, want 2", n)
	}
}

func TestScan(t *testing.T) {
	s := Scan("laser", Epoch.Add(time.Second), 1, 2, 3, 4)
	if s.Frame() != "laser" {
		t.Errorf("Frame() = %q, want laser", s.Frame())
	}
	if n := s.Len(); n != 4 {
		t.Errorf("Len() = %d, want 4", n)
	}
	if s.Valid(0) != true || s.Range(3) != 4 {
		t.Errorf("unexpected beams: valid(0)=%v range(3)=%v", s.Valid(0), s.Range(3))
	}
}

func TestWaitFor(t *testing.T) {
	n := 0
	WaitFor(t, "counter", func() bool {
		n++
		return n == 3
	})
	if n != 3 {
		t.Errorf("cond evaluated %d times, want 3", n)
	}
}
