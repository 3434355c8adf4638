package data

import (
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gonum.org/v1/gonum/spatial/r3"
)

func TestPointcloud3D_CopiesInput(t *testing.T) {
	start := time.Unix(100, 0)
	pts := []r3.Vec{{X: 1}, {Y: 2}}
	c := NewPointcloud3D("lidar", TimeFrame{Start: start, End: start.Add(100 * time.Millisecond)}, pts)

	pts[0].X = 99

	if c.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", c.Len())
	}
	if c.At(0).X != 1 {
		t.Errorf("At(0).X = %v: cloud aliases the caller's slice", c.At(0).X)
	}
	if c.Kind() != KindPointcloud3D || c.Frame() != "lidar" {
		t.Errorf("Kind, Frame = %v, %q", c.Kind(), c.Frame())
	}
	if d := c.TimeFrame().Duration(); d != 100*time.Millisecond {
		t.Errorf("Duration() = %v, want 100ms", d)
	}

	var seen []r3.Vec
	c.Each(func(p r3.Vec) { seen = append(seen, p) })
	if diff := cmp.Diff([]r3.Vec{{X: 1}, {Y: 2}}, seen); diff != "" {
		t.Errorf("Each mismatch (-want +got):\n%s", diff)
	}
}

func TestLaserScan2D_Points(t *testing.T) {
	ranges := []float64{1, math.NaN(), 2, 50, 0.01, math.Inf(1)}
	s := NewLaserScan2D("laser", TimeFrame{}, 0, math.Pi/2, 0.1, 10, ranges)

	valid := []struct {
		beam int
		want bool
		why  string
	}{
		{0, true, "in range"},
		{1, false, "NaN"},
		{2, true, "in range"},
		{3, false, "beyond RangeMax"},
		{4, false, "below RangeMin"},
		{5, false, "Inf"},
	}
	for _, tt := range valid {
		if got := s.Valid(tt.beam); got != tt.want {
			t.Errorf("Valid(%d) = %v, want %v (%s)", tt.beam, got, tt.want, tt.why)
		}
	}

	cloud := s.Points()
	if cloud.Len() != 2 {
		t.Fatalf("Points().Len() = %d, want 2", cloud.Len())
	}
	// beam 2 points at pi rad
	want := []r3.Vec{{X: 1}, {X: -2}}
	for i, w := range want {
		got := cloud.At(i)
		if math.Abs(got.X-w.X) > 1e-9 || math.Abs(got.Y-w.Y) > 1e-9 {
			t.Errorf("At(%d) = %v, want %v", i, got, w)
		}
	}
	if cloud.Frame() != "laser" {
		t.Errorf("Frame() = %q, want laser", cloud.Frame())
	}
}
