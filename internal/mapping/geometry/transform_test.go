package geometry

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

const eps = 1e-9

func near(a, b r3.Vec) bool {
	return math.Abs(a.X-b.X) < eps && math.Abs(a.Y-b.Y) < eps && math.Abs(a.Z-b.Z) < eps
}

func TestApply(t *testing.T) {
	a := FromYaw(math.Pi/2, r3.Vec{X: 1})
	b := FromYaw(-math.Pi/4, r3.Vec{Y: 2, Z: 0.5})
	tr := FromRPY(0.1, -0.2, 0.3, r3.Vec{X: 4, Y: -5, Z: 6})
	p := r3.Vec{X: 0.3, Y: -0.7, Z: 1.1}

	tests := []struct {
		name string
		got  r3.Vec
		want r3.Vec
	}{
		{"identity", Identity().Apply(r3.Vec{X: 1, Y: -2, Z: 3}), r3.Vec{X: 1, Y: -2, Z: 3}},
		{"yaw rotates about z", FromYaw(math.Pi/2, r3.Vec{X: 10}).Apply(r3.Vec{X: 1}), r3.Vec{X: 10, Y: 1}},
		{"roll moves +y onto +z", FromRPY(math.Pi/2, 0, 0, r3.Vec{}).Apply(r3.Vec{Y: 1}), r3.Vec{Z: 1}},
		{"compose", a.Compose(b).Apply(p), a.Apply(b.Apply(p))},
		{"inverse after apply", tr.Inverse().Apply(tr.Apply(p)), p},
		{"compose with inverse", tr.Compose(tr.Inverse()).Apply(p), p},
	}
	for _, tt := range tests {
		if !near(tt.got, tt.want) {
			t.Errorf("%s: got %v, want %v", tt.name, tt.got, tt.want)
		}
	}

	if yaw := FromYaw(math.Pi/2, r3.Vec{}).Yaw(); math.Abs(yaw-math.Pi/2) > eps {
		t.Errorf("Yaw() = %v, want pi/2", yaw)
	}
}

func TestIsFinite(t *testing.T) {
	tests := []struct {
		v    r3.Vec
		want bool
	}{
		{r3.Vec{X: 1}, true},
		{r3.Vec{X: math.NaN()}, false},
		{r3.Vec{Z: math.Inf(-1)}, false},
	}
	for _, tt := range tests {
		if got := IsFinite(tt.v); got != tt.want {
			t.Errorf("IsFinite(%v) = %v, want %v", tt.v, got, tt.want)
		}
	}

	if !IsFiniteTransform(Identity()) {
		t.Error("IsFiniteTransform(Identity()) = false")
	}
	bad := Identity()
	bad.Translation.Y = math.Inf(1)
	if IsFiniteTransform(bad) {
		t.Error("IsFiniteTransform accepted an infinite translation")
	}
}
