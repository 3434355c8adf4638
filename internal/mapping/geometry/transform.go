// Package geometry provides the rigid-body transforms used to move sensor
// data into a map frame. Vectors are gonum r3.Vec values and rotations are
// unit quaternions from gonum's quat package.
package geometry

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Transform maps points from a child frame into its parent frame:
// p_parent = R * p_child + T.
type Transform struct {
	Rotation    quat.Number
	Translation r3.Vec
}

// Identity returns the transform that leaves points unchanged.
func Identity() Transform {
	return Transform{Rotation: quat.Number{Real: 1}}
}

// FromRPY builds a transform from roll, pitch and yaw (radians, applied in
// Z-Y-X order) and a translation.
func FromRPY(roll, pitch, yaw float64, translation r3.Vec) Transform {
	cr, sr := math.Cos(roll/2), math.Sin(roll/2)
	cp, sp := math.Cos(pitch/2), math.Sin(pitch/2)
	cy, sy := math.Cos(yaw/2), math.Sin(yaw/2)

	q := quat.Number{
		Real: cr*cp*cy + sr*sp*sy,
		Imag: sr*cp*cy - cr*sp*sy,
		Jmag: cr*sp*cy + sr*cp*sy,
		Kmag: cr*cp*sy - sr*sp*cy,
	}
	return Transform{Rotation: normalize(q), Translation: translation}
}

// FromYaw builds a planar transform rotating about +Z.
func FromYaw(yaw float64, translation r3.Vec) Transform {
	return FromRPY(0, 0, yaw, translation)
}

func normalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, q)
}

// Rotate applies only the rotational part of t to v.
func (t Transform) Rotate(v r3.Vec) r3.Vec {
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(t.Rotation, p), quat.Conj(t.Rotation))
	return r3.Vec{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// Apply maps v from the child frame into the parent frame.
func (t Transform) Apply(v r3.Vec) r3.Vec {
	return r3.Add(t.Rotate(v), t.Translation)
}

// Compose returns t∘o: the transform that applies o first, then t.
func (t Transform) Compose(o Transform) Transform {
	return Transform{
		Rotation:    normalize(quat.Mul(t.Rotation, o.Rotation)),
		Translation: t.Apply(o.Translation),
	}
}

// Inverse returns the transform mapping parent-frame points back into the
// child frame.
func (t Transform) Inverse() Transform {
	inv := quat.Conj(t.Rotation)
	r := Transform{Rotation: inv}
	return Transform{Rotation: inv, Translation: r3.Scale(-1, r.Rotate(t.Translation))}
}

// Yaw returns the heading of the rotation about +Z in radians.
func (t Transform) Yaw() float64 {
	q := t.Rotation
	return math.Atan2(2*(q.Real*q.Kmag+q.Imag*q.Jmag), 1-2*(q.Jmag*q.Jmag+q.Kmag*q.Kmag))
}

// IsFinite reports whether every component of v is a finite number.
func IsFinite(v r3.Vec) bool {
	return !math.IsNaN(v.X) && !math.IsInf(v.X, 0) &&
		!math.IsNaN(v.Y) && !math.IsInf(v.Y, 0) &&
		!math.IsNaN(v.Z) && !math.IsInf(v.Z, 0)
}

// IsFiniteTransform reports whether both rotation and translation are finite
// and the rotation is a usable unit quaternion.
func IsFiniteTransform(t Transform) bool {
	q := t.Rotation
	for _, c := range []float64{q.Real, q.Imag, q.Jmag, q.Kmag} {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return IsFinite(t.Translation) && math.Abs(quat.Abs(q)-1) < 1e-6
}
