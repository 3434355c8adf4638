// Package data defines the observations delivered by data providers.
//
// Observations are immutable once constructed: constructors copy their input
// slices and accessors never hand out the backing arrays, so a single value
// can be shared between providers, ingestion queues and worker goroutines
// without synchronisation.
package data

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/spatial/r3"
)

// Kind tags the concrete observation type.
type Kind string

const (
	KindPointcloud3D Kind = "pointcloud_3d"
	KindLaserScan2D  Kind = "laserscan_2d"
)

// TimeFrame is the validity interval of an observation.
type TimeFrame struct {
	Start time.Time
	End   time.Time
}

// Duration returns End - Start.
func (tf TimeFrame) Duration() time.Duration {
	return tf.End.Sub(tf.Start)
}

// Observation is one unit of sensed data.
type Observation interface {
	Kind() Kind
	Frame() string
	TimeFrame() TimeFrame
}

// Pointcloud3D is a set of 3-D points expressed in the sensor frame.
type Pointcloud3D struct {
	frame  string
	tf     TimeFrame
	points []r3.Vec
}

// NewPointcloud3D copies points into a new immutable cloud.
func NewPointcloud3D(frame string, tf TimeFrame, points []r3.Vec) *Pointcloud3D {
	cp := make([]r3.Vec, len(points))
	copy(cp, points)
	return &Pointcloud3D{frame: frame, tf: tf, points: cp}
}

func (c *Pointcloud3D) Kind() Kind           { return KindPointcloud3D }
func (c *Pointcloud3D) Frame() string        { return c.frame }
func (c *Pointcloud3D) TimeFrame() TimeFrame { return c.tf }

// Len returns the number of points.
func (c *Pointcloud3D) Len() int { return len(c.points) }

// At returns point i.
func (c *Pointcloud3D) At(i int) r3.Vec { return c.points[i] }

// Each calls fn for every point in order.
func (c *Pointcloud3D) Each(fn func(p r3.Vec)) {
	for _, p := range c.points {
		fn(p)
	}
}

func (c *Pointcloud3D) String() string {
	return fmt.Sprintf("Pointcloud3D{frame=%s points=%d start=%s}", c.frame, len(c.points), c.tf.Start.Format(time.RFC3339Nano))
}

// LaserScan2D is a planar range scan. Beam i points at
// AngleMin + i*AngleIncrement radians in the scan frame's XY plane.
type LaserScan2D struct {
	frame          string
	tf             TimeFrame
	AngleMin       float64
	AngleIncrement float64
	RangeMin       float64
	RangeMax       float64
	ranges         []float64
}

// NewLaserScan2D copies ranges into a new immutable scan.
func NewLaserScan2D(frame string, tf TimeFrame, angleMin, angleIncrement, rangeMin, rangeMax float64, ranges []float64) *LaserScan2D {
	cp := make([]float64, len(ranges))
	copy(cp, ranges)
	return &LaserScan2D{
		frame:          frame,
		tf:             tf,
		AngleMin:       angleMin,
		AngleIncrement: angleIncrement,
		RangeMin:       rangeMin,
		RangeMax:       rangeMax,
		ranges:         cp,
	}
}

func (s *LaserScan2D) Kind() Kind           { return KindLaserScan2D }
func (s *LaserScan2D) Frame() string        { return s.frame }
func (s *LaserScan2D) TimeFrame() TimeFrame { return s.tf }

// Len returns the number of beams.
func (s *LaserScan2D) Len() int { return len(s.ranges) }

// Range returns the measured range of beam i.
func (s *LaserScan2D) Range(i int) float64 { return s.ranges[i] }

// Valid reports whether beam i carries a usable return.
func (s *LaserScan2D) Valid(i int) bool {
	r := s.ranges[i]
	return !math.IsNaN(r) && !math.IsInf(r, 0) && r >= s.RangeMin && r <= s.RangeMax
}

// Points projects the valid beams into a point cloud in the scan frame.
func (s *LaserScan2D) Points() *Pointcloud3D {
	pts := make([]r3.Vec, 0, len(s.ranges))
	for i, r := range s.ranges {
		if !s.Valid(i) {
			continue
		}
		a := s.AngleMin + float64(i)*s.AngleIncrement
		pts = append(pts, r3.Vec{X: r * math.Cos(a), Y: r * math.Sin(a)})
	}
	return &Pointcloud3D{frame: s.frame, tf: s.tf, points: pts}
}
