package maps

import (
	"gonum.org/v1/gonum/spatial/r3"
)

// OccupancyGrid2D is a planar log-odds occupancy grid. Inputs are projected
// onto the z = 0 plane.
type OccupancyGrid2D struct {
	occupancyGrid
}

// NewOccupancyGrid2D returns an empty planar grid.
func NewOccupancyGrid2D(p GridParams) (*OccupancyGrid2D, error) {
	g, err := newOccupancyGrid(2, p)
	if err != nil {
		return nil, err
	}
	return &OccupancyGrid2D{occupancyGrid: g}, nil
}

func (g *OccupancyGrid2D) Variant() Variant { return VariantOccupancyGrid2D }

// ProbabilityAt returns the occupancy probability of the cell containing
// (x, y) and whether the cell has ever been observed.
func (g *OccupancyGrid2D) ProbabilityAt(x, y float64) (float64, bool) {
	return g.probabilityAt(keyOf(r3.Vec{X: x, Y: y}, g.params.Resolution, 2))
}

func (g *OccupancyGrid2D) fork() Representation {
	return &OccupancyGrid2D{occupancyGrid: g.forked()}
}

func (g *OccupancyGrid2D) accept(v Visitor) error { return v.VisitOccupancyGrid2D(g) }

// OccupancyGrid3D is a sparse log-odds voxel grid.
type OccupancyGrid3D struct {
	occupancyGrid
}

// NewOccupancyGrid3D returns an empty voxel grid.
func NewOccupancyGrid3D(p GridParams) (*OccupancyGrid3D, error) {
	g, err := newOccupancyGrid(3, p)
	if err != nil {
		return nil, err
	}
	return &OccupancyGrid3D{occupancyGrid: g}, nil
}

func (g *OccupancyGrid3D) Variant() Variant { return VariantOccupancyGrid3D }

// ProbabilityAt returns the occupancy probability of the voxel containing p
// and whether the voxel has ever been observed.
func (g *OccupancyGrid3D) ProbabilityAt(p r3.Vec) (float64, bool) {
	return g.probabilityAt(keyOf(p, g.params.Resolution, 3))
}

func (g *OccupancyGrid3D) fork() Representation {
	return &OccupancyGrid3D{occupancyGrid: g.forked()}
}

func (g *OccupancyGrid3D) accept(v Visitor) error { return v.VisitOccupancyGrid3D(g) }
