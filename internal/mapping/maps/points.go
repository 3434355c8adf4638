package maps

import "gonum.org/v1/gonum/spatial/r3"

// CellPoint is one populated cell flattened for display.
type CellPoint struct {
	Position r3.Vec
	// Value is the occupancy probability for occupancy grids and the sample
	// count for NDT voxels.
	Value float64
}

// Points returns the occupied cells of s (occupancy above the prior) or the
// voxel means of an NDT grid, in deterministic order.
func Points(s *Snapshot) []CellPoint {
	c := &pointCollector{}
	_ = s.Accept(c)
	return c.points
}

type pointCollector struct {
	points []CellPoint
}

func (c *pointCollector) occupied(g *occupancyGrid) {
	g.Each(func(center r3.Vec, p float64) {
		if g.Occupied(p) {
			c.points = append(c.points, CellPoint{Position: center, Value: p})
		}
	})
}

func (c *pointCollector) VisitOccupancyGrid2D(g *OccupancyGrid2D) error {
	c.occupied(&g.occupancyGrid)
	return nil
}

func (c *pointCollector) VisitOccupancyGrid3D(g *OccupancyGrid3D) error {
	c.occupied(&g.occupancyGrid)
	return nil
}

func (c *pointCollector) VisitNDTGrid3D(g *NDTGrid3D) error {
	g.Each(func(d Distribution) {
		c.points = append(c.points, CellPoint{Position: d.Mean, Value: float64(d.N)})
	})
	return nil
}
