package maps

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// ndtCell accumulates a running mean and scatter matrix (Welford). Scatter
// holds the upper triangle xx, xy, xz, yy, yz, zz.
type ndtCell struct {
	N       uint32
	Mean    [3]float64
	Scatter [6]float64
}

func (c *ndtCell) add(p r3.Vec) {
	c.N++
	x := [3]float64{p.X, p.Y, p.Z}
	var d, d2 [3]float64
	for i := range x {
		d[i] = x[i] - c.Mean[i]
		c.Mean[i] += d[i] / float64(c.N)
		d2[i] = x[i] - c.Mean[i]
	}
	c.Scatter[0] += d[0] * d2[0]
	c.Scatter[1] += d[0] * d2[1]
	c.Scatter[2] += d[0] * d2[2]
	c.Scatter[3] += d[1] * d2[1]
	c.Scatter[4] += d[1] * d2[2]
	c.Scatter[5] += d[2] * d2[2]
}

// Distribution is the normal distribution fitted to one voxel.
type Distribution struct {
	// Center is the voxel centre.
	Center r3.Vec
	N      int
	Mean   r3.Vec
	// Covariance is the unbiased sample covariance; it is zero for fewer
	// than two samples.
	Covariance *mat.SymDense
}

func (c ndtCell) distribution(center r3.Vec) Distribution {
	cov := mat.NewSymDense(3, nil)
	if c.N > 1 {
		s := 1 / float64(c.N-1)
		cov.SetSym(0, 0, c.Scatter[0]*s)
		cov.SetSym(0, 1, c.Scatter[1]*s)
		cov.SetSym(0, 2, c.Scatter[2]*s)
		cov.SetSym(1, 1, c.Scatter[3]*s)
		cov.SetSym(1, 2, c.Scatter[4]*s)
		cov.SetSym(2, 2, c.Scatter[5]*s)
	}
	return Distribution{
		Center:     center,
		N:          int(c.N),
		Mean:       r3.Vec{X: c.Mean[0], Y: c.Mean[1], Z: c.Mean[2]},
		Covariance: cov,
	}
}

// NDTGrid3D is a sparse voxel grid of normal distributions.
type NDTGrid3D struct {
	params GridParams
	frozen bool
	cells  *tiles[ndtCell]
}

// NewNDTGrid3D returns an empty NDT grid. Only Resolution and MaxRange of p
// are used; MaxRange bounds the distance of accepted points from the origin
// passed to Insert.
func NewNDTGrid3D(p GridParams) (*NDTGrid3D, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &NDTGrid3D{params: p, cells: newTiles[ndtCell](3)}, nil
}

func (g *NDTGrid3D) Variant() Variant    { return VariantNDTGrid3D }
func (g *NDTGrid3D) Resolution() float64 { return g.params.Resolution }
func (g *NDTGrid3D) CellCount() int      { return g.cells.used }
func (g *NDTGrid3D) Params() GridParams  { return g.params }

// Insert adds points observed from origin. Points further than MaxRange
// from origin are skipped. Non-finite input, or a kept point whose cell index
// would overflow, fails the whole update.
func (g *NDTGrid3D) Insert(origin r3.Vec, points []r3.Vec) error {
	if g.frozen {
		return ErrReadOnly
	}
	if !finite(origin) {
		return fmt.Errorf("%w: sensor origin %v is not finite", ErrUnsupportedGeometry, origin)
	}
	for _, p := range points {
		if !finite(p) {
			return fmt.Errorf("%w: point %v is not finite", ErrUnsupportedGeometry, p)
		}
		if g.inRange(origin, p) && !indexable(p, g.params.Resolution, 3) {
			return fmt.Errorf("%w: point %v is outside the grid extent", ErrUnsupportedGeometry, p)
		}
	}
	for _, p := range points {
		if !g.inRange(origin, p) {
			continue
		}
		g.cells.mutable(keyOf(p, g.params.Resolution, 3)).add(p)
	}
	return nil
}

func (g *NDTGrid3D) inRange(origin, p r3.Vec) bool {
	return g.params.MaxRange <= 0 || r3.Norm(r3.Sub(p, origin)) <= g.params.MaxRange
}

// DistributionAt returns the distribution of the voxel containing p.
func (g *NDTGrid3D) DistributionAt(p r3.Vec) (Distribution, bool) {
	k := keyOf(p, g.params.Resolution, 3)
	c, ok := g.cells.get(k)
	if !ok {
		return Distribution{}, false
	}
	return c.distribution(k.center(g.params.Resolution, 3)), true
}

// Each visits every populated voxel in deterministic order.
func (g *NDTGrid3D) Each(fn func(d Distribution)) {
	g.cells.each(func(k cellKey, c ndtCell) {
		fn(c.distribution(k.center(g.params.Resolution, 3)))
	})
}

func (g *NDTGrid3D) fork() Representation {
	c := *g
	c.cells = g.cells.fork()
	c.frozen = true
	return &c
}

func (g *NDTGrid3D) accept(v Visitor) error { return v.VisitNDTGrid3D(g) }
