package maps

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// InverseModel is the inverse sensor model used by the occupancy grids.
// Probabilities are converted to log-odds internally.
type InverseModel struct {
	ProbPrior    float64
	ProbFree     float64
	ProbOccupied float64
	ClampMin     float64
	ClampMax     float64
}

// DefaultInverseModel returns the prior/free/occupied probabilities used by
// the occupancy publishers (0.5/0.45/0.65) with OctoMap-style clamping.
func DefaultInverseModel() InverseModel {
	return InverseModel{
		ProbPrior:    0.5,
		ProbFree:     0.45,
		ProbOccupied: 0.65,
		ClampMin:     0.1192,
		ClampMax:     0.971,
	}
}

// Validate checks that every probability lies strictly inside (0, 1) and the
// model actually distinguishes free from occupied space.
func (m InverseModel) Validate() error {
	for name, p := range map[string]float64{
		"prob_prior": m.ProbPrior, "prob_free": m.ProbFree, "prob_occupied": m.ProbOccupied,
		"clamp_min": m.ClampMin, "clamp_max": m.ClampMax,
	} {
		if !(p > 0 && p < 1) {
			return fmt.Errorf("%s must be in (0, 1), got %v", name, p)
		}
	}
	if m.ProbFree >= m.ProbOccupied {
		return fmt.Errorf("prob_free (%v) must be below prob_occupied (%v)", m.ProbFree, m.ProbOccupied)
	}
	if m.ClampMin >= m.ClampMax {
		return fmt.Errorf("clamp_min (%v) must be below clamp_max (%v)", m.ClampMin, m.ClampMax)
	}
	return nil
}

func logOdds(p float64) float64 { return math.Log(p / (1 - p)) }

// Probability converts a log-odds value back to a probability.
func Probability(l float64) float64 { return 1 - 1/(1+math.Exp(l)) }

// GridParams configures a grid representation.
type GridParams struct {
	// Resolution is the cell edge length in metres.
	Resolution float64
	// MaxRange truncates rays; endpoints further away only clear space.
	MaxRange float64
	// Model is the inverse sensor model (occupancy grids only).
	Model InverseModel
	// MaxUpdateCells bounds the number of cells one observation may touch.
	// Zero selects DefaultMaxUpdateCells.
	MaxUpdateCells int
}

// DefaultMaxUpdateCells bounds the ray-casting work of a single observation.
const DefaultMaxUpdateCells = 1 << 22

func (p GridParams) validate() error {
	if !(p.Resolution > 0) || math.IsInf(p.Resolution, 0) {
		return fmt.Errorf("resolution must be positive, got %v", p.Resolution)
	}
	if p.MaxRange < 0 || math.IsNaN(p.MaxRange) {
		return fmt.Errorf("max_range must be non-negative, got %v", p.MaxRange)
	}
	return nil
}

// occupancyGrid is the log-odds grid shared by the 2-D and 3-D variants.
type occupancyGrid struct {
	dims      int
	params    GridParams
	frozen    bool
	cells     *tiles[float32]
	hit, miss float32
	min, max  float32
}

func newOccupancyGrid(dims int, p GridParams) (occupancyGrid, error) {
	if err := p.validate(); err != nil {
		return occupancyGrid{}, err
	}
	if err := p.Model.Validate(); err != nil {
		return occupancyGrid{}, err
	}
	if p.MaxUpdateCells <= 0 {
		p.MaxUpdateCells = DefaultMaxUpdateCells
	}
	prior := logOdds(p.Model.ProbPrior)
	return occupancyGrid{
		dims:   dims,
		params: p,
		cells:  newTiles[float32](dims),
		hit:    float32(logOdds(p.Model.ProbOccupied) - prior),
		miss:   float32(logOdds(p.Model.ProbFree) - prior),
		min:    float32(logOdds(p.Model.ClampMin)),
		max:    float32(logOdds(p.Model.ClampMax)),
	}, nil
}

func (g *occupancyGrid) Resolution() float64 { return g.params.Resolution }
func (g *occupancyGrid) CellCount() int      { return g.cells.used }

// Params returns the grid configuration.
func (g *occupancyGrid) Params() GridParams { return g.params }

func (g *occupancyGrid) forked() occupancyGrid {
	c := *g
	c.cells = g.cells.fork()
	c.frozen = true
	return c
}

func (g *occupancyGrid) project(p r3.Vec) r3.Vec {
	if g.dims == 2 {
		p.Z = 0
	}
	return p
}

// Insert ray-casts from origin to every endpoint: cells along each ray are
// updated as free and the endpoint cell as occupied. Endpoints beyond
// MaxRange are truncated and only clear space. The grid is unchanged when an
// error is returned.
func (g *occupancyGrid) Insert(origin r3.Vec, endpoints []r3.Vec) error {
	if g.frozen {
		return ErrReadOnly
	}
	origin = g.project(origin)
	if !finite(origin) {
		return fmt.Errorf("%w: sensor origin %v is not finite", ErrUnsupportedGeometry, origin)
	}
	res := g.params.Resolution
	if !indexable(origin, res, g.dims) {
		return fmt.Errorf("%w: sensor origin %v is outside the grid extent", ErrUnsupportedGeometry, origin)
	}

	type ray struct {
		end r3.Vec
		hit bool
	}
	rays := make([]ray, 0, len(endpoints))
	budget := 0
	for _, e := range endpoints {
		e = g.project(e)
		if !finite(e) {
			return fmt.Errorf("%w: endpoint %v is not finite", ErrUnsupportedGeometry, e)
		}
		r := ray{end: e, hit: true}
		if g.params.MaxRange > 0 {
			d := r3.Sub(e, origin)
			if n := r3.Norm(d); n > g.params.MaxRange {
				r.end = r3.Add(origin, r3.Scale(g.params.MaxRange/n, d))
				r.hit = false
			}
		}
		if !indexable(r.end, res, g.dims) {
			return fmt.Errorf("%w: endpoint %v is outside the grid extent", ErrUnsupportedGeometry, e)
		}
		budget += manhattan(keyOf(origin, res, g.dims), keyOf(r.end, res, g.dims)) + 1
		if budget > g.params.MaxUpdateCells {
			return fmt.Errorf("%w: update touches more than %d cells", ErrUnsupportedGeometry, g.params.MaxUpdateCells)
		}
		rays = append(rays, r)
	}

	free := make(map[cellKey]struct{})
	occupied := make(map[cellKey]struct{})
	for _, r := range rays {
		end := traverse(origin, r.end, res, g.dims, func(k cellKey) { free[k] = struct{}{} })
		if r.hit {
			occupied[end] = struct{}{}
		} else {
			free[end] = struct{}{}
		}
	}
	for k := range occupied {
		delete(free, k)
	}

	for k := range free {
		g.update(k, g.miss)
	}
	for k := range occupied {
		g.update(k, g.hit)
	}
	return nil
}

func (g *occupancyGrid) update(k cellKey, delta float32) {
	c := g.cells.mutable(k)
	v := *c + delta
	if v < g.min {
		v = g.min
	} else if v > g.max {
		v = g.max
	}
	*c = v
}

func (g *occupancyGrid) probabilityAt(k cellKey) (float64, bool) {
	l, ok := g.cells.get(k)
	if !ok {
		return g.params.Model.ProbPrior, false
	}
	return Probability(float64(l)), true
}

// Each visits every known cell centre with its occupancy probability in
// deterministic order.
func (g *occupancyGrid) Each(fn func(center r3.Vec, p float64)) {
	res := g.params.Resolution
	g.cells.each(func(k cellKey, l float32) {
		fn(k.center(res, g.dims), Probability(float64(l)))
	})
}

// Occupied reports whether p is above the occupied threshold.
func (g *occupancyGrid) Occupied(p float64) bool {
	return p > g.params.Model.ProbPrior
}

func finite(v r3.Vec) bool {
	return !math.IsNaN(v.X+v.Y+v.Z) && !math.IsInf(v.X+v.Y+v.Z, 0)
}

func absDiff(a, b int32) int {
	d := int64(a) - int64(b)
	if d < 0 {
		d = -d
	}
	return int(d)
}

func manhattan(a, b cellKey) int {
	return absDiff(a.X, b.X) + absDiff(a.Y, b.Y) + absDiff(a.Z, b.Z)
}

// traverse walks the cells crossed by segment a→b (Amanatides–Woo), calling
// visit for every cell except the one containing b, which is returned.
func traverse(a, b r3.Vec, res float64, dims int, visit func(cellKey)) cellKey {
	cur, end := keyOf(a, res, dims), keyOf(b, res, dims)
	av := [3]float64{a.X, a.Y, a.Z}
	dv := [3]float64{b.X - a.X, b.Y - a.Y, b.Z - a.Z}
	cv := [3]int32{cur.X, cur.Y, cur.Z}
	ev := [3]int32{end.X, end.Y, end.Z}

	var step [3]int32
	tMax := [3]float64{math.Inf(1), math.Inf(1), math.Inf(1)}
	tDelta := tMax
	for i := 0; i < dims; i++ {
		switch {
		case dv[i] > 0:
			step[i] = 1
			tMax[i] = (float64(cv[i]+1)*res - av[i]) / dv[i]
			tDelta[i] = res / dv[i]
		case dv[i] < 0:
			step[i] = -1
			tMax[i] = (float64(cv[i])*res - av[i]) / dv[i]
			tDelta[i] = -res / dv[i]
		}
	}

	limit := manhattan(cur, end)
	for n := 0; n < limit && cv != ev; n++ {
		visit(cellKey{X: cv[0], Y: cv[1], Z: cv[2]})
		axis := 0
		for i := 1; i < dims; i++ {
			if tMax[i] < tMax[axis] {
				axis = i
			}
		}
		cv[axis] += step[axis]
		tMax[axis] += tDelta[axis]
	}
	return end
}
