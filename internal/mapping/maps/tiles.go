package maps

import (
	"cmp"
	"math"
	"slices"

	"gonum.org/v1/gonum/spatial/r3"
)

const (
	tileBits = 4
	tileSize = 1 << tileBits
	tileMask = tileSize - 1
)

// cellKey is an integer cell coordinate. Two-dimensional grids keep Z at 0.
type cellKey struct {
	X, Y, Z int32
}

func compareKeys(a, b cellKey) int {
	if c := cmp.Compare(a.Z, b.Z); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Y, b.Y); c != 0 {
		return c
	}
	return cmp.Compare(a.X, b.X)
}

// maxCellIndex leaves one tile of headroom below the int32 limit so tile
// arithmetic on a valid key never wraps.
const maxCellIndex = math.MaxInt32 - tileSize

// indexable reports whether every coordinate of p maps to a cell index that
// fits a cellKey at resolution res.
func indexable(p r3.Vec, res float64, dims int) bool {
	ok := math.Abs(p.X/res) <= maxCellIndex && math.Abs(p.Y/res) <= maxCellIndex
	if dims == 3 {
		ok = ok && math.Abs(p.Z/res) <= maxCellIndex
	}
	return ok
}

func keyOf(p r3.Vec, res float64, dims int) cellKey {
	k := cellKey{
		X: int32(math.Floor(p.X / res)),
		Y: int32(math.Floor(p.Y / res)),
	}
	if dims == 3 {
		k.Z = int32(math.Floor(p.Z / res))
	}
	return k
}

// center returns the metric centre of cell k.
func (k cellKey) center(res float64, dims int) r3.Vec {
	c := r3.Vec{X: (float64(k.X) + 0.5) * res, Y: (float64(k.Y) + 0.5) * res}
	if dims == 3 {
		c.Z = (float64(k.Z) + 0.5) * res
	}
	return c
}

// tile is a dense block of cells. A tile is only ever written by the table
// whose generation matches its own; older generations belong to snapshots.
type tile[C any] struct {
	gen   uint64
	used  int
	cells []C
	set   []bool
}

// tiles is a sparse, copy-on-write table of dense tiles.
type tiles[C any] struct {
	dims  int
	gen   uint64
	table map[cellKey]*tile[C]
	used  int
}

func newTiles[C any](dims int) *tiles[C] {
	return &tiles[C]{dims: dims, table: make(map[cellKey]*tile[C])}
}

func (t *tiles[C]) cellsPerTile() int {
	if t.dims == 3 {
		return tileSize * tileSize * tileSize
	}
	return tileSize * tileSize
}

func (t *tiles[C]) split(k cellKey) (cellKey, int) {
	tk := cellKey{X: k.X >> tileBits, Y: k.Y >> tileBits, Z: k.Z >> tileBits}
	idx := int(k.X&tileMask) + tileSize*int(k.Y&tileMask)
	if t.dims == 3 {
		idx += tileSize * tileSize * int(k.Z&tileMask)
	}
	return tk, idx
}

func (t *tiles[C]) join(tk cellKey, idx int) cellKey {
	k := cellKey{
		X: tk.X<<tileBits | int32(idx%tileSize),
		Y: tk.Y<<tileBits | int32((idx/tileSize)%tileSize),
	}
	if t.dims == 3 {
		k.Z = tk.Z<<tileBits | int32(idx/(tileSize*tileSize))
	}
	return k
}

// get returns the cell at k and whether it holds data.
func (t *tiles[C]) get(k cellKey) (C, bool) {
	var zero C
	tk, idx := t.split(k)
	tl := t.table[tk]
	if tl == nil || !tl.set[idx] {
		return zero, false
	}
	return tl.cells[idx], true
}

// mutable returns a pointer to the cell at k, copying its tile first when the
// tile is shared with a snapshot.
func (t *tiles[C]) mutable(k cellKey) *C {
	tk, idx := t.split(k)
	tl := t.table[tk]
	switch {
	case tl == nil:
		n := t.cellsPerTile()
		tl = &tile[C]{gen: t.gen, cells: make([]C, n), set: make([]bool, n)}
		t.table[tk] = tl
	case tl.gen != t.gen:
		tl = &tile[C]{gen: t.gen, used: tl.used, cells: slices.Clone(tl.cells), set: slices.Clone(tl.set)}
		t.table[tk] = tl
	}
	if !tl.set[idx] {
		tl.set[idx] = true
		tl.used++
		t.used++
	}
	return &tl.cells[idx]
}

// fork returns a frozen copy of the table and moves the live table to a new
// generation so that subsequent writes copy shared tiles.
func (t *tiles[C]) fork() *tiles[C] {
	snap := &tiles[C]{dims: t.dims, gen: t.gen, used: t.used, table: make(map[cellKey]*tile[C], len(t.table))}
	for k, v := range t.table {
		snap.table[k] = v
	}
	t.gen++
	return snap
}

// each visits every populated cell in deterministic (z, y, x) order.
func (t *tiles[C]) each(fn func(k cellKey, c C)) {
	keys := make([]cellKey, 0, t.used)
	for tk, tl := range t.table {
		for idx, ok := range tl.set {
			if ok {
				keys = append(keys, t.join(tk, idx))
			}
		}
	}
	slices.SortFunc(keys, compareKeys)
	for _, k := range keys {
		c, _ := t.get(k)
		fn(k, c)
	}
}

// shares reports whether t and o hold the very same tile for tile key tk.
func (t *tiles[C]) shares(o *tiles[C], tk cellKey) bool {
	a, b := t.table[tk], o.table[tk]
	return a != nil && a == b
}
