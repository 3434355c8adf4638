// Package maps holds the map representations built by the mappers.
//
// A Map owns exactly one representation from a closed set (OccupancyGrid2D,
// OccupancyGrid3D, NDTGrid3D). The set is sealed by an unexported method, and
// Visitor has one method per variant, so adding a representation breaks every
// exhaustive consumer at compile time instead of silently falling through a
// runtime type check.
//
// Readers never see a map that is being written: Snapshot forks the
// representation's tile table under a short critical section, and later
// writes copy a tile before touching it. Successive snapshots therefore share
// every tile that was not modified in between.
package maps

import (
	"errors"
	"fmt"
)

// Variant identifies the concrete representation held by a Map.
type Variant int

const (
	VariantOccupancyGrid2D Variant = iota + 1
	VariantOccupancyGrid3D
	VariantNDTGrid3D
)

func (v Variant) String() string {
	switch v {
	case VariantOccupancyGrid2D:
		return "occupancy_grid_2d"
	case VariantOccupancyGrid3D:
		return "occupancy_grid_3d"
	case VariantNDTGrid3D:
		return "ndt_grid_3d"
	default:
		return fmt.Sprintf("variant(%d)", int(v))
	}
}

// Extension is the file extension used when persisting this variant.
func (v Variant) Extension() string {
	switch v {
	case VariantOccupancyGrid2D:
		return "og2"
	case VariantOccupancyGrid3D:
		return "og3"
	case VariantNDTGrid3D:
		return "ndt"
	default:
		return "map"
	}
}

var (
	// ErrTypeMismatch is returned when a map is accessed as a variant it does not hold.
	ErrTypeMismatch = errors.New("map variant mismatch")

	// ErrUnsupportedGeometry is returned when an update cannot be applied to a
	// representation. The representation is left unchanged.
	ErrUnsupportedGeometry = errors.New("unsupported geometry")

	// ErrReadOnly is returned when a snapshot's representation is mutated.
	ErrReadOnly = errors.New("representation is a read-only snapshot")
)

// Representation is implemented only by the types in this package.
type Representation interface {
	Variant() Variant
	// Resolution is the cell edge length in metres.
	Resolution() float64
	// CellCount is the number of cells holding data.
	CellCount() int

	fork() Representation
	accept(v Visitor) error
	encode(e *encoder) error
}

// Visitor dispatches over the closed set of representations.
type Visitor interface {
	VisitOccupancyGrid2D(g *OccupancyGrid2D) error
	VisitOccupancyGrid3D(g *OccupancyGrid3D) error
	VisitNDTGrid3D(g *NDTGrid3D) error
}
