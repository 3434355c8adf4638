package mapper

import (
	"fmt"
	"sort"

	"github.com/banshee-data/mapping/internal/mapping/data"
	"github.com/banshee-data/mapping/internal/mapping/maps"
)

// Factory builds the map and matching engine for a mapper type.
type Factory func(opts Options) (*maps.Map, Engine, error)

// Registry maps type names to factories. It is assembled at start-up.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// Lookup returns the factory for name.
func (r *Registry) Lookup(name string) (Factory, bool) {
	f, ok := r.factories[name]
	return f, ok
}

// Types lists the registered type names, sorted.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// DefaultRegistry registers the built-in map types.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(maps.VariantOccupancyGrid2D.String(), newOccupancyGrid2D)
	r.Register(maps.VariantOccupancyGrid3D.String(), newOccupancyGrid3D)
	r.Register(maps.VariantNDTGrid3D.String(), newNDTGrid3D)
	return r
}

// DefaultResolution is the cell size used when Options.Resolution is 0.
func DefaultResolution(v maps.Variant) float64 {
	if v == maps.VariantOccupancyGrid2D {
		return 0.05
	}
	return 0.1
}

func gridParams(opts Options, v maps.Variant) maps.GridParams {
	p := maps.GridParams{
		Resolution: opts.Resolution,
		MaxRange:   opts.MaxRange,
		Model:      maps.DefaultInverseModel(),
	}
	if p.Resolution == 0 {
		p.Resolution = DefaultResolution(v)
	}
	if opts.Model != nil {
		p.Model = *opts.Model
	}
	return p
}

func newOccupancyGrid2D(opts Options) (*maps.Map, Engine, error) {
	g, err := maps.NewOccupancyGrid2D(gridParams(opts, maps.VariantOccupancyGrid2D))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	e := occupancyEngine[*maps.OccupancyGrid2D]{kinds: map[data.Kind]bool{
		data.KindLaserScan2D:  true,
		data.KindPointcloud3D: true,
	}}
	return maps.New(opts.MapFrame, g), e, nil
}

func newOccupancyGrid3D(opts Options) (*maps.Map, Engine, error) {
	g, err := maps.NewOccupancyGrid3D(gridParams(opts, maps.VariantOccupancyGrid3D))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	e := occupancyEngine[*maps.OccupancyGrid3D]{kinds: map[data.Kind]bool{data.KindPointcloud3D: true}}
	return maps.New(opts.MapFrame, g), e, nil
}

func newNDTGrid3D(opts Options) (*maps.Map, Engine, error) {
	g, err := maps.NewNDTGrid3D(gridParams(opts, maps.VariantNDTGrid3D))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return maps.New(opts.MapFrame, g), ndtEngine{}, nil
}
