package mapper

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/mapping/internal/mapping/data"
	"github.com/banshee-data/mapping/internal/mapping/geometry"
	"github.com/banshee-data/mapping/internal/mapping/maps"
)

// Engine folds observations into one kind of map.
type Engine interface {
	// Accepts is a pure predicate over the observation kind. It runs on
	// provider goroutines before enqueueing.
	Accepts(obs data.Observation) bool
	// Apply folds obs into m. t maps the observation frame into the map
	// frame. Apply runs on the worker goroutine only.
	Apply(obs data.Observation, t geometry.Transform, m *maps.Map) error
}

// pointsInMapFrame transforms every finite point of cloud by t and drops
// those that are not finite afterwards.
func pointsInMapFrame(cloud *data.Pointcloud3D, t geometry.Transform) []r3.Vec {
	out := make([]r3.Vec, 0, cloud.Len())
	cloud.Each(func(p r3.Vec) {
		if !geometry.IsFinite(p) {
			return
		}
		if q := t.Apply(p); geometry.IsFinite(q) {
			out = append(out, q)
		}
	})
	return out
}

func asCloud(obs data.Observation) (*data.Pointcloud3D, error) {
	switch o := obs.(type) {
	case *data.Pointcloud3D:
		return o, nil
	case *data.LaserScan2D:
		return o.Points(), nil
	default:
		return nil, fmt.Errorf("unsupported observation kind %q", obs.Kind())
	}
}

// occupancyEngine ray-casts point clouds (and, for the planar grid, laser
// scans) into an occupancy grid.
type occupancyEngine[G interface {
	maps.Representation
	Insert(origin r3.Vec, endpoints []r3.Vec) error
}] struct {
	kinds map[data.Kind]bool
}

func (e occupancyEngine[G]) Accepts(obs data.Observation) bool { return e.kinds[obs.Kind()] }

func (e occupancyEngine[G]) Apply(obs data.Observation, t geometry.Transform, m *maps.Map) error {
	cloud, err := asCloud(obs)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRepresentationUpdate, err)
	}
	pts := pointsInMapFrame(cloud, t)
	if len(pts) == 0 {
		return nil
	}
	if err := maps.UpdateAs(m, func(g G) error { return g.Insert(t.Translation, pts) }); err != nil {
		return fmt.Errorf("%w: %w", ErrRepresentationUpdate, err)
	}
	return nil
}

// ndtEngine accumulates point clouds into an NDT grid.
type ndtEngine struct{}

func (ndtEngine) Accepts(obs data.Observation) bool { return obs.Kind() == data.KindPointcloud3D }

func (ndtEngine) Apply(obs data.Observation, t geometry.Transform, m *maps.Map) error {
	cloud, ok := obs.(*data.Pointcloud3D)
	if !ok {
		return fmt.Errorf("%w: unsupported observation kind %q", ErrRepresentationUpdate, obs.Kind())
	}
	pts := pointsInMapFrame(cloud, t)
	if len(pts) == 0 {
		return nil
	}
	if err := maps.UpdateAs(m, func(g *maps.NDTGrid3D) error { return g.Insert(t.Translation, pts) }); err != nil {
		return fmt.Errorf("%w: %w", ErrRepresentationUpdate, err)
	}
	return nil
}
