package mapper

import (
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/mapping/internal/fsutil"
	"github.com/banshee-data/mapping/internal/mapping/maps"
	"github.com/banshee-data/mapping/internal/mapping/provider"
	"github.com/banshee-data/mapping/internal/mapping/publisher"
	"github.com/banshee-data/mapping/internal/mapping/queue"
	"github.com/banshee-data/mapping/internal/mapping/tf"
	"github.com/banshee-data/mapping/internal/timeutil"
)

// Defaults applied by DefaultOptions.
const (
	DefaultMapFrame    = "/map"
	DefaultPublishRate = 10.0
	DefaultTFTimeout   = 100 * time.Millisecond
	DefaultMaxRange    = 30.0
)

// Options configures one mapper.
type Options struct {
	// Type selects the map representation from the Registry.
	Type     string
	MapFrame string
	// PublishRate is the snapshot cadence in Hz; 0 disables publication.
	PublishRate float64
	// TFTimeout bounds how long a transform lookup may wait.
	TFTimeout time.Duration

	DataProviders []string
	MapPublishers []string

	// Resolution is the cell size in metres; 0 selects the type's default.
	Resolution float64
	MaxRange   float64
	// Model overrides the occupancy inverse sensor model when set.
	Model *maps.InverseModel

	// QueueCapacity bounds the ingestion queue; 0 leaves it unbounded.
	QueueCapacity int
	Backpressure  queue.Policy

	// Debug enables per-observation diagnostics.
	Debug bool
}

// DefaultOptions returns options with every default filled in except the
// map type and the provider and publisher bindings.
func DefaultOptions() Options {
	return Options{
		MapFrame:     DefaultMapFrame,
		PublishRate:  DefaultPublishRate,
		TFTimeout:    DefaultTFTimeout,
		MaxRange:     DefaultMaxRange,
		Backpressure: queue.PolicyDropOldest,
	}
}

// Cadence is the publication period, or 0 when publication is disabled.
func (o Options) Cadence() time.Duration {
	if o.PublishRate <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / o.PublishRate)
}

func (o Options) validate() error {
	if o.MapFrame == "" {
		return fmt.Errorf("%w: map_frame is empty", ErrConfiguration)
	}
	if o.PublishRate < 0 || math.IsNaN(o.PublishRate) || math.IsInf(o.PublishRate, 0) {
		return fmt.Errorf("%w: publish_rate must be a finite value >= 0, got %v", ErrConfiguration, o.PublishRate)
	}
	if o.TFTimeout < 0 {
		return fmt.Errorf("%w: tf_timeout must be >= 0, got %v", ErrConfiguration, o.TFTimeout)
	}
	if len(o.DataProviders) == 0 {
		return fmt.Errorf("%w: no data providers configured", ErrConfiguration)
	}
	if o.Resolution < 0 || math.IsNaN(o.Resolution) {
		return fmt.Errorf("%w: resolution must be >= 0, got %v", ErrConfiguration, o.Resolution)
	}
	if o.MaxRange < 0 || math.IsNaN(o.MaxRange) {
		return fmt.Errorf("%w: max_range must be >= 0, got %v", ErrConfiguration, o.MaxRange)
	}
	if o.QueueCapacity < 0 {
		return fmt.Errorf("%w: queue_capacity must be >= 0, got %d", ErrConfiguration, o.QueueCapacity)
	}
	return nil
}

// Deps are the collaborators a mapper is wired to.
type Deps struct {
	Providers  provider.Registry
	Publishers publisher.Registry
	Transforms tf.Lookuper
	// Registry defaults to DefaultRegistry().
	Registry *Registry
	// Clock defaults to the real clock.
	Clock timeutil.Clock
	// FS defaults to the OS filesystem.
	FS fsutil.FileSystem
}
