// Package mapper runs mapping instances: each mapper filters observations
// from its providers into a queue, folds them into its map on one worker
// goroutine, and publishes snapshots of the map on a fixed cadence.
package mapper

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/banshee-data/mapping/internal/fsutil"
	"github.com/banshee-data/mapping/internal/mapping/data"
	"github.com/banshee-data/mapping/internal/mapping/maps"
	"github.com/banshee-data/mapping/internal/mapping/provider"
	"github.com/banshee-data/mapping/internal/mapping/publisher"
	"github.com/banshee-data/mapping/internal/mapping/queue"
	"github.com/banshee-data/mapping/internal/mapping/tf"
	"github.com/banshee-data/mapping/internal/monitoring"
	"github.com/banshee-data/mapping/internal/timeutil"
)

// State is a mapper's lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Stats are cumulative counters for one mapper.
type Stats struct {
	Accepted        uint64 `json:"accepted"`
	Rejected        uint64 `json:"rejected"`
	Dropped         uint64 `json:"dropped"`
	Applied         uint64 `json:"applied"`
	TFFailures      uint64 `json:"tf_failures"`
	UpdateFailures  uint64 `json:"update_failures"`
	Discarded       uint64 `json:"discarded"`
	Publishes       uint64 `json:"publishes"`
	PublishFailures uint64 `json:"publish_failures"`
	QueueLen        int    `json:"queue_len"`
}

type counters struct {
	accepted, rejected, dropped, applied  atomic.Uint64
	tfFailures, updateFailures, discarded atomic.Uint64
	publishes, publishFailures            atomic.Uint64
}

// Mapper is one mapping instance.
type Mapper struct {
	name       string
	opts       Options
	m          *maps.Map
	engine     Engine
	queue      *queue.Queue[data.Observation]
	conns      []provider.Connection
	publishers []publisher.Publisher
	tf         tf.Lookuper
	clock      timeutil.Clock
	fs         fsutil.FileSystem
	cadence    time.Duration
	logf       func(format string, v ...interface{})

	mu      sync.Mutex
	state   State
	done    chan struct{}
	stopped chan struct{}

	// stopping is read by the worker before every apply.
	stopping atomic.Bool

	stats counters

	queueDepth   prometheus.Gauge
	applySeconds prometheus.Observer
}

// New validates opts, builds the map and binds the mapper to its providers
// and publishers. Every failure wraps ErrConfiguration.
func New(name string, opts Options, deps Deps) (*Mapper, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: mapper name is empty", ErrConfiguration)
	}
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("mapper %q: %w", name, err)
	}
	if deps.Transforms == nil {
		return nil, fmt.Errorf("mapper %q: %w: no transform source", name, ErrConfiguration)
	}
	reg := deps.Registry
	if reg == nil {
		reg = DefaultRegistry()
	}
	factory, ok := reg.Lookup(opts.Type)
	if !ok {
		return nil, fmt.Errorf("mapper %q: %w: unknown map type %q (known: %v)", name, ErrConfiguration, opts.Type, reg.Types())
	}

	providers := make([]provider.Provider, 0, len(opts.DataProviders))
	for _, pn := range opts.DataProviders {
		p, ok := deps.Providers[pn]
		if !ok {
			return nil, fmt.Errorf("mapper %q: %w: unknown data provider %q", name, ErrConfiguration, pn)
		}
		providers = append(providers, p)
	}
	pubs := make([]publisher.Publisher, 0, len(opts.MapPublishers))
	for _, pn := range opts.MapPublishers {
		p, ok := deps.Publishers[pn]
		if !ok {
			return nil, fmt.Errorf("mapper %q: %w: unknown map publisher %q", name, ErrConfiguration, pn)
		}
		pubs = append(pubs, p)
	}

	m, engine, err := factory(opts)
	if err != nil {
		if !errors.Is(err, ErrConfiguration) {
			err = fmt.Errorf("%w: %w", ErrConfiguration, err)
		}
		return nil, fmt.Errorf("mapper %q: %w", name, err)
	}

	clock := deps.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	fsys := deps.FS
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}

	mp := &Mapper{
		name:   name,
		opts:   opts,
		m:      m,
		engine: engine,
		queue: queue.New[data.Observation](queue.Options{
			Capacity: opts.QueueCapacity,
			Policy:   opts.Backpressure,
			Clock:    clock,
		}),
		publishers:   pubs,
		tf:           deps.Transforms,
		clock:        clock,
		fs:           fsys,
		cadence:      opts.Cadence(),
		stopped:      make(chan struct{}),
		logf:         monitoring.Component("Mapper", name),
		queueDepth:   monitoring.QueueDepth.WithLabelValues(name),
		applySeconds: monitoring.ApplySeconds.WithLabelValues(name),
	}
	if len(pubs) == 0 {
		mp.logf("Warning: no map publishers configured; snapshots are only available through Map()")
	}
	for _, p := range providers {
		mp.conns = append(mp.conns, p.Connect(mp.onObservation))
	}
	mp.logf("created %s map in frame %s (providers=%v publishers=%v rate=%.2fHz queue=%d/%s)",
		m.Variant(), opts.MapFrame, opts.DataProviders, opts.MapPublishers,
		opts.PublishRate, opts.QueueCapacity, opts.Backpressure)
	return mp, nil
}

func (mp *Mapper) Name() string          { return mp.name }
func (mp *Mapper) Options() Options      { return mp.opts }
func (mp *Mapper) Variant() maps.Variant { return mp.m.Variant() }

// State returns the current lifecycle state.
func (mp *Mapper) State() State {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.state
}

// Map returns a read-only snapshot of the current map.
func (mp *Mapper) Map() *maps.Snapshot { return mp.m.Snapshot() }

// Stats returns the counters and the current queue length.
func (mp *Mapper) Stats() Stats {
	return Stats{
		Accepted:        mp.stats.accepted.Load(),
		Rejected:        mp.stats.rejected.Load(),
		Dropped:         mp.stats.dropped.Load(),
		Applied:         mp.stats.applied.Load(),
		TFFailures:      mp.stats.tfFailures.Load(),
		UpdateFailures:  mp.stats.updateFailures.Load(),
		Discarded:       mp.stats.discarded.Load(),
		Publishes:       mp.stats.publishes.Load(),
		PublishFailures: mp.stats.publishFailures.Load(),
		QueueLen:        mp.queue.Len(),
	}
}

func (mp *Mapper) count(c *atomic.Uint64, result string) {
	c.Add(1)
	monitoring.ObservationsTotal.WithLabelValues(mp.name, result).Inc()
}

// onObservation runs on provider goroutines.
func (mp *Mapper) onObservation(obs data.Observation) {
	if !mp.engine.Accepts(obs) {
		mp.count(&mp.stats.rejected, monitoring.ResultRejected)
		if mp.opts.Debug {
			mp.logf("rejected %s observation from %s", obs.Kind(), obs.Frame())
		}
		return
	}
	dropped, err := mp.queue.Push(obs)
	switch {
	case errors.Is(err, queue.ErrClosed):
		mp.count(&mp.stats.discarded, monitoring.ResultDiscarded)
		return
	case errors.Is(err, queue.ErrFull):
		mp.count(&mp.stats.dropped, monitoring.ResultDropped)
		return
	case err != nil:
		mp.logf("enqueue failed: %v", err)
		return
	}
	if dropped {
		mp.count(&mp.stats.dropped, monitoring.ResultDropped)
	}
	mp.count(&mp.stats.accepted, monitoring.ResultAccepted)
	mp.queueDepth.Set(float64(mp.queue.Len()))
}

// Start launches the worker. It may only be called once.
func (mp *Mapper) Start() error {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if mp.state != StateIdle {
		return fmt.Errorf("mapper %q is %s: %w", mp.name, mp.state, ErrAlreadyStarted)
	}
	mp.state = StateRunning
	mp.done = make(chan struct{})
	go mp.run(mp.done)
	mp.logf("started")
	return nil
}

// Stop stops the worker, disconnects the providers and discards queued
// observations. It is safe to call in any state and more than once; an
// observation being applied when Stop is called completes first.
func (mp *Mapper) Stop() {
	mp.mu.Lock()
	if mp.state == StateStopping || mp.state == StateStopped {
		mp.mu.Unlock()
		<-mp.stopped
		return
	}
	wasRunning := mp.state == StateRunning
	mp.stopping.Store(true)
	mp.state = StateStopping
	mp.mu.Unlock()

	if wasRunning {
		mp.queue.Wake()
		<-mp.done
	}

	mp.queue.Close()
	for _, c := range mp.conns {
		c.Disconnect()
	}
	for range mp.queue.Drain() {
		mp.count(&mp.stats.discarded, monitoring.ResultDiscarded)
	}
	mp.queueDepth.Set(0)

	mp.mu.Lock()
	mp.state = StateStopped
	mp.mu.Unlock()
	close(mp.stopped)

	st := mp.Stats()
	mp.logf("stopped (applied=%d discarded=%d publishes=%d)", st.Applied, st.Discarded, st.Publishes)
}

// run is the worker loop.
func (mp *Mapper) run(done chan struct{}) {
	defer close(done)

	publishing := mp.cadence > 0
	var due time.Time
	if publishing {
		due = mp.clock.Now().Add(mp.cadence)
	}

	for {
		if mp.stopping.Load() {
			return
		}
		timeout := time.Duration(-1)
		if publishing {
			timeout = max(mp.clock.Until(due), 0)
		}
		obs, ok := mp.queue.PopTimeout(timeout)
		for ok {
			if mp.stopping.Load() {
				mp.count(&mp.stats.discarded, monitoring.ResultDiscarded)
				return
			}
			mp.process(obs)
			if mp.stopping.Load() {
				return
			}
			if publishing {
				due = mp.maybePublish(due)
			}
			obs, ok = mp.queue.TryPop()
		}
		mp.queueDepth.Set(float64(mp.queue.Len()))
		if publishing && !mp.stopping.Load() {
			due = mp.maybePublish(due)
		}
	}
}

// process applies one observation. Failures are counted and logged, never
// returned.
func (mp *Mapper) process(obs data.Observation) {
	start := mp.clock.Now()
	t, err := mp.tf.Lookup(mp.opts.MapFrame, obs.Frame(), obs.TimeFrame().Start, mp.opts.TFTimeout)
	if err != nil {
		mp.count(&mp.stats.tfFailures, monitoring.ResultTFFailed)
		if mp.opts.Debug {
			mp.logf("dropping observation: %v", fmt.Errorf("%w: %s -> %s: %w", ErrTransformResolution, obs.Frame(), mp.opts.MapFrame, err))
		}
		return
	}
	if err := mp.engine.Apply(obs, t, mp.m); err != nil {
		mp.count(&mp.stats.updateFailures, monitoring.ResultUpdateFailed)
		if !errors.Is(err, ErrRepresentationUpdate) {
			err = fmt.Errorf("%w: %w", ErrRepresentationUpdate, err)
		}
		mp.logf("observation from %s not applied: %v", obs.Frame(), err)
		return
	}
	mp.count(&mp.stats.applied, monitoring.ResultApplied)
	mp.applySeconds.Observe(mp.clock.Since(start).Seconds())
}

// maybePublish publishes when due and returns the next due time.
func (mp *Mapper) maybePublish(due time.Time) time.Time {
	now := mp.clock.Now()
	if now.Before(due) {
		return due
	}
	mp.publish(now)
	return mp.clock.Now().Add(mp.cadence)
}

// publish hands one snapshot to every publisher in registration order.
func (mp *Mapper) publish(stamp time.Time) {
	snap := mp.m.Snapshot()
	for _, p := range mp.publishers {
		if err := p.Publish(mp.name, snap, stamp); err != nil {
			mp.stats.publishFailures.Add(1)
			monitoring.PublishTotal.WithLabelValues(mp.name, p.Name(), "error").Inc()
			mp.logf("publisher %s failed: %v", p.Name(), err)
			continue
		}
		monitoring.PublishTotal.WithLabelValues(mp.name, p.Name(), "ok").Inc()
	}
	mp.stats.publishes.Add(1)
}
