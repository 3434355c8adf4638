// Package tf keeps a tree of coordinate frames and answers transform
// lookups between any two frames at a point in time.
package tf

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/mapping/internal/mapping/geometry"
	"github.com/banshee-data/mapping/internal/timeutil"
)

var (
	// ErrUnknownFrame is returned when a frame is not in the tree, or the
	// two frames of a lookup are not connected.
	ErrUnknownFrame = errors.New("unknown frame")
	// ErrExtrapolation is returned when a lookup time lies outside an
	// edge's sample history.
	ErrExtrapolation = errors.New("transform extrapolation")
	// ErrTimeout is returned when a lookup waited its full timeout.
	ErrTimeout = errors.New("transform lookup timed out")
)

// Lookuper resolves the transform that maps points from source into target.
type Lookuper interface {
	Lookup(target, source string, at time.Time, timeout time.Duration) (geometry.Transform, error)
}

// DefaultHistory is the number of samples kept per dynamic edge.
const DefaultHistory = 128

type sample struct {
	stamp time.Time
	t     geometry.Transform
}

type edge struct {
	parent  string
	static  bool
	history []sample
}

// errFuture marks an edge whose newest sample is older than the lookup
// time; it is the only failure that waiting can fix besides unknown frames.
var errFuture = errors.New("lookup time is newer than the latest sample")

func (e *edge) at(stamp time.Time) (geometry.Transform, error) {
	if e.static {
		return e.history[len(e.history)-1].t, nil
	}
	if stamp.Before(e.history[0].stamp) {
		return geometry.Transform{}, fmt.Errorf("%w: %v is before the oldest sample %v",
			ErrExtrapolation, stamp, e.history[0].stamp)
	}
	last := e.history[len(e.history)-1]
	if stamp.After(last.stamp) {
		return geometry.Transform{}, fmt.Errorf("%w: %w (%v > %v)", ErrExtrapolation, errFuture, stamp, last.stamp)
	}
	i := sort.Search(len(e.history), func(i int) bool { return e.history[i].stamp.After(stamp) })
	return e.history[i-1].t, nil
}

// Options configures a Buffer.
type Options struct {
	// History bounds the samples kept per dynamic edge; 0 selects DefaultHistory.
	History int
	Clock   timeutil.Clock
}

// Buffer is a frame tree with one parent per child and a bounded sample
// history per edge. It is safe for concurrent use.
type Buffer struct {
	history int
	clock   timeutil.Clock

	mu      sync.Mutex
	edges   map[string]*edge
	changed chan struct{}
}

// NewBuffer returns an empty Buffer.
func NewBuffer(opts Options) *Buffer {
	if opts.History <= 0 {
		opts.History = DefaultHistory
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	return &Buffer{
		history: opts.History,
		clock:   opts.Clock,
		edges:   make(map[string]*edge),
		changed: make(chan struct{}),
	}
}

// canonical drops the leading slash so "/map" and "map" name the same frame.
func canonical(frame string) string {
	return strings.TrimPrefix(frame, "/")
}

// SetTransform records t as the transform from child into parent at stamp.
// Static edges are valid at every time. Re-parenting a child discards its
// history.
func (b *Buffer) SetTransform(parent, child string, stamp time.Time, t geometry.Transform, static bool) error {
	parent, child = canonical(parent), canonical(child)
	if parent == "" || child == "" {
		return fmt.Errorf("empty frame name (parent %q, child %q)", parent, child)
	}
	if parent == child {
		return fmt.Errorf("frame %q cannot be its own parent", child)
	}
	if !geometry.IsFiniteTransform(t) {
		return fmt.Errorf("transform %s -> %s is not finite", child, parent)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for f := parent; ; {
		e, ok := b.edges[f]
		if !ok {
			break
		}
		if e.parent == child {
			return fmt.Errorf("edge %s -> %s would create a cycle", child, parent)
		}
		f = e.parent
	}

	e, ok := b.edges[child]
	if !ok || e.parent != parent || e.static != static {
		e = &edge{parent: parent, static: static}
		b.edges[child] = e
	}
	s := sample{stamp: stamp, t: t}
	switch {
	case static:
		e.history = []sample{s}
	case len(e.history) == 0 || !stamp.Before(e.history[len(e.history)-1].stamp):
		e.history = append(e.history, s)
	default:
		i := sort.Search(len(e.history), func(i int) bool { return e.history[i].stamp.After(stamp) })
		e.history = append(e.history, sample{})
		copy(e.history[i+1:], e.history[i:])
		e.history[i] = s
	}
	if n := len(e.history) - b.history; n > 0 {
		e.history = append(e.history[:0], e.history[n:]...)
	}

	close(b.changed)
	b.changed = make(chan struct{})
	return nil
}

// Frames returns every known frame, sorted.
func (b *Buffer) Frames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	seen := make(map[string]struct{})
	for child, e := range b.edges {
		seen[child] = struct{}{}
		seen[e.parent] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Lookup returns the transform mapping source-frame points into target at
// time at. When the data needed is not there yet it waits up to timeout for
// new samples; a non-positive timeout fails immediately.
func (b *Buffer) Lookup(target, source string, at time.Time, timeout time.Duration) (geometry.Transform, error) {
	target, source = canonical(target), canonical(source)
	if target == source {
		return geometry.Identity(), nil
	}

	var timer timeutil.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		b.mu.Lock()
		t, err := b.resolve(target, source, at)
		changed := b.changed
		b.mu.Unlock()

		if err == nil {
			return t, nil
		}
		retry := errors.Is(err, errFuture) || errors.Is(err, ErrUnknownFrame)
		if !retry || timeout <= 0 {
			return geometry.Transform{}, err
		}
		if timer == nil {
			timer = b.clock.NewTimer(timeout)
		}
		select {
		case <-changed:
		case <-timer.C():
			return geometry.Transform{}, fmt.Errorf("%w after %v: %w", ErrTimeout, timeout, err)
		}
	}
}

// chain returns the frames from f up to its root, f included.
func (b *Buffer) chain(f string) []string {
	out := []string{f}
	for {
		e, ok := b.edges[f]
		if !ok {
			return out
		}
		f = e.parent
		out = append(out, f)
	}
}

// toAncestor composes the edges from path[0] up to path[n].
func (b *Buffer) toAncestor(path []string, n int, at time.Time) (geometry.Transform, error) {
	t := geometry.Identity()
	for i := n - 1; i >= 0; i-- {
		step, err := b.edges[path[i]].at(at)
		if err != nil {
			return geometry.Transform{}, fmt.Errorf("%s -> %s: %w", path[i], path[i+1], err)
		}
		t = t.Compose(step)
	}
	return t, nil
}

func (b *Buffer) resolve(target, source string, at time.Time) (geometry.Transform, error) {
	sp, tp := b.chain(source), b.chain(target)
	depth := make(map[string]int, len(tp))
	for i, f := range tp {
		depth[f] = i
	}
	si, ti := -1, -1
	for i, f := range sp {
		if j, ok := depth[f]; ok {
			si, ti = i, j
			break
		}
	}
	if si < 0 {
		return geometry.Transform{}, fmt.Errorf("%w: no path from %q to %q", ErrUnknownFrame, source, target)
	}

	ancSource, err := b.toAncestor(sp, si, at)
	if err != nil {
		return geometry.Transform{}, err
	}
	ancTarget, err := b.toAncestor(tp, ti, at)
	if err != nil {
		return geometry.Transform{}, err
	}
	return ancTarget.Inverse().Compose(ancSource), nil
}
