// Package publisher defines the consumers that receive map snapshots on a
// mapper's publication cadence.
package publisher

import (
	"sync"
	"time"

	"github.com/banshee-data/mapping/internal/mapping/maps"
)

// Publisher receives snapshots. Publish is called on the mapper's worker
// goroutine and must not block for long; a returned error is logged and
// counted by the caller.
type Publisher interface {
	Name() string
	Publish(mapper string, snap *maps.Snapshot, stamp time.Time) error
}

// Registry resolves publisher names.
type Registry map[string]Publisher

// Add registers p under its name, replacing any previous entry.
func (r Registry) Add(p Publisher) { r[p.Name()] = p }

// Func adapts a function to the Publisher interface.
type Func struct {
	ID string
	Fn func(mapper string, snap *maps.Snapshot, stamp time.Time) error
}

func (f Func) Name() string { return f.ID }

func (f Func) Publish(mapper string, snap *maps.Snapshot, stamp time.Time) error {
	return f.Fn(mapper, snap, stamp)
}

// Delivery is one recorded Publish call.
type Delivery struct {
	Mapper   string
	Snapshot *maps.Snapshot
	Stamp    time.Time
}

// Recorder keeps every snapshot it is given. It is used by tools and tests
// that want to inspect publications after the fact.
type Recorder struct {
	name string
	err  error

	mu     sync.Mutex
	got    []Delivery
	notify chan struct{}
}

// NewRecorder returns a Recorder called name.
func NewRecorder(name string) *Recorder {
	return &Recorder{name: name, notify: make(chan struct{}, 1)}
}

// Fail makes subsequent Publish calls record the delivery and return err.
func (r *Recorder) Fail(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *Recorder) Name() string { return r.name }

func (r *Recorder) Publish(mapper string, snap *maps.Snapshot, stamp time.Time) error {
	r.mu.Lock()
	r.got = append(r.got, Delivery{Mapper: mapper, Snapshot: snap, Stamp: stamp})
	err := r.err
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return err
}

// Deliveries returns a copy of everything published so far.
func (r *Recorder) Deliveries() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Delivery(nil), r.got...)
}

// Len is the number of deliveries so far.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

// Notify receives a value after Publish calls; several calls may coalesce.
func (r *Recorder) Notify() <-chan struct{} { return r.notify }
