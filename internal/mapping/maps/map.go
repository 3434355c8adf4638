package maps

import (
	"fmt"
	"sync"
)

// Map is a named-frame container for exactly one representation. It has a
// single writer (the mapper worker); any goroutine may take a Snapshot.
type Map struct {
	frame   string
	variant Variant

	mu      sync.Mutex
	rep     Representation
	version uint64
}

// New wraps rep in a Map expressed in frame.
func New(frame string, rep Representation) *Map {
	return &Map{frame: frame, variant: rep.Variant(), rep: rep}
}

func (m *Map) Frame() string    { return m.frame }
func (m *Map) Variant() Variant { return m.variant }

// Update runs fn against the live representation. The version only advances
// when fn succeeds.
func (m *Map) Update(fn func(Representation) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := fn(m.rep); err != nil {
		return err
	}
	m.version++
	return nil
}

// UpdateAs is Update for callers that know the concrete representation.
func UpdateAs[T Representation](m *Map, fn func(T) error) error {
	return m.Update(func(r Representation) error {
		t, ok := r.(T)
		if !ok {
			return fmt.Errorf("%w: map holds %s", ErrTypeMismatch, r.Variant())
		}
		return fn(t)
	})
}

// Snapshot returns an immutable view of the current state. The cost is one
// shallow copy of the tile table.
func (m *Map) Snapshot() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &Snapshot{frame: m.frame, version: m.version, rep: m.rep.fork()}
}

// Snapshot is a read-only view of a Map at one version.
type Snapshot struct {
	frame   string
	version uint64
	rep     Representation
}

func (s *Snapshot) Frame() string       { return s.frame }
func (s *Snapshot) Variant() Variant    { return s.rep.Variant() }
func (s *Snapshot) Version() uint64     { return s.version }
func (s *Snapshot) CellCount() int      { return s.rep.CellCount() }
func (s *Snapshot) Resolution() float64 { return s.rep.Resolution() }

// Accept dispatches v on the concrete representation.
func (s *Snapshot) Accept(v Visitor) error { return s.rep.accept(v) }

// As returns the snapshot's representation as T, or ErrTypeMismatch.
func As[T Representation](s *Snapshot) (T, error) {
	t, ok := s.rep.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: snapshot holds %s", ErrTypeMismatch, s.rep.Variant())
	}
	return t, nil
}
