package mapper

import (
	"errors"
	"fmt"
	"sync"
)

// Manager owns the mappers of one process.
type Manager struct {
	mu      sync.RWMutex
	mappers []*Mapper
	byName  map[string]*Mapper
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{byName: make(map[string]*Mapper)}
}

// Add registers mp. Names must be unique.
func (m *Manager) Add(mp *Mapper) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byName[mp.Name()]; ok {
		return fmt.Errorf("%w: duplicate mapper %q", ErrConfiguration, mp.Name())
	}
	m.mappers = append(m.mappers, mp)
	m.byName[mp.Name()] = mp
	return nil
}

// Get returns the mapper called name.
func (m *Manager) Get(name string) (*Mapper, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mp, ok := m.byName[name]
	return mp, ok
}

// Names lists the mappers in the order they were added.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.mappers))
	for i, mp := range m.mappers {
		out[i] = mp.Name()
	}
	return out
}

func (m *Manager) list() []*Mapper {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Mapper(nil), m.mappers...)
}

// StartAll starts every mapper. On failure the mappers already started are
// stopped again.
func (m *Manager) StartAll() error {
	mappers := m.list()
	for i, mp := range mappers {
		if err := mp.Start(); err != nil {
			for j := i - 1; j >= 0; j-- {
				mappers[j].Stop()
			}
			return err
		}
	}
	return nil
}

// StopAll stops every mapper in reverse order.
func (m *Manager) StopAll() {
	mappers := m.list()
	for i := len(mappers) - 1; i >= 0; i-- {
		mappers[i].Stop()
	}
}

// SaveAll saves every mapper under path and joins the failures.
func (m *Manager) SaveAll(path string) error {
	var errs []error
	for _, mp := range m.list() {
		if err := mp.SaveMap(path); err != nil {
			errs = append(errs, fmt.Errorf("mapper %q: %w", mp.Name(), err))
		}
	}
	return errors.Join(errs...)
}
