// Package provider contains the observation sources a mapper can bind to.
//
// Every source embeds a Hub, which keeps the connected callbacks and fans
// each observation out to them on the delivering goroutine.
package provider

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/mapping/internal/mapping/data"
)

// Callback receives observations. It is invoked on the provider's goroutine
// and must return quickly.
type Callback func(obs data.Observation)

// Connection is the handle returned by Connect.
type Connection interface {
	// Disconnect stops further deliveries to the callback. It is idempotent.
	Disconnect()
}

// Provider is a named observation source.
type Provider interface {
	Name() string
	Connect(cb Callback) Connection
}

// Hub implements the callback bookkeeping shared by all providers.
type Hub struct {
	name string

	mu   sync.Mutex
	subs map[uint64]Callback
	next uint64

	delivered atomic.Uint64
}

// NewHub returns a Hub for a provider called name.
func NewHub(name string) *Hub {
	return &Hub{name: name, subs: make(map[uint64]Callback)}
}

func (h *Hub) Name() string { return h.name }

// Connect registers cb. Callbacks are invoked in connection order.
func (h *Hub) Connect(cb Callback) Connection {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	h.subs[h.next] = cb
	return &hubConnection{hub: h, id: h.next}
}

// Subscribers is the number of live connections.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Delivered is the number of observations passed to Deliver.
func (h *Hub) Delivered() uint64 { return h.delivered.Load() }

// Deliver hands obs to every connected callback. The subscriber list is
// copied first so callbacks may disconnect themselves.
func (h *Hub) Deliver(obs data.Observation) {
	h.mu.Lock()
	ids := make([]uint64, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	cbs := make([]Callback, len(ids))
	for i, id := range ids {
		cbs[i] = h.subs[id]
	}
	h.mu.Unlock()

	h.delivered.Add(1)
	for _, cb := range cbs {
		cb(obs)
	}
}

type hubConnection struct {
	hub  *Hub
	id   uint64
	once sync.Once
}

func (c *hubConnection) Disconnect() {
	c.once.Do(func() {
		c.hub.mu.Lock()
		delete(c.hub.subs, c.id)
		c.hub.mu.Unlock()
	})
}

// Static is an in-process provider: observations are handed to it directly.
type Static struct {
	*Hub
}

// NewStatic returns a provider whose observations come from Deliver calls.
func NewStatic(name string) *Static {
	return &Static{Hub: NewHub(name)}
}

// Registry resolves provider names.
type Registry map[string]Provider

// Add registers p under its name, replacing any previous entry.
func (r Registry) Add(p Provider) { r[p.Name()] = p }
