// Package queue implements the ingestion queue that decouples provider
// goroutines from a mapper's worker.
package queue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/mapping/internal/timeutil"
)

var (
	// ErrFull is returned by Push on a full queue using PolicyRejectNew.
	ErrFull = errors.New("queue full")
	// ErrClosed is returned by Push after Close.
	ErrClosed = errors.New("queue closed")
)

// Policy decides what Push does when a bounded queue is full.
type Policy int

const (
	// PolicyBlock makes the producer wait for space or Close.
	PolicyBlock Policy = iota
	// PolicyDropOldest evicts the head to make room.
	PolicyDropOldest
	// PolicyRejectNew fails the push with ErrFull.
	PolicyRejectNew
)

func (p Policy) String() string {
	switch p {
	case PolicyBlock:
		return "block"
	case PolicyDropOldest:
		return "drop_oldest"
	case PolicyRejectNew:
		return "reject_new"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy maps a configuration string onto a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "block":
		return PolicyBlock, nil
	case "drop_oldest", "":
		return PolicyDropOldest, nil
	case "reject_new":
		return PolicyRejectNew, nil
	}
	return 0, fmt.Errorf("unknown backpressure policy %q (want block, drop_oldest or reject_new)", s)
}

// Options configures a Queue. The zero value is an unbounded queue on the
// real clock.
type Options struct {
	// Capacity bounds the queue; 0 means unbounded.
	Capacity int
	// Policy applies when Capacity > 0 and the queue is full.
	Policy Policy
	Clock  timeutil.Clock
}

// Queue is a FIFO safe for many producers and one consumer.
type Queue[T any] struct {
	capacity int
	policy   Policy
	clock    timeutil.Clock

	mu     sync.Mutex
	items  []T
	closed bool
	woken  bool
	// space is closed and cleared whenever an item leaves the queue.
	space chan struct{}
	// ready carries at most one pending notification for the consumer.
	ready chan struct{}
}

// New returns an empty queue.
func New[T any](opts Options) *Queue[T] {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Capacity < 0 {
		opts.Capacity = 0
	}
	return &Queue[T]{
		capacity: opts.Capacity,
		policy:   opts.Policy,
		clock:    opts.Clock,
		ready:    make(chan struct{}, 1),
	}
}

func (q *Queue[T]) notify() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *Queue[T]) freed() {
	if q.space != nil {
		close(q.space)
		q.space = nil
	}
}

// Push appends v. It reports whether an older item was evicted to make room
// (PolicyDropOldest only). It fails with ErrClosed after Close and with
// ErrFull for PolicyRejectNew.
func (q *Queue[T]) Push(v T) (dropped bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.closed {
			return false, ErrClosed
		}
		if q.capacity == 0 || len(q.items) < q.capacity {
			break
		}
		switch q.policy {
		case PolicyDropOldest:
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			dropped = true
		case PolicyRejectNew:
			return false, ErrFull
		default:
			if q.space == nil {
				q.space = make(chan struct{})
			}
			space := q.space
			q.mu.Unlock()
			<-space
			q.mu.Lock()
		}
	}
	q.items = append(q.items, v)
	q.notify()
	return dropped, nil
}

// PopTimeout removes the head of the queue. It waits up to timeout for an
// item; a negative timeout waits until an item arrives, Wake is called or the
// queue is closed. ok is false when nothing was popped.
func (q *Queue[T]) PopTimeout(timeout time.Duration) (v T, ok bool) {
	var timer timeutil.Timer
	var expired <-chan time.Time
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v = q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			q.freed()
			q.mu.Unlock()
			if timer != nil {
				timer.Stop()
			}
			return v, true
		}
		if q.woken || q.closed {
			q.woken = false
			q.mu.Unlock()
			if timer != nil {
				timer.Stop()
			}
			return v, false
		}
		q.mu.Unlock()

		if timeout == 0 {
			return v, false
		}
		if timeout > 0 && timer == nil {
			timer = q.clock.NewTimer(timeout)
			expired = timer.C()
		}
		select {
		case <-q.ready:
		case <-expired:
			return v, false
		}
	}
}

// TryPop removes the head without waiting.
func (q *Queue[T]) TryPop() (T, bool) {
	return q.PopTimeout(0)
}

// Wake makes a waiting (or the next) PopTimeout return without an item once
// the queue is empty.
func (q *Queue[T]) Wake() {
	q.mu.Lock()
	q.woken = true
	q.notify()
	q.mu.Unlock()
}

// Drain removes and returns every queued item.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	q.freed()
	return out
}

// Len is the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further pushes and releases blocked producers and the
// consumer. Queued items stay available to PopTimeout and Drain.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.freed()
	q.notify()
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
