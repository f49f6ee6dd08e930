package backlog

import (
	"errors"
	"sync"
)

// DefaultCapacity is used when no capacity is configured
const DefaultCapacity = 10240

var (
	// ErrInvalidCapacity is returned when a capacity below 1 is requested
	ErrInvalidCapacity = errors.New("backlog: capacity must be at least 1")
)

// Backlog is a bounded, lock-protected FIFO of pending items
type Backlog[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	dropped  uint64
}

// New creates a backlog holding at most capacity items
func New[T any](capacity int) (*Backlog[T], error) {
	if capacity < 1 {
		return nil, ErrInvalidCapacity
	}
	return &Backlog[T]{capacity: capacity}, nil
}

// Enqueue appends item if there is room. It reports false when the backlog
// is full and the item was dropped.
func (b *Backlog[T]) Enqueue(item T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) >= b.capacity {
		b.dropped++
		return false
	}
	b.items = append(b.items, item)
	return true
}

// DrainAll removes and returns every queued item, oldest first
func (b *Backlog[T]) DrainAll() []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) == 0 {
		return nil
	}
	drained := b.items
	b.items = nil
	return drained
}

// Restore puts items back at the front of the queue ahead of anything
// enqueued since they were drained. When the result would exceed capacity
// the newest entries are dropped. It returns the number of items dropped.
func (b *Backlog[T]) Restore(items []T) int {
	if len(items) == 0 {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	merged := make([]T, 0, len(items)+len(b.items))
	merged = append(merged, items...)
	merged = append(merged, b.items...)

	dropped := 0
	if len(merged) > b.capacity {
		dropped = len(merged) - b.capacity
		merged = merged[:b.capacity]
		b.dropped += uint64(dropped)
	}
	b.items = merged
	return dropped
}

// Len returns the number of queued items
func (b *Backlog[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Cap returns the configured capacity
func (b *Backlog[T]) Cap() int {
	return b.capacity
}

// Dropped returns how many items were discarded because the backlog was full
func (b *Backlog[T]) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
