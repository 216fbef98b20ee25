package infra

import "sync"

// Ring is a thread-safe bounded buffer that keeps the most recent N
// items. Used for event history and task/hook result histories.
type Ring[T any] struct {
	mu    sync.Mutex
	items []T
	limit int
}

// NewRing creates a ring keeping at most limit items (minimum 1).
func NewRing[T any](limit int) *Ring[T] {
	if limit < 1 {
		limit = 1
	}
	return &Ring[T]{limit: limit}
}

// Push appends an item, dropping the oldest when over the limit.
func (r *Ring[T]) Push(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items = append(r.items, item)
	if len(r.items) > r.limit {
		// Shift rather than reslice so the backing array doesn't pin
		// evicted items.
		copy(r.items, r.items[1:])
		r.items = r.items[:r.limit]
	}
}

// Snapshot returns a copy of the retained items, oldest first.
func (r *Ring[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, len(r.items))
	copy(out, r.items)
	return out
}

// Last returns up to n most recent items, oldest first.
func (r *Ring[T]) Last(n int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n <= 0 || n > len(r.items) {
		n = len(r.items)
	}
	out := make([]T, n)
	copy(out, r.items[len(r.items)-n:])
	return out
}

// Len returns the number of retained items.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}
