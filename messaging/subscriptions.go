package messaging

import "sync"

// registry is a per-topic subscription list. Each Add returns a
// disposer that removes exactly that registration.
type registry[T any] struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]T
}

func newRegistry[T any]() *registry[T] {
	return &registry[T]{subs: make(map[int]T)}
}

// Add registers a callback and returns its unsubscribe function.
func (r *registry[T]) Add(callback T) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	r.subs[id] = callback

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs, id)
	}
}

// Snapshot returns the current callbacks for invocation outside the lock.
func (r *registry[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, 0, len(r.subs))
	for _, cb := range r.subs {
		out = append(out, cb)
	}
	return out
}
