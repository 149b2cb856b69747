package transport

import "sync"

// registry holds observers of one event type. Observers are called in registration
// order on the goroutine that raised the event and must not block.
type registry[T any] struct {
	mu        sync.Mutex
	next      int
	observers []observer[T]
}

type observer[T any] struct {
	id int
	fn func(T)
}

// add registers fn and returns the func that unregisters it.
func (r *registry[T]) add(fn func(T)) (unregister func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.next++
	id := r.next
	r.observers = append(r.observers, observer[T]{id: id, fn: fn})

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, o := range r.observers {
			if o.id == id {
				r.observers = append(r.observers[:i:i], r.observers[i+1:]...)
				return
			}
		}
	}
}

func (r *registry[T]) notify(v T) {
	r.mu.Lock()
	observers := make([]observer[T], len(r.observers))
	copy(observers, r.observers)
	r.mu.Unlock()

	for _, o := range observers {
		o.fn(v)
	}
}
