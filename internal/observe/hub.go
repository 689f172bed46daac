// Package observe provides push notification of state changes to zero or
// more listeners.
package observe

import "sync"

// Hub fans a value out to registered listeners. Listeners are invoked
// synchronously on the emitting goroutine and must not block.
type Hub[T any] struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[int]func(T)
}

// Subscribe registers fn and returns a function that removes it.
func (h *Hub[T]) Subscribe(fn func(T)) (cancel func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.listeners == nil {
		h.listeners = make(map[int]func(T))
	}
	id := h.nextID
	h.nextID++
	h.listeners[id] = fn

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.listeners, id)
	}
}

// Emit delivers v to every listener registered at the time of the call.
func (h *Hub[T]) Emit(v T) {
	h.mu.RLock()
	fns := make([]func(T), 0, len(h.listeners))
	for _, fn := range h.listeners {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Len returns the number of registered listeners.
func (h *Hub[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}
