// Package events is a small typed in-process event bus used to connect the
// components of one session without ambient singletons.
package events

import "sync"

// Topic fans a value out to every subscriber synchronously.
type Topic[T any] struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]func(T)
}

// Subscribe registers fn and returns a function that removes it.
func (t *Topic[T]) Subscribe(fn func(T)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handlers == nil {
		t.handlers = make(map[int]func(T))
	}
	id := t.next
	t.next++
	t.handlers[id] = fn

	return func() {
		t.mu.Lock()
		delete(t.handlers, id)
		t.mu.Unlock()
	}
}

// Emit calls every subscriber with v. Handlers run outside the lock.
func (t *Topic[T]) Emit(v T) {
	t.mu.RLock()
	handlers := make([]func(T), 0, len(t.handlers))
	for _, fn := range t.handlers {
		handlers = append(handlers, fn)
	}
	t.mu.RUnlock()

	for _, fn := range handlers {
		fn(v)
	}
}
