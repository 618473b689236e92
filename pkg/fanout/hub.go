// Package fanout delivers values to a changing set of subscribers, isolating each subscriber
// from faults in the others.
package fanout

import (
	"fmt"
	"sync"
)

// FaultHandler is called with the recovered value when a subscriber panics.
type FaultHandler func(recovered any)

// Hub is a registry of subscribers for values of type T. The zero value is ready to use.
type Hub[T any] struct {
	mu      sync.RWMutex
	nextID  uint64
	subs    map[uint64]func(T)
	onFault FaultHandler
}

// New returns a Hub reporting subscriber panics to onFault, which may be nil.
func New[T any](onFault FaultHandler) *Hub[T] {
	return &Hub[T]{onFault: onFault}
}

// Subscribe registers fn and returns a function removing it. The returned function is safe to
// call more than once.
func (h *Hub[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subs == nil {
		h.subs = make(map[uint64]func(T))
	}
	h.nextID++
	id := h.nextID
	h.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

// Publish delivers v to every current subscriber, in no particular order. A panicking
// subscriber is reported and skipped; the others still receive v.
func (h *Hub[T]) Publish(v T) {
	h.mu.RLock()
	subs := make([]func(T), 0, len(h.subs))
	for _, fn := range h.subs {
		subs = append(subs, fn)
	}
	h.mu.RUnlock()

	for _, fn := range subs {
		h.call(fn, v)
	}
}

// Len returns the number of subscribers.
func (h *Hub[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub[T]) call(fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil && h.onFault != nil {
			h.onFault(r)
		}
	}()
	fn(v)
}

// PanicError wraps a recovered value as an error.
type PanicError struct {
	Value any
}

func (e PanicError) Error() string {
	return fmt.Sprintf("subscriber panicked: %v", e.Value)
}
