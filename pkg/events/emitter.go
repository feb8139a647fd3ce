// Package events provides a typed, synchronous observer used in place of
// process-wide event buses.
package events

import "sync"

// Emitter delivers values to registered handlers in registration order.
// Emit runs handlers on the caller's goroutine, so the order of Emit calls
// is the order handlers observe.
type Emitter[T any] struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers []entry[T]
}

type entry[T any] struct {
	id uint64
	fn func(T)
}

func NewEmitter[T any]() *Emitter[T] {
	return &Emitter[T]{}
}

// On registers fn and returns a function that removes it. Calling the
// returned function more than once is a no-op.
func (e *Emitter[T]) On(fn func(T)) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.handlers = append(e.handlers, entry[T]{id: id, fn: fn})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { e.remove(id) })
	}
}

func (e *Emitter[T]) remove(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, h := range e.handlers {
		if h.id == id {
			e.handlers = append(e.handlers[:i:i], e.handlers[i+1:]...)
			return
		}
	}
}

func (e *Emitter[T]) Emit(v T) {
	e.mu.RLock()
	hs := make([]entry[T], len(e.handlers))
	copy(hs, e.handlers)
	e.mu.RUnlock()

	for _, h := range hs {
		h.fn(v)
	}
}

func (e *Emitter[T]) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers)
}
