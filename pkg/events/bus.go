package events

import (
	"sort"
	"sync"
)

// Bus is a small typed observer set keyed by a closed set of event kinds.
// Handlers run synchronously on the goroutine that calls Emit, in the order
// they were registered.
type Bus[K comparable, E any] struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[K]map[uint64]func(E)
}

// NewBus creates an empty bus.
func NewBus[K comparable, E any]() *Bus[K, E] {
	return &Bus[K, E]{
		handlers: make(map[K]map[uint64]func(E)),
	}
}

// On registers h for kind and returns a function that removes it. The
// returned function is safe to call more than once.
func (b *Bus[K, E]) On(kind K, h func(E)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	set, ok := b.handlers[kind]
	if !ok {
		set = make(map[uint64]func(E))
		b.handlers[kind] = set
	}
	set[id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.handlers[kind]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(b.handlers, kind)
			}
		}
	}
}

// Emit delivers e to every handler registered for kind.
func (b *Bus[K, E]) Emit(kind K, e E) {
	b.mu.RLock()
	set := b.handlers[kind]
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	hs := make([]func(E), 0, len(ids))
	for _, id := range ids {
		hs = append(hs, set[id])
	}
	b.mu.RUnlock()

	for _, h := range hs {
		h(e)
	}
}

// Len returns the number of handlers registered for kind.
func (b *Bus[K, E]) Len(kind K) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[kind])
}
