// Package memory holds bounded object reuse for the admission pipeline.
package memory

import "sync/atomic"

// Arena is a bounded free list of *T. Get never fails: when the free list
// is empty it allocates a fresh value. Put drops values once the list is
// full, so the arena never grows past its capacity.
type Arena[T any] struct {
	free  chan *T
	ctor  func() *T
	reset func(*T)

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewArena preallocates capacity values with ctor. reset is applied on Put
// and may be nil.
func NewArena[T any](capacity int, ctor func() *T, reset func(*T)) *Arena[T] {
	a := &Arena[T]{
		free:  make(chan *T, capacity),
		ctor:  ctor,
		reset: reset,
	}
	for i := 0; i < capacity; i++ {
		a.free <- ctor()
	}
	return a
}

func (a *Arena[T]) Get() *T {
	select {
	case v := <-a.free:
		a.hits.Add(1)
		return v
	default:
		a.misses.Add(1)
		return a.ctor()
	}
}

func (a *Arena[T]) Put(v *T) {
	if v == nil {
		return
	}
	if a.reset != nil {
		a.reset(v)
	}
	select {
	case a.free <- v:
	default:
	}
}

// Stats reports how many Gets were served from the free list and how many
// fell back to allocation.
func (a *Arena[T]) Stats() (hits, misses uint64) {
	return a.hits.Load(), a.misses.Load()
}

// Free returns the number of values currently available.
func (a *Arena[T]) Free() int { return len(a.free) }
