package orderbook

import (
	"container/heap"
	"sort"
)

// tickHeap tracks the price levels of one book side. Bids use a max-heap,
// asks a min-heap, so the best level is always at index 0.
// Use container/heap package to manipulate this heap (Init, Push, Pop, Remove)
type tickHeap struct {
	ticks []int64
	max   bool
}

func newTickHeap(max bool) *tickHeap {
	h := &tickHeap{max: max}
	heap.Init(h)
	return h
}

func (h *tickHeap) Len() int { return len(h.ticks) }
func (h *tickHeap) Less(i, j int) bool {
	if h.max {
		return h.ticks[i] > h.ticks[j]
	}
	return h.ticks[i] < h.ticks[j]
}
func (h *tickHeap) Swap(i, j int) { h.ticks[i], h.ticks[j] = h.ticks[j], h.ticks[i] }

func (h *tickHeap) Push(x any) { h.ticks = append(h.ticks, x.(int64)) }

func (h *tickHeap) Pop() any {
	old := h.ticks
	n := len(old)
	x := old[n-1]
	h.ticks = old[:n-1]
	return x
}

// peek returns the best tick without removing it
func (h *tickHeap) peek() (int64, bool) {
	if len(h.ticks) == 0 {
		return 0, false
	}
	return h.ticks[0], true
}

func (h *tickHeap) add(t int64) { heap.Push(h, t) }

// remove deletes a tick level (O(N) scan, only on level exhaustion/cancel)
func (h *tickHeap) remove(t int64) {
	for i, v := range h.ticks {
		if v == t {
			heap.Remove(h, i)
			return
		}
	}
}

// sorted returns the ticks best-first without disturbing the heap.
func (h *tickHeap) sorted() []int64 {
	out := append([]int64(nil), h.ticks...)
	if h.max {
		sort.Slice(out, func(i, j int) bool { return out[i] > out[j] })
	} else {
		sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	}
	return out
}
