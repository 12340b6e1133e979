// Package queue provides a bounded FIFO used for sliding sensor windows.
package queue

// Ring is a fixed-capacity FIFO. Pushing into a full ring evicts the oldest item.
// It is not safe for concurrent use; callers own it from a single goroutine.
type Ring[T any] struct {
	items []T
	head  int // index of the oldest item
	size  int
}

// NewRing creates an empty ring holding at most capacity items.
// A capacity below 1 is treated as 1.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{
		items: make([]T, capacity),
	}
}

// Push appends an item, evicting the oldest one when full.
// It returns the evicted item and true if an eviction happened.
func (r *Ring[T]) Push(item T) (evicted T, ok bool) {
	capacity := len(r.items)
	if r.size < capacity {
		r.items[(r.head+r.size)%capacity] = item
		r.size++
		return evicted, false
	}
	evicted = r.items[r.head]
	r.items[r.head] = item
	r.head = (r.head + 1) % capacity
	return evicted, true
}

// Len returns the number of items held.
func (r *Ring[T]) Len() int {
	return r.size
}

// Cap returns the maximum number of items held.
func (r *Ring[T]) Cap() int {
	return len(r.items)
}

// Empty returns true if the ring has no items.
func (r *Ring[T]) Empty() bool {
	return r.size == 0
}

// Each calls fn for every item from oldest to newest.
func (r *Ring[T]) Each(fn func(T)) {
	capacity := len(r.items)
	for i := 0; i < r.size; i++ {
		fn(r.items[(r.head+i)%capacity])
	}
}

// Items returns a copy of the items from oldest to newest.
func (r *Ring[T]) Items() []T {
	result := make([]T, 0, r.size)
	r.Each(func(item T) {
		result = append(result, item)
	})
	return result
}
