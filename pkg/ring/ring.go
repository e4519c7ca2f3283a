// Package ring provides a fixed-capacity circular buffer keyed by frame.
package ring

import "github.com/sessamekesh/spanreed-lockstep/pkg/message"

// DefaultCapacity is how many frames of history the lockstep buffers keep.
const DefaultCapacity = 128

// Ring stores one T per slot, addressed by frame % capacity. Every slot
// starts as the zero value of T. Reading a frame whose slot has since been
// reused by a newer frame returns the newer value; callers that care track
// the oldest frame still retained.
type Ring[T any] struct {
	slots []T
}

func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		panic("ring: capacity must be positive")
	}
	return &Ring[T]{slots: make([]T, capacity)}
}

func (r *Ring[T]) index(frame message.Frame) int {
	return int(uint32(frame) % uint32(len(r.slots)))
}

func (r *Ring[T]) Len() int {
	return len(r.slots)
}

func (r *Ring[T]) Get(frame message.Frame) T {
	return r.slots[r.index(frame)]
}

func (r *Ring[T]) GetMut(frame message.Frame) *T {
	return &r.slots[r.index(frame)]
}

func (r *Ring[T]) Set(frame message.Frame, v T) {
	r.slots[r.index(frame)] = v
}

// Reset returns every slot to the zero value.
func (r *Ring[T]) Reset() {
	var zero T
	for i := range r.slots {
		r.slots[i] = zero
	}
}
