// Package ring provides the bounded single-producer/single-consumer queues
// used between the CAN controller and the link scheduler.
package ring

import (
	"sync/atomic"

	"github.com/kstaniek/go-stalk-gateway/internal/can"
)

type slot[T any] struct {
	used atomic.Bool
	val  T
}

// Ring is a fixed-capacity FIFO. A slot is free iff its used mark is clear;
// Push fails when the next write slot is still occupied and Pop fails when
// the next read slot is free. One goroutine may Push while another Pops.
type Ring[T any] struct {
	slots []slot[T]
	in    int // producer only
	out   int // consumer only
}

// New allocates a ring with n slots (n < 1 is treated as 1).
func New[T any](n int) *Ring[T] {
	if n < 1 {
		n = 1
	}
	return &Ring[T]{slots: make([]slot[T], n)}
}

// Push appends v. It returns false without side effects when the ring is full.
func (r *Ring[T]) Push(v T) bool {
	s := &r.slots[r.in]
	if s.used.Load() {
		return false
	}
	s.val = v
	s.used.Store(true)
	r.in++
	if r.in == len(r.slots) {
		r.in = 0
	}
	return true
}

// Pop removes the oldest entry.
func (r *Ring[T]) Pop() (T, bool) {
	var zero T
	s := &r.slots[r.out]
	if !s.used.Load() {
		return zero, false
	}
	v := s.val
	s.val = zero
	s.used.Store(false)
	r.out++
	if r.out == len(r.slots) {
		r.out = 0
	}
	return v, true
}

// Drain discards every queued entry from the consumer side and returns how many were dropped.
func (r *Ring[T]) Drain() int {
	n := 0
	for {
		if _, ok := r.Pop(); !ok {
			return n
		}
		n++
	}
}

// Len is a point-in-time count of occupied slots.
func (r *Ring[T]) Len() int {
	n := 0
	for i := range r.slots {
		if r.slots[i].used.Load() {
			n++
		}
	}
	return n
}

// Cap returns the slot count.
func (r *Ring[T]) Cap() int { return len(r.slots) }

// Frames is the CAN frame queue.
type Frames = Ring[can.Frame]

// Tags queues correlation tags of completed transmissions.
type Tags = Ring[can.Tag]

// NewFrames allocates a frame queue with n slots.
func NewFrames(n int) *Frames { return New[can.Frame](n) }

// NewTags allocates a tag echo queue with n slots.
func NewTags(n int) *Tags { return New[can.Tag](n) }
