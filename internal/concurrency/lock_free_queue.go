// File: internal/concurrency/lock_free_queue.go
// Package concurrency provides a lock-free queue for completion delivery.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Bounded multi-producer/multi-consumer ring with per-cell sequence numbers.

package concurrency

import "sync/atomic"

// LockFreeQueue is a bounded MPMC queue after Dmitry Vyukov's design.
type LockFreeQueue[T any] struct {
	head  atomic.Uint64
	_     [cacheLinePad]byte
	tail  atomic.Uint64
	_     [cacheLinePad]byte
	mask  uint64
	cells []cell[T]
}

const cacheLinePad = 64

type cell[T any] struct {
	sequence atomic.Uint64
	data     T
}

// NewLockFreeQueue creates a new queue with capacity rounded to power of two.
func NewLockFreeQueue[T any](capacity int) *LockFreeQueue[T] {
	if capacity < 2 {
		capacity = 2
	}
	size := 1
	for size < capacity {
		size <<= 1
	}
	q := &LockFreeQueue[T]{
		mask:  uint64(size - 1),
		cells: make([]cell[T], size),
	}
	for i := range q.cells {
		q.cells[i].sequence.Store(uint64(i))
	}
	return q
}

// Cap returns the rounded capacity.
func (q *LockFreeQueue[T]) Cap() int { return len(q.cells) }

// Len is approximate under concurrent use.
func (q *LockFreeQueue[T]) Len() int {
	return int(q.tail.Load() - q.head.Load())
}

// Enqueue adds val; returns false if full.
func (q *LockFreeQueue[T]) Enqueue(val T) bool {
	for {
		tail := q.tail.Load()
		c := &q.cells[tail&q.mask]
		dif := int64(c.sequence.Load()) - int64(tail)
		switch {
		case dif == 0:
			if q.tail.CompareAndSwap(tail, tail+1) {
				c.data = val
				c.sequence.Store(tail + 1)
				return true
			}
		case dif < 0:
			return false
		}
	}
}

// Dequeue removes and returns an item; ok false if empty. A producer that has
// claimed a cell but not yet published it also reads as empty.
func (q *LockFreeQueue[T]) Dequeue() (item T, ok bool) {
	for {
		head := q.head.Load()
		c := &q.cells[head&q.mask]
		dif := int64(c.sequence.Load()) - int64(head+1)
		switch {
		case dif == 0:
			if q.head.CompareAndSwap(head, head+1) {
				var zero T
				item = c.data
				c.data = zero
				c.sequence.Store(head + q.mask + 1)
				return item, true
			}
		case dif < 0:
			return item, false
		}
	}
}
