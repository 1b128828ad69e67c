// File: reactor/queue.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Queue is the portable completion queue: a lock-free MPMC ring for the
// completions plus a counting semaphore that parks waiters.

package reactor

import (
	"runtime"
	"sync"
	"time"

	"github.com/momentics/hioload-aio/api"
	"github.com/momentics/hioload-aio/internal/concurrency"
)

// DefaultQueueCapacity is used when NewQueue gets a non-positive capacity.
const DefaultQueueCapacity = 4096

// Queue delivers completions from any number of producers to any number of
// waiters. It never drops a completion: a full ring makes Post spin until a
// waiter makes room or the queue closes.
type Queue struct {
	ring      *concurrency.LockFreeQueue[api.Completion]
	ready     chan struct{} // one token per published completion
	closed    chan struct{}
	closeOnce sync.Once
}

// NewQueue creates a queue holding at least capacity completions.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	ring := concurrency.NewLockFreeQueue[api.Completion](capacity)
	return &Queue{
		ring:   ring,
		ready:  make(chan struct{}, ring.Cap()),
		closed: make(chan struct{}),
	}
}

// Post publishes c, or fails with api.ErrPortClosed after Close.
func (q *Queue) Post(c api.Completion) error {
	select {
	case <-q.closed:
		return api.ErrPortClosed
	default:
	}
	for !q.ring.Enqueue(c) {
		select {
		case <-q.closed:
			return api.ErrPortClosed
		default:
		}
		runtime.Gosched()
	}
	q.ready <- struct{}{}
	return nil
}

// Wait returns the next completion. Pending completions are still handed out
// after Close; once the queue is empty Wait reports api.ErrPortClosed.
func (q *Queue) Wait(timeout time.Duration) (api.Completion, error) {
	select {
	case <-q.ready:
		return q.take(), nil
	default:
	}

	var expire <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expire = t.C
	}
	select {
	case <-q.ready:
		return q.take(), nil
	case <-q.closed:
		select {
		case <-q.ready:
			return q.take(), nil
		default:
			return api.Completion{}, api.ErrPortClosed
		}
	case <-expire:
		return api.Completion{}, api.ErrWaitTimeout
	}
}

// take dequeues the completion a ready token stands for. The producer may
// not have published its cell yet, so retry until it has.
func (q *Queue) take() api.Completion {
	for {
		if c, ok := q.ring.Dequeue(); ok {
			return c
		}
		runtime.Gosched()
	}
}

// Len returns the number of queued completions.
func (q *Queue) Len() int { return len(q.ready) }

// Close wakes every waiter. It is safe to call more than once.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() { close(q.closed) })
	return nil
}
