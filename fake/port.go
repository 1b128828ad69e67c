// Package fake
// Author: momentics <momentics@gmail.com>
//
// Scriptable completion port for tests. Operations are held until the test
// completes them; synchronous failures can be injected per operation.

package fake

import (
	"math/rand"
	"sync"
	"time"

	"github.com/momentics/hioload-aio/api"
	"github.com/momentics/hioload-aio/reactor"
)

// Port is a fake api.CompletionPort.
type Port struct {
	queue *reactor.Queue

	mu        sync.Mutex
	pending   []api.Operation
	failWith  func(api.Operation) error
	auto      bool
	submitted int
	canceled  []uintptr
	closed    bool
}

// NewPort creates a port whose completion queue holds capacity entries.
func NewPort(capacity int) *Port {
	return &Port{queue: reactor.NewQueue(capacity)}
}

// FailWith installs a hook consulted on every Submit; a non-nil result is
// returned as a synchronous rejection.
func (p *Port) FailWith(fn func(api.Operation) error) {
	p.mu.Lock()
	p.failWith = fn
	p.mu.Unlock()
}

// AutoComplete makes every accepted operation complete at once with its full length.
func (p *Port) AutoComplete(on bool) {
	p.mu.Lock()
	p.auto = on
	p.mu.Unlock()
}

func (p *Port) Submit(op api.Operation) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return api.ErrPortClosed
	}
	if p.failWith != nil {
		if err := p.failWith(op); err != nil {
			p.mu.Unlock()
			return err
		}
	}
	p.submitted++
	auto := p.auto
	if !auto {
		p.pending = append(p.pending, op)
	}
	p.mu.Unlock()
	if auto {
		return p.queue.Post(api.Completion{Token: op.Token, Bytes: len(op.Buf), Peer: op.Peer})
	}
	return nil
}

// Submitted counts accepted operations.
func (p *Port) Submitted() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submitted
}

// Pending returns the operations awaiting completion, oldest first.
func (p *Port) Pending() []api.Operation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]api.Operation(nil), p.pending...)
}

// Complete delivers the completion of a pending operation. It reports false
// if no such operation is pending.
func (p *Port) Complete(t api.Token, bytes int, err error) bool {
	op, ok := p.take(func(op api.Operation) bool { return op.Token == t })
	if !ok {
		return false
	}
	return p.queue.Post(api.Completion{Token: op.Token, Bytes: bytes, Err: err, Peer: op.Peer}) == nil
}

// CompleteAll delivers every pending operation with its full length, or
// with err when err is non-nil. It returns the number completed.
func (p *Port) CompleteAll(err error) int {
	p.mu.Lock()
	ops := p.pending
	p.pending = nil
	p.mu.Unlock()
	for _, op := range ops {
		c := api.Completion{Token: op.Token, Err: err, Peer: op.Peer}
		if err == nil {
			c.Bytes = len(op.Buf)
		}
		_ = p.queue.Post(c)
	}
	return len(ops)
}

// CompleteRandom completes one pending operation chosen by rng after an
// optional random delay of up to maxDelay.
func (p *Port) CompleteRandom(rng *rand.Rand, maxDelay time.Duration) bool {
	p.mu.Lock()
	if len(p.pending) == 0 {
		p.mu.Unlock()
		return false
	}
	i := rng.Intn(len(p.pending))
	op := p.pending[i]
	p.pending = append(p.pending[:i], p.pending[i+1:]...)
	p.mu.Unlock()
	if maxDelay > 0 {
		time.Sleep(time.Duration(rng.Int63n(int64(maxDelay))))
	}
	return p.queue.Post(api.Completion{Token: op.Token, Bytes: len(op.Buf), Peer: op.Peer}) == nil
}

func (p *Port) take(match func(api.Operation) bool) (api.Operation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, op := range p.pending {
		if match(op) {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			return op, true
		}
	}
	return api.Operation{}, false
}

func (p *Port) Wait(timeout time.Duration) (api.Completion, error) {
	return p.queue.Wait(timeout)
}

func (p *Port) Post(c api.Completion) error {
	return p.queue.Post(c)
}

// Cancel completes the pending operations on handle with api.ErrCanceled.
func (p *Port) Cancel(handle uintptr) error {
	p.mu.Lock()
	p.canceled = append(p.canceled, handle)
	var hit []api.Operation
	kept := p.pending[:0]
	for _, op := range p.pending {
		if op.Handle == handle {
			hit = append(hit, op)
		} else {
			kept = append(kept, op)
		}
	}
	p.pending = kept
	p.mu.Unlock()
	for _, op := range hit {
		_ = p.queue.Post(api.Completion{Token: op.Token, Err: api.ErrCanceled})
	}
	return nil
}

// Canceled returns the handles passed to Cancel.
func (p *Port) Canceled() []uintptr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]uintptr(nil), p.canceled...)
}

func (p *Port) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.queue.Close()
}

var _ api.CompletionPort = (*Port)(nil)
