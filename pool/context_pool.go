// File: pool/context_pool.go
// Package pool implements fixed-capacity I/O context pools.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A ContextPool owns N IoContext slots allocated once at construction. A slot
// is Free or busy (Reserved, Submitting, InFlight) and only the completion
// path, or a failed submission, returns it to Free. When every slot is busy,
// Acquire parks the caller in a bounded FIFO and a release hands the slot
// straight to the oldest waiter.

package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/eapache/queue"
	"github.com/momentics/hioload-aio/api"
)

const (
	// DefaultCapacity matches the slot count of the original socket pool.
	DefaultCapacity = 16
	// DefaultMaxWaiters bounds goroutines parked in Acquire.
	DefaultMaxWaiters = 256
	// MaxCapacity is limited by the slot bits of api.Token.
	MaxCapacity = 1 << 16
)

// Observer receives pool events, e.g. for metrics. ObserveReject sees
// exhaustion, double releases and synchronous submission failures.
type Observer interface {
	ObserveAcquire(pool uint16, wait time.Duration)
	ObserveRelease(pool uint16)
	ObserveReject(pool uint16, err error)
}

// PoolOption customizes pool construction.
type PoolOption func(*ContextPool)

// WithMaxWaiters bounds the number of blocked Acquire calls.
func WithMaxWaiters(n int) PoolOption {
	return func(p *ContextPool) {
		if n >= 0 {
			p.maxWaiters = n
		}
	}
}

// WithObserver attaches an event observer.
func WithObserver(o Observer) PoolOption {
	return func(p *ContextPool) {
		p.observer = o
	}
}

type waiter struct {
	ready     chan Handle // buffered(1), written under the pool mutex
	abandoned bool
}

// ContextPool is a fixed set of reusable I/O contexts.
type ContextPool struct {
	id    uint16
	class int

	mu         sync.Mutex
	slots      []IoContext // never re-sliced: addresses stay valid while in flight
	busy       *bitset.BitSet
	waiters    *queue.Queue // of *waiter
	abandoned  int
	maxWaiters int
	free       int
	reserved   int
	inflight   int
	closed     bool
	closing    chan struct{}
	idle       chan struct{} // closed while no slot is busy

	acquires  uint64
	releases  uint64
	waits     uint64
	rejected  uint64
	exhausted uint64

	observer Observer
}

// NewContextPool allocates capacity contexts, each backed by class bytes of
// pool-owned storage carved from a single slab.
func NewContextPool(id uint16, class, capacity int, opts ...PoolOption) (*ContextPool, error) {
	if capacity <= 0 || capacity > MaxCapacity {
		return nil, fmt.Errorf("pool capacity %d: %w", capacity, api.ErrInvalidArgument)
	}
	if class < 0 {
		return nil, fmt.Errorf("pool class %d: %w", class, api.ErrInvalidArgument)
	}
	p := &ContextPool{
		id:         id,
		class:      class,
		slots:      make([]IoContext, capacity),
		busy:       bitset.New(uint(capacity)),
		waiters:    queue.New(),
		maxWaiters: DefaultMaxWaiters,
		free:       capacity,
		closing:    make(chan struct{}),
		idle:       make(chan struct{}),
	}
	close(p.idle)
	slab := make([]byte, class*capacity)
	for i := range p.slots {
		c := &p.slots[i]
		c.index = uint16(i)
		c.storage = slab[i*class : (i+1)*class : (i+1)*class]
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// ID returns the pool id encoded in tokens.
func (p *ContextPool) ID() uint16 { return p.id }

// Class returns the per-slot storage size.
func (p *ContextPool) Class() int { return p.class }

// Cap returns the number of slots.
func (p *ContextPool) Cap() int { return len(p.slots) }

// TryAcquire returns a context without blocking, or api.ErrExhausted.
func (p *ContextPool) TryAcquire() (Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Handle{}, api.ErrPoolClosed
	}
	h, ok := p.claimLocked()
	if !ok {
		p.exhausted++
	}
	p.mu.Unlock()
	if !ok {
		p.reject(api.ErrExhausted)
		return Handle{}, api.ErrExhausted
	}
	p.observeAcquire(0)
	return h, nil
}

// Acquire returns a reset context, blocking while the pool is exhausted.
// It fails with ctx.Err() on cancellation, api.ErrPoolClosed on shutdown and
// api.ErrExhausted when the waiter queue is full.
func (p *ContextPool) Acquire(ctx context.Context) (Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Handle{}, api.ErrPoolClosed
	}
	if h, ok := p.claimLocked(); ok {
		p.mu.Unlock()
		p.observeAcquire(0)
		return h, nil
	}
	if p.waiters.Length()-p.abandoned >= p.maxWaiters {
		p.exhausted++
		p.mu.Unlock()
		p.reject(api.ErrExhausted)
		return Handle{}, api.ErrExhausted
	}
	w := &waiter{ready: make(chan Handle, 1)}
	p.waiters.Add(w)
	p.waits++
	p.mu.Unlock()

	start := time.Now()
	select {
	case h := <-w.ready:
		p.observeAcquire(time.Since(start))
		return h, nil
	case <-ctx.Done():
		return p.abandon(w, ctx.Err(), start)
	case <-p.closing:
		return p.abandon(w, api.ErrPoolClosed, start)
	}
}

// abandon withdraws a waiter unless a release already handed it a slot.
func (p *ContextPool) abandon(w *waiter, cause error, start time.Time) (Handle, error) {
	p.mu.Lock()
	select {
	case h := <-w.ready:
		p.mu.Unlock()
		p.observeAcquire(time.Since(start))
		return h, nil
	default:
	}
	w.abandoned = true
	p.abandoned++
	p.mu.Unlock()
	return Handle{}, cause
}

// claimLocked reserves the lowest free slot.
func (p *ContextPool) claimLocked() (Handle, bool) {
	idx, ok := p.busy.NextClear(0)
	if !ok || idx >= uint(len(p.slots)) {
		return Handle{}, false
	}
	if p.free == len(p.slots) {
		p.idle = make(chan struct{})
	}
	p.busy.Set(idx)
	p.free--
	return p.reserveLocked(uint16(idx)), true
}

// reserveLocked starts a new generation of slot idx in the Reserved state.
func (p *ContextPool) reserveLocked(idx uint16) Handle {
	c := &p.slots[idx]
	c.gen++
	if c.gen == 0 {
		c.gen = 1
	}
	c.Reset()
	c.token = api.NewToken(p.id, idx, c.gen)
	c.state.Store(uint32(stateReserved))
	p.reserved++
	p.acquires++
	return Handle{pool: p, idx: idx, gen: c.gen}
}

// Release returns the context behind h to the pool. Releasing the same
// acquisition twice, or through a stale handle, fails with api.ErrDoubleRelease
// and leaves the pool untouched.
func (p *ContextPool) Release(h Handle) error {
	p.mu.Lock()
	err := p.releaseLocked(h)
	p.mu.Unlock()
	if err != nil {
		p.reject(err)
		return err
	}
	p.observeRelease()
	return nil
}

func (p *ContextPool) releaseLocked(h Handle) error {
	if h.pool != p || int(h.idx) >= len(p.slots) {
		return fmt.Errorf("handle does not belong to pool %d: %w", p.id, api.ErrInvalidArgument)
	}
	c := &p.slots[h.idx]
	st := c.slotState()
	if st == stateFree || c.gen != h.gen {
		p.rejected++
		return fmt.Errorf("slot %d generation %d (current %d, %s): %w", h.idx, h.gen, c.gen, st, api.ErrDoubleRelease)
	}
	if st == stateReserved {
		p.reserved--
	} else {
		p.inflight--
	}
	p.releases++

	if !p.closed {
		for p.waiters.Length() > 0 {
			w := p.waiters.Remove().(*waiter)
			if w.abandoned {
				p.abandoned--
				continue
			}
			w.ready <- p.reserveLocked(h.idx)
			return nil
		}
	}

	c.Reset()
	c.state.Store(uint32(stateFree))
	p.busy.Clear(uint(h.idx))
	p.free++
	if p.free == len(p.slots) {
		close(p.idle)
	}
	return nil
}

// transition moves the slot from one busy state to another if h is still
// the current acquisition. It reports whether the move happened.
func (p *ContextPool) transition(h Handle, from, to slotState) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := &p.slots[h.idx]
	if c.gen != h.gen || c.slotState() != from {
		return false
	}
	if from == stateReserved && to != stateReserved {
		p.reserved--
		p.inflight++
	}
	c.state.Store(uint32(to))
	return true
}

// releaseIf releases h only while its slot is in state st.
func (p *ContextPool) releaseIf(h Handle, st slotState) bool {
	p.mu.Lock()
	c := &p.slots[h.idx]
	if c.gen != h.gen || c.slotState() != st {
		p.mu.Unlock()
		return false
	}
	err := p.releaseLocked(h)
	p.mu.Unlock()
	if err == nil {
		p.observeRelease()
	}
	return err == nil
}

// resolve maps a completion back to its live slot.
func (p *ContextPool) resolve(t api.Token) (Handle, error) {
	idx := t.Slot()
	if int(idx) >= len(p.slots) {
		return Handle{}, fmt.Errorf("token %s: slot out of range: %w", t, api.ErrUnresolvableCompletion)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	c := &p.slots[idx]
	st := c.slotState()
	if c.gen != t.Generation() || (st != stateSubmitting && st != stateInFlight) {
		return Handle{}, fmt.Errorf("token %s: slot is %s at generation %d: %w", t, st, c.gen, api.ErrUnresolvableCompletion)
	}
	return Handle{pool: p, idx: idx, gen: c.gen}, nil
}

// Drain blocks until no slot is busy.
func (p *ContextPool) Drain(ctx context.Context) error {
	p.mu.Lock()
	idle := p.idle
	p.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		st := p.Stats()
		return fmt.Errorf("pool %d drain with %d busy: %w", p.id, st.Busy(), ctx.Err())
	}
}

// Close refuses further acquisitions and wakes blocked callers. It returns
// api.ErrPoolBusy while contexts are still owned by the OS; in-flight
// completions may still release into a closed pool.
func (p *ContextPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.closing)
	}
	if busy := p.reserved + p.inflight; busy > 0 {
		return fmt.Errorf("pool %d: %d contexts busy: %w", p.id, busy, api.ErrPoolBusy)
	}
	return nil
}

// Stats returns a consistent snapshot of the slot accounting.
func (p *ContextPool) Stats() api.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return api.PoolStats{
		ID:        p.id,
		Class:     p.class,
		Capacity:  len(p.slots),
		Free:      p.free,
		Reserved:  p.reserved,
		InFlight:  p.inflight,
		Waiters:   p.waiters.Length() - p.abandoned,
		Acquires:  p.acquires,
		Releases:  p.releases,
		Waits:     p.waits,
		Rejected:  p.rejected,
		Exhausted: p.exhausted,
	}
}

func (p *ContextPool) observeAcquire(wait time.Duration) {
	if p.observer != nil {
		p.observer.ObserveAcquire(p.id, wait)
	}
}

func (p *ContextPool) observeRelease() {
	if p.observer != nil {
		p.observer.ObserveRelease(p.id)
	}
}

func (p *ContextPool) reject(err error) {
	if p.observer != nil {
		p.observer.ObserveReject(p.id, err)
	}
}
