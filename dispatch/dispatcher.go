// File: dispatch/dispatcher.go
// Package dispatch runs the completion loop.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Worker goroutines wait on the completion port, resolve each completion
// token to its in-flight IoContext, run the completion callback exactly once
// and return the context to its pool exactly once.

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Jeffail/shutdown"
	"github.com/momentics/hioload-aio/affinity"
	"github.com/momentics/hioload-aio/api"
	"github.com/momentics/hioload-aio/pool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Handler consumes a completed context. The context is valid only for the
// duration of the call; it goes back to its pool right after.
type Handler func(*pool.IoContext)

// Resolver maps completion tokens to in-flight acquisitions.
type Resolver interface {
	Resolve(api.Token) (pool.Handle, error)
}

// Observer receives one call per dispatched completion.
type Observer interface {
	ObserveCompletion(op api.OpKind, bytes int, err error)
}

// WorkerState is the observable state of one worker.
type WorkerState int32

const (
	StateIdle WorkerState = iota
	StateWaiting
	StateDispatching
)

func (s WorkerState) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateDispatching:
		return "dispatching"
	default:
		return "idle"
	}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithFatalHook is called once per internal consistency failure before the
// dispatcher stops.
func WithFatalHook(fn func(error)) Option {
	return func(d *Dispatcher) { d.onFatal = fn }
}

// WithObserver attaches a completion observer.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// WithCPUs pins worker i to cpus[i%len(cpus)]. A worker that cannot be
// pinned logs a warning and runs unpinned.
func WithCPUs(cpus []int) Option {
	return func(d *Dispatcher) { d.cpus = append([]int(nil), cpus...) }
}

// Dispatcher delivers completions from a port to handlers.
type Dispatcher struct {
	port     api.CompletionPort
	resolver Resolver
	log      *zap.Logger
	onFatal  func(error)
	observer Observer
	cpus     []int

	hmu      sync.RWMutex
	handlers [api.NumOpKinds]Handler

	running atomic.Bool
	smu     sync.Mutex
	states  []atomic.Int32

	bgMu   sync.Mutex
	sig    *shutdown.Signaller
	runErr error
}

// New creates a dispatcher for port and resolver.
func New(port api.CompletionPort, resolver Resolver, opts ...Option) *Dispatcher {
	d := &Dispatcher{port: port, resolver: resolver}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		d.log = Logger()
	}
	return d
}

// Handle registers the callback for one operation kind. A continuation set
// on the context with OnComplete takes precedence.
func (d *Dispatcher) Handle(kind api.OpKind, h Handler) error {
	if !kind.Valid() {
		return fmt.Errorf("operation %d: %w", kind, api.ErrInvalidArgument)
	}
	d.hmu.Lock()
	d.handlers[kind] = h
	d.hmu.Unlock()
	return nil
}

func (d *Dispatcher) handler(kind api.OpKind) Handler {
	d.hmu.RLock()
	defer d.hmu.RUnlock()
	if !kind.Valid() {
		return nil
	}
	return d.handlers[kind]
}

// Run blocks while workers goroutines dispatch completions. timeout bounds a
// single port wait; timeout <= 0 waits forever. Run returns nil when ctx is
// done or the port closes, and an error wrapping api.ErrUnresolvableCompletion
// or api.ErrDoubleRelease on an internal consistency failure.
func (d *Dispatcher) Run(ctx context.Context, workers int, timeout time.Duration) error {
	if workers <= 0 {
		return fmt.Errorf("workers %d: %w", workers, api.ErrInvalidArgument)
	}
	if !d.running.CompareAndSwap(false, true) {
		return errors.New("dispatcher already running")
	}
	defer d.running.Store(false)

	d.smu.Lock()
	d.states = make([]atomic.Int32, workers)
	d.smu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	// Workers parked in an unbounded wait only notice cancellation through a
	// completion; the zero token is never issued and serves as a wakeup.
	stop := context.AfterFunc(gctx, func() {
		for i := 0; i < workers; i++ {
			if err := d.port.Post(api.Completion{}); err != nil {
				return
			}
		}
	})
	defer stop()

	d.log.Debug("dispatcher started", zap.Int("workers", workers), zap.Duration("timeout", timeout))
	for i := 0; i < workers; i++ {
		id := i
		g.Go(func() error { return d.worker(gctx, id, timeout) })
	}
	err := g.Wait()
	d.log.Debug("dispatcher stopped", zap.Error(err))
	return err
}

func (d *Dispatcher) setState(id int, s WorkerState) {
	d.states[id].Store(int32(s))
}

func (d *Dispatcher) worker(ctx context.Context, id int, timeout time.Duration) error {
	defer d.setState(id, StateIdle)
	if len(d.cpus) > 0 {
		cpu := d.cpus[id%len(d.cpus)]
		if err := affinity.Pin(cpu); err != nil {
			d.log.Warn("worker not pinned", zap.Int("worker", id), zap.Int("cpu", cpu), zap.Error(err))
		}
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		d.setState(id, StateWaiting)
		c, err := d.port.Wait(timeout)
		switch {
		case err == nil:
		case errors.Is(err, api.ErrWaitTimeout):
			continue
		case errors.Is(err, api.ErrPortClosed):
			return nil
		default:
			d.log.Error("completion wait failed", zap.Int("worker", id), zap.Error(err))
			return fmt.Errorf("worker %d: %w", id, err)
		}
		if c.Token.IsZero() {
			continue
		}
		d.setState(id, StateDispatching)
		if err := d.dispatch(id, c); err != nil {
			return err
		}
	}
}

// dispatch completes one operation: resolve, record, callback, release.
func (d *Dispatcher) dispatch(worker int, c api.Completion) error {
	h, err := d.resolver.Resolve(c.Token)
	if err != nil {
		return d.fatal(worker, c.Token, fmt.Errorf("resolve: %w", err))
	}
	ioc := h.Context()
	ioc.Complete(c)
	if err := ioc.Err(); err != nil {
		d.log.Debug("operation failed",
			zap.Stringer("token", c.Token), zap.Stringer("op", ioc.Kind()), zap.Error(err))
	}
	if d.observer != nil {
		d.observer.ObserveCompletion(ioc.Kind(), ioc.Transferred(), ioc.Err())
	}

	d.invoke(worker, ioc)

	if err := h.Release(); err != nil {
		return d.fatal(worker, c.Token, fmt.Errorf("release: %w", err))
	}
	return nil
}

func (d *Dispatcher) invoke(worker int, ioc *pool.IoContext) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("completion callback panic",
				zap.Int("worker", worker), zap.Stringer("token", ioc.Token()),
				zap.Stringer("op", ioc.Kind()), zap.Any("panic", r))
		}
	}()
	if fn := ioc.Continuation(); fn != nil {
		fn(ioc)
		return
	}
	if fn := d.handler(ioc.Kind()); fn != nil {
		fn(ioc)
		return
	}
	d.log.Debug("no handler for completion", zap.Stringer("op", ioc.Kind()), zap.Stringer("token", ioc.Token()))
}

func (d *Dispatcher) fatal(worker int, t api.Token, err error) error {
	d.log.Error("completion path consistency failure",
		zap.Int("worker", worker), zap.Stringer("token", t), zap.Error(err))
	if d.onFatal != nil {
		d.onFatal(err)
	}
	return err
}

// States returns a snapshot of every worker's state.
func (d *Dispatcher) States() []WorkerState {
	d.smu.Lock()
	defer d.smu.Unlock()
	out := make([]WorkerState, len(d.states))
	for i := range d.states {
		out[i] = WorkerState(d.states[i].Load())
	}
	return out
}

// Start runs the dispatcher in the background until Stop.
func (d *Dispatcher) Start(workers int, timeout time.Duration) error {
	d.bgMu.Lock()
	defer d.bgMu.Unlock()
	if d.sig != nil {
		return errors.New("dispatcher already started")
	}
	if workers <= 0 {
		return fmt.Errorf("workers %d: %w", workers, api.ErrInvalidArgument)
	}
	sig := shutdown.NewSignaller()
	d.sig = sig
	d.runErr = nil
	go func() {
		ctx, cancel := sig.SoftStopCtx(context.Background())
		defer cancel()
		err := d.Run(ctx, workers, timeout)
		d.bgMu.Lock()
		d.runErr = err
		d.bgMu.Unlock()
		sig.TriggerHasStopped()
	}()
	return nil
}

// Done is closed when a background run ends, whether by Stop or failure.
// It is nil before Start.
func (d *Dispatcher) Done() <-chan struct{} {
	d.bgMu.Lock()
	defer d.bgMu.Unlock()
	if d.sig == nil {
		return nil
	}
	return d.sig.HasStoppedChan()
}

// Err returns the result of the last background run.
func (d *Dispatcher) Err() error {
	d.bgMu.Lock()
	defer d.bgMu.Unlock()
	return d.runErr
}

// Stop ends a background run and waits for the workers, bounded by ctx.
// Workers stop after the completion they are dispatching; a callback that
// outlives ctx keeps its worker running until it returns, and Done reports
// the end of the run.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.bgMu.Lock()
	sig := d.sig
	d.bgMu.Unlock()
	if sig == nil {
		return nil
	}
	sig.TriggerSoftStop()
	select {
	case <-sig.HasStoppedChan():
	case <-ctx.Done():
		return fmt.Errorf("dispatcher stop: %w", ctx.Err())
	}
	d.bgMu.Lock()
	defer d.bgMu.Unlock()
	d.sig = nil
	return d.runErr
}
