// File: facade/engine.go
// Unified facade over the pooled asynchronous I/O engine.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Engine aggregates the context pool registry, the completion port, the
// dispatcher, metrics and debug probes behind a single object built from
// control.Config. It creates sockets bound to these parts and shuts them all
// down in dependency order.

package facade

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Jeffail/shutdown"
	"github.com/cenkalti/backoff/v4"
	"github.com/momentics/hioload-aio/api"
	"github.com/momentics/hioload-aio/control"
	"github.com/momentics/hioload-aio/dispatch"
	"github.com/momentics/hioload-aio/pool"
	"github.com/momentics/hioload-aio/reactor"
	"github.com/momentics/hioload-aio/socket"
	"github.com/puzpuzpuz/xsync/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrEngineClosed is returned once Shutdown has started.
var ErrEngineClosed = errors.New("engine is shutting down")

// Option customizes engine construction.
type Option func(*Engine)

// WithLogger sets the logger handed to every component.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithPort replaces the platform completion port, e.g. with fake.Port.
func WithPort(p api.CompletionPort) Option {
	return func(e *Engine) { e.port = p }
}

// Engine owns one registry, one port and one dispatcher.
type Engine struct {
	cfg     *control.Config
	log     *zap.Logger
	pools   *pool.Registry
	port    api.CompletionPort
	disp    *dispatch.Dispatcher
	metrics *control.Metrics
	store   *control.ConfigStore
	probes  *control.DebugProbes
	sockets *xsync.MapOf[uintptr, *socket.Socket]
	sig     *shutdown.Signaller

	// live is cfg with the reloadable sections as last set by Reload.
	live atomic.Pointer[control.Config]

	mu      sync.Mutex
	started bool
	closing bool
	fatal   error
}

var (
	_ socket.Tracker       = (*Engine)(nil)
	_ api.GracefulShutdown = (*Engine)(nil)
)

// New builds an engine from cfg; nil means control.DefaultConfig.
func New(cfg *control.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = control.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:     cfg,
		sockets: xsync.NewIntegerMapOf[uintptr, *socket.Socket](),
		sig:     shutdown.NewSignaller(),
		probes:  control.NewDebugProbes(),
		store:   control.NewConfigStore(cfg.Snapshot()),
	}
	e.live.Store(cfg)
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = Logger()
	}

	var poolOpts []pool.PoolOption
	dispOpts := []dispatch.Option{
		dispatch.WithLogger(e.log.Named("dispatch")),
		dispatch.WithFatalHook(e.onFatal),
	}
	if len(cfg.Dispatcher.CPUs) > 0 {
		dispOpts = append(dispOpts, dispatch.WithCPUs(cfg.Dispatcher.CPUs))
	}
	if cfg.Metrics.Enabled {
		e.metrics = control.NewMetrics(cfg.Metrics.Namespace)
		poolOpts = append(poolOpts, pool.WithObserver(e.metrics))
		dispOpts = append(dispOpts, dispatch.WithObserver(e.metrics))
	}

	pools, err := pool.NewRegistry(cfg.Pools, poolOpts...)
	if err != nil {
		return nil, fmt.Errorf("pool registry: %w", err)
	}
	e.pools = pools
	if e.metrics != nil {
		if err := e.metrics.CollectPools(cfg.Metrics.Namespace, pools.Stats); err != nil {
			return nil, fmt.Errorf("pool collector: %w", err)
		}
	}

	if e.port == nil {
		stats := pools.Stats()
		slots := make([]int, len(stats))
		for _, st := range stats {
			slots[st.ID] = st.Capacity
		}
		port, err := reactor.NewPort(
			reactor.WithQueueCapacity(cfg.Port.QueueCapacity),
			reactor.WithSlots(slots),
			reactor.WithLogger(e.log.Named("reactor")),
		)
		if err != nil {
			return nil, fmt.Errorf("completion port: %w", err)
		}
		e.port = port
	}
	e.disp = dispatch.New(e.port, pools, dispOpts...)
	e.registerProbes()
	return e, nil
}

func (e *Engine) registerProbes() {
	e.probes.RegisterProbe("pools", func() any { return e.pools.Stats() })
	e.probes.RegisterProbe("dispatcher.workers", func() any {
		states := e.disp.States()
		out := make([]string, len(states))
		for i, s := range states {
			out[i] = s.String()
		}
		return out
	})
	e.probes.RegisterProbe("sockets.open", func() any { return e.sockets.Size() })
	e.probes.RegisterProbe("config", func() any { return e.store.GetSnapshot() })
	control.RegisterPlatformProbes(e.probes)
}

// Start runs the dispatcher. Subsequent calls have no effect.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closing {
		return ErrEngineClosed
	}
	if e.started {
		return nil
	}
	if err := e.disp.Start(e.cfg.Dispatcher.Workers, e.cfg.Dispatcher.WaitTimeout); err != nil {
		return err
	}
	e.started = true
	e.log.Info("engine started",
		zap.Int("workers", e.cfg.Dispatcher.Workers), zap.Int("pools", len(e.pools.Pools())))
	return nil
}

// onFatal records the first consistency failure reported by the dispatcher.
func (e *Engine) onFatal(err error) {
	e.mu.Lock()
	if e.fatal == nil {
		e.fatal = err
	}
	e.mu.Unlock()
	e.log.Error("engine consistency failure", zap.Error(err))
}

// Err returns the consistency failure that stopped the dispatcher, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fatal
}

// NewSocket creates a socket bound to this engine. Engine-wide defaults for
// pacing and retry apply first; opts can override them.
func (e *Engine) NewSocket(family, sotype, proto int, opts ...socket.Option) (*socket.Socket, error) {
	e.mu.Lock()
	closing := e.closing
	e.mu.Unlock()
	if closing {
		return nil, ErrEngineClosed
	}
	all := append(e.socketDefaults(), opts...)
	return socket.New(e.deps(), family, sotype, proto, all...)
}

func (e *Engine) deps() socket.Deps {
	return socket.Deps{Port: e.port, Pools: e.pools, Tracker: e}
}

func (e *Engine) socketDefaults() []socket.Option {
	sc := e.live.Load().Socket
	opts := []socket.Option{socket.WithLogger(e.log.Named("socket"))}
	if sc.SubmitRate > 0 {
		// Each socket gets its own limiter.
		opts = append(opts, socket.WithSubmitLimit(rate.NewLimiter(rate.Limit(sc.SubmitRate), sc.SubmitBurst)))
	}
	if sc.RetryMax > 0 {
		interval := sc.RetryInterval
		opts = append(opts, socket.WithRetry(func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), sc.RetryMax)
		}))
	}
	if sc.AcquireTimeout > 0 {
		opts = append(opts, socket.WithAcquireTimeout(sc.AcquireTimeout))
	}
	return opts
}

// Reload applies the reloadable sections of next: socket defaults, shutdown
// timeout and log level. Sockets created afterwards use the new defaults;
// open sockets keep theirs. Listeners registered with Control().OnReload see
// the new snapshot.
func (e *Engine) Reload(next *control.Config) error {
	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	cur := e.live.Load()
	if err := cur.CheckReload(next); err != nil {
		e.mu.Unlock()
		return err
	}
	merged := *cur
	merged.Socket = next.Socket
	merged.ShutdownTimeout = next.ShutdownTimeout
	merged.LogLevel = next.LogLevel
	e.live.Store(&merged)
	e.mu.Unlock()

	e.log.Info("configuration reloaded",
		zap.Float64("socket.submit_rate", merged.Socket.SubmitRate),
		zap.Uint64("socket.retry_max", merged.Socket.RetryMax),
		zap.String("log_level", merged.LogLevel))
	e.store.SetConfig(merged.Snapshot())
	return nil
}

// Track registers an open socket. Sockets call it on creation, including
// accepted ones. A socket arriving during shutdown is closed at once.
func (e *Engine) Track(s *socket.Socket) {
	e.mu.Lock()
	closing := e.closing
	e.mu.Unlock()
	if closing {
		go func() {
			if err := s.Close(context.Background()); err != nil {
				e.log.Warn("late socket close", zap.Error(err))
			}
		}()
		return
	}
	e.sockets.Store(s.Handle(), s)
}

// Untrack forgets a closed socket.
func (e *Engine) Untrack(s *socket.Socket) {
	e.sockets.Compute(s.Handle(), func(cur *socket.Socket, loaded bool) (*socket.Socket, bool) {
		// A reused handle may already belong to a newer socket.
		return cur, !loaded || cur == s
	})
}

// Sockets returns the number of open sockets.
func (e *Engine) Sockets() int { return e.sockets.Size() }

// Shutdown stops the engine in order: refuse new sockets and submissions,
// close every socket (cancelling its queued operations), drain the pools
// while the dispatcher still runs, stop the dispatcher and close the port,
// and finally close the pools. Without a deadline on ctx, the configured
// shutdown timeout applies. All errors are returned together.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		<-e.sig.HasStoppedChan()
		return nil
	}
	e.closing = true
	e.mu.Unlock()
	e.sig.TriggerSoftStop()
	defer e.sig.TriggerHasStopped()

	if timeout := e.live.Load().ShutdownTimeout; timeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
	}
	start := time.Now()

	var err error
	e.sockets.Range(func(_ uintptr, s *socket.Socket) bool {
		err = multierr.Append(err, s.Close(ctx))
		return true
	})
	if derr := e.pools.Drain(ctx); derr != nil {
		err = multierr.Append(err, fmt.Errorf("drain: %w", derr))
	}
	err = multierr.Append(err, e.disp.Stop(ctx))
	err = multierr.Append(err, e.port.Close())
	err = multierr.Append(err, e.pools.Close())

	e.log.Info("engine stopped", zap.Duration("took", time.Since(start)), zap.Error(err))
	return err
}

// Done is closed when Shutdown has finished.
func (e *Engine) Done() <-chan struct{} { return e.sig.HasStoppedChan() }

// Closing is closed when Shutdown begins.
func (e *Engine) Closing() <-chan struct{} { return e.sig.SoftStopChan() }

// Config returns the running configuration, including reloaded sections.
func (e *Engine) Config() *control.Config { return e.live.Load() }

func (e *Engine) Pools() *pool.Registry { return e.pools }
func (e *Engine) Port() api.CompletionPort { return e.port }
func (e *Engine) Dispatcher() *dispatch.Dispatcher { return e.disp }
func (e *Engine) Control() *control.ConfigStore { return e.store }
func (e *Engine) Debug() *control.DebugProbes { return e.probes }

// Metrics returns nil when metrics are disabled.
func (e *Engine) Metrics() *control.Metrics { return e.metrics }
