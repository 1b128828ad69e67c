// File: socket/socket.go
// Package socket implements an asynchronous socket over the pooled
// completion engine.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Every Submit* call acquires an IoContext, fills it, and hands it to the
// completion port under the scoped acquisition pattern: if anything fails
// before the OS accepts the operation, the context goes straight back to its
// pool. Results arrive on dispatcher workers through the supplied Callback.

package socket

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/momentics/hioload-aio/api"
	"github.com/momentics/hioload-aio/pool"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Address families, socket types and protocols of the current platform.
const (
	IPv4     = afInet
	IPv6     = afInet6
	Stream   = sockStream
	Datagram = sockDgram
	TCP      = protoTCP
	UDP      = protoUDP
)

// Socket option levels and names accepted by Option.
const (
	LevelSocket  = solSocket
	LevelTCP     = protoTCP
	OptReuseAddr = soReuseAddr
	OptRcvBuf    = soRcvBuf
	OptSndBuf    = soSndBuf
	OptKeepAlive = soKeepAlive
	OptNoDelay   = tcpNoDelay
)

// DefaultBacklog is the listen backlog used when Listen gets zero.
const DefaultBacklog = 5

// Tracker is told about every socket created through Deps, including the
// ones produced by Accept, so an owner can close them on shutdown.
type Tracker interface {
	Track(*Socket)
	Untrack(*Socket)
}

// Deps are the engine parts a socket submits through.
type Deps struct {
	Port    api.CompletionPort
	Pools   *pool.Registry
	Tracker Tracker
}

func (d Deps) validate() error {
	if d.Port == nil || d.Pools == nil {
		return fmt.Errorf("socket deps: %w", api.ErrInvalidArgument)
	}
	return nil
}

// Result is what a Callback receives. Data aliases pooled storage and is
// valid only for the duration of the callback.
type Result struct {
	Ticket   api.Ticket
	Bytes    int
	Data     []byte
	Peer     netip.AddrPort
	Accepted *Socket
	Err      error
}

// Callback runs on a dispatcher worker once per submitted operation.
type Callback func(Result)

// Option configures a Socket.
type Option func(*Socket)

// WithSubmitLimit paces submissions; Submit* waits on l before acquiring a
// context.
func WithSubmitLimit(l *rate.Limiter) Option {
	return func(s *Socket) { s.limiter = l }
}

// WithRetry resubmits the remainder of a write that completes short or with a
// transient error, waiting between attempts as the policy returned by ctor
// dictates. Each write gets its own policy instance.
func WithRetry(ctor func() backoff.BackOff) Option {
	return func(s *Socket) { s.retry = ctor }
}

// WithAcquireTimeout bounds the wait for a free context on every submission.
// A submission that times out fails with context.DeadlineExceeded.
func WithAcquireTimeout(d time.Duration) Option {
	return func(s *Socket) { s.acquireTimeout = d }
}

// WithLogger sets the socket logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Socket) { s.log = l }
}

// Socket is an OS socket whose I/O runs through the completion port.
type Socket struct {
	deps   Deps
	handle uintptr
	family int
	sotype int
	proto  int
	opts   []Option

	log     *zap.Logger
	limiter *rate.Limiter
	retry   func() backoff.BackOff

	acquireTimeout time.Duration

	mu          sync.Mutex
	peer        netip.AddrPort
	closed      bool
	outstanding int
	idle        chan struct{}

	// Writes waiting out a retry gap.
	retries map[*writeState]*time.Timer
}

// New creates a non-blocking (overlapped on Windows) socket.
func New(deps Deps, family, sotype, proto int, opts ...Option) (*Socket, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	h, err := sysSocket(family, sotype, proto)
	if err != nil {
		return nil, api.SocketOpFailed("socket", err)
	}
	return newSocket(deps, h, family, sotype, proto, opts), nil
}

func newSocket(deps Deps, h uintptr, family, sotype, proto int, opts []Option) *Socket {
	s := &Socket{
		deps:   deps,
		handle: h,
		family: family,
		sotype: sotype,
		proto:  proto,
		opts:   opts,
		idle:   closedChan(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = Logger()
	}
	if deps.Tracker != nil {
		deps.Tracker.Track(s)
	}
	return s
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (s *Socket) Handle() uintptr { return s.handle }
func (s *Socket) Family() int { return s.family }
func (s *Socket) Type() int { return s.sotype }

// Bind assigns the local address.
func (s *Socket) Bind(addr netip.AddrPort) error {
	if err := sysBind(s.handle, addr); err != nil {
		return api.SocketOpFailed("bind", err)
	}
	return nil
}

// Listen marks a stream socket as accepting connections. A backlog of zero
// means DefaultBacklog.
func (s *Socket) Listen(backlog int) error {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	if err := sysListen(s.handle, backlog); err != nil {
		return api.SocketOpFailed("listen", err)
	}
	return nil
}

// LocalAddr returns the bound address.
func (s *Socket) LocalAddr() (netip.AddrPort, error) {
	ap, err := sysLocalAddr(s.handle)
	if err != nil {
		return netip.AddrPort{}, api.SocketOpFailed("getsockname", err)
	}
	return ap, nil
}

// Option reads the integer option when value is zero and sets it otherwise.
// It returns the current value in both cases.
func (s *Socket) Option(level, name, value int) (int, error) {
	if value == 0 {
		v, err := sysGetsockopt(s.handle, level, name)
		if err != nil {
			return 0, api.SocketOpFailed("getsockopt", err)
		}
		return v, nil
	}
	if err := sysSetsockopt(s.handle, level, name, value); err != nil {
		return 0, api.SocketOpFailed("setsockopt", err)
	}
	return value, nil
}

// SetPeer sets the destination SubmitWrite uses on a datagram socket.
func (s *Socket) SetPeer(addr netip.AddrPort) {
	s.mu.Lock()
	s.peer = addr
	s.mu.Unlock()
}

// Peer returns the datagram destination set by SetPeer.
func (s *Socket) Peer() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// Outstanding returns the number of operations submitted and not yet
// delivered.
func (s *Socket) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outstanding
}

// begin counts one operation against the socket; it fails once Close started.
func (s *Socket) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return api.ErrSocketClosed
	}
	if s.outstanding == 0 {
		s.idle = make(chan struct{})
	}
	s.outstanding++
	return nil
}

func (s *Socket) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outstanding--
	if s.outstanding == 0 {
		close(s.idle)
	}
}

// SubmitWrite sends buf. On a datagram socket it goes to the address set by
// SetPeer. buf must stay untouched until the callback runs.
func (s *Socket) SubmitWrite(ctx context.Context, buf []byte, cb Callback) (api.Ticket, error) {
	var peer netip.AddrPort
	if s.sotype == Datagram {
		peer = s.Peer()
		if !peer.IsValid() {
			return api.Ticket{}, fmt.Errorf("datagram write without peer: %w", api.ErrInvalidArgument)
		}
	}
	return s.write(ctx, buf, peer, cb)
}

// SubmitWriteTo sends one datagram to peer.
func (s *Socket) SubmitWriteTo(ctx context.Context, buf []byte, peer netip.AddrPort, cb Callback) (api.Ticket, error) {
	if !peer.IsValid() {
		return api.Ticket{}, fmt.Errorf("write to %s: %w", peer, api.ErrInvalidArgument)
	}
	return s.write(ctx, buf, peer, cb)
}

func (s *Socket) write(ctx context.Context, buf []byte, peer netip.AddrPort, cb Callback) (api.Ticket, error) {
	if len(buf) == 0 {
		return api.Ticket{}, fmt.Errorf("empty write: %w", api.ErrInvalidArgument)
	}
	w := &writeState{s: s, buf: buf, peer: peer, cb: cb}
	if s.retry != nil && !peer.IsValid() {
		w.policy = s.retry()
		w.policy.Reset()
	}
	return w.submit(ctx)
}

// SubmitRead receives up to n bytes into pooled storage.
func (s *Socket) SubmitRead(ctx context.Context, n int, cb Callback) (api.Ticket, error) {
	if n <= 0 {
		return api.Ticket{}, fmt.Errorf("read length %d: %w", n, api.ErrInvalidArgument)
	}
	return s.submit(ctx, n, func(c *pool.IoContext) error {
		if err := c.SetOperation(api.OpRead); err != nil {
			return err
		}
		return c.SetExpectedLength(n)
	}, s.deliver(cb))
}

// SubmitReadFrom receives one datagram of up to n bytes; the result carries
// the sender address.
func (s *Socket) SubmitReadFrom(ctx context.Context, n int, cb Callback) (api.Ticket, error) {
	if s.sotype != Datagram {
		return api.Ticket{}, fmt.Errorf("read from on a stream socket: %w", api.ErrInvalidArgument)
	}
	return s.SubmitRead(ctx, n, cb)
}

// SubmitAccept accepts one connection. The result carries the new socket,
// which shares this socket's engine and options.
func (s *Socket) SubmitAccept(ctx context.Context, cb Callback) (api.Ticket, error) {
	return s.submit(ctx, 0, func(c *pool.IoContext) error {
		return c.SetOperation(api.OpAccept)
	}, s.deliver(cb))
}

// SubmitConnect connects a stream socket to addr.
func (s *Socket) SubmitConnect(ctx context.Context, addr netip.AddrPort, cb Callback) (api.Ticket, error) {
	if !addr.IsValid() {
		return api.Ticket{}, fmt.Errorf("connect to %s: %w", addr, api.ErrInvalidArgument)
	}
	return s.submit(ctx, 0, func(c *pool.IoContext) error {
		if err := c.SetOperation(api.OpConnect); err != nil {
			return err
		}
		return c.SetPeer(addr)
	}, s.deliver(cb))
}

// submit runs one scoped acquisition: acquire, prepare, submit. The context
// returns to its pool on every path that does not reach the port.
func (s *Socket) submit(ctx context.Context, size int, prepare func(*pool.IoContext) error, done func(*pool.IoContext)) (api.Ticket, error) {
	if err := s.begin(); err != nil {
		return api.Ticket{}, err
	}
	queued := false
	defer func() {
		if !queued {
			s.end()
		}
	}()

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return api.Ticket{}, fmt.Errorf("submit pacing: %w", err)
		}
	}
	p, err := s.deps.Pools.Pool(size)
	if err != nil {
		return api.Ticket{}, err
	}
	h, err := s.acquire(ctx, p)
	if err != nil {
		return api.Ticket{}, err
	}
	defer h.Abort()

	c := h.Context()
	if err := c.SetHandle(s.handle, s.family); err != nil {
		return api.Ticket{}, err
	}
	if err := prepare(c); err != nil {
		return api.Ticket{}, err
	}
	if err := c.OnComplete(func(c *pool.IoContext) {
		defer s.end()
		done(c)
	}); err != nil {
		return api.Ticket{}, err
	}

	t := api.Ticket{Token: h.Token(), Op: c.Kind()}
	requested := len(c.Buffer())
	if err := h.Submit(s.deps.Port.Submit); err != nil {
		s.log.Debug("submission rejected", zap.Stringer("op", t.Op), zap.Uintptr("handle", s.handle), zap.Error(err))
		return api.Ticket{}, err
	}
	queued = true
	s.log.Debug("operation submitted",
		zap.Stringer("op", t.Op), zap.Stringer("token", t.Token), zap.Int("bytes", requested))
	return t, nil
}

func (s *Socket) acquire(ctx context.Context, p *pool.ContextPool) (pool.Handle, error) {
	if s.acquireTimeout <= 0 {
		return p.Acquire(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, s.acquireTimeout)
	defer cancel()
	return p.Acquire(ctx)
}

// deliver adapts a completed context to a Result.
func (s *Socket) deliver(cb Callback) func(*pool.IoContext) {
	return func(c *pool.IoContext) {
		res := Result{
			Ticket: api.Ticket{Token: c.Token(), Op: c.Kind()},
			Bytes:  c.Transferred(),
			Data:   c.Data(),
			Peer:   c.Peer(),
			Err:    c.Err(),
		}
		if c.Kind() == api.OpAccept && res.Err == nil && c.Accepted() != 0 {
			res.Accepted = newSocket(s.deps, c.Accepted(), s.family, s.sotype, s.proto, s.opts)
		}
		s.log.Debug("operation completed",
			zap.Stringer("op", c.Kind()), zap.Stringer("token", c.Token()),
			zap.Int("bytes", res.Bytes), zap.Error(res.Err))
		if cb != nil {
			cb(res)
		} else if res.Accepted != nil {
			_ = res.Accepted.Close(context.Background())
		}
	}
}

// writeState follows one logical write across retried submissions.
type writeState struct {
	s      *Socket
	buf    []byte
	peer   netip.AddrPort
	cb     Callback
	policy backoff.BackOff
	first  api.Ticket
	sent   int
}

func (w *writeState) submit(ctx context.Context) (api.Ticket, error) {
	return w.s.submit(ctx, 0, func(c *pool.IoContext) error {
		if err := c.SetOperation(api.OpWrite); err != nil {
			return err
		}
		if err := c.BindBuffer(w.buf[w.sent:]); err != nil {
			return err
		}
		if w.first.Token.IsZero() {
			w.first = api.Ticket{Token: c.Token(), Op: api.OpWrite}
		}
		if w.peer.IsValid() {
			return c.SetPeer(w.peer)
		}
		return nil
	}, w.complete)
}

func (w *writeState) complete(c *pool.IoContext) {
	w.sent += c.Transferred()
	err := c.Err()
	if w.policy != nil && w.sent < len(w.buf) && (err == nil || isTransient(err)) {
		if d := w.policy.NextBackOff(); d != backoff.Stop {
			// Hold the socket open across the gap between attempts.
			if w.s.begin() == nil {
				w.s.log.Debug("retrying write",
					zap.Int("sent", w.sent), zap.Int("total", len(w.buf)), zap.Duration("after", d), zap.Error(err))
				w.s.schedule(w, d)
				return
			}
		}
	}
	w.finish(err)
}

// schedule resubmits w after d unless Close cuts the gap short.
func (s *Socket) schedule(w *writeState, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retries == nil {
		s.retries = make(map[*writeState]*time.Timer)
	}
	s.retries[w] = time.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.retries, w)
		s.mu.Unlock()
		w.resubmit()
	})
}

func (w *writeState) resubmit() {
	defer w.s.end()
	if _, err := w.submit(context.Background()); err != nil {
		w.finish(err)
	}
}

func (w *writeState) finish(err error) {
	if w.cb == nil {
		return
	}
	w.cb(Result{Ticket: w.first, Bytes: w.sent, Peer: w.peer, Err: err})
}

// Connect connects and waits for the result. It must not be called from a
// dispatcher callback when the dispatcher runs a single worker.
func (s *Socket) Connect(ctx context.Context, addr netip.AddrPort) error {
	res, err := s.await(ctx, func(cb Callback) (api.Ticket, error) { return s.SubmitConnect(ctx, addr, cb) })
	if err != nil {
		return err
	}
	return res.Err
}

// Accept waits for one connection. The same restriction as Connect applies.
func (s *Socket) Accept(ctx context.Context) (*Socket, netip.AddrPort, error) {
	res, err := s.await(ctx, func(cb Callback) (api.Ticket, error) { return s.SubmitAccept(ctx, cb) })
	if err != nil {
		return nil, netip.AddrPort{}, err
	}
	if res.Err != nil {
		return nil, netip.AddrPort{}, res.Err
	}
	return res.Accepted, res.Peer, nil
}

// await submits and blocks until the callback fires. On ctx expiry the
// operation stays queued; its late result is discarded.
func (s *Socket) await(ctx context.Context, submit func(Callback) (api.Ticket, error)) (Result, error) {
	ch := make(chan Result, 1)
	if _, err := submit(func(r Result) { ch <- r }); err != nil {
		return Result{}, err
	}
	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.Accepted != nil {
				_ = r.Accepted.Close(context.Background())
			}
		}()
		return Result{}, ctx.Err()
	}
}

// Close refuses new submissions, cancels queued operations, waits for their
// completions to be delivered and closes the handle. It is safe to call more
// than once, but not from one of this socket's own callbacks.
func (s *Socket) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	idle := s.idle
	pending := s.outstanding
	var stopped []*writeState
	for w, t := range s.retries {
		// A timer that already fired resubmits on its own.
		if t.Stop() {
			stopped = append(stopped, w)
		}
	}
	s.retries = nil
	s.mu.Unlock()

	// The resubmit sees the socket closed and reports ErrSocketClosed.
	for _, w := range stopped {
		go w.resubmit()
	}

	var err error
	// Cancel also makes the port forget the handle, whose number the OS
	// may hand to the next socket.
	if cerr := s.deps.Port.Cancel(s.handle); cerr != nil && !errors.Is(cerr, api.ErrPortClosed) {
		err = multierr.Append(err, fmt.Errorf("cancel: %w", cerr))
	}
	if pending > 0 {
		select {
		case <-idle:
		case <-ctx.Done():
			err = multierr.Append(err, fmt.Errorf("%d operations outstanding: %w", s.Outstanding(), ctx.Err()))
		}
	}
	if cerr := sysClose(s.handle); cerr != nil {
		err = multierr.Append(err, api.SocketOpFailed("close", cerr))
	}
	if s.deps.Tracker != nil {
		s.deps.Tracker.Untrack(s)
	}
	s.log.Debug("socket closed", zap.Uintptr("handle", s.handle), zap.Error(err))
	return err
}
