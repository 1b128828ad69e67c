package socket_test

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/momentics/hioload-aio/api"
	"github.com/momentics/hioload-aio/dispatch"
	"github.com/momentics/hioload-aio/fake"
	"github.com/momentics/hioload-aio/pool"
	"github.com/momentics/hioload-aio/socket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type env struct {
	reg  *pool.Registry
	port *fake.Port
	deps socket.Deps
}

func newEnv(t *testing.T, capacity int, dispatching bool) *env {
	t.Helper()
	reg, err := pool.NewRegistry([]pool.ClassConfig{{Size: 256, Capacity: capacity}})
	require.NoError(t, err)
	port := fake.NewPort(64)
	if dispatching {
		d := dispatch.New(port, reg)
		require.NoError(t, d.Start(2, 10*time.Millisecond))
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = d.Stop(ctx)
		})
	}
	return &env{reg: reg, port: port, deps: socket.Deps{Port: port, Pools: reg}}
}

func (e *env) socket(t *testing.T, sotype int, opts ...socket.Option) *socket.Socket {
	t.Helper()
	proto := socket.TCP
	if sotype == socket.Datagram {
		proto = socket.UDP
	}
	s, err := socket.New(e.deps, socket.IPv4, sotype, proto, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func (e *env) balanced(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.reg.Drain(ctx))
	st := e.reg.Default().Stats()
	assert.True(t, st.Balanced(), "%+v", st)
	assert.Equal(t, st.Capacity, st.Free)
}

func pendingOne(t *testing.T, port *fake.Port) api.Operation {
	t.Helper()
	var op api.Operation
	require.Eventually(t, func() bool {
		ops := port.Pending()
		if len(ops) != 1 {
			return false
		}
		op = ops[0]
		return true
	}, time.Second, time.Millisecond)
	return op
}

func TestNewRejectsMissingDeps(t *testing.T) {
	_, err := socket.New(socket.Deps{}, socket.IPv4, socket.Stream, socket.TCP)
	require.ErrorIs(t, err, api.ErrInvalidArgument)
}

func TestSynchronousFailureReturnsContext(t *testing.T) {
	e := newEnv(t, 2, false)
	s := e.socket(t, socket.Stream)
	e.port.FailWith(func(api.Operation) error { return errors.New("WSAENOTCONN") })

	for i := 0; i < 5; i++ {
		_, err := s.SubmitWrite(context.Background(), []byte("payload"), nil)
		require.ErrorIs(t, err, api.ErrSubmissionFailed)
	}
	_, err := s.SubmitRead(context.Background(), 16, nil)
	require.ErrorIs(t, err, api.ErrSubmissionFailed)

	assert.Equal(t, 0, s.Outstanding())
	assert.Equal(t, 0, e.port.Submitted())
	e.balanced(t)
	assert.Equal(t, uint64(6), e.reg.Default().Stats().Acquires)
}

func TestInvalidSubmissionsNeverAcquire(t *testing.T) {
	e := newEnv(t, 1, false)
	stream := e.socket(t, socket.Stream)
	dgram := e.socket(t, socket.Datagram)

	_, err := stream.SubmitWrite(context.Background(), nil, nil)
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
	_, err = stream.SubmitRead(context.Background(), 0, nil)
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
	_, err = stream.SubmitReadFrom(context.Background(), 8, nil)
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
	_, err = stream.SubmitConnect(context.Background(), netip.AddrPort{}, nil)
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
	_, err = dgram.SubmitWrite(context.Background(), []byte("x"), nil)
	assert.ErrorIs(t, err, api.ErrInvalidArgument, "datagram write needs a peer")
	_, err = stream.SubmitRead(context.Background(), 1024, nil)
	assert.ErrorIs(t, err, api.ErrInvalidArgument, "no class holds 1024 bytes")

	assert.Equal(t, uint64(0), e.reg.Default().Stats().Acquires)
}

func TestDatagramWriteUsesPeer(t *testing.T) {
	e := newEnv(t, 2, true)
	s := e.socket(t, socket.Datagram)
	peer := netip.MustParseAddrPort("127.0.0.1:5555")
	s.SetPeer(peer)
	assert.Equal(t, peer, s.Peer())

	done := make(chan socket.Result, 1)
	tk, err := s.SubmitWrite(context.Background(), []byte("frame"), func(r socket.Result) { done <- r })
	require.NoError(t, err)
	op := pendingOne(t, e.port)
	assert.Equal(t, peer, op.Peer)
	assert.Equal(t, api.OpWrite, op.Op)
	assert.Equal(t, s.Handle(), op.Handle)

	require.True(t, e.port.Complete(tk.Token, 5, nil))
	r := <-done
	assert.Equal(t, tk, r.Ticket)
	assert.Equal(t, 5, r.Bytes)
	require.NoError(t, r.Err)
	e.balanced(t)
}

func TestReadDeliversData(t *testing.T) {
	e := newEnv(t, 1, true)
	s := e.socket(t, socket.Datagram)

	got := make(chan string, 1)
	tk, err := s.SubmitReadFrom(context.Background(), 64, func(r socket.Result) { got <- string(r.Data) })
	require.NoError(t, err)
	op := pendingOne(t, e.port)
	assert.Len(t, op.Buf, 64)
	copy(op.Buf, "hello")
	require.True(t, e.port.Complete(tk.Token, 5, nil))
	assert.Equal(t, "hello", <-got)
	e.balanced(t)
}

func TestRetryResubmitsShortWrite(t *testing.T) {
	e := newEnv(t, 1, true)
	s := e.socket(t, socket.Stream, socket.WithRetry(func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 3)
	}))

	done := make(chan socket.Result, 1)
	tk, err := s.SubmitWrite(context.Background(), []byte("abcdef"), func(r socket.Result) { done <- r })
	require.NoError(t, err)

	op := pendingOne(t, e.port)
	assert.Equal(t, "abcdef", string(op.Buf))
	require.True(t, e.port.Complete(op.Token, 2, nil))

	op = pendingOne(t, e.port)
	assert.Equal(t, "cdef", string(op.Buf))
	require.True(t, e.port.Complete(op.Token, 0, errors.New("connection reset")))

	r := <-done
	assert.Equal(t, tk, r.Ticket)
	assert.Equal(t, 2, r.Bytes)
	require.ErrorIs(t, r.Err, api.ErrCompletionError, "non-transient errors end the write")
	e.balanced(t)
	assert.Equal(t, 0, s.Outstanding())
}

func TestRetryStopsWhenPolicyGivesUp(t *testing.T) {
	e := newEnv(t, 1, true)
	s := e.socket(t, socket.Stream, socket.WithRetry(func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 1)
	}))

	done := make(chan socket.Result, 1)
	_, err := s.SubmitWrite(context.Background(), []byte("0123456789"), func(r socket.Result) { done <- r })
	require.NoError(t, err)
	require.True(t, e.port.Complete(pendingOne(t, e.port).Token, 4, nil))
	require.True(t, e.port.Complete(pendingOne(t, e.port).Token, 3, nil))

	r := <-done
	assert.Equal(t, 7, r.Bytes)
	assert.NoError(t, r.Err)
	assert.Empty(t, e.port.Pending())
	e.balanced(t)
}

func TestSubmitLimitPacesSubmissions(t *testing.T) {
	e := newEnv(t, 2, false)
	s := e.socket(t, socket.Stream, socket.WithSubmitLimit(rate.NewLimiter(rate.Every(time.Hour), 1)))

	_, err := s.SubmitRead(context.Background(), 8, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.SubmitRead(ctx, 8, nil)
	require.Error(t, err)
	assert.Equal(t, 1, s.Outstanding())
	assert.Equal(t, uint64(1), e.reg.Default().Stats().Acquires)
}

func TestAcquireTimeoutBoundsWait(t *testing.T) {
	e := newEnv(t, 1, false)
	s := e.socket(t, socket.Stream, socket.WithAcquireTimeout(20*time.Millisecond))

	_, err := s.SubmitRead(context.Background(), 8, nil)
	require.NoError(t, err)
	start := time.Now()
	_, err = s.SubmitRead(context.Background(), 8, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	st := e.reg.Default().Stats()
	assert.Equal(t, 1, st.InFlight)
	assert.Equal(t, 0, st.Waiters)
}

func TestCloseCancelsAndWaits(t *testing.T) {
	e := newEnv(t, 4, true)
	s, err := socket.New(e.deps, socket.IPv4, socket.Stream, socket.TCP)
	require.NoError(t, err)

	var mu sync.Mutex
	var errs []error
	for i := 0; i < 3; i++ {
		_, err := s.SubmitRead(context.Background(), 32, func(r socket.Result) {
			mu.Lock()
			errs = append(errs, r.Err)
			mu.Unlock()
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, s.Outstanding())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Close(ctx))
	assert.Equal(t, []uintptr{s.Handle()}, e.port.Canceled())
	assert.Equal(t, 0, s.Outstanding())

	mu.Lock()
	require.Len(t, errs, 3)
	for _, err := range errs {
		assert.ErrorIs(t, err, api.ErrCanceled)
	}
	mu.Unlock()

	_, err = s.SubmitRead(context.Background(), 32, nil)
	require.ErrorIs(t, err, api.ErrSocketClosed)
	require.NoError(t, s.Close(ctx))
	e.balanced(t)
}

func TestCloseCutsRetryGapShort(t *testing.T) {
	e := newEnv(t, 1, true)
	s := e.socket(t, socket.Stream, socket.WithRetry(func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Hour), 1)
	}))

	done := make(chan socket.Result, 1)
	_, err := s.SubmitWrite(context.Background(), []byte("abcd"), func(r socket.Result) { done <- r })
	require.NoError(t, err)
	require.True(t, e.port.Complete(pendingOne(t, e.port).Token, 1, nil))
	require.Eventually(t, func() bool {
		return s.Outstanding() == 1 && e.reg.Default().Stats().Free == 1
	}, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, s.Close(ctx))
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	r := <-done
	require.ErrorIs(t, r.Err, api.ErrSocketClosed)
	assert.Equal(t, 1, r.Bytes)
	assert.Empty(t, e.port.Pending())
	e.balanced(t)
}

func TestCloseIdleSocketReleasesPortRegistration(t *testing.T) {
	e := newEnv(t, 1, false)
	s, err := socket.New(e.deps, socket.IPv4, socket.Datagram, socket.UDP)
	require.NoError(t, err)
	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, []uintptr{s.Handle()}, e.port.Canceled())
}

func TestCloseBoundedByContext(t *testing.T) {
	e := newEnv(t, 1, false)
	s, err := socket.New(e.deps, socket.IPv4, socket.Stream, socket.TCP)
	require.NoError(t, err)
	_, err = s.SubmitRead(context.Background(), 8, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.Close(ctx), context.DeadlineExceeded)
}

type tracker struct {
	mu   sync.Mutex
	live map[*socket.Socket]bool
}

func (tr *tracker) Track(s *socket.Socket) {
	tr.mu.Lock()
	tr.live[s] = true
	tr.mu.Unlock()
}

func (tr *tracker) Untrack(s *socket.Socket) {
	tr.mu.Lock()
	delete(tr.live, s)
	tr.mu.Unlock()
}

func (tr *tracker) count() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.live)
}

func TestTrackerSeesLifecycle(t *testing.T) {
	e := newEnv(t, 1, false)
	tr := &tracker{live: map[*socket.Socket]bool{}}
	e.deps.Tracker = tr
	s, err := socket.New(e.deps, socket.IPv4, socket.Datagram, socket.UDP)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.count())
	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, 0, tr.count())
}

func TestOptionGetAndSet(t *testing.T) {
	e := newEnv(t, 1, false)
	s := e.socket(t, socket.Stream)

	v, err := s.Option(socket.LevelSocket, socket.OptReuseAddr, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	v, err = s.Option(socket.LevelSocket, socket.OptReuseAddr, 0)
	require.NoError(t, err)
	assert.NotZero(t, v)

	_, err = s.Option(-1, -1, 0)
	require.ErrorIs(t, err, api.ErrSocketOp)
}

func TestBindAndLocalAddr(t *testing.T) {
	e := newEnv(t, 1, false)
	s := e.socket(t, socket.Datagram)
	require.NoError(t, s.Bind(netip.MustParseAddrPort("127.0.0.1:0")))
	ap, err := s.LocalAddr()
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("127.0.0.1"), ap.Addr())
	assert.NotZero(t, ap.Port())

	other := e.socket(t, socket.Datagram)
	require.ErrorIs(t, other.Bind(ap), api.ErrSocketOp)
}
