package facade_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/momentics/hioload-aio/api"
	"github.com/momentics/hioload-aio/control"
	"github.com/momentics/hioload-aio/facade"
	"github.com/momentics/hioload-aio/fake"
	"github.com/momentics/hioload-aio/pool"
	"github.com/momentics/hioload-aio/socket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *control.Config {
	cfg := control.DefaultConfig()
	cfg.Pools = []pool.ClassConfig{{Size: 128, Capacity: 4}, {Size: 4096, Capacity: 2}}
	cfg.Dispatcher.Workers = 2
	cfg.Dispatcher.WaitTimeout = 10 * time.Millisecond
	cfg.Port.QueueCapacity = 64
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

func newEngine(t *testing.T, cfg *control.Config) (*facade.Engine, *fake.Port) {
	t.Helper()
	port := fake.NewPort(cfg.Port.QueueCapacity)
	e, err := facade.New(cfg, facade.WithPort(port))
	require.NoError(t, err)
	return e, port
}

func TestEngineLifecycle(t *testing.T) {
	e, port := newEngine(t, testConfig())
	require.NoError(t, e.Start())
	require.NoError(t, e.Start())

	s, err := e.NewSocket(socket.IPv4, socket.Datagram, socket.UDP)
	require.NoError(t, err)
	assert.Equal(t, 1, e.Sockets())

	got := make(chan socket.Result, 1)
	tk, err := s.SubmitRead(context.Background(), 1000, func(r socket.Result) { got <- r })
	require.NoError(t, err)
	assert.Equal(t, uint16(1), tk.Token.Pool(), "1000 bytes route to the 4096 class")
	require.True(t, port.Complete(tk.Token, 3, nil))
	r := <-got
	require.NoError(t, r.Err)
	assert.Equal(t, 3, r.Bytes)

	require.NoError(t, e.Shutdown(context.Background()))
	select {
	case <-e.Done():
	default:
		t.Fatal("Done not closed after Shutdown")
	}
	assert.Equal(t, 0, e.Sockets())
	_, err = e.NewSocket(socket.IPv4, socket.Datagram, socket.UDP)
	require.ErrorIs(t, err, facade.ErrEngineClosed)
	require.ErrorIs(t, e.Start(), facade.ErrEngineClosed)
	require.NoError(t, e.Shutdown(context.Background()))
	require.NoError(t, e.Err())
}

func TestEngineShutdownOrder(t *testing.T) {
	e, port := newEngine(t, testConfig())
	require.NoError(t, e.Start())

	a, err := e.NewSocket(socket.IPv4, socket.Stream, socket.TCP)
	require.NoError(t, err)
	b, err := e.NewSocket(socket.IPv4, socket.Datagram, socket.UDP)
	require.NoError(t, err)

	var mu sync.Mutex
	var results []error
	record := func(r socket.Result) {
		mu.Lock()
		results = append(results, r.Err)
		mu.Unlock()
	}
	for _, s := range []*socket.Socket{a, a, b} {
		_, err := s.SubmitRead(context.Background(), 64, record)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, e.Pools().Default().Stats().InFlight)

	require.NoError(t, e.Shutdown(context.Background()))

	mu.Lock()
	require.Len(t, results, 3)
	for _, err := range results {
		assert.ErrorIs(t, err, api.ErrCanceled)
	}
	mu.Unlock()
	assert.ElementsMatch(t, []uintptr{a.Handle(), b.Handle()}, port.Canceled())
	for _, st := range e.Pools().Stats() {
		assert.True(t, st.Balanced(), "%+v", st)
		assert.Equal(t, st.Capacity, st.Free)
	}
	require.ErrorIs(t, port.Submit(api.Operation{Op: api.OpRead}), api.ErrPortClosed)
	_, err = e.Pools().Default().TryAcquire()
	require.ErrorIs(t, err, api.ErrPoolClosed)
}

func TestEngineShutdownReportsStuckOperations(t *testing.T) {
	e, _ := newEngine(t, testConfig())
	// Without a running dispatcher nothing ever completes.
	h, err := e.Pools().Default().Acquire(context.Background())
	require.NoError(t, err)
	c := h.Context()
	require.NoError(t, c.SetOperation(api.OpRead))
	require.NoError(t, c.SetHandle(99, 0))
	require.NoError(t, h.Submit(e.Port().Submit))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = e.Shutdown(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.ErrorIs(t, err, api.ErrPoolBusy)
}

func TestEngineSocketDefaultsFromConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Socket.RetryMax = 2
	cfg.Socket.RetryInterval = time.Millisecond
	e, port := newEngine(t, cfg)
	require.NoError(t, e.Start())
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })

	s, err := e.NewSocket(socket.IPv4, socket.Stream, socket.TCP)
	require.NoError(t, err)
	done := make(chan socket.Result, 1)
	tk, err := s.SubmitWrite(context.Background(), []byte("abcd"), func(r socket.Result) { done <- r })
	require.NoError(t, err)
	require.True(t, port.Complete(tk.Token, 1, nil))

	var next api.Operation
	require.Eventually(t, func() bool {
		ops := port.Pending()
		if len(ops) == 1 {
			next = ops[0]
			return true
		}
		return false
	}, time.Second, time.Millisecond)
	assert.Equal(t, "bcd", string(next.Buf))
	require.True(t, port.Complete(next.Token, 3, nil))
	r := <-done
	require.NoError(t, r.Err)
	assert.Equal(t, 4, r.Bytes)
}

func TestEngineReload(t *testing.T) {
	e, port := newEngine(t, testConfig())
	require.NoError(t, e.Start())
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })

	reloaded := make(chan map[string]any, 1)
	e.Control().OnReload(func(snap map[string]any) { reloaded <- snap })

	next := testConfig()
	next.Socket.RetryMax = 1
	next.Socket.RetryInterval = time.Millisecond
	next.LogLevel = "debug"
	require.NoError(t, e.Reload(next))

	snap := <-reloaded
	assert.Equal(t, "debug", snap["log_level"])
	assert.Equal(t, uint64(1), snap["socket.retry_max"])
	assert.Equal(t, uint64(1), e.Config().Socket.RetryMax)
	v, ok := e.Control().Get("log_level")
	require.True(t, ok)
	assert.Equal(t, "debug", v)

	// Sockets created after the reload retry short writes.
	s, err := e.NewSocket(socket.IPv4, socket.Stream, socket.TCP)
	require.NoError(t, err)
	done := make(chan socket.Result, 1)
	tk, err := s.SubmitWrite(context.Background(), []byte("xy"), func(r socket.Result) { done <- r })
	require.NoError(t, err)
	require.True(t, port.Complete(tk.Token, 1, nil))
	require.Eventually(t, func() bool { return len(port.Pending()) == 1 }, time.Second, time.Millisecond)
	require.True(t, port.Complete(port.Pending()[0].Token, 1, nil))
	r := <-done
	require.NoError(t, r.Err)
	assert.Equal(t, 2, r.Bytes)

	fixed := testConfig()
	fixed.Dispatcher.Workers = 3
	require.ErrorIs(t, e.Reload(fixed), api.ErrInvalidArgument)
	invalid := testConfig()
	invalid.Socket.AcquireTimeout = -time.Second
	require.ErrorIs(t, e.Reload(invalid), api.ErrInvalidArgument)
	assert.Equal(t, "debug", e.Config().LogLevel)

	require.NoError(t, e.Shutdown(context.Background()))
	require.ErrorIs(t, e.Reload(testConfig()), facade.ErrEngineClosed)
}

func TestEngineDebugAndMetrics(t *testing.T) {
	e, _ := newEngine(t, testConfig())
	require.NotNil(t, e.Metrics())
	state := e.Debug().DumpState()
	for _, key := range []string{"pools", "dispatcher.workers", "sockets.open", "config", "platform.port"} {
		assert.Contains(t, state, key)
	}
	assert.Len(t, state["pools"], 2)
	v, ok := e.Control().Get("dispatcher.workers")
	require.True(t, ok)
	assert.Equal(t, 2, v)
	require.NoError(t, e.Shutdown(context.Background()))

	cfg := testConfig()
	cfg.Metrics.Enabled = false
	e, _ = newEngine(t, cfg)
	assert.Nil(t, e.Metrics())
	require.NoError(t, e.Shutdown(context.Background()))
}

func TestEngineRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Dispatcher.Workers = 0
	_, err := facade.New(cfg, facade.WithPort(fake.NewPort(8)))
	require.ErrorIs(t, err, api.ErrInvalidArgument)
}
