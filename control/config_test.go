package control_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/momentics/hioload-aio/api"
	"github.com/momentics/hioload-aio/control"
	"github.com/momentics/hioload-aio/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := control.DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, pool.DefaultClasses(), cfg.Pools)
	assert.Equal(t, 4, cfg.Dispatcher.Workers)
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
pools:
  - size: 512
    capacity: 32
  - size: 65536
    capacity: 16
    max_waiters: 8
dispatcher:
  workers: 2
  wait_timeout: 250ms
socket:
  submit_rate: 1000
  submit_burst: 10
  retry_max: 3
  acquire_timeout: 50ms
`), 0o600))

	cfg, err := control.LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Pools, 2)
	assert.Equal(t, pool.ClassConfig{Size: 512, Capacity: 32}, cfg.Pools[0])
	assert.Equal(t, 8, cfg.Pools[1].MaxWaiters)
	assert.Equal(t, 2, cfg.Dispatcher.Workers)
	assert.Equal(t, 250*time.Millisecond, cfg.Dispatcher.WaitTimeout)
	assert.Equal(t, 1000.0, cfg.Socket.SubmitRate)
	assert.Equal(t, uint64(3), cfg.Socket.RetryMax)
	assert.Equal(t, 50*time.Millisecond, cfg.Socket.AcquireTimeout)
	assert.Equal(t, 4096, cfg.Port.QueueCapacity, "omitted fields keep defaults")
	assert.Equal(t, "hioload_aio", cfg.Metrics.Namespace)

	snap := cfg.Snapshot()
	assert.Equal(t, []string{"32x512", "16x65536"}, snap["pool.classes"])
	assert.Equal(t, 2, snap["dispatcher.workers"])
}

func TestConfigValidation(t *testing.T) {
	for name, body := range map[string]string{
		"no pools":        "pools: []",
		"zero capacity":   "pools: [{size: 64, capacity: 0}]",
		"no workers":      "dispatcher: {workers: 0}",
		"queue too small": "port: {queue_capacity: 8}",
		"rate no burst":   "socket: {submit_rate: 10, submit_burst: 0}",
		"negative wait":   "socket: {acquire_timeout: -1s}",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := control.ParseConfig([]byte(body))
			require.ErrorIs(t, err, api.ErrInvalidArgument)
		})
	}

	_, err := control.ParseConfig([]byte("pools: {"))
	require.Error(t, err)
	_, err = control.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestConfigCheckReload(t *testing.T) {
	cur := control.DefaultConfig()

	next := control.DefaultConfig()
	next.Socket.SubmitRate = 50
	next.Socket.SubmitBurst = 5
	next.ShutdownTimeout = time.Second
	next.LogLevel = "warn"
	require.NoError(t, cur.CheckReload(next))

	for name, change := range map[string]func(*control.Config){
		"pools":      func(c *control.Config) { c.Pools[0].Size *= 2 },
		"dispatcher": func(c *control.Config) { c.Dispatcher.CPUs = []int{0} },
		"port":       func(c *control.Config) { c.Port.QueueCapacity *= 2 },
		"metrics":    func(c *control.Config) { c.Metrics.Namespace = "other" },
		"invalid":    func(c *control.Config) { c.ShutdownTimeout = -time.Second },
	} {
		t.Run(name, func(t *testing.T) {
			next := control.DefaultConfig()
			change(next)
			require.ErrorIs(t, cur.CheckReload(next), api.ErrInvalidArgument)
		})
	}
	require.ErrorIs(t, cur.CheckReload(nil), api.ErrInvalidArgument)
}
