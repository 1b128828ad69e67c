package affinity_test

import (
	"runtime"
	"testing"

	"github.com/momentics/hioload-aio/affinity"
	"github.com/momentics/hioload-aio/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPinToAllowedCPU(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "windows" {
		t.Skip("affinity not supported on " + runtime.GOOS)
	}
	cpus, err := affinity.Allowed()
	require.NoError(t, err)
	require.NotEmpty(t, cpus)

	errs := make(chan error, 1)
	go func() {
		// The thread is discarded when this goroutine exits.
		errs <- affinity.Pin(cpus[len(cpus)-1])
	}()
	require.NoError(t, <-errs)
}

func TestPinRejectsBadCPU(t *testing.T) {
	assert.ErrorIs(t, affinity.Pin(-1), api.ErrInvalidArgument)
	assert.ErrorIs(t, affinity.Pin(1<<20), api.ErrInvalidArgument)
}
