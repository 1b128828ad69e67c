package control_test

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/momentics/hioload-aio/api"
	"github.com/momentics/hioload-aio/control"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsObservePoolEvents(t *testing.T) {
	m := control.NewMetrics("test")
	m.ObserveAcquire(0, time.Millisecond)
	m.ObserveAcquire(0, 0)
	m.ObserveRelease(0)
	m.ObserveReject(0, api.ErrExhausted)
	m.ObserveReject(0, api.ErrDoubleRelease)
	m.ObserveReject(1, api.SubmissionFailed(api.OpWrite, errors.New("refused")))

	body := scrape(t, m)
	assert.Contains(t, body, `test_pool_acquires_total{pool="0"} 2`)
	assert.Contains(t, body, `test_pool_releases_total{pool="0"} 1`)
	assert.Contains(t, body, `test_pool_busy_contexts 1`)
	assert.Contains(t, body, `test_pool_exhausted_total{pool="0"} 1`)
	assert.Contains(t, body, `test_pool_double_releases_total{pool="0"} 1`)
	assert.Contains(t, body, `test_pool_submission_failures_total{pool="1"} 1`)
	assert.Contains(t, body, `test_pool_acquire_wait_seconds_count{pool="0"} 2`)
}

func TestMetricsObserveCompletions(t *testing.T) {
	m := control.NewMetrics("test")
	m.ObserveCompletion(api.OpRead, 10, nil)
	m.ObserveCompletion(api.OpRead, 5, nil)
	m.ObserveCompletion(api.OpWrite, 0, api.CompletionFailed(api.OpWrite, errors.New("reset")))

	body := scrape(t, m)
	assert.Contains(t, body, `test_dispatch_completions_total{op="read"} 2`)
	assert.Contains(t, body, `test_dispatch_bytes_total{op="read"} 15`)
	assert.Contains(t, body, `test_dispatch_completion_errors_total{op="write"} 1`)
}

func TestMetricsCollectPools(t *testing.T) {
	m := control.NewMetrics("test")
	stats := []api.PoolStats{{ID: 0, Class: 512, Capacity: 4, Free: 1, Reserved: 1, InFlight: 2}}
	require.NoError(t, m.CollectPools("test", func() []api.PoolStats { return stats }))
	assert.Equal(t, 4, testutil.CollectAndCount(m.Registry(), "test_pool_contexts"))

	body := scrape(t, m)
	assert.Contains(t, body, `test_pool_contexts{class="512",pool="0",state="inflight"} 2`)
	assert.Contains(t, body, `test_pool_contexts{class="512",pool="0",state="free"} 1`)
}

func scrape(t *testing.T, m *control.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	require.True(t, strings.Contains(body, "# HELP"), body)
	return body
}
