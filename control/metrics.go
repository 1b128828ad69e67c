// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Prometheus collectors for pools and the completion loop. Metrics implements
// both the pool and the dispatcher observer contracts.

package control

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/momentics/hioload-aio/api"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine collectors on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	acquires       *prometheus.CounterVec
	releases       *prometheus.CounterVec
	acquireWait    *prometheus.HistogramVec
	exhausted      *prometheus.CounterVec
	doubleReleases *prometheus.CounterVec
	submitFailures *prometheus.CounterVec
	completions    *prometheus.CounterVec
	completionErrs *prometheus.CounterVec
	transferred    *prometheus.CounterVec
	inflight       prometheus.Gauge
}

// NewMetrics registers every collector under namespace.
func NewMetrics(namespace string) *Metrics {
	poolLabel := []string{"pool"}
	opLabel := []string{"op"}
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		acquires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "acquires_total",
			Help: "Contexts handed out.",
		}, poolLabel),
		releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "releases_total",
			Help: "Contexts returned.",
		}, poolLabel),
		acquireWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "pool", Name: "acquire_wait_seconds",
			Help:    "Time spent waiting for a free context.",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 12),
		}, poolLabel),
		exhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "exhausted_total",
			Help: "Acquisitions refused because the pool was at capacity.",
		}, poolLabel),
		doubleReleases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "double_releases_total",
			Help: "Releases rejected as duplicate or stale.",
		}, poolLabel),
		submitFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "submission_failures_total",
			Help: "Operations the OS refused synchronously.",
		}, poolLabel),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "completions_total",
			Help: "Completions dispatched.",
		}, opLabel),
		completionErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "completion_errors_total",
			Help: "Completions that carried a failure status.",
		}, opLabel),
		transferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "bytes_total",
			Help: "Bytes moved by completed operations.",
		}, opLabel),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "busy_contexts",
			Help: "Contexts acquired and not yet released.",
		}),
	}
	m.reg.MustRegister(
		m.acquires, m.releases, m.acquireWait, m.exhausted, m.doubleReleases,
		m.submitFailures, m.completions, m.completionErrs, m.transferred, m.inflight,
	)
	return m
}

// Registry exposes the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func poolName(id uint16) string { return strconv.Itoa(int(id)) }

func (m *Metrics) ObserveAcquire(pool uint16, wait time.Duration) {
	name := poolName(pool)
	m.acquires.WithLabelValues(name).Inc()
	m.acquireWait.WithLabelValues(name).Observe(wait.Seconds())
	m.inflight.Inc()
}

func (m *Metrics) ObserveRelease(pool uint16) {
	m.releases.WithLabelValues(poolName(pool)).Inc()
	m.inflight.Dec()
}

func (m *Metrics) ObserveReject(pool uint16, err error) {
	name := poolName(pool)
	switch {
	case errors.Is(err, api.ErrExhausted):
		m.exhausted.WithLabelValues(name).Inc()
	case errors.Is(err, api.ErrDoubleRelease):
		m.doubleReleases.WithLabelValues(name).Inc()
	case errors.Is(err, api.ErrSubmissionFailed):
		m.submitFailures.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) ObserveCompletion(op api.OpKind, bytes int, err error) {
	label := op.String()
	m.completions.WithLabelValues(label).Inc()
	if bytes > 0 {
		m.transferred.WithLabelValues(label).Add(float64(bytes))
	}
	if err != nil {
		m.completionErrs.WithLabelValues(label).Inc()
	}
}

// CollectPools exports live pool occupancy read from stats on every scrape.
func (m *Metrics) CollectPools(namespace string, stats func() []api.PoolStats) error {
	return m.reg.Register(&poolCollector{
		stats: stats,
		desc: prometheus.NewDesc(prometheus.BuildFQName(namespace, "pool", "contexts"),
			"Contexts per pool by slot state.", []string{"pool", "class", "state"}, nil),
	})
}

type poolCollector struct {
	stats func() []api.PoolStats
	desc  *prometheus.Desc
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	for _, st := range c.stats() {
		id, class := poolName(st.ID), strconv.Itoa(st.Class)
		for state, v := range map[string]int{
			"free":     st.Free,
			"reserved": st.Reserved,
			"inflight": st.InFlight,
			"waiters":  st.Waiters,
		} {
			ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(v), id, class, state)
		}
	}
}
