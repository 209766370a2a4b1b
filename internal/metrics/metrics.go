// Package metrics exposes prometheus instruments for sourcing and queries.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Query outcomes.
const (
	OutcomeWritten   = "written"
	OutcomeUnchanged = "unchanged"
	OutcomeEmpty     = "empty"
	OutcomeFailed    = "failed"
)

// Metrics holds the data-layer instruments.
type Metrics struct {
	reg *prometheus.Registry

	queryRuns     *prometheus.CounterVec
	queryDuration prometheus.Histogram
	staleDeleted  prometheus.Counter
	passes        prometheus.Counter
}

// New registers the instruments on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		queryRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kiln_query_runs_total",
			Help: "Query runs by outcome.",
		}, []string{"outcome"}),
		queryDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "kiln_query_duration_seconds",
			Help:    "Query execution time in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		}),
		staleDeleted: f.NewCounter(prometheus.CounterOpts{
			Name: "kiln_stale_nodes_deleted_total",
			Help: "Nodes deleted because their root was not touched during a sourcing pass.",
		}),
		passes: f.NewCounter(prometheus.CounterOpts{
			Name: "kiln_sourcing_passes_total",
			Help: "Completed sourcing passes.",
		}),
	}
}

// QueryRun records one finished query.
func (m *Metrics) QueryRun(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.queryRuns.WithLabelValues(outcome).Inc()
	m.queryDuration.Observe(took.Seconds())
}

// StaleDeleted adds n reconciled stale nodes.
func (m *Metrics) StaleDeleted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.staleDeleted.Add(float64(n))
}

// SourcingPass records a completed pass.
func (m *Metrics) SourcingPass() {
	if m == nil {
		return
	}
	m.passes.Inc()
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
