// Package metrics holds the prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	Settlements      *prometheus.CounterVec
	VerifierCalls    *prometheus.CounterVec
	TxConflicts      *prometheus.CounterVec
	CounterClamps    prometheus.Counter
	VerifierDuration prometheus.Histogram
}

// New builds a fresh registry so tests can create as many instances as they
// like without colliding on the global one.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tallyd",
			Name:      "settlements_total",
			Help:      "Reconciliation attempts by ingress source and outcome.",
		}, []string{"source", "outcome"}),
		VerifierCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tallyd",
			Name:      "verifier_calls_total",
			Help:      "Payment verifier calls by result.",
		}, []string{"result"}),
		TxConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tallyd",
			Name:      "tx_conflicts_total",
			Help:      "Store transactions retried after a concurrency conflict.",
		}, []string{"operation"}),
		CounterClamps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tallyd",
			Name:      "counter_clamps_total",
			Help:      "Counter decrements clamped at zero.",
		}),
		VerifierDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tallyd",
			Name:      "verifier_duration_seconds",
			Help:      "Latency of payment verifier calls.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		m.Settlements, m.VerifierCalls, m.TxConflicts, m.CounterClamps, m.VerifierDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
