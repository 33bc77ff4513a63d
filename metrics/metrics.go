// Package metrics holds the Prometheus collectors for ledger activity.
//
// Collectors are registered on the Registerer passed to New, so tests can
// use a fresh registry per case. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "loyalty"

type Metrics struct {
	Transactions      *prometheus.CounterVec
	PointsMoved       *prometheus.CounterVec
	Rejections        *prometheus.CounterVec
	QuarantineToggles *prometheus.CounterVec
	OperationLatency  *prometheus.HistogramVec
	RateLimited       prometheus.Counter
	ReconcileRuns     *prometheus.CounterVec
	BalanceMismatches prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Transactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "transactions_total",
			Help:      "Transactions created, by type.",
		}, []string{"type"}),
		PointsMoved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "points_total",
			Help:      "Absolute points applied to balances, by type.",
		}, []string{"type"}),
		Rejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "rejections_total",
			Help:      "Operations rejected, by operation and error kind.",
		}, []string{"operation", "kind"}),
		QuarantineToggles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quarantine",
			Name:      "toggles_total",
			Help:      "Purchase quarantine flips, by direction.",
		}, []string{"direction"}),
		OperationLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "operation_duration_seconds",
			Help:      "Latency of engine operations.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"operation"}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "rate_limited_total",
			Help:      "Requests refused by the rate limiter.",
		}),
		ReconcileRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "runs_total",
			Help:      "Reconciliation runs, by status.",
		}, []string{"status"}),
		BalanceMismatches: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "balance_mismatches",
			Help:      "Users whose balance disagreed with the log in the last run.",
		}),
	}
}

func (m *Metrics) Transaction(kind string, points int64) {
	if m == nil {
		return
	}
	m.Transactions.WithLabelValues(kind).Inc()
	if points < 0 {
		points = -points
	}
	m.PointsMoved.WithLabelValues(kind).Add(float64(points))
}

func (m *Metrics) Rejected(operation, kind string) {
	if m == nil {
		return
	}
	m.Rejections.WithLabelValues(operation, kind).Inc()
}

func (m *Metrics) Toggled(suspicious bool) {
	if m == nil {
		return
	}
	direction := "release"
	if suspicious {
		direction = "quarantine"
	}
	m.QuarantineToggles.WithLabelValues(direction).Inc()
}

func (m *Metrics) Observe(operation string, seconds float64) {
	if m == nil {
		return
	}
	m.OperationLatency.WithLabelValues(operation).Observe(seconds)
}

func (m *Metrics) Limited() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

func (m *Metrics) Reconciled(status string, mismatches int) {
	if m == nil {
		return
	}
	m.ReconcileRuns.WithLabelValues(status).Inc()
	if status == "completed" {
		m.BalanceMismatches.Set(float64(mismatches))
	}
}
