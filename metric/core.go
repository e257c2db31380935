// Package metric provides prometheus instrumentation for the reconciliation
// service and the HTTP surface that exposes it.
package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all service-level metrics
type Metrics struct {
	// Reconciliation metrics
	ReconciliationsTotal *prometheus.CounterVec
	ReconcileDuration    prometheus.Histogram
	LockContentionTotal  prometheus.Counter

	// Remote presentation metrics
	RemoteOpsTotal *prometheus.CounterVec

	// Admission metrics
	AdmissionDeniedTotal *prometheus.CounterVec

	// Sweeper metrics
	SweepsTotal        prometheus.Counter
	SweptEntitiesTotal *prometheus.CounterVec
	SweepDuration      prometheus.Histogram
}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		ReconciliationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "envy",
				Subsystem: "reconcile",
				Name:      "total",
				Help:      "Total reconciliations by resulting action and status",
			},
			[]string{"action", "status"},
		),

		ReconcileDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "envy",
				Subsystem: "reconcile",
				Name:      "duration_seconds",
				Help:      "Reconciliation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),

		LockContentionTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "envy",
				Subsystem: "reconcile",
				Name:      "lock_contention_total",
				Help:      "Reconciliations abandoned because the entity lock was busy",
			},
		),

		RemoteOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "envy",
				Subsystem: "remote",
				Name:      "ops_total",
				Help:      "Remote presentation operations by op and status",
			},
			[]string{"op", "status"},
		),

		AdmissionDeniedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "envy",
				Subsystem: "admission",
				Name:      "denied_total",
				Help:      "Events rejected by an admission ceiling",
			},
			[]string{"kind"},
		),

		SweepsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "envy",
				Subsystem: "sweep",
				Name:      "total",
				Help:      "Completed sweeper passes",
			},
		),

		SweptEntitiesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "envy",
				Subsystem: "sweep",
				Name:      "entities_total",
				Help:      "Entities cleaned up by the sweeper, by reason",
			},
			[]string{"reason"},
		),

		SweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "envy",
				Subsystem: "sweep",
				Name:      "duration_seconds",
				Help:      "Sweep pass duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}
}

// collectors returns every metric for registration
func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ReconciliationsTotal,
		m.ReconcileDuration,
		m.LockContentionTotal,
		m.RemoteOpsTotal,
		m.AdmissionDeniedTotal,
		m.SweepsTotal,
		m.SweptEntitiesTotal,
		m.SweepDuration,
	}
}
