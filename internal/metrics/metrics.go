// Package metrics exposes prometheus collectors for the orchestrator.
// Served on /metrics by the status API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "valet",
		Name:      "executions_total",
		Help:      "Executions by terminal status.",
	}, []string{"status"})

	SpendUSDTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "valet",
		Name:      "spend_usd_total",
		Help:      "Cumulative recorded execution cost in USD.",
	})

	InflightExecutions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "valet",
		Name:      "inflight_executions",
		Help:      "Executions currently running.",
	})

	ExecutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "valet",
		Name:      "execution_duration_seconds",
		Help:      "Wall-clock execution duration.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})

	BudgetRejections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "valet",
		Name:      "budget_rejections_total",
		Help:      "Executions rejected for insufficient daily budget.",
	})
)
