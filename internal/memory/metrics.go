package memory

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tierLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "troubleshootd",
		Subsystem: "memory",
		Name:      "tier_read_duration_seconds",
		Help:      "Duration of tier reads during context retrieval.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.15, 0.25, 0.5, 1},
	}, []string{"tier"})

	tierDegraded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "troubleshootd",
		Subsystem: "memory",
		Name:      "tier_degraded_total",
		Help:      "Retrievals that returned an empty result for a tier due to failure or timeout.",
	}, []string{"tier"})

	insightsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "troubleshootd",
		Subsystem: "memory",
		Name:      "insights_emitted_total",
		Help:      "Session insights written by consolidation, by type.",
	}, []string{"type"})

	consolidationQueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "troubleshootd",
		Subsystem: "consolidation",
		Name:      "queued_total",
		Help:      "Consolidation jobs accepted by the queue.",
	})

	consolidationDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "troubleshootd",
		Subsystem: "consolidation",
		Name:      "dropped_total",
		Help:      "Consolidation jobs not accepted, by reason.",
	}, []string{"reason"})

	consolidationProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "troubleshootd",
		Subsystem: "consolidation",
		Name:      "processed_total",
		Help:      "Consolidation jobs finished, by result.",
	}, []string{"result"})
)
