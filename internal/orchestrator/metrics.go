package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "troubleshootd",
		Subsystem: "turns",
		Name:      "total",
		Help:      "Processed turns by outcome.",
	}, []string{"outcome"})

	turnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "troubleshootd",
		Subsystem: "turns",
		Name:      "duration_seconds",
		Help:      "End-to-end turn latency.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	stateConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "troubleshootd",
		Subsystem: "turns",
		Name:      "state_conflicts_total",
		Help:      "Agent state saves that hit a revision conflict.",
	})
)
