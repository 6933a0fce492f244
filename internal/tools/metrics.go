package tools

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	callsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "troubleshootd",
		Subsystem: "tools",
		Name:      "calls_total",
		Help:      "Tool calls by tool and result.",
	}, []string{"tool", "result"})

	callDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "troubleshootd",
		Subsystem: "tools",
		Name:      "call_duration_seconds",
		Help:      "Tool call duration.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"tool"})

	unhealthyTools = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "troubleshootd",
		Subsystem: "tools",
		Name:      "unhealthy",
		Help:      "Tools currently excluded from selection by the health registry.",
	})
)
