package llm

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "troubleshootd",
		Subsystem: "llm",
		Name:      "request_duration_seconds",
		Help:      "Duration of individual model call attempts.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"provider", "result"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "troubleshootd",
		Subsystem: "llm",
		Name:      "retries_total",
		Help:      "Retried model calls.",
	}, []string{"provider"})
)

func observe(provider string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	requestDuration.WithLabelValues(provider, result).Observe(time.Since(start).Seconds())
}
