package vectorstore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "troubleshootd",
		Subsystem: "vectorstore",
		Name:      "operation_duration_seconds",
		Help:      "Duration of vector index operations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"provider", "operation"})

	operationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "troubleshootd",
		Subsystem: "vectorstore",
		Name:      "errors_total",
		Help:      "Failed vector index operations.",
	}, []string{"provider", "operation"})
)

func record(provider, operation string, start time.Time, err error) {
	operationDuration.WithLabelValues(provider, operation).Observe(time.Since(start).Seconds())
	if err != nil {
		operationErrors.WithLabelValues(provider, operation).Inc()
	}
}
