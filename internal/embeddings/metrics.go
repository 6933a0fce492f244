package embeddings

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	generationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "troubleshootd",
		Subsystem: "embedding",
		Name:      "generation_duration_seconds",
		Help:      "Duration of embedding generation by model and operation.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"model", "operation"})

	batchSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "troubleshootd",
		Subsystem: "embedding",
		Name:      "batch_size",
		Help:      "Number of texts per embedding request.",
		Buckets:   []float64{1, 2, 5, 10, 25, 50, 100},
	}, []string{"model", "operation"})

	generationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "troubleshootd",
		Subsystem: "embedding",
		Name:      "errors_total",
		Help:      "Embedding generation errors by model and operation.",
	}, []string{"model", "operation"})
)

func observe(model, operation string, start time.Time, n int, err error) {
	generationDuration.WithLabelValues(model, operation).Observe(time.Since(start).Seconds())
	batchSize.WithLabelValues(model, operation).Observe(float64(n))
	if err != nil {
		generationErrors.WithLabelValues(model, operation).Inc()
	}
}
