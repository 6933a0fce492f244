package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	loopsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "troubleshootd",
		Subsystem: "workflow",
		Name:      "loops_total",
		Help:      "Reason-act loops by terminal state.",
	}, []string{"state"})

	iterationsHist = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "troubleshootd",
		Subsystem: "workflow",
		Name:      "iterations",
		Help:      "Model calls per turn.",
		Buckets:   []float64{1, 2, 3, 4, 5, 6, 8, 10},
	})
)
