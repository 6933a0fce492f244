package contextbuilder

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var sectionTokens = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "troubleshootd",
	Subsystem: "context",
	Name:      "section_tokens",
	Help:      "Estimated tokens rendered per context section.",
	Buckets:   []float64{0, 25, 50, 100, 200, 400, 800, 1600},
}, []string{"section"})
