package moderation

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	lettersProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "letterflow",
			Name:      "letters_processed_total",
			Help:      "Total number of moderation runs by outcome",
		},
		[]string{"outcome"},
	)
	processingSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "letterflow",
			Name:      "processing_seconds",
			Help:      "Time spent moderating one letter",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)
)

var registerModerationMetrics sync.Once

func init() {
	registerModerationMetrics.Do(func() {
		prometheus.MustRegister(lettersProcessed, processingSeconds)
	})
}
