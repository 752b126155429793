package jobqueue

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "letterflow",
			Name:      "jobs_total",
			Help:      "Total number of job executions by hook and outcome",
		},
		[]string{"hook", "outcome"},
	)
)

var registerJobMetrics sync.Once

func init() {
	registerJobMetrics.Do(func() {
		prometheus.MustRegister(jobsTotal)
	})
}
