package httpapi

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	submissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "letterflow",
		Subsystem: "http",
		Name:      "submissions_total",
		Help:      "Public letter submissions by result.",
	}, []string{"result"})

	registerOnce sync.Once
)

func init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(submissions)
	})
}
