package pump

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	backlogGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "letterflow",
			Name:      "backlog",
			Help:      "Letters waiting for moderation within the turbo scope",
		},
	)
	stagnantRunsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "letterflow",
			Name:      "turbo_stagnant_runs",
			Help:      "Consecutive turbo ticks without the backlog shrinking",
		},
	)
)

var registerPumpMetrics sync.Once

func init() {
	registerPumpMetrics.Do(func() {
		prometheus.MustRegister(backlogGauge, stagnantRunsGauge)
	})
}
