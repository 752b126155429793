package importer

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	importRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "letterflow",
			Name:      "import_records_total",
			Help:      "Total number of imported records by result",
		},
		[]string{"result"},
	)
)

var registerImportMetrics sync.Once

func init() {
	registerImportMetrics.Do(func() {
		prometheus.MustRegister(importRecords)
	})
}
