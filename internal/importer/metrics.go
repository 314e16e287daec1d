package importer

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	batchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "activitysync",
			Subsystem: "importer",
			Name:      "batches_total",
			Help:      "Number of import batch steps by source and outcome",
		},
		[]string{"source", "outcome"},
	)
	itemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "activitysync",
			Subsystem: "importer",
			Name:      "items_total",
			Help:      "Number of imported items by source and result",
		},
		[]string{"source", "result"},
	)
)

var registerMetrics sync.Once

func init() {
	registerMetrics.Do(func() {
		prometheus.MustRegister(batchesTotal, itemsTotal)
	})
}
