package review

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var queueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "activitysync",
		Subsystem: "review",
		Name:      "queue_depth",
		Help:      "Number of webhook items waiting for review",
	},
)

var registerMetrics sync.Once

func init() {
	registerMetrics.Do(func() {
		prometheus.MustRegister(queueDepth)
	})
}
