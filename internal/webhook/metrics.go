package webhook

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var requestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "activitysync",
		Subsystem: "webhook",
		Name:      "requests_total",
		Help:      "Number of webhook requests by service and outcome",
	},
	[]string{"service", "outcome"},
)

var registerMetrics sync.Once

func init() {
	registerMetrics.Do(func() {
		prometheus.MustRegister(requestsTotal)
	})
}
