package collector

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	fetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pshs",
			Subsystem: "collector",
			Name:      "fetch_duration_seconds",
			Help:      "Duration of one metric category fetch.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16),
		}, []string{"category"})

	fetchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pshs",
			Subsystem: "collector",
			Name:      "fetch_failures_total",
			Help:      "Failed metric category fetches.",
		}, []string{"category"})
)

func init() {
	prometheus.MustRegister(fetchDuration, fetchFailures)
}
