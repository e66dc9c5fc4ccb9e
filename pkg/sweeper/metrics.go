package sweeper

import "github.com/prometheus/client_golang/prometheus"

var (
	prometheusSweepDeleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ion_sessiond_sweep_deleted_total",
			Help: "Keys removed by the expiry sweeper, by kind",
		},
		[]string{"kind"},
	)

	prometheusSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ion_sessiond_sweep_duration_seconds",
			Help:    "Wall time of one sweeper pass",
			Buckets: prometheus.ExponentialBuckets(0.005, 4, 8),
		},
	)
)

func init() {
	prometheus.MustRegister(prometheusSweepDeleted)
	prometheus.MustRegister(prometheusSweepDuration)
}
