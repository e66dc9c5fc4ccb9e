package detector

import "github.com/prometheus/client_golang/prometheus"

var (
	prometheusObservations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ion_sessiond_observations_total",
			Help: "Session observations dispatched, by detection source",
		},
		[]string{"source"},
	)

	prometheusDetectionDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ion_sessiond_detection_dropped_total",
			Help: "Observations dropped before dispatch, by reason",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(prometheusObservations)
	prometheus.MustRegister(prometheusDetectionDropped)
}
