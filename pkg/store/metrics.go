package store

import "github.com/prometheus/client_golang/prometheus"

var prometheusStoreErrors = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ion_sessiond_store_errors_total",
		Help: "Store operations that failed or timed out, by operation",
	},
	[]string{"op"},
)

func init() {
	prometheus.MustRegister(prometheusStoreErrors)
}
