package recovery

import "github.com/prometheus/client_golang/prometheus"

var prometheusRecoveries = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ion_sessiond_recoveries_total",
		Help: "Recovery attempts triggered by session-not-found, by outcome",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(prometheusRecoveries)
}
