package cluster

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	prometheusGaugeProxyClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ion_sessiond_proxy_clients",
			Help: "Number of currently active proxied engine connections on this node",
		},
	)

	prometheusGaugeAdminClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ion_sessiond_admin_clients",
			Help: "Number of currently connected admin websockets on this node",
		},
	)

	activeClients int64
)

func init() {
	prometheus.MustRegister(prometheusGaugeProxyClients)
	prometheus.MustRegister(prometheusGaugeAdminClients)
	prometheus.MustRegister(prometheus.NewBuildInfoCollector())
}

func clientConnected(g prometheus.Gauge) {
	g.Inc()
	atomic.AddInt64(&activeClients, 1)
}

func clientDisconnected(g prometheus.Gauge) {
	g.Dec()
	atomic.AddInt64(&activeClients, -1)
}

// MetricsGetActiveClientsCount is how many long-lived connections this node
// is still serving; shutdown waits for it to reach zero.
func MetricsGetActiveClientsCount() int64 {
	return atomic.LoadInt64(&activeClients)
}

func metricsHandler() http.Handler {
	return promhttp.HandlerFor(
		prometheus.DefaultGatherer,
		promhttp.HandlerOpts{
			// Opt into OpenMetrics to support exemplars.
			EnableOpenMetrics: true,
		},
	)
}
