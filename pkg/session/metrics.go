package session

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	prometheusGaugeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ion_sessiond_sessions",
			Help: "Identity-isolated session records in the shared store",
		},
	)

	prometheusGaugeIdentities = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ion_sessiond_identities",
			Help: "Distinct identities holding at least one session record",
		},
	)
)

func init() {
	prometheus.MustRegister(prometheusGaugeSessions)
	prometheus.MustRegister(prometheusGaugeIdentities)
}

// RefreshMetrics recounts the store and updates the gauges. Counts are fleet
// wide, every replica reports the same numbers.
func (m *Manager) RefreshMetrics(ctx context.Context) Health {
	h := m.HealthSnapshot(ctx)
	if h.OK() {
		prometheusGaugeSessions.Set(float64(h.TotalSessions))
		prometheusGaugeIdentities.Set(float64(h.TotalIdentities))
	}
	return h
}
