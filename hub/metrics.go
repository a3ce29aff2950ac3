package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the hub's Prometheus instruments.
type Metrics struct {
	ConnectedClients *prometheus.GaugeVec
	MessagesFanned   prometheus.Counter
	Approvals        *prometheus.CounterVec
	Subscriptions    prometheus.Gauge
}

// NewMetrics registers the hub's instruments on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConnectedClients: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vlaude",
			Name:      "connected_clients",
			Help:      "Connected WebSocket clients by type.",
		}, []string{"type"}),
		MessagesFanned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "vlaude",
			Name:      "messages_fanned_out_total",
			Help:      "Transcript records delivered to subscribers.",
		}),
		Approvals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vlaude",
			Name:      "approvals_total",
			Help:      "Tool approval round-trips by outcome.",
		}, []string{"outcome"}),
		Subscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "vlaude",
			Name:      "active_subscriptions",
			Help:      "Live session subscriptions across all clients.",
		}),
	}
}
