package webhook

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes inbound delivery outcomes to Prometheus.
type Metrics struct {
	DeliveriesTotal *prometheus.CounterVec
}

// NewMetrics creates and registers the webhook metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		DeliveriesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_webhook_deliveries_total",
			Help: "Inbound webhook deliveries by source and result",
		}, []string{"source", "result"}),
	}
}

func (m *Metrics) ObserveDelivery(source, result string) {
	m.DeliveriesTotal.WithLabelValues(source, result).Inc()
}
