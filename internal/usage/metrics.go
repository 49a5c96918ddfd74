package usage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the usage ledger to Prometheus.
type Metrics struct {
	RecordsTotal       *prometheus.CounterVec
	CostEstimateTotal  prometheus.Counter
	WriteFailuresTotal prometheus.Counter
	AlertsTotal        *prometheus.CounterVec
}

// NewMetrics creates and registers the usage metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		RecordsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_usage_records_total",
			Help: "Total usage records by endpoint and outcome",
		}, []string{"endpoint", "outcome"}),
		CostEstimateTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bastion_usage_cost_estimate_total",
			Help: "Summed cost estimate of all recorded attempts",
		}),
		WriteFailuresTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bastion_usage_write_failures_total",
			Help: "Usage records dropped because the ledger write failed",
		}),
		AlertsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_usage_threshold_alerts_total",
			Help: "Advisory threshold breaches by kind",
		}, []string{"kind"}),
	}
}

func (m *Metrics) ObserveRecord(rec *Record) {
	m.RecordsTotal.WithLabelValues(rec.Endpoint, string(rec.Outcome)).Inc()
	if rec.CostEstimate > 0 {
		m.CostEstimateTotal.Add(rec.CostEstimate)
	}
}

func (m *Metrics) IncrementWriteFailures() {
	m.WriteFailuresTotal.Inc()
}

func (m *Metrics) IncrementAlerts(kind string) {
	m.AlertsTotal.WithLabelValues(kind).Inc()
}
