package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"bastion/internal/circuit"
	dErrors "bastion/pkg/domain-errors"
)

// Metrics exposes gateway outcomes to Prometheus.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	DeadLettersTotal *prometheus.CounterVec
	BreakerState     *prometheus.GaugeVec
}

// NewMetrics creates and registers the gateway metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		RequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_gateway_requests_total",
			Help: "Outbound requests by endpoint and outcome",
		}, []string{"endpoint", "outcome"}),
		RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bastion_gateway_request_duration_seconds",
			Help:    "End-to-end outbound request duration including retries",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		DeadLettersTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_gateway_dead_letters_total",
			Help: "Requests moved to the dead letter queue",
		}, []string{"endpoint"}),
		BreakerState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bastion_gateway_breaker_state",
			Help: "Circuit breaker position (0 closed, 1 open, 2 half-open)",
		}, []string{"endpoint"}),
	}
}

func (m *Metrics) IncrementDeadLetters(endpoint string) {
	m.DeadLettersTotal.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) ObserveBreakerState(endpoint string, state circuit.State) {
	m.BreakerState.WithLabelValues(endpoint).Set(float64(state))
}

// observe counts one finished request. An empty code means success.
func (g *Gateway) observe(endpoint string, code dErrors.Code, elapsed time.Duration) {
	if g.metrics == nil {
		return
	}
	outcome := "success"
	if code != "" {
		outcome = string(code)
	}
	g.metrics.RequestsTotal.WithLabelValues(endpoint, outcome).Inc()
	g.metrics.RequestDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}
