// Package usage keeps an append-only ledger of outbound call outcomes and
// answers aggregate queries over time windows. Recording is advisory by
// design: a ledger write failure is logged and counted but never surfaces
// to the call path that produced the record.
package usage

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Outcome classifies how an attempt ended.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeTransient   Outcome = "transient_error"
	OutcomePermanent   Outcome = "permanent_error"
	OutcomeValidation  Outcome = "validation_rejected"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeCircuitOpen Outcome = "circuit_open"
)

// Record is one immutable ledger row describing a single attempt.
type Record struct {
	ID           string    `json:"id"`
	Endpoint     string    `json:"endpoint"`
	Timestamp    time.Time `json:"timestamp"`
	Attempt      int       `json:"attempt"`
	InputUnits   int64     `json:"input_units"`
	OutputUnits  int64     `json:"output_units"`
	CostEstimate float64   `json:"cost_estimate"`
	Outcome      Outcome   `json:"outcome"`
}

// Store persists usage records. Implementations must be safe for concurrent
// use and must append atomically.
type Store interface {
	Append(ctx context.Context, rec *Record) error
	Between(ctx context.Context, from, to time.Time) ([]*Record, error)
}

// Summary aggregates a window of records.
type Summary struct {
	Window       time.Duration   `json:"window"`
	Calls        int             `json:"calls"`
	InputUnits   int64           `json:"input_units"`
	OutputUnits  int64           `json:"output_units"`
	CostEstimate float64         `json:"cost_estimate"`
	RateLimited  int             `json:"rate_limited"`
	Outcomes     map[Outcome]int `json:"outcomes"`
}

// Thresholds are advisory ceilings checked against a trailing window.
// Zero values disable a check.
type Thresholds struct {
	ErrorRate   float64       // fraction of non-success outcomes, 0..1
	CostCeiling float64       // summed cost estimate
	Window      time.Duration // trailing window evaluated
}

// Alert is an advisory threshold breach. Alerts never block or mutate the
// call path; they are logged and exposed for operators.
type Alert struct {
	Kind    string  `json:"kind"`
	Message string  `json:"message"`
	Value   float64 `json:"value"`
	Limit   float64 `json:"limit"`
}

// Monitor records outcomes and serves aggregates.
type Monitor struct {
	store      Store
	logger     *slog.Logger
	metrics    *Metrics
	thresholds Thresholds
	now        func() time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) { m.logger = logger }
}

func WithMetrics(metrics *Metrics) Option {
	return func(m *Monitor) { m.metrics = metrics }
}

func WithThresholds(t Thresholds) Option {
	return func(m *Monitor) { m.thresholds = t }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor creates a Monitor over the given store.
func NewMonitor(store Store, opts ...Option) *Monitor {
	m := &Monitor{
		store:      store,
		logger:     slog.Default(),
		thresholds: Thresholds{Window: time.Hour},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Record appends one record, filling ID and timestamp when absent. Store
// failures are logged as advisory and never returned.
func (m *Monitor) Record(ctx context.Context, rec *Record) {
	if rec == nil {
		return
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = m.now()
	}

	if m.metrics != nil {
		m.metrics.ObserveRecord(rec)
	}
	if err := m.store.Append(ctx, rec); err != nil {
		if m.metrics != nil {
			m.metrics.IncrementWriteFailures()
		}
		m.logger.Warn("usage record dropped",
			"endpoint", rec.Endpoint,
			"outcome", rec.Outcome,
			"error", err)
	}
}

// Aggregate summarizes the trailing window ending now.
func (m *Monitor) Aggregate(ctx context.Context, window time.Duration) (*Summary, error) {
	to := m.now()
	records, err := m.store.Between(ctx, to.Add(-window), to)
	if err != nil {
		return nil, err
	}

	s := &Summary{Window: window, Outcomes: make(map[Outcome]int)}
	for _, rec := range records {
		s.Calls++
		s.InputUnits += rec.InputUnits
		s.OutputUnits += rec.OutputUnits
		s.CostEstimate += rec.CostEstimate
		s.Outcomes[rec.Outcome]++
		if rec.Outcome == OutcomeRateLimited {
			s.RateLimited++
		}
	}
	return s, nil
}

// CheckThresholds evaluates the advisory ceilings against the configured
// trailing window and returns any breaches.
func (m *Monitor) CheckThresholds(ctx context.Context) ([]Alert, error) {
	window := m.thresholds.Window
	if window <= 0 {
		window = time.Hour
	}
	s, err := m.Aggregate(ctx, window)
	if err != nil {
		return nil, err
	}

	var alerts []Alert
	if m.thresholds.ErrorRate > 0 && s.Calls > 0 {
		failures := s.Calls - s.Outcomes[OutcomeSuccess]
		rate := float64(failures) / float64(s.Calls)
		if rate > m.thresholds.ErrorRate {
			alerts = append(alerts, Alert{
				Kind:    "error_rate",
				Message: "error rate above threshold",
				Value:   rate,
				Limit:   m.thresholds.ErrorRate,
			})
		}
	}
	if m.thresholds.CostCeiling > 0 && s.CostEstimate > m.thresholds.CostCeiling {
		alerts = append(alerts, Alert{
			Kind:    "cost_ceiling",
			Message: "estimated cost above ceiling",
			Value:   s.CostEstimate,
			Limit:   m.thresholds.CostCeiling,
		})
	}

	for _, a := range alerts {
		if m.metrics != nil {
			m.metrics.IncrementAlerts(a.Kind)
		}
		m.logger.Warn("usage threshold breached",
			"kind", a.Kind, "value", a.Value, "limit", a.Limit)
	}
	return alerts, nil
}

// StartThresholdLoop evaluates thresholds periodically until ctx is
// cancelled. Evaluation failures are logged and the loop keeps running.
func (m *Monitor) StartThresholdLoop(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if _, err := m.CheckThresholds(ctx); err != nil {
					m.logger.Warn("usage threshold check failed", "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
