// Package gateway is the single outbound path to external endpoints. Every
// call passes admission control, circuit isolation, and the retry schedule in
// that order; every attempt lands in the usage ledger, and guaranteed
// delivery requests that exhaust their retries move to the dead letter queue.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"bastion/internal/audit"
	"bastion/internal/backoff"
	"bastion/internal/circuit"
	"bastion/internal/deadletter"
	"bastion/internal/ratelimit"
	"bastion/internal/usage"
	dErrors "bastion/pkg/domain-errors"
)

// Request is one outbound call.
type Request struct {
	Endpoint   string `json:"endpoint"`
	Identifier string `json:"identifier"`
	Payload    []byte `json:"payload"`

	// GuaranteedDelivery moves the request to the dead letter queue instead
	// of discarding it when every attempt fails.
	GuaranteedDelivery bool `json:"guaranteed_delivery"`

	// Timeout overrides the endpoint's per-attempt timeout when positive.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Response is the remote outcome of a successful call. Units and cost are
// reported by the Caller; the gateway only ledgers them.
type Response struct {
	Status       int           `json:"status"`
	Body         []byte        `json:"body,omitempty"`
	InputUnits   int64         `json:"input_units"`
	OutputUnits  int64         `json:"output_units"`
	CostEstimate float64       `json:"cost_estimate"`
	RetryAfter   time.Duration `json:"retry_after,omitempty"`
}

// Caller performs the actual remote call. Implementations map their
// transport's failures to errors and report a Response for any answered
// request, including error statuses.
type Caller interface {
	Call(ctx context.Context, req *Request) (*Response, error)
}

// CallerFunc adapts a function to the Caller interface.
type CallerFunc func(ctx context.Context, req *Request) (*Response, error)

func (f CallerFunc) Call(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Gateway coordinates the resilience layers around a Caller.
type Gateway struct {
	caller Caller

	defaults EndpointConfig
	configs  map[string]EndpointConfig

	mu       sync.Mutex
	limiters map[string]*ratelimit.Limiter
	policies map[string]*backoff.Policy
	breakers *circuit.Registry

	monitor *usage.Monitor
	letters deadletter.Store
	events  *audit.Publisher
	metrics *Metrics
	logger  *slog.Logger
	tracer  trace.Tracer

	sleep       func(ctx context.Context, d time.Duration) error
	backoffRand func() float64
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithEndpointConfig sets the resilience profile for one endpoint. Zero
// fields inherit the defaults.
func WithEndpointConfig(endpoint string, cfg EndpointConfig) Option {
	return func(g *Gateway) { g.configs[endpoint] = cfg.normalized() }
}

// WithDefaults replaces the profile applied to unconfigured endpoints.
func WithDefaults(cfg EndpointConfig) Option {
	return func(g *Gateway) { g.defaults = cfg.normalized() }
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithUsageMonitor ledgers every attempt through the monitor.
func WithUsageMonitor(m *usage.Monitor) Option {
	return func(g *Gateway) { g.monitor = m }
}

// WithDeadLetterStore enables guaranteed delivery capture.
func WithDeadLetterStore(s deadletter.Store) Option {
	return func(g *Gateway) { g.letters = s }
}

// WithAuditEvents publishes circuit transitions and dead letters.
func WithAuditEvents(events *audit.Publisher) Option {
	return func(g *Gateway) { g.events = events }
}

// WithSleep overrides the retry wait, for tests.
func WithSleep(f func(ctx context.Context, d time.Duration) error) Option {
	return func(g *Gateway) { g.sleep = f }
}

// WithBackoffRand overrides the jitter source of retry delays, for tests.
func WithBackoffRand(f func() float64) Option {
	return func(g *Gateway) { g.backoffRand = f }
}

// New creates a Gateway around the caller.
func New(caller Caller, opts ...Option) (*Gateway, error) {
	if caller == nil {
		return nil, fmt.Errorf("caller is required")
	}
	g := &Gateway{
		caller:   caller,
		defaults: DefaultEndpointConfig(),
		configs:  make(map[string]EndpointConfig),
		limiters: make(map[string]*ratelimit.Limiter),
		policies: make(map[string]*backoff.Policy),
		logger:   slog.Default(),
		tracer:   otel.Tracer("bastion/internal/gateway"),
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.breakers = circuit.NewRegistry(circuit.WithOnStateChange(g.onBreakerChange))
	return g, nil
}

// Config returns the endpoint's effective resilience profile.
func (g *Gateway) Config(endpoint string) EndpointConfig {
	if cfg, ok := g.configs[endpoint]; ok {
		return cfg
	}
	return g.defaults
}

// BreakerStates exposes every breaker's position for the ops surface.
func (g *Gateway) BreakerStates() map[string]circuit.State {
	return g.breakers.States()
}

// Execute runs one request through admission control, the endpoint's circuit
// breaker, and the retry schedule. The returned error carries the failure
// code and, for rate-limit and circuit-open rejections, the wait hint.
func (g *Gateway) Execute(ctx context.Context, req *Request) (*Response, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.Execute",
		trace.WithAttributes(attribute.String("endpoint", req.Endpoint)))
	defer span.End()

	start := time.Now()
	resp, err := g.execute(ctx, req)

	code := dErrors.CodeOf(err)
	g.observe(req.Endpoint, code, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(code))
	}
	return resp, err
}

func (g *Gateway) execute(ctx context.Context, req *Request) (*Response, error) {
	cfg := g.Config(req.Endpoint)

	if err := g.admit(ctx, req, cfg); err != nil {
		return nil, err
	}

	breaker := g.breakers.Get(req.Endpoint,
		circuit.WithFailureThreshold(cfg.Breaker.FailureThreshold),
		circuit.WithResetTimeout(cfg.Breaker.ResetTimeout),
	)
	policy := g.policyFor(req.Endpoint, cfg)

	var (
		history []deadletter.Failure
		lastErr error
	)
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		resp, err := g.attempt(ctx, req, cfg, breaker)
		code := dErrors.CodeOf(err)

		g.record(ctx, req, attempt, resp, code)

		if err == nil {
			return resp, nil
		}
		lastErr = err
		history = append(history, deadletter.Failure{
			Attempt: attempt + 1,
			At:      time.Now(),
			Code:    string(code),
			Reason:  err.Error(),
		})

		if !code.Retryable() || attempt == policy.MaxAttempts-1 {
			break
		}
		if err := g.sleep(ctx, policy.DelayFor(err, attempt)); err != nil {
			lastErr = dErrors.Wrap(dErrors.CodeTransient, "retry wait aborted", err)
			break
		}
	}

	if req.GuaranteedDelivery && !rejectedOutright(history) {
		g.deadLetter(ctx, req, history)
	}
	return nil, lastErr
}

// rejectedOutright reports whether the request never got a real attempt: the
// open circuit rejected it before any call was made. Such requests are not
// dead lettered; the caller resubmits once the circuit recovers.
func rejectedOutright(history []deadletter.Failure) bool {
	return len(history) == 1 && history[0].Code == string(dErrors.CodeCircuitOpen)
}

// admit enforces payload and rate limits before any attempt is made.
// Rejections here are ledgered but never count against the circuit breaker.
func (g *Gateway) admit(ctx context.Context, req *Request, cfg EndpointConfig) error {
	if req.Endpoint == "" {
		err := dErrors.New(dErrors.CodeValidation, "endpoint cannot be empty")
		g.record(ctx, req, 0, nil, dErrors.CodeValidation)
		return err
	}
	if int64(len(req.Payload)) > cfg.MaxPayloadBytes {
		err := dErrors.Newf(dErrors.CodeValidation,
			"payload of %d bytes exceeds limit of %d", len(req.Payload), cfg.MaxPayloadBytes)
		g.record(ctx, req, 0, nil, dErrors.CodeValidation)
		return err
	}

	identifier := req.Identifier
	if identifier == "" {
		identifier = req.Endpoint
	}
	if res := g.limiterFor(req.Endpoint, cfg).Consume(ctx, identifier, 1); !res.Allowed {
		g.record(ctx, req, 0, nil, dErrors.CodeRateLimited)
		return dErrors.Newf(dErrors.CodeRateLimited, "rate limit exceeded for %s", identifier).
			WithRetryAfter(res.RetryAfter)
	}
	return nil
}

// attempt runs one call under the breaker with the per-attempt timeout.
func (g *Gateway) attempt(ctx context.Context, req *Request, cfg EndpointConfig, breaker *circuit.Breaker) (*Response, error) {
	timeout := cfg.CallTimeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}

	var resp *Response
	err := breaker.Execute(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		r, callErr := g.caller.Call(callCtx, req)
		if callErr != nil {
			return coded(callErr)
		}
		if statusErr := backoff.FromStatus(r.Status, r.RetryAfter); statusErr != nil {
			return statusErr
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// coded ensures a caller failure carries its classification exactly once.
func coded(err error) error {
	var de *dErrors.Error
	if errors.As(err, &de) {
		return err
	}
	return dErrors.Wrap(backoff.Classify(err), "call failed", err)
}

func (g *Gateway) limiterFor(endpoint string, cfg EndpointConfig) *ratelimit.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()

	if l, ok := g.limiters[endpoint]; ok {
		return l
	}
	l := ratelimit.New(cfg.RateLimit.Capacity, cfg.RateLimit.RefillPerSecond)
	g.limiters[endpoint] = l
	return l
}

func (g *Gateway) policyFor(endpoint string, cfg EndpointConfig) *backoff.Policy {
	g.mu.Lock()
	defer g.mu.Unlock()

	if p, ok := g.policies[endpoint]; ok {
		return p
	}
	var opts []backoff.Option
	if g.backoffRand != nil {
		opts = append(opts, backoff.WithRandFloat(g.backoffRand))
	}
	p := backoff.New(cfg.Retry.MaxAttempts, cfg.Retry.BaseDelay, cfg.Retry.MaxDelay, opts...)
	g.policies[endpoint] = p
	return p
}

// record ledgers one attempt. Ledgering is advisory and never fails the call.
func (g *Gateway) record(ctx context.Context, req *Request, attempt int, resp *Response, code dErrors.Code) {
	if g.monitor == nil {
		return
	}
	rec := &usage.Record{
		Endpoint: req.Endpoint,
		Attempt:  attempt + 1,
		Outcome:  outcomeOf(code),
	}
	if resp != nil {
		rec.InputUnits = resp.InputUnits
		rec.OutputUnits = resp.OutputUnits
		rec.CostEstimate = resp.CostEstimate
	}
	g.monitor.Record(ctx, rec)
}

// deadLetter captures an exhausted guaranteed delivery request.
func (g *Gateway) deadLetter(ctx context.Context, req *Request, history []deadletter.Failure) {
	if g.letters == nil {
		return
	}
	entry, err := deadletter.NewEntry(req.Endpoint, req.Identifier, req.Payload, history)
	if err != nil {
		g.logger.Error("dead letter entry rejected", "endpoint", req.Endpoint, "error", err)
		return
	}
	if err := g.letters.Add(ctx, entry); err != nil {
		g.logger.Error("dead letter write failed", "id", entry.ID, "endpoint", req.Endpoint, "error", err)
		return
	}

	if g.metrics != nil {
		g.metrics.IncrementDeadLetters(req.Endpoint)
	}
	g.logger.Warn("request dead lettered",
		"id", entry.ID, "endpoint", req.Endpoint, "attempts", len(history))
	if g.events != nil {
		_ = g.events.Emit(ctx, audit.Event{
			Kind:     audit.KindDeadLettered,
			Endpoint: req.Endpoint,
			Detail:   map[string]string{"id": entry.ID},
		})
	}
}

// Resubmit pushes a dead letter's original request back through the full
// pipeline. Resubmissions are never re-dead-lettered; the entry already
// holds the request.
func (g *Gateway) Resubmit(ctx context.Context, entry *deadletter.Entry) error {
	_, err := g.Execute(ctx, &Request{
		Endpoint:   entry.Endpoint,
		Identifier: entry.Identifier,
		Payload:    entry.Payload,
	})
	return err
}

// onBreakerChange publishes circuit transitions for operators.
func (g *Gateway) onBreakerChange(name string, from, to circuit.State) {
	g.logger.Warn("circuit state changed",
		"endpoint", name, "from", from.String(), "to", to.String())
	if g.metrics != nil {
		g.metrics.ObserveBreakerState(name, to)
	}
	if g.events == nil {
		return
	}
	switch to {
	case circuit.StateOpen:
		_ = g.events.Emit(context.Background(), audit.Event{
			Kind:     audit.KindCircuitOpened,
			Endpoint: name,
			Detail:   map[string]string{"from": from.String()},
		})
	case circuit.StateClosed:
		_ = g.events.Emit(context.Background(), audit.Event{
			Kind:     audit.KindCircuitClosed,
			Endpoint: name,
			Detail:   map[string]string{"from": from.String()},
		})
	}
}

func outcomeOf(code dErrors.Code) usage.Outcome {
	switch code {
	case "":
		return usage.OutcomeSuccess
	case dErrors.CodeValidation:
		return usage.OutcomeValidation
	case dErrors.CodeRateLimited:
		return usage.OutcomeRateLimited
	case dErrors.CodeCircuitOpen:
		return usage.OutcomeCircuitOpen
	case dErrors.CodeTransient, dErrors.CodeInternal:
		return usage.OutcomeTransient
	default:
		return usage.OutcomePermanent
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
