package gateway

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bastion/internal/audit"
	"bastion/internal/circuit"
	"bastion/internal/deadletter"
	"bastion/internal/usage"
	dErrors "bastion/pkg/domain-errors"
)

// scriptedCaller runs fn for every call, passing the 1-based call number.
type scriptedCaller struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, req *Request) (*Response, error)
}

func (c *scriptedCaller) Call(ctx context.Context, req *Request) (*Response, error) {
	c.mu.Lock()
	c.calls++
	call := c.calls
	c.mu.Unlock()
	return c.fn(call, req)
}

func (c *scriptedCaller) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func okResponse() *Response {
	return &Response{Status: 200, Body: []byte(`{"ok":true}`), InputUnits: 10, OutputUnits: 4, CostEstimate: 0.02}
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return nil
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

// midpoint pins jitter to zero: 2*0.5 - 1 == 0.
func midpoint() float64 { return 0.5 }

func newTestGateway(t *testing.T, caller Caller, opts ...Option) *Gateway {
	t.Helper()
	base := []Option{
		WithLogger(quietLogger()),
		WithBackoffRand(midpoint),
	}
	g, err := New(caller, append(base, opts...)...)
	require.NoError(t, err)
	return g
}

func fastConfig() EndpointConfig {
	return EndpointConfig{
		CallTimeout: time.Second,
		RateLimit:   RateLimitConfig{Capacity: 1000, RefillPerSecond: 1000},
		Retry:       RetryConfig{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second},
	}
}

func TestExecute_Success(t *testing.T) {
	caller := &scriptedCaller{fn: func(int, *Request) (*Response, error) {
		return okResponse(), nil
	}}
	g := newTestGateway(t, caller, WithEndpointConfig("api", fastConfig()))

	resp, err := g.Execute(context.Background(), &Request{Endpoint: "api", Identifier: "tenant-1"})

	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, 1, caller.callCount())
}

func TestExecute_RetriesTransientWithExponentialDelays(t *testing.T) {
	caller := &scriptedCaller{fn: func(call int, _ *Request) (*Response, error) {
		if call < 3 {
			return &Response{Status: 503}, nil
		}
		return okResponse(), nil
	}}
	sleeps := &sleepRecorder{}
	g := newTestGateway(t, caller,
		WithEndpointConfig("api", fastConfig()),
		WithSleep(sleeps.sleep),
	)

	resp, err := g.Execute(context.Background(), &Request{Endpoint: "api"})

	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, 3, caller.callCount())
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, sleeps.recorded(),
		"delays double from the base with jitter pinned to zero")
}

func TestExecute_HonorsRemoteWaitHint(t *testing.T) {
	caller := &scriptedCaller{fn: func(call int, _ *Request) (*Response, error) {
		if call == 1 {
			return &Response{Status: 429, RetryAfter: 2 * time.Second}, nil
		}
		return okResponse(), nil
	}}
	sleeps := &sleepRecorder{}
	g := newTestGateway(t, caller,
		WithEndpointConfig("api", fastConfig()),
		WithSleep(sleeps.sleep),
	)

	_, err := g.Execute(context.Background(), &Request{Endpoint: "api"})

	require.NoError(t, err)
	assert.Equal(t, []time.Duration{2 * time.Second}, sleeps.recorded(),
		"remote wait hint overrides the computed delay")
}

func TestExecute_PermanentFailureIsNotRetried(t *testing.T) {
	caller := &scriptedCaller{fn: func(int, *Request) (*Response, error) {
		return &Response{Status: 404}, nil
	}}
	g := newTestGateway(t, caller, WithEndpointConfig("api", fastConfig()))

	_, err := g.Execute(context.Background(), &Request{Endpoint: "api"})

	require.Error(t, err)
	assert.Equal(t, dErrors.CodePermanent, dErrors.CodeOf(err))
	assert.Equal(t, 1, caller.callCount())
}

func TestExecute_RetriesExhausted(t *testing.T) {
	caller := &scriptedCaller{fn: func(int, *Request) (*Response, error) {
		return nil, errors.New("connection reset")
	}}
	g := newTestGateway(t, caller,
		WithEndpointConfig("api", fastConfig()),
		WithSleep(func(context.Context, time.Duration) error { return nil }),
	)

	_, err := g.Execute(context.Background(), &Request{Endpoint: "api"})

	require.Error(t, err)
	assert.Equal(t, dErrors.CodeTransient, dErrors.CodeOf(err))
	assert.Equal(t, 3, caller.callCount())
}

func TestExecute_RateLimitRejectsWithoutCalling(t *testing.T) {
	caller := &scriptedCaller{fn: func(int, *Request) (*Response, error) {
		return okResponse(), nil
	}}
	cfg := fastConfig()
	cfg.RateLimit = RateLimitConfig{Capacity: 2, RefillPerSecond: 0.001}
	g := newTestGateway(t, caller, WithEndpointConfig("api", cfg))

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := g.Execute(ctx, &Request{Endpoint: "api", Identifier: "tenant-1"})
		require.NoError(t, err)
	}

	_, err := g.Execute(ctx, &Request{Endpoint: "api", Identifier: "tenant-1"})
	require.Error(t, err)
	assert.Equal(t, dErrors.CodeRateLimited, dErrors.CodeOf(err))
	assert.Greater(t, dErrors.RetryAfterOf(err), time.Duration(0))
	assert.Equal(t, 2, caller.callCount(), "rejected request never reaches the caller")
}

func TestExecute_IdentifiersHaveIndependentBudgets(t *testing.T) {
	caller := &scriptedCaller{fn: func(int, *Request) (*Response, error) {
		return okResponse(), nil
	}}
	cfg := fastConfig()
	cfg.RateLimit = RateLimitConfig{Capacity: 1, RefillPerSecond: 0.001}
	g := newTestGateway(t, caller, WithEndpointConfig("api", cfg))

	ctx := context.Background()
	_, err := g.Execute(ctx, &Request{Endpoint: "api", Identifier: "tenant-1"})
	require.NoError(t, err)

	_, err = g.Execute(ctx, &Request{Endpoint: "api", Identifier: "tenant-2"})
	require.NoError(t, err, "a second identifier is not throttled by the first")
}

func TestExecute_CircuitOpensAndFailsFast(t *testing.T) {
	caller := &scriptedCaller{fn: func(int, *Request) (*Response, error) {
		return nil, errors.New("connection refused")
	}}
	cfg := fastConfig()
	cfg.Retry.MaxAttempts = 1
	cfg.Breaker = BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute}
	g := newTestGateway(t, caller, WithEndpointConfig("api", cfg))

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := g.Execute(ctx, &Request{Endpoint: "api"})
		require.Error(t, err)
	}
	require.Equal(t, 2, caller.callCount())

	_, err := g.Execute(ctx, &Request{Endpoint: "api"})
	require.Error(t, err)
	assert.Equal(t, dErrors.CodeCircuitOpen, dErrors.CodeOf(err))
	assert.Greater(t, dErrors.RetryAfterOf(err), time.Duration(0))
	assert.Equal(t, 2, caller.callCount(), "open circuit rejects before the caller")
	assert.Equal(t, circuit.StateOpen, g.BreakerStates()["api"])
}

func TestExecute_ValidationRejectsOversizedPayload(t *testing.T) {
	caller := &scriptedCaller{fn: func(int, *Request) (*Response, error) {
		return okResponse(), nil
	}}
	cfg := fastConfig()
	cfg.MaxPayloadBytes = 8
	g := newTestGateway(t, caller, WithEndpointConfig("api", cfg))

	_, err := g.Execute(context.Background(), &Request{
		Endpoint: "api",
		Payload:  bytes.Repeat([]byte("x"), 64),
	})

	require.Error(t, err)
	assert.Equal(t, dErrors.CodeValidation, dErrors.CodeOf(err))
	assert.Equal(t, 0, caller.callCount())
}

func TestExecute_GuaranteedDeliveryDeadLettersOnExhaustion(t *testing.T) {
	caller := &scriptedCaller{fn: func(int, *Request) (*Response, error) {
		return &Response{Status: 500}, nil
	}}
	letters := deadletter.NewInMemoryStore()
	sink := audit.NewInMemorySink()
	events := audit.NewPublisher(sink, audit.WithLogger(quietLogger()))

	cfg := fastConfig()
	cfg.Retry.MaxAttempts = 2
	g := newTestGateway(t, caller,
		WithEndpointConfig("api", cfg),
		WithSleep(func(context.Context, time.Duration) error { return nil }),
		WithDeadLetterStore(letters),
		WithAuditEvents(events),
	)

	payload := []byte(`{"op":"charge"}`)
	_, err := g.Execute(context.Background(), &Request{
		Endpoint:           "api",
		Identifier:         "tenant-1",
		Payload:            payload,
		GuaranteedDelivery: true,
	})
	require.Error(t, err)

	entries, err := letters.List(context.Background(), deadletter.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	entry := entries[0]
	assert.Equal(t, "api", entry.Endpoint)
	assert.Equal(t, "tenant-1", entry.Identifier)
	assert.Equal(t, payload, entry.Payload)
	assert.Equal(t, deadletter.StatusPendingReview, entry.ReviewStatus)
	require.Len(t, entry.FailureHistory, 2)
	assert.Equal(t, 1, entry.FailureHistory[0].Attempt)
	assert.Equal(t, 2, entry.FailureHistory[1].Attempt)
	assert.Equal(t, string(dErrors.CodeTransient), entry.FailureHistory[0].Code)

	var kinds []string
	for _, e := range sink.Events() {
		kinds = append(kinds, e.Kind)
	}
	assert.Contains(t, kinds, audit.KindDeadLettered)
}

func TestExecute_BestEffortFailureIsNotDeadLettered(t *testing.T) {
	caller := &scriptedCaller{fn: func(int, *Request) (*Response, error) {
		return &Response{Status: 500}, nil
	}}
	letters := deadletter.NewInMemoryStore()

	cfg := fastConfig()
	cfg.Retry.MaxAttempts = 2
	g := newTestGateway(t, caller,
		WithEndpointConfig("api", cfg),
		WithSleep(func(context.Context, time.Duration) error { return nil }),
		WithDeadLetterStore(letters),
	)

	_, err := g.Execute(context.Background(), &Request{Endpoint: "api"})
	require.Error(t, err)

	entries, err := letters.List(context.Background(), deadletter.Filter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExecute_LedgersEveryAttempt(t *testing.T) {
	caller := &scriptedCaller{fn: func(call int, _ *Request) (*Response, error) {
		if call < 3 {
			return &Response{Status: 503}, nil
		}
		return okResponse(), nil
	}}
	monitor := usage.NewMonitor(usage.NewInMemoryStore(0), usage.WithLogger(quietLogger()))
	g := newTestGateway(t, caller,
		WithEndpointConfig("api", fastConfig()),
		WithSleep(func(context.Context, time.Duration) error { return nil }),
		WithUsageMonitor(monitor),
	)

	_, err := g.Execute(context.Background(), &Request{Endpoint: "api"})
	require.NoError(t, err)

	summary, err := monitor.Aggregate(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Calls)
	assert.Equal(t, 2, summary.Outcomes[usage.OutcomeTransient])
	assert.Equal(t, 1, summary.Outcomes[usage.OutcomeSuccess])
	assert.Equal(t, int64(10), summary.InputUnits, "units come from the successful response")
}

func TestExecute_LedgersRateLimitRejection(t *testing.T) {
	caller := &scriptedCaller{fn: func(int, *Request) (*Response, error) {
		return okResponse(), nil
	}}
	monitor := usage.NewMonitor(usage.NewInMemoryStore(0), usage.WithLogger(quietLogger()))
	cfg := fastConfig()
	cfg.RateLimit = RateLimitConfig{Capacity: 1, RefillPerSecond: 0.001}
	g := newTestGateway(t, caller,
		WithEndpointConfig("api", cfg),
		WithUsageMonitor(monitor),
	)

	ctx := context.Background()
	_, err := g.Execute(ctx, &Request{Endpoint: "api", Identifier: "tenant-1"})
	require.NoError(t, err)
	_, err = g.Execute(ctx, &Request{Endpoint: "api", Identifier: "tenant-1"})
	require.Error(t, err)

	summary, err := monitor.Aggregate(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.RateLimited)
}

func TestExecute_AttemptTimeoutIsTransient(t *testing.T) {
	caller := &scriptedCaller{fn: func(int, *Request) (*Response, error) {
		return nil, context.DeadlineExceeded
	}}
	cfg := fastConfig()
	cfg.Retry.MaxAttempts = 1
	g := newTestGateway(t, caller, WithEndpointConfig("api", cfg))

	_, err := g.Execute(context.Background(), &Request{Endpoint: "api", Timeout: 10 * time.Millisecond})

	require.Error(t, err)
	assert.Equal(t, dErrors.CodeTransient, dErrors.CodeOf(err))
}

func TestResubmit_RunsEntryThroughPipeline(t *testing.T) {
	caller := &scriptedCaller{fn: func(int, *Request) (*Response, error) {
		return okResponse(), nil
	}}
	g := newTestGateway(t, caller, WithEndpointConfig("api", fastConfig()))

	entry := &deadletter.Entry{
		ID:         "dl-1",
		Endpoint:   "api",
		Identifier: "tenant-1",
		Payload:    []byte(`{"op":"charge"}`),
	}
	require.NoError(t, g.Resubmit(context.Background(), entry))
	assert.Equal(t, 1, caller.callCount())
}

func TestConfig_FallsBackToDefaults(t *testing.T) {
	caller := &scriptedCaller{fn: func(int, *Request) (*Response, error) {
		return okResponse(), nil
	}}
	g := newTestGateway(t, caller)

	cfg := g.Config("unconfigured")
	assert.Equal(t, DefaultEndpointConfig(), cfg)
}

func TestEndpointConfig_NormalizedFillsZeroFields(t *testing.T) {
	cfg := EndpointConfig{Retry: RetryConfig{MaxAttempts: 5}}.normalized()

	def := DefaultEndpointConfig()
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, def.Retry.BaseDelay, cfg.Retry.BaseDelay)
	assert.Equal(t, def.RateLimit, cfg.RateLimit)
	assert.Equal(t, def.MaxPayloadBytes, cfg.MaxPayloadBytes)
}
