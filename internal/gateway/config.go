package gateway

import "time"

// RateLimitConfig shapes the per-identifier token bucket for an endpoint.
type RateLimitConfig struct {
	Capacity        int     `json:"capacity"`
	RefillPerSecond float64 `json:"refill_per_second"`
}

// BreakerConfig shapes the endpoint's circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"`
	ResetTimeout     time.Duration `json:"reset_timeout"`
}

// RetryConfig shapes the retry schedule for transient failures.
type RetryConfig struct {
	MaxAttempts int           `json:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay"`
}

// EndpointConfig is the full resilience profile of one remote endpoint.
type EndpointConfig struct {
	MaxPayloadBytes int64         `json:"max_payload_bytes"`
	CallTimeout     time.Duration `json:"call_timeout"`
	RateLimit       RateLimitConfig
	Breaker         BreakerConfig
	Retry           RetryConfig
}

// DefaultEndpointConfig returns the profile applied to endpoints without an
// explicit entry.
func DefaultEndpointConfig() EndpointConfig {
	return EndpointConfig{
		MaxPayloadBytes: 1 << 20,
		CallTimeout:     30 * time.Second,
		RateLimit: RateLimitConfig{
			Capacity:        60,
			RefillPerSecond: 1,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    10 * time.Second,
		},
	}
}

// normalized fills zero fields from the defaults so partial per-endpoint
// overrides stay usable.
func (c EndpointConfig) normalized() EndpointConfig {
	def := DefaultEndpointConfig()
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = def.MaxPayloadBytes
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = def.CallTimeout
	}
	if c.RateLimit.Capacity <= 0 {
		c.RateLimit.Capacity = def.RateLimit.Capacity
	}
	if c.RateLimit.RefillPerSecond <= 0 {
		c.RateLimit.RefillPerSecond = def.RateLimit.RefillPerSecond
	}
	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker.FailureThreshold = def.Breaker.FailureThreshold
	}
	if c.Breaker.ResetTimeout <= 0 {
		c.Breaker.ResetTimeout = def.Breaker.ResetTimeout
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = def.Retry.MaxAttempts
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = def.Retry.BaseDelay
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = def.Retry.MaxDelay
	}
	return c
}
