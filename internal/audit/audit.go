// Package audit publishes operational events (circuit transitions, dead
// lettered requests, webhook rejections, threshold breaches) to a pluggable
// sink. Publishing is best-effort: a full async buffer drops the event and
// counts the drop rather than blocking the caller.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Event kinds emitted by the gateway and webhook paths.
const (
	KindCircuitOpened   = "circuit_opened"
	KindCircuitClosed   = "circuit_closed"
	KindDeadLettered    = "dead_lettered"
	KindWebhookRejected = "webhook_rejected"
	KindUsageThreshold  = "usage_threshold"
)

// Event is one operational occurrence.
type Event struct {
	ID       string            `json:"id"`
	Kind     string            `json:"kind"`
	Endpoint string            `json:"endpoint,omitempty"`
	At       time.Time         `json:"at"`
	Detail   map[string]string `json:"detail,omitempty"`
}

// Sink receives published events. Implementations must be safe for
// concurrent use.
type Sink interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Publisher emits events synchronously or through a buffered channel.
type Publisher struct {
	sink   Sink
	logger *slog.Logger

	ch      chan Event
	done    chan struct{}
	dropped atomic.Int64

	closeOnce sync.Once
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithAsyncBuffer switches to asynchronous publishing with the given buffer
// size. When the buffer is full, events are dropped and counted.
func WithAsyncBuffer(size int) Option {
	return func(p *Publisher) {
		if size > 0 {
			p.ch = make(chan Event, size)
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) { p.logger = logger }
}

// NewPublisher creates a Publisher over the sink. Synchronous unless
// WithAsyncBuffer is given.
func NewPublisher(sink Sink, opts ...Option) *Publisher {
	p := &Publisher{
		sink:   sink,
		logger: slog.Default(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.ch != nil {
		go p.drain()
	} else {
		close(p.done)
	}
	return p
}

// Emit publishes one event, filling identity and timestamp when absent.
func (p *Publisher) Emit(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.At.IsZero() {
		event.At = time.Now()
	}

	if p.ch == nil {
		return p.sink.Publish(ctx, event)
	}
	select {
	case p.ch <- event:
		return nil
	default:
		p.dropped.Add(1)
		p.logger.Warn("audit event dropped, buffer full", "kind", event.Kind)
		return nil
	}
}

// Dropped reports how many events were discarded due to a full buffer.
func (p *Publisher) Dropped() int64 {
	return p.dropped.Load()
}

// Close drains pending events and closes the sink.
func (p *Publisher) Close() error {
	p.closeOnce.Do(func() {
		if p.ch != nil {
			close(p.ch)
		}
	})
	<-p.done
	return p.sink.Close()
}

func (p *Publisher) drain() {
	defer close(p.done)
	for event := range p.ch {
		if err := p.sink.Publish(context.Background(), event); err != nil {
			p.logger.Warn("audit publish failed", "kind", event.Kind, "error", err)
		}
	}
}
