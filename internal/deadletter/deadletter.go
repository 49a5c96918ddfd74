// Package deadletter holds guaranteed-delivery work that exhausted all retry
// attempts, pending manual review and reprocessing.
package deadletter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	dErrors "bastion/pkg/domain-errors"
)

// Status is the review position of an entry.
type Status string

const (
	StatusPendingReview Status = "pending_review"
	StatusResolved      Status = "resolved"
	StatusFailedAgain   Status = "failed_again"
)

// IsValid checks the status is one of the supported enum values.
func (s Status) IsValid() bool {
	switch s {
	case StatusPendingReview, StatusResolved, StatusFailedAgain:
		return true
	}
	return false
}

// Failure is one attempt in an entry's failure history.
type Failure struct {
	Attempt int       `json:"attempt"`
	At      time.Time `json:"at"`
	Code    string    `json:"code"`
	Reason  string    `json:"reason"`
}

// Entry captures the original request and why it exhausted its retries.
// Immutable once created, except ReviewStatus.
type Entry struct {
	ID             string    `json:"id"`
	Endpoint       string    `json:"endpoint"`
	Identifier     string    `json:"identifier"`
	Payload        []byte    `json:"payload"`
	FailureHistory []Failure `json:"failure_history"`
	MovedAt        time.Time `json:"moved_at"`
	ReviewStatus   Status    `json:"review_status"`
}

// NewEntry creates a pending-review entry with identity and move time set.
func NewEntry(endpoint, identifier string, payload []byte, history []Failure) (*Entry, error) {
	if endpoint == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "endpoint cannot be empty")
	}
	return &Entry{
		ID:             uuid.NewString(),
		Endpoint:       endpoint,
		Identifier:     identifier,
		Payload:        payload,
		FailureHistory: history,
		MovedAt:        time.Now(),
		ReviewStatus:   StatusPendingReview,
	}, nil
}

// Filter narrows List results. Zero value matches everything.
type Filter struct {
	Status   Status
	Endpoint string
}

// Store persists dead letter entries.
type Store interface {
	Add(ctx context.Context, entry *Entry) error
	Get(ctx context.Context, id string) (*Entry, error)
	List(ctx context.Context, filter Filter) ([]*Entry, error)
	UpdateStatus(ctx context.Context, id string, status Status) error
}

// Resubmitter pushes an entry's original request back through the gateway.
// Implemented by the gateway wiring; kept as an interface so this package
// does not depend on it.
type Resubmitter interface {
	Resubmit(ctx context.Context, entry *Entry) error
}

// Service coordinates manual reprocessing of dead letters.
type Service struct {
	store    Store
	resubmit Resubmitter
	logger   *slog.Logger
}

// NewService creates a Service. Both dependencies are required.
func NewService(store Store, resubmit Resubmitter, logger *slog.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("dead letter store is required")
	}
	if resubmit == nil {
		return nil, fmt.Errorf("resubmitter is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, resubmit: resubmit, logger: logger}, nil
}

// List returns entries matching the filter.
func (s *Service) List(ctx context.Context, filter Filter) ([]*Entry, error) {
	return s.store.List(ctx, filter)
}

// Reprocess resubmits the entry's original request and records the outcome:
// resolved on success, failed_again otherwise. The resubmission error is
// returned so the operator sees why it failed again.
func (s *Service) Reprocess(ctx context.Context, id string) (*Entry, error) {
	entry, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	status := StatusResolved
	resubmitErr := s.resubmit.Resubmit(ctx, entry)
	if resubmitErr != nil {
		status = StatusFailedAgain
		s.logger.Warn("dead letter reprocess failed",
			"id", entry.ID, "endpoint", entry.Endpoint, "error", resubmitErr)
	}

	if err := s.store.UpdateStatus(ctx, id, status); err != nil {
		return nil, err
	}
	entry.ReviewStatus = status
	return entry, resubmitErr
}
