package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"bastion/internal/circuit"
	"bastion/internal/deadletter"
	"bastion/internal/platform/middleware"
	"bastion/internal/usage"
	dErrors "bastion/pkg/domain-errors"
	"bastion/pkg/sentinel"
)

// UsageReader serves aggregate queries over the usage ledger.
type UsageReader interface {
	Aggregate(ctx context.Context, window time.Duration) (*usage.Summary, error)
}

// DeadLetterService lists and reprocesses dead letters.
type DeadLetterService interface {
	List(ctx context.Context, filter deadletter.Filter) ([]*deadletter.Entry, error)
	Reprocess(ctx context.Context, id string) (*deadletter.Entry, error)
}

// BreakerInspector exposes circuit positions.
type BreakerInspector interface {
	BreakerStates() map[string]circuit.State
}

// OpsHandler serves the operator endpoints.
type OpsHandler struct {
	usage    UsageReader
	letters  DeadLetterService
	breakers BreakerInspector
	logger   *slog.Logger
}

// NewOpsHandler creates an OpsHandler. Nil dependencies disable their routes.
func NewOpsHandler(usage UsageReader, letters DeadLetterService, breakers BreakerInspector, logger *slog.Logger) *OpsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpsHandler{usage: usage, letters: letters, breakers: breakers, logger: logger}
}

// Register mounts the operator routes.
func (h *OpsHandler) Register(r chi.Router) {
	if h.usage != nil {
		r.Get("/ops/usage", h.handleUsage)
	}
	if h.letters != nil {
		r.Get("/ops/deadletters", h.handleListDeadLetters)
		r.Post("/ops/deadletters/{id}/reprocess", h.handleReprocess)
	}
	if h.breakers != nil {
		r.Get("/ops/circuits", h.handleCircuits)
	}
}

const maxUsageWindow = 30 * 24 * time.Hour

// handleUsage aggregates the trailing window given as ?window=1h.
func (h *OpsHandler) handleUsage(w http.ResponseWriter, r *http.Request) {
	window := time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 || parsed > maxUsageWindow {
			h.writeError(w, r, dErrors.Newf(dErrors.CodeValidation, "invalid window %q", raw))
			return
		}
		window = parsed
	}

	summary, err := h.usage.Aggregate(r.Context(), window)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *OpsHandler) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	filter := deadletter.Filter{
		Status:   deadletter.Status(r.URL.Query().Get("status")),
		Endpoint: r.URL.Query().Get("endpoint"),
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		h.writeError(w, r, dErrors.Newf(dErrors.CodeValidation, "invalid status %q", filter.Status))
		return
	}

	entries, err := h.letters.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*deadletter.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// handleReprocess resubmits one dead letter. The response always carries the
// entry's final review status; a failed resubmission is reported alongside
// it, not as a handler error.
func (h *OpsHandler) handleReprocess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	entry, err := h.letters.Reprocess(r.Context(), id)
	if entry == nil {
		h.writeError(w, r, err)
		return
	}

	body := map[string]any{"entry": entry}
	if err != nil {
		body["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *OpsHandler) handleCircuits(w http.ResponseWriter, r *http.Request) {
	states := h.breakers.BreakerStates()
	out := make(map[string]string, len(states))
	for endpoint, state := range states {
		out[endpoint] = state.String()
	}
	writeJSON(w, http.StatusOK, map[string]any{"circuits": out})
}

func (h *OpsHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= 500 {
		h.logger.Error("ops request failed",
			"request_id", middleware.GetRequestID(r.Context()),
			"path", r.URL.Path,
			"error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusOf maps domain failures to HTTP statuses.
func statusOf(err error) int {
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, sentinel.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, sentinel.ErrUnavailable):
		return http.StatusServiceUnavailable
	}
	switch dErrors.CodeOf(err) {
	case dErrors.CodeValidation:
		return http.StatusBadRequest
	case dErrors.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
