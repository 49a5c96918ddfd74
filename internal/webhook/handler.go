package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"bastion/internal/audit"
	dErrors "bastion/pkg/domain-errors"
)

// Delivery headers of the inbound webhook contract.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderID        = "X-Webhook-Id"
)

// Processor is the business side invoked for a verified, first-time
// delivery. Out of scope for this service; supplied by the embedder.
type Processor interface {
	Process(ctx context.Context, source string, payload []byte) error
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, source string, payload []byte) error

func (f ProcessorFunc) Process(ctx context.Context, source string, payload []byte) error {
	return f(ctx, source, payload)
}

// Handler terminates the inbound webhook path: verification, dedup, and the
// acknowledgment contract. Duplicates are acknowledged with 200 so the
// sender stops retrying; internal failures answer 500 to prompt a retry.
type Handler struct {
	verifier *Verifier
	process  Processor
	secrets  map[string][]byte

	maxBody int64
	logger  *slog.Logger
	metrics *Metrics
	events  *audit.Publisher
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithMaxBody caps the accepted payload size in bytes.
func WithMaxBody(n int64) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.maxBody = n
		}
	}
}

func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) { h.logger = logger }
}

func WithHandlerMetrics(m *Metrics) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// WithAuditEvents publishes a webhook_rejected event for every rejection.
func WithAuditEvents(events *audit.Publisher) HandlerOption {
	return func(h *Handler) { h.events = events }
}

// NewHandler creates a Handler. secrets maps a source name to its shared
// signing secret; deliveries for unknown sources are rejected.
func NewHandler(verifier *Verifier, process Processor, secrets map[string][]byte, opts ...HandlerOption) *Handler {
	h := &Handler{
		verifier: verifier,
		process:  process,
		secrets:  secrets,
		maxBody:  1 << 20,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the delivery route.
func (h *Handler) Register(r chi.Router) {
	r.Post("/webhooks/{source}", h.handleDelivery)
}

func (h *Handler) handleDelivery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	source := chi.URLParam(r, "source")

	secret, ok := h.secrets[source]
	if !ok {
		h.observe(source, "unknown_source")
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown source"})
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		h.observe(source, "oversized")
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "payload too large"})
		return
	}

	outcome, err := h.verifier.Verify(ctx,
		payload,
		r.Header.Get(HeaderSignature),
		r.Header.Get(HeaderTimestamp),
		r.Header.Get(HeaderID),
		secret,
	)
	if err != nil {
		h.reject(ctx, w, source, err)
		return
	}

	if outcome == OutcomeDuplicate {
		h.observe(source, "duplicate")
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	if err := h.process.Process(ctx, source, payload); err != nil {
		h.observe(source, "processing_failed")
		h.logger.Error("webhook processing failed", "source", source, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "processing failed"})
		return
	}

	h.observe(source, "accepted")
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// reject maps a verification failure to the response contract.
func (h *Handler) reject(ctx context.Context, w http.ResponseWriter, source string, err error) {
	code := dErrors.CodeOf(err)

	status := http.StatusUnauthorized
	switch code {
	case dErrors.CodeValidation:
		status = http.StatusBadRequest
	case dErrors.CodeInternal:
		status = http.StatusInternalServerError
	}

	h.observe(source, string(code))
	if h.events != nil {
		_ = h.events.Emit(ctx, audit.Event{
			Kind:     audit.KindWebhookRejected,
			Endpoint: source,
			Detail:   map[string]string{"code": string(code)},
		})
	}
	h.logger.Warn("webhook rejected", "source", source, "code", code)
	writeJSON(w, status, map[string]string{"error": string(code)})
}

func (h *Handler) observe(source, result string) {
	if h.metrics != nil {
		h.metrics.ObserveDelivery(source, result)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
