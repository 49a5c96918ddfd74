package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bastion/internal/circuit"
	"bastion/internal/deadletter"
	"bastion/internal/usage"
	"bastion/pkg/sentinel"
)

type fakeUsage struct {
	summary    *usage.Summary
	err        error
	lastWindow time.Duration
}

func (f *fakeUsage) Aggregate(ctx context.Context, window time.Duration) (*usage.Summary, error) {
	f.lastWindow = window
	return f.summary, f.err
}

type fakeDeadLetters struct {
	entries    []*deadletter.Entry
	reprocess  *deadletter.Entry
	listErr    error
	reprocErr  error
	lastFilter deadletter.Filter
}

func (f *fakeDeadLetters) List(ctx context.Context, filter deadletter.Filter) ([]*deadletter.Entry, error) {
	f.lastFilter = filter
	return f.entries, f.listErr
}

func (f *fakeDeadLetters) Reprocess(ctx context.Context, id string) (*deadletter.Entry, error) {
	if f.reprocess == nil && f.reprocErr == nil {
		return nil, fmt.Errorf("dead letter %s: %w", id, sentinel.ErrNotFound)
	}
	return f.reprocess, f.reprocErr
}

type fakeBreakers struct {
	states map[string]circuit.State
}

func (f *fakeBreakers) BreakerStates() map[string]circuit.State { return f.states }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func newOpsRouter(u UsageReader, d DeadLetterService, b BreakerInspector) http.Handler {
	return NewRouter(Deps{
		Logger: quietLogger(),
		Ops:    NewOpsHandler(u, d, b, quietLogger()),
	})
}

func TestOpsUsage_DefaultWindow(t *testing.T) {
	u := &fakeUsage{summary: &usage.Summary{Window: time.Hour, Calls: 42}}
	router := newOpsRouter(u, nil, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ops/usage", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, time.Hour, u.lastWindow)

	var got usage.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 42, got.Calls)
}

func TestOpsUsage_CustomWindow(t *testing.T) {
	u := &fakeUsage{summary: &usage.Summary{}}
	router := newOpsRouter(u, nil, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ops/usage?window=15m", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 15*time.Minute, u.lastWindow)
}

func TestOpsUsage_InvalidWindow(t *testing.T) {
	router := newOpsRouter(&fakeUsage{}, nil, nil)

	for _, raw := range []string{"yesterday", "-5m", "0s", "2000h"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ops/usage?window="+raw, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, "window=%s", raw)
	}
}

func TestOpsDeadLetters_ListPassesFilter(t *testing.T) {
	d := &fakeDeadLetters{entries: []*deadletter.Entry{{ID: "dl-1", Endpoint: "api"}}}
	router := newOpsRouter(nil, d, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/ops/deadletters?status=pending_review&endpoint=api", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, deadletter.StatusPendingReview, d.lastFilter.Status)
	assert.Equal(t, "api", d.lastFilter.Endpoint)

	var body struct {
		Entries []*deadletter.Entry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Entries, 1)
	assert.Equal(t, "dl-1", body.Entries[0].ID)
}

func TestOpsDeadLetters_InvalidStatus(t *testing.T) {
	router := newOpsRouter(nil, &fakeDeadLetters{}, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ops/deadletters?status=bogus", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOpsDeadLetters_EmptyListIsNotNull(t *testing.T) {
	router := newOpsRouter(nil, &fakeDeadLetters{}, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ops/deadletters", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"entries":[]}`, rec.Body.String())
}

func TestOpsReprocess_Resolved(t *testing.T) {
	d := &fakeDeadLetters{reprocess: &deadletter.Entry{ID: "dl-1", ReviewStatus: deadletter.StatusResolved}}
	router := newOpsRouter(nil, d, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/ops/deadletters/dl-1/reprocess", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Entry *deadletter.Entry `json:"entry"`
		Error string            `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, deadletter.StatusResolved, body.Entry.ReviewStatus)
	assert.Empty(t, body.Error)
}

func TestOpsReprocess_FailedAgainReportsError(t *testing.T) {
	d := &fakeDeadLetters{
		reprocess: &deadletter.Entry{ID: "dl-1", ReviewStatus: deadletter.StatusFailedAgain},
		reprocErr: errors.New("remote still down"),
	}
	router := newOpsRouter(nil, d, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/ops/deadletters/dl-1/reprocess", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Entry *deadletter.Entry `json:"entry"`
		Error string            `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, deadletter.StatusFailedAgain, body.Entry.ReviewStatus)
	assert.Contains(t, body.Error, "remote still down")
}

func TestOpsReprocess_UnknownEntry(t *testing.T) {
	router := newOpsRouter(nil, &fakeDeadLetters{}, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/ops/deadletters/missing/reprocess", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOpsCircuits(t *testing.T) {
	b := &fakeBreakers{states: map[string]circuit.State{
		"payments": circuit.StateOpen,
		"search":   circuit.StateClosed,
	}}
	router := newOpsRouter(nil, nil, b)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ops/circuits", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"circuits":{"payments":"open","search":"closed"}}`, rec.Body.String())
}

func TestHealthz_AllHealthy(t *testing.T) {
	router := NewRouter(Deps{
		Logger: quietLogger(),
		Health: map[string]HealthCheck{
			"redis": func(context.Context) error { return nil },
		},
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthz_FailingDependency(t *testing.T) {
	router := NewRouter(Deps{
		Logger: quietLogger(),
		Health: map[string]HealthCheck{
			"redis":    func(context.Context) error { return nil },
			"postgres": func(context.Context) error { return errors.New("connection refused") },
		},
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Checks["redis"])
	assert.Contains(t, body.Checks["postgres"], "connection refused")
}
