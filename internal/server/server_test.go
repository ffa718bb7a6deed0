package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiskala/regtruth/internal/audit"
	"github.com/fiskala/regtruth/internal/budget"
	"github.com/fiskala/regtruth/internal/health"
	"github.com/fiskala/regtruth/internal/model"
	"github.com/fiskala/regtruth/internal/orchestrator"
	"github.com/fiskala/regtruth/internal/resilience"
	"github.com/fiskala/regtruth/internal/store"
)

func newTestServer(t *testing.T) (http.Handler, *health.Tracker, *budget.Ledger, store.Store) {
	t.Helper()
	st := store.NewMemory()
	sink := audit.NewStoreSink(st.Decisions())
	tracker := health.NewTracker(st.Health(), sink, health.DefaultConfig())
	ledger := budget.NewLedger(budget.DefaultConfig(), sink)

	h := New(Config{
		Tracker:   tracker,
		Ledger:    ledger,
		Decisions: st.Decisions(),
	})
	return h, tracker, ledger, st
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	h, _, _, _ := newTestServer(t)
	rec := doRequest(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestSourceEndpoints(t *testing.T) {
	h, tracker, _, _ := newTestServer(t)
	ctx := context.Background()

	_, err := tracker.RecordOutcome(ctx, "porezna-uprava", model.OutcomeSuccessApplied, 1000, 3)
	require.NoError(t, err)

	rec := doRequest(t, h, http.MethodGet, "/api/sources", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listResp struct {
		Sources []model.SourceHealth `json:"sources"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listResp))
	require.Len(t, listResp.Sources, 1)
	assert.Equal(t, "porezna-uprava", listResp.Sources[0].SourceSlug)

	rec = doRequest(t, h, http.MethodGet, "/api/sources/porezna-uprava", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var row model.SourceHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &row))
	assert.Equal(t, "porezna-uprava", row.SourceSlug)
}

func TestPauseUnpause(t *testing.T) {
	h, tracker, _, _ := newTestServer(t)
	ctx := context.Background()

	rec := doRequest(t, h, http.MethodPost, "/api/sources/fina/pause", `{"reason":"schema migration"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	row, err := tracker.Snapshot(ctx, "fina")
	require.NoError(t, err)
	assert.True(t, row.IsPaused)
	assert.Equal(t, "schema migration", row.PauseReason)

	rec = doRequest(t, h, http.MethodPost, "/api/sources/fina/unpause", "")
	require.Equal(t, http.StatusOK, rec.Code)

	row, err = tracker.Snapshot(ctx, "fina")
	require.NoError(t, err)
	assert.False(t, row.IsPaused)
}

func TestPauseRequiresReason(t *testing.T) {
	h, _, _, _ := newTestServer(t)
	rec := doRequest(t, h, http.MethodPost, "/api/sources/fina/pause", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBudgetAndCircuitEndpoints(t *testing.T) {
	h, _, ledger, _ := newTestServer(t)
	ctx := context.Background()

	ledger.TripCircuit(ctx, resilience.ClassAuth)
	require.Equal(t, model.CircuitOpen, ledger.CircuitState())

	rec := doRequest(t, h, http.MethodGet, "/api/budget", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var state model.BudgetState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, model.CircuitOpen, state.Circuit)

	rec = doRequest(t, h, http.MethodPost, "/api/circuit/close", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.CircuitClosed, ledger.CircuitState())
}

func TestDecisionsEndpoint(t *testing.T) {
	h, tracker, _, _ := newTestServer(t)
	ctx := context.Background()

	// Recording failures produces health decision events through the sink.
	for range 3 {
		_, err := tracker.RecordOutcome(ctx, "porezna-uprava", model.OutcomeFailedValidation, 500, 0)
		require.NoError(t, err)
	}

	rec := doRequest(t, h, http.MethodGet, "/api/decisions?source=porezna-uprava", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Decisions []model.DecisionEvent `json:"decisions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Decisions)

	rec = doRequest(t, h, http.MethodGet, "/api/decisions?since=not-a-time", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelRunEndpoint(t *testing.T) {
	st := store.NewMemory()
	sink := audit.NewStoreSink(st.Decisions())
	cancels := orchestrator.NewCancelRegistry()
	h := New(Config{
		Tracker:   health.NewTracker(st.Health(), sink, health.DefaultConfig()),
		Ledger:    budget.NewLedger(budget.DefaultConfig(), sink),
		Decisions: st.Decisions(),
		Cancels:   cancels,
	})

	rec := doRequest(t, h, http.MethodPost, "/api/runs/run-42/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, cancels.Cancelled("run-42"))
	assert.False(t, cancels.Cancelled("run-43"))
}

func TestCancelRunWithoutPipeline(t *testing.T) {
	h, _, _, _ := newTestServer(t)
	rec := doRequest(t, h, http.MethodPost, "/api/runs/run-42/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsWithoutCollector(t *testing.T) {
	h, _, _, _ := newTestServer(t)
	rec := doRequest(t, h, http.MethodGet, "/api/metrics", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
