// Package server exposes the operator admin API over HTTP.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/fiskala/regtruth/internal/budget"
	"github.com/fiskala/regtruth/internal/health"
	"github.com/fiskala/regtruth/internal/model"
	"github.com/fiskala/regtruth/internal/monitoring"
	"github.com/fiskala/regtruth/internal/orchestrator"
	"github.com/fiskala/regtruth/internal/store"
)

// Config wires the server to the running governance components. Cancels is
// nil when no pipeline runs in this process.
type Config struct {
	Tracker   *health.Tracker
	Ledger    *budget.Ledger
	Decisions store.DecisionLog
	Collector *monitoring.Collector
	Cancels   *orchestrator.CancelRegistry
}

type handler struct {
	cfg Config
}

// New returns the admin API handler.
func New(cfg Config) http.Handler {
	h := &handler{cfg: cfg}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", h.healthz)
	r.Route("/api", func(r chi.Router) {
		r.Get("/sources", h.listSources)
		r.Get("/sources/{slug}", h.getSource)
		r.Post("/sources/{slug}/pause", h.pauseSource)
		r.Post("/sources/{slug}/unpause", h.unpauseSource)
		r.Post("/runs/{runId}/cancel", h.cancelRun)
		r.Get("/budget", h.getBudget)
		r.Post("/circuit/close", h.closeCircuit)
		r.Get("/decisions", h.listDecisions)
		r.Get("/metrics", h.getMetrics)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("server: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) listSources(w http.ResponseWriter, r *http.Request) {
	rows, err := h.cfg.Tracker.List(r.Context())
	if err != nil {
		zap.L().Error("server: list sources", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list sources failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": rows})
}

func (h *handler) getSource(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	row, err := h.cfg.Tracker.Snapshot(r.Context(), slug)
	if err != nil {
		zap.L().Error("server: get source", zap.String("slug", slug), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "get source failed")
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (h *handler) pauseSource(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")

	var req struct {
		Reason string `json:"reason"`
		Hours  int    `json:"hours"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason is required")
		return
	}

	d := time.Duration(req.Hours) * time.Hour
	if err := h.cfg.Tracker.Pause(r.Context(), slug, req.Reason, d, true); err != nil {
		zap.L().Error("server: pause source", zap.String("slug", slug), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "pause failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused", "slug": slug})
}

func (h *handler) unpauseSource(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	if err := h.cfg.Tracker.Unpause(r.Context(), slug, true); err != nil {
		zap.L().Error("server: unpause source", zap.String("slug", slug), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "unpause failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "active", "slug": slug})
}

func (h *handler) cancelRun(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Cancels == nil {
		writeError(w, http.StatusNotFound, "pipeline not running in this process")
		return
	}
	runID := chi.URLParam(r, "runId")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run id is required")
		return
	}
	h.cfg.Cancels.Cancel(runID)
	zap.L().Info("server: run cancelled", zap.String("run_id", runID))
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "run_id": runID})
}

func (h *handler) getBudget(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.cfg.Ledger.Snapshot())
}

func (h *handler) closeCircuit(w http.ResponseWriter, r *http.Request) {
	h.cfg.Ledger.CloseCircuit(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{
		"circuit": string(h.cfg.Ledger.CircuitState()),
	})
}

func (h *handler) listDecisions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.DecisionFilter{
		SourceSlug: q.Get("source"),
		Kind:       model.DecisionKind(q.Get("kind")),
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = t
	}

	events, err := h.cfg.Decisions.Recent(r.Context(), filter)
	if err != nil {
		zap.L().Error("server: list decisions", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list decisions failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": events})
}

func (h *handler) getMetrics(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Collector == nil {
		writeError(w, http.StatusNotFound, "metrics collector not running")
		return
	}
	snap, err := h.cfg.Collector.Collect(r.Context(), 24)
	if err != nil {
		zap.L().Error("server: collect metrics", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "collect failed")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
