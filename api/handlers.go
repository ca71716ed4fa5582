/*
handlers.go - Operational HTTP handlers

PURPOSE:
  The booking engine is called in-process by the sales back office; this
  package only exposes what operators need to run it: probes for the
  orchestrator and control of the hold sweeper.

ENDPOINTS:
  GET    /healthz            Liveness, always 200 while the process serves
  GET    /readyz             Readiness, 503 when the store does not answer
  GET    /api/admin/sweeps   Sweeper settings and recent runs
  POST   /api/admin/sweeps   Run a sweep now

ERROR HANDLING:
  Errors are JSON ErrorResponse bodies:
  - 409: a sweep is already running
  - 500: the sweep could not list candidates
  - 503: store unreachable

SEE ALSO:
  - dto.go: Response types
  - scheduler.go: HoldSweeper
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds the dependencies of the operational endpoints.
type Handler struct {
	Store       Pinger
	Sweeper     *HoldSweeper
	StoreDriver string
	PingTimeout time.Duration
	log         zerolog.Logger
}

// NewHandler creates a handler. sweeper may be nil when it is not wired.
func NewHandler(store Pinger, sweeper *HoldSweeper, driver string, log zerolog.Logger) *Handler {
	return &Handler{
		Store:       store,
		Sweeper:     sweeper,
		StoreDriver: driver,
		PingTimeout: 2 * time.Second,
		log:         log.With().Str("component", "http").Logger(),
	}
}

// =============================================================================
// PROBES
// =============================================================================

// Healthz handles GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// Readyz handles GET /readyz
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.PingTimeout)
	defer cancel()

	if err := h.Store.Ping(ctx); err != nil {
		h.log.Warn().Err(err).Msg("readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status: "unavailable",
			Store:  h.StoreDriver,
			Error:  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ready", Store: h.StoreDriver})
}

// =============================================================================
// SWEEPER
// =============================================================================

// GetSweeps handles GET /api/admin/sweeps
func (h *Handler) GetSweeps(w http.ResponseWriter, r *http.Request) {
	if h.Sweeper == nil {
		writeError(w, http.StatusNotFound, "hold sweeper not configured", nil)
		return
	}
	s := h.Sweeper
	resp := SweepStatusResponse{
		Enabled:     s.Enabled,
		Interval:    s.Interval.String(),
		Concurrency: s.Concurrency,
		BatchSize:   s.BatchSize,
		History:     s.History(),
	}
	if last, ok := s.LastRun(); ok {
		resp.LastRun = &last
	}
	if s.Enabled {
		next := s.NextRunTime()
		resp.NextRunAt = &next
	}
	writeJSON(w, http.StatusOK, resp)
}

// TriggerSweep handles POST /api/admin/sweeps
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	if h.Sweeper == nil {
		writeError(w, http.StatusNotFound, "hold sweeper not configured", nil)
		return
	}
	run, err := h.Sweeper.Sweep(r.Context(), TriggerManual)
	switch {
	case errors.Is(err, ErrSweepInProgress):
		writeError(w, http.StatusConflict, "sweep already running", err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, "sweep failed", err)
	default:
		writeJSON(w, http.StatusOK, run)
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
