package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/verdant-health/chartsync/internal/ledger"
	"github.com/verdant-health/chartsync/internal/network"
	syncpkg "github.com/verdant-health/chartsync/internal/sync"
)

// SyncSource reports the sync coordinator's current status.
type SyncSource interface {
	Status() syncpkg.Status
}

// ChainSource verifies and exports ledger chains.
type ChainSource interface {
	VerifyChain(chainID string) (*ledger.VerificationReport, error)
	Export(chainID string, from, to uint64) ([]*ledger.Record, error)
}

// HealthCheck probes one dependency, returning an error when unhealthy.
type HealthCheck func(ctx context.Context) error

// Handler serves the local status API. The sync and chain sources may be
// nil when no session is open; the affected endpoints then report that
// state instead of failing.
type Handler struct {
	logger  *slog.Logger
	monitor *network.Monitor
	sync    SyncSource
	chains  ChainSource
	checks  map[string]HealthCheck
}

// NewHandler creates a status API handler.
func NewHandler(logger *slog.Logger, monitor *network.Monitor, syncSource SyncSource, chains ChainSource, checks map[string]HealthCheck) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:  logger,
		monitor: monitor,
		sync:    syncSource,
		chains:  chains,
		checks:  checks,
	}
}

// Routes returns the mux with all status API routes registered.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /status", h.handleStatus)
	mux.HandleFunc("GET /chains/{id}/verify", h.handleVerify)
	mux.HandleFunc("GET /chains/{id}/export", h.handleExport)
	return mux
}

// healthzResponse is the health check body.
type healthzResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// handleHealthz runs the registered health checks. Any failing check
// flips the overall status to unhealthy with a 503.
func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := healthzResponse{Status: "healthy", Checks: make(map[string]string)}
	status := http.StatusOK
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	WriteJSON(w, r.Context(), status, resp)
}

// statusResponse is the sync status body for the UI shell.
type statusResponse struct {
	Connectivity string          `json:"connectivity"`
	SessionOpen  bool            `json:"session_open"`
	Sync         *syncpkg.Status `json:"sync,omitempty"`
}

// handleStatus reports connectivity and, when a session is open, the
// coordinator's state and queue depth.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Connectivity: h.monitor.State().String(),
	}
	if h.sync != nil {
		st := h.sync.Status()
		resp.SessionOpen = true
		resp.Sync = &st
	}
	WriteJSON(w, r.Context(), http.StatusOK, resp)
}

// handleVerify walks a chain and reports every broken link and tampered
// record. Tampering is a 200 with OK=false in the report, not an error:
// detecting it is this endpoint working as intended.
func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	if h.chains == nil {
		WriteError(w, r.Context(), http.StatusNotFound, ErrCodeNotFound, "No session open")
		return
	}
	chainID := r.PathValue("id")

	report, err := h.chains.VerifyChain(chainID)
	if err != nil {
		h.logger.Error("chain verification failed",
			slog.String("chain_id", chainID),
			slog.String("error", err.Error()))
		WriteError(w, r.Context(), http.StatusInternalServerError, ErrCodeInternal, "Verification failed")
		return
	}
	WriteJSON(w, r.Context(), http.StatusOK, report)
}

// handleExport returns a chain's records with their hashes so an external
// auditor can re-verify the chain independently. Optional from/to query
// parameters bound the sequence range.
func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	if h.chains == nil {
		WriteError(w, r.Context(), http.StatusNotFound, ErrCodeNotFound, "No session open")
		return
	}
	chainID := r.PathValue("id")

	from, ok := parseSequenceParam(w, r, "from")
	if !ok {
		return
	}
	to, ok := parseSequenceParam(w, r, "to")
	if !ok {
		return
	}

	records, err := h.chains.Export(chainID, from, to)
	if err != nil {
		h.logger.Error("chain export failed",
			slog.String("chain_id", chainID),
			slog.String("error", err.Error()))
		WriteError(w, r.Context(), http.StatusInternalServerError, ErrCodeInternal, "Export failed")
		return
	}
	WriteJSON(w, r.Context(), http.StatusOK, records)
}

// parseSequenceParam parses an optional uint64 query parameter, writing a
// bad_request response on malformed input.
func parseSequenceParam(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeBadRequest, name+" must be a non-negative integer")
		return 0, false
	}
	return v, true
}
