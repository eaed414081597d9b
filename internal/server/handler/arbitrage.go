package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/omenarb/internal/domain"
	"github.com/alanyoungcy/omenarb/internal/service"
)

// ArbService defines the methods that the arbitrage handler requires.
type ArbService interface {
	ListRecent(ctx context.Context, limit int) ([]domain.Opportunity, error)
	ListExecutions(ctx context.Context, limit int) ([]domain.Execution, error)
	GetExecution(ctx context.Context, id string) (domain.Execution, error)
	RunCycle(ctx context.Context) (service.CycleStats, error)
}

// ArbHandler serves complete-set arbitrage endpoints.
type ArbHandler struct {
	arb    ArbService
	logger *slog.Logger
}

// NewArbHandler creates an ArbHandler with the given service and logger.
func NewArbHandler(arb ArbService, logger *slog.Logger) *ArbHandler {
	return &ArbHandler{arb: arb, logger: logHandler(logger, "arbitrage")}
}

// ListRecent returns the most recent detected opportunities.
// GET /api/opportunities/recent?limit=20
func (h *ArbHandler) ListRecent(w http.ResponseWriter, r *http.Request) {
	opps, err := h.arb.ListRecent(r.Context(), parseLimit(r, 20, 200))
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to list opportunities")
		return
	}
	if opps == nil {
		opps = []domain.Opportunity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"opportunities": opps})
}

// ListExecutions returns recent executions with their placed trades.
// GET /api/executions?limit=50
func (h *ArbHandler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	list, err := h.arb.ListExecutions(r.Context(), parseLimit(r, 50, 200))
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to list executions")
		return
	}
	if list == nil {
		list = []domain.Execution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": list})
}

// GetExecution returns a single execution by id.
// GET /api/executions/{id}
func (h *ArbHandler) GetExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing execution id")
		return
	}
	exec, err := h.arb.GetExecution(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to get execution")
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// Scan runs one detection cycle synchronously and returns its statistics.
// POST /api/arbitrage/scan
func (h *ArbHandler) Scan(w http.ResponseWriter, r *http.Request) {
	h.logger.InfoContext(r.Context(), "manual scan requested")
	stats, err := h.arb.RunCycle(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, err, "scan failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
