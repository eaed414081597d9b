package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/omenarb/internal/arbitrage"
	"github.com/alanyoungcy/omenarb/internal/domain"
	"github.com/alanyoungcy/omenarb/internal/service"
)

// PairService defines the methods that the pair handler requires.
type PairService interface {
	Create(ctx context.Context, mainID, relatedID, correlation, rationale string) (domain.CorrelatedPair, error)
	List(ctx context.Context) ([]domain.CorrelatedPair, error)
	Get(ctx context.Context, id string) (domain.CorrelatedPair, error)
	Evaluate(ctx context.Context, pair domain.CorrelatedPair) (arbitrage.PairPlan, map[string]domain.Pool, error)
	Disable(ctx context.Context, id string) error
	RunCycle(ctx context.Context) (service.PairStats, error)
}

// PairHandler serves correlated-pair endpoints.
type PairHandler struct {
	pairs  PairService
	logger *slog.Logger
}

// NewPairHandler creates a PairHandler.
func NewPairHandler(pairs PairService, logger *slog.Logger) *PairHandler {
	return &PairHandler{pairs: pairs, logger: logHandler(logger, "pairs")}
}

// createPairRequest is the body of POST /api/pairs.
type createPairRequest struct {
	MainID      string `json:"main_market_id"`
	RelatedID   string `json:"related_market_id"`
	Correlation string `json:"correlation"`
	Rationale   string `json:"rationale"`
}

// ListPairs returns every registered pair.
// GET /api/pairs
func (h *PairHandler) ListPairs(w http.ResponseWriter, r *http.Request) {
	pairs, err := h.pairs.List(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to list pairs")
		return
	}
	if pairs == nil {
		pairs = []domain.CorrelatedPair{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pairs": pairs})
}

// CreatePair registers a pair. Self-pairs are rejected with 422.
// POST /api/pairs
func (h *PairHandler) CreatePair(w http.ResponseWriter, r *http.Request) {
	var req createPairRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	pair, err := h.pairs.Create(r.Context(), req.MainID, req.RelatedID, req.Correlation, req.Rationale)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to create pair")
		return
	}
	writeJSON(w, http.StatusCreated, pair)
}

// EvaluatePair runs the pair model on live snapshots without trading.
// GET /api/pairs/{id}/plan
func (h *PairHandler) EvaluatePair(w http.ResponseWriter, r *http.Request) {
	pair, err := h.pairs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to get pair")
		return
	}
	plan, _, err := h.pairs.Evaluate(r.Context(), pair)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to evaluate pair")
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// DisablePair stops a pair from being evaluated.
// DELETE /api/pairs/{id}
func (h *PairHandler) DisablePair(w http.ResponseWriter, r *http.Request) {
	if err := h.pairs.Disable(r.Context(), r.PathValue("id")); err != nil {
		writeServiceError(w, r, h.logger, err, "failed to disable pair")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RunPairs evaluates every enabled pair once.
// POST /api/pairs/run
func (h *PairHandler) RunPairs(w http.ResponseWriter, r *http.Request) {
	stats, err := h.pairs.RunCycle(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, err, "pair cycle failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
