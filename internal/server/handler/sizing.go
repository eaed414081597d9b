package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/omenarb/internal/amm"
	"github.com/alanyoungcy/omenarb/internal/service"
)

// SizingService defines the standalone bet sizers.
type SizingService interface {
	Kelly(ctx context.Context, req service.KellyRequest) (service.KellyResult, error)
	MarketMove(ctx context.Context, req service.MarketMoveRequest) (amm.MarketMove, error)
}

// SizingHandler serves the Kelly and market-moving bet calculators.
type SizingHandler struct {
	sizing SizingService
	logger *slog.Logger
}

// NewSizingHandler creates a SizingHandler.
func NewSizingHandler(sizing SizingService, logger *slog.Logger) *SizingHandler {
	return &SizingHandler{sizing: sizing, logger: logHandler(logger, "sizing")}
}

// Kelly sizes a bet with the Kelly criterion.
// POST /api/sizing/kelly
func (h *SizingHandler) Kelly(w http.ResponseWriter, r *http.Request) {
	var req service.KellyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	res, err := h.sizing.Kelly(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "kelly sizing failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// MarketMove solves for the bet that moves a binary pool to a target price.
// POST /api/sizing/market-move
func (h *SizingHandler) MarketMove(w http.ResponseWriter, r *http.Request) {
	var req service.MarketMoveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	res, err := h.sizing.MarketMove(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "market move sizing failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
