package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/alanyoungcy/omenarb/internal/amm"
	"github.com/alanyoungcy/omenarb/internal/domain"
)

// KellyRequest asks for a Kelly bet on one outcome of a binary pool. Either
// MarketID or both reserves must be set; amounts are in collateral units.
type KellyRequest struct {
	MarketID      string   `json:"market_id,omitempty"`
	Outcome       string   `json:"outcome"`
	Probability   float64  `json:"probability"`
	Confidence    float64  `json:"confidence"`
	Bankroll      float64  `json:"bankroll"`
	ReserveChosen float64  `json:"reserve_chosen,omitempty"`
	ReserveOther  float64  `json:"reserve_other,omitempty"`
	Fee           *float64 `json:"fee,omitempty"`
}

// KellyResult is the sized bet in both minor and collateral units.
type KellyResult struct {
	MarketID string  `json:"market_id,omitempty"`
	Outcome  string  `json:"outcome"`
	BetMinor string  `json:"bet_minor"`
	Bet      float64 `json:"bet"`
}

// MarketMoveRequest asks for the bet that moves a binary pool's YES price to
// Target. Either MarketID or both reserves must be set.
type MarketMoveRequest struct {
	MarketID   string   `json:"market_id,omitempty"`
	Target     float64  `json:"target"`
	ReserveYes float64  `json:"reserve_yes,omitempty"`
	ReserveNo  float64  `json:"reserve_no,omitempty"`
	Fee        *float64 `json:"fee,omitempty"`
}

// SizingService exposes the standalone bet sizers on live or caller-provided
// pools.
type SizingService struct {
	pools    *PoolService
	decimals int32
	mm       amm.MarketMoveConfig
	logger   *slog.Logger
}

// NewSizingService creates a SizingService. pools may be nil, in which case
// requests must carry reserves.
func NewSizingService(pools *PoolService, decimals int32, mm amm.MarketMoveConfig, logger *slog.Logger) *SizingService {
	if decimals <= 0 {
		decimals = domain.DefaultDecimals
	}
	return &SizingService{
		pools:    pools,
		decimals: decimals,
		mm:       mm,
		logger:   logger.With(slog.String("component", "sizing_service")),
	}
}

// Kelly sizes a bet with the closed-form Kelly criterion.
func (s *SizingService) Kelly(ctx context.Context, req KellyRequest) (KellyResult, error) {
	if req.Probability < 0 || req.Probability > 1 || math.IsNaN(req.Probability) {
		return KellyResult{}, domain.NewPreconditionError("kelly", "probability %v outside [0,1]", req.Probability)
	}
	if req.Confidence < 0 || req.Confidence > 1 || math.IsNaN(req.Confidence) {
		return KellyResult{}, domain.NewPreconditionError("kelly", "confidence %v outside [0,1]", req.Confidence)
	}
	if req.Bankroll < 0 {
		return KellyResult{}, domain.NewPreconditionError("kelly", "negative bankroll")
	}

	x, y, fee := req.ReserveChosen, req.ReserveOther, 0.0
	if req.Fee != nil {
		fee = *req.Fee
	}
	decimals := s.decimals
	if req.MarketID != "" {
		pool, err := s.binaryPool(ctx, req.MarketID)
		if err != nil {
			return KellyResult{}, err
		}
		idx := pool.OutcomeIndex(req.Outcome)
		if idx < 0 {
			return KellyResult{}, domain.NewPreconditionError(pool.MarketID, "unknown outcome %q", req.Outcome)
		}
		x = pool.Reserves[pool.Outcomes[idx]]
		y = pool.Reserves[pool.Outcomes[1-idx]]
		if req.Fee == nil {
			fee = pool.Fee.Rate
		}
		if pool.Decimals > 0 {
			decimals = pool.Decimals
		}
	}
	if fee < 0 || fee >= 1 {
		return KellyResult{}, domain.NewPreconditionError("kelly", "fee %v outside [0,1)", fee)
	}

	bet := amm.KellyBet(
		domain.ToMinorUnits(x, decimals),
		domain.ToMinorUnits(y, decimals),
		req.Probability,
		req.Confidence,
		domain.ToMinorUnits(req.Bankroll, decimals),
		1-fee,
	)
	res := KellyResult{
		MarketID: req.MarketID,
		Outcome:  req.Outcome,
		BetMinor: bet.String(),
		Bet:      domain.FromMinorUnits(bet, decimals),
	}
	s.logger.DebugContext(ctx, "kelly bet sized",
		slog.String("market", req.MarketID),
		slog.String("outcome", req.Outcome),
		slog.Float64("bet", res.Bet),
	)
	return res, nil
}

// MarketMove solves for the bet that moves the YES price to req.Target.
func (s *SizingService) MarketMove(ctx context.Context, req MarketMoveRequest) (amm.MarketMove, error) {
	var pool domain.Pool
	if req.MarketID != "" {
		p, err := s.binaryPool(ctx, req.MarketID)
		if err != nil {
			return amm.MarketMove{}, err
		}
		pool = p
		if req.Fee != nil {
			pool = pool.Clone()
			pool.Fee.Rate = *req.Fee
		}
	} else {
		fee := 0.0
		if req.Fee != nil {
			fee = *req.Fee
		}
		pool = amm.NewBinaryPool("request", req.ReserveYes, req.ReserveNo, fee)
	}
	move, err := amm.MarketMovingBet(pool, req.Target, s.mm)
	if err != nil {
		return amm.MarketMove{}, fmt.Errorf("sizing_service: market move: %w", err)
	}
	return move, nil
}

func (s *SizingService) binaryPool(ctx context.Context, marketID string) (domain.Pool, error) {
	if s.pools == nil {
		return domain.Pool{}, domain.NewPreconditionError(marketID, "no snapshot provider configured; pass reserves instead")
	}
	pool, err := s.pools.GetPool(ctx, marketID)
	if err != nil {
		return domain.Pool{}, err
	}
	if !pool.IsBinary() {
		return domain.Pool{}, domain.NewPreconditionError(marketID, "expected 2 outcomes, got %d", len(pool.Outcomes))
	}
	return pool, nil
}
