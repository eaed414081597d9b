package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/omenarb/internal/arbitrage"
	"github.com/alanyoungcy/omenarb/internal/domain"
)

// PairConfig holds the correlated-pair parameters.
type PairConfig struct {
	StakePerPair     float64
	MinProfitPerUnit float64
	Interval         time.Duration
	AutoExecute      bool
}

// PairPlacer executes an evaluated pair plan.
type PairPlacer interface {
	Execute(ctx context.Context, plan arbitrage.PairPlan, pools map[string]domain.Pool) (domain.Execution, error)
}

// PairStats summarises one pair cycle.
type PairStats struct {
	Pairs      int `json:"pairs"`
	Rejected   int `json:"rejected"`
	Actionable int `json:"actionable"`
	Executed   int `json:"executed"`
}

// PairService manages registered correlated pairs and evaluates them with
// the pair model.
type PairService struct {
	pairs  domain.PairStore
	pools  *PoolService
	placer PairPlacer
	arb    *ArbService
	sink   domain.ReportSink
	bus    domain.SignalBus
	cfg    PairConfig
	logger *slog.Logger
}

// NewPairService creates a PairService. placer and arb may be nil when
// execution is disabled.
func NewPairService(
	pairs domain.PairStore,
	pools *PoolService,
	placer PairPlacer,
	arb *ArbService,
	sink domain.ReportSink,
	bus domain.SignalBus,
	cfg PairConfig,
	logger *slog.Logger,
) *PairService {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &PairService{
		pairs:  pairs,
		pools:  pools,
		placer: placer,
		arb:    arb,
		sink:   sink,
		bus:    bus,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "pair_service")),
	}
}

// Create registers a pair. Self-pairs are rejected before anything is stored.
func (s *PairService) Create(ctx context.Context, mainID, relatedID, correlation, rationale string) (domain.CorrelatedPair, error) {
	mainID, relatedID = strings.TrimSpace(mainID), strings.TrimSpace(relatedID)
	if mainID == "" || relatedID == "" {
		return domain.CorrelatedPair{}, domain.NewPreconditionError("pair", "main and related market ids are required")
	}
	if arbitrage.SameMarket(mainID, relatedID) {
		return domain.CorrelatedPair{}, domain.NewPreconditionError(mainID, "a market cannot be paired with itself")
	}
	pair := domain.CorrelatedPair{
		ID:          uuid.New().String(),
		MainID:      mainID,
		RelatedID:   relatedID,
		Correlation: domain.ParseCorrelation(correlation),
		Rationale:   rationale,
		Enabled:     true,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.pairs.Create(ctx, pair); err != nil {
		return domain.CorrelatedPair{}, fmt.Errorf("pair_service: create: %w", err)
	}
	s.logger.InfoContext(ctx, "pair registered",
		slog.String("pair_id", pair.ID),
		slog.String("main", mainID),
		slog.String("related", relatedID),
		slog.String("correlation", pair.Correlation.String()),
	)
	return pair, nil
}

// List returns every registered pair.
func (s *PairService) List(ctx context.Context) ([]domain.CorrelatedPair, error) {
	pairs, err := s.pairs.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("pair_service: list: %w", err)
	}
	return pairs, nil
}

// Get returns one registered pair.
func (s *PairService) Get(ctx context.Context, id string) (domain.CorrelatedPair, error) {
	pair, err := s.pairs.GetByID(ctx, id)
	if err != nil {
		return domain.CorrelatedPair{}, fmt.Errorf("pair_service: get %q: %w", id, err)
	}
	return pair, nil
}

// Evaluate fetches both snapshots and runs the pair model. The returned pools
// are the snapshots the plan was computed from.
func (s *PairService) Evaluate(ctx context.Context, pair domain.CorrelatedPair) (arbitrage.PairPlan, map[string]domain.Pool, error) {
	if arbitrage.SameMarket(pair.MainID, pair.RelatedID) {
		return arbitrage.PairPlan{}, nil, domain.NewPreconditionError(pair.ID, "main and related reference the same market %s", pair.MainID)
	}
	pools := make(map[string]domain.Pool, 2)
	quotes := make([]domain.PairQuote, 0, 2)
	for _, id := range []string{pair.MainID, pair.RelatedID} {
		p, err := s.pools.GetPool(ctx, id)
		if err != nil {
			return arbitrage.PairPlan{}, nil, err
		}
		q, err := arbitrage.QuoteFromPool(p)
		if err != nil {
			return arbitrage.PairPlan{}, nil, err
		}
		pools[id] = p
		quotes = append(quotes, q)
	}
	plan, err := arbitrage.EvaluatePair(pair, quotes[0], quotes[1], s.cfg.StakePerPair)
	if err != nil {
		return arbitrage.PairPlan{}, nil, err
	}
	return plan, pools, nil
}

// Run evaluates all enabled pairs every cfg.Interval until ctx is cancelled.
func (s *PairService) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		if stats, err := s.RunCycle(ctx); err != nil && ctx.Err() == nil {
			s.logger.ErrorContext(ctx, "pair cycle failed", slog.String("error", err.Error()))
		} else if err == nil {
			s.logger.InfoContext(ctx, "pair cycle complete",
				slog.Int("pairs", stats.Pairs),
				slog.Int("actionable", stats.Actionable),
				slog.Int("executed", stats.Executed),
			)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunCycle evaluates every enabled pair once.
func (s *PairService) RunCycle(ctx context.Context) (PairStats, error) {
	pairs, err := s.pairs.ListEnabled(ctx)
	if err != nil {
		return PairStats{}, fmt.Errorf("pair_service: list enabled: %w", err)
	}
	stats := PairStats{Pairs: len(pairs)}
	for _, pair := range pairs {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		plan, pools, err := s.Evaluate(ctx, pair)
		if err != nil {
			stats.Rejected++
			s.reportSkip(ctx, pair, err)
			continue
		}
		s.sink.Report(ctx, domain.Record{
			Kind:     domain.RecordPair,
			MarketID: pair.MainID,
			Message:  "pair evaluated",
			Fields: map[string]any{
				"pair_id":         pair.ID,
				"profit_per_unit": plan.ProfitPerUnit,
				"yes_market":      plan.Yes.MarketID,
				"no_market":       plan.No.MarketID,
				"yes_stake":       plan.Yes.Stake,
				"no_stake":        plan.No.Stake,
			},
		})
		if plan.ProfitPerUnit <= s.cfg.MinProfitPerUnit {
			continue
		}
		stats.Actionable++
		if s.bus != nil {
			payload, _ := json.Marshal(map[string]any{
				"event":           "pair_actionable",
				"pair_id":         pair.ID,
				"profit_per_unit": plan.ProfitPerUnit,
				"yes":             plan.Yes,
				"no":              plan.No,
			})
			if pubErr := s.bus.Publish(ctx, ChannelPairs, payload); pubErr != nil {
				s.logger.WarnContext(ctx, "publish pair failed", slog.String("error", pubErr.Error()))
			}
		}

		if !s.cfg.AutoExecute || s.placer == nil {
			continue
		}
		exec, err := s.placer.Execute(ctx, plan, pools)
		if s.arb != nil {
			if recErr := s.arb.RecordExecution(ctx, exec); recErr != nil {
				s.logger.WarnContext(ctx, "record pair execution failed", slog.String("error", recErr.Error()))
			}
		}
		if err != nil {
			s.logger.ErrorContext(ctx, "pair execution aborted",
				slog.String("pair_id", pair.ID),
				slog.Int("committed", exec.Committed),
				slog.String("error", err.Error()),
			)
			continue
		}
		if exec.Committed > 0 {
			stats.Executed++
		}
	}
	return stats, nil
}

// Disable turns a pair off.
func (s *PairService) Disable(ctx context.Context, id string) error {
	if err := s.pairs.SetEnabled(ctx, id, false); err != nil {
		return fmt.Errorf("pair_service: disable %q: %w", id, err)
	}
	return nil
}

func (s *PairService) reportSkip(ctx context.Context, pair domain.CorrelatedPair, err error) {
	reason := "evaluation failed"
	switch {
	case errors.Is(err, domain.ErrPreconditionViolation):
		reason = "precondition violation"
	case errors.Is(err, arbitrage.ErrUnsupportedCorrelation):
		reason = "unsupported correlation"
	}
	s.sink.Report(ctx, domain.Record{
		Kind:     domain.RecordPair,
		MarketID: pair.MainID,
		Message:  "pair skipped: " + reason,
		Fields: map[string]any{
			"pair_id":     pair.ID,
			"related":     pair.RelatedID,
			"correlation": pair.Correlation.String(),
			"error":       err.Error(),
		},
	})
}
