package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/omenarb/internal/arbitrage"
	"github.com/alanyoungcy/omenarb/internal/domain"
)

// PairExecutor places the two buy legs of a correlated-pair plan. Both
// markets are re-checked for openness before every leg because the pair can
// go stale between evaluation and execution.
type PairExecutor struct {
	exec   domain.ExecutionLayer
	status domain.MarketStatusChecker
	oracle domain.PriceImpactOracle
	sink   domain.ReportSink
	cfg    SequencerConfig
	logger *slog.Logger
}

// NewPairExecutor creates a PairExecutor.
func NewPairExecutor(
	exec domain.ExecutionLayer,
	status domain.MarketStatusChecker,
	oracle domain.PriceImpactOracle,
	sink domain.ReportSink,
	cfg SequencerConfig,
	logger *slog.Logger,
) *PairExecutor {
	return &PairExecutor{
		exec:   exec,
		status: status,
		oracle: oracle,
		sink:   sink,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "pair_executor")),
	}
}

// Execute places plan.Yes then plan.No. pools must hold the snapshot of both
// markets. When the balance cannot cover the whole stake, both legs are
// scaled by the same factor so the equal-profit split is kept.
func (p *PairExecutor) Execute(ctx context.Context, plan arbitrage.PairPlan, pools map[string]domain.Pool) (domain.Execution, error) {
	exec := domain.Execution{
		ID:        uuid.New().String(),
		PairID:    plan.PairID,
		Kind:      domain.ExecutionCorrelatedPair,
		MarketID:  plan.Yes.MarketID,
		StartedAt: time.Now().UTC(),
	}
	err := p.run(ctx, &exec, plan, pools)

	now := time.Now().UTC()
	exec.CompletedAt = &now
	switch {
	case err != nil && exec.Committed > 0:
		exec.Status = domain.ExecPartial
	case err != nil:
		exec.Status = domain.ExecFailed
	case exec.Committed == 0:
		exec.Status = domain.ExecSkipped
	default:
		exec.Status = domain.ExecCompleted
	}
	if err != nil {
		exec.Error = err.Error()
	}
	exec.Justification = fmt.Sprintf("correlated pair %s: profit per unit %.4f, YES on %s, NO on %s, %d of 2 legs placed",
		plan.PairID, plan.ProfitPerUnit, plan.Yes.MarketID, plan.No.MarketID, exec.Committed)

	p.sink.Report(ctx, domain.Record{
		Kind:     domain.RecordExecution,
		MarketID: plan.Yes.MarketID,
		Message:  exec.Justification,
		Fields: map[string]any{
			"pair_id":         plan.PairID,
			"profit_per_unit": plan.ProfitPerUnit,
			"committed":       exec.Committed,
			"status":          string(exec.Status),
		},
	})
	return exec, err
}

func (p *PairExecutor) run(ctx context.Context, exec *domain.Execution, plan arbitrage.PairPlan, pools map[string]domain.Pool) error {
	legs := []arbitrage.PairLeg{plan.Yes, plan.No}
	for _, leg := range legs {
		if _, ok := pools[leg.MarketID]; !ok {
			return domain.NewPreconditionError(plan.PairID, "missing snapshot for market %s", leg.MarketID)
		}
	}

	// Both legs usually share a collateral token; scale once against the
	// balance seen before the first leg.
	first := pools[plan.Yes.MarketID]
	balance, err := p.exec.GetBalance(ctx, p.cfg.Account)
	if err != nil {
		return &SequenceError{Leg: 0, Outcome: plan.Yes.Outcome, Direction: domain.DirectionBuy,
			Err: fmt.Errorf("%w: get balance: %w", domain.ErrExecutionFailure, err)}
	}
	if available, total := balance*first.Rate(), plan.Total(); total > 0 && available < total {
		scale := available / total
		p.sink.Report(ctx, domain.Record{
			Kind:     domain.RecordPair,
			MarketID: plan.Yes.MarketID,
			Message:  "pair stake scaled down to available balance",
			Fields:   map[string]any{"pair_id": plan.PairID, "required": total, "available": available, "scale": scale},
		})
		for i := range legs {
			legs[i].Stake *= scale
		}
	}

	for i, leg := range legs {
		if err := ctx.Err(); err != nil {
			return &SequenceError{Leg: i, Outcome: leg.Outcome, Direction: domain.DirectionBuy, Committed: exec.Committed, Err: err}
		}
		if leg.Stake <= 0 {
			exec.Decisions = append(exec.Decisions, domain.LegDecision{
				Index: i, Direction: domain.DirectionBuy, Outcome: leg.Outcome, Unit: domain.UnitCollateral,
				Reason: "zero stake",
			})
			continue
		}
		// Re-validate both markets, not only the one being traded.
		for _, id := range []string{plan.Yes.MarketID, plan.No.MarketID} {
			open, err := p.status.IsOpen(ctx, id)
			if err != nil {
				return &SequenceError{Leg: i, Outcome: leg.Outcome, Direction: domain.DirectionBuy, Committed: exec.Committed,
					Err: fmt.Errorf("%w: market status %s: %w", domain.ErrExecutionFailure, id, err)}
			}
			if !open {
				return &SequenceError{Leg: i, Outcome: leg.Outcome, Direction: domain.DirectionBuy, Committed: exec.Committed,
					Err: fmt.Errorf("%w: %s", domain.ErrMarketClosed, id)}
			}
		}

		pool := pools[leg.MarketID]
		rate := pool.Rate()
		if i > 0 {
			balance, err = p.exec.GetBalance(ctx, p.cfg.Account)
			if err != nil {
				return &SequenceError{Leg: i, Outcome: leg.Outcome, Direction: domain.DirectionBuy, Committed: exec.Committed,
					Err: fmt.Errorf("%w: get balance: %w", domain.ErrExecutionFailure, err)}
			}
			if available := balance * rate; available+balanceEpsilon < leg.Stake {
				return &SequenceError{Leg: i, Outcome: leg.Outcome, Direction: domain.DirectionBuy, Committed: exec.Committed,
					Err: &domain.InsufficientFundsError{Required: leg.Stake, Available: available}}
			}
		}

		tokens, err := p.oracle.SimulateBuy(ctx, pool, leg.Outcome, leg.Stake)
		if err != nil {
			return &SequenceError{Leg: i, Outcome: leg.Outcome, Direction: domain.DirectionBuy, Committed: exec.Committed,
				Err: fmt.Errorf("simulate buy: %w", err)}
		}
		if err := p.exec.EnsureAllowance(ctx, pool.CollateralToken, pool.MarketID, leg.Stake/rate); err != nil {
			return &SequenceError{Leg: i, Outcome: leg.Outcome, Direction: domain.DirectionBuy, Committed: exec.Committed,
				Err: fmt.Errorf("%w: allowance: %w", domain.ErrExecutionFailure, err)}
		}
		trade := domain.Trade{
			MarketID:  leg.MarketID,
			Direction: domain.DirectionBuy,
			Outcome:   leg.Outcome,
			Amount:    leg.Stake / rate,
			Unit:      domain.UnitCollateral,
			Limit:     tokens * (1 - p.cfg.tolerance(leg.Outcome)),
		}
		id, err := p.exec.SubmitTrade(ctx, trade)
		if err != nil {
			return &SequenceError{Leg: i, Outcome: leg.Outcome, Direction: domain.DirectionBuy, Committed: exec.Committed,
				Err: fmt.Errorf("%w: %w", domain.ErrExecutionFailure, err)}
		}
		exec.Trades = append(exec.Trades, domain.PlacedTrade{Trade: trade, ExecutionID: id, PlacedAt: time.Now().UTC()})
		exec.Committed++
		exec.Decisions = append(exec.Decisions, domain.LegDecision{
			Index: i, Direction: domain.DirectionBuy, Outcome: leg.Outcome, Amount: leg.Stake,
			Unit: domain.UnitCollateral, ExpectedProfit: leg.Stake * plan.ProfitPerUnit, Executed: true,
		})
		p.logger.InfoContext(ctx, "pair leg placed",
			slog.String("pair", plan.PairID),
			slog.String("market", leg.MarketID),
			slog.String("outcome", leg.Outcome),
			slog.Float64("stake", leg.Stake),
			slog.String("execution_id", id),
		)
	}
	return nil
}
