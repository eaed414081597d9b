package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/omenarb/internal/domain"
)

// SequenceError reports an aborted leg sequence: which leg failed, what it
// was doing, and how many legs had already been committed. Committed legs
// are never rolled back.
type SequenceError struct {
	Leg       int
	Outcome   string
	Direction domain.Direction
	Committed int
	Err       error
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("sequence aborted at leg %d (%s %s) after %d committed: %v",
		e.Leg, e.Direction, e.Outcome, e.Committed, e.Err)
}

func (e *SequenceError) Unwrap() error { return e.Err }

// SequencerConfig holds the account and tolerance settings of a Sequencer.
type SequencerConfig struct {
	Account string
	// ConditionalTokens is the ERC-1155 contract that mints complete sets and
	// holds outcome tokens.
	ConditionalTokens string
	// SlippageTolerance is the default fraction of a leg's basis that its
	// expected profit must exceed.
	SlippageTolerance float64
	// OutcomeTolerance overrides SlippageTolerance per outcome label.
	OutcomeTolerance map[string]float64
}

// balanceEpsilon absorbs float drift when a balance exactly covers a leg.
const balanceEpsilon = 1e-9

func (c SequencerConfig) tolerance(outcome string) float64 {
	if t, ok := c.OutcomeTolerance[outcome]; ok {
		return t
	}
	return c.SlippageTolerance
}

// Sequencer executes a sized opportunity as strictly ordered legs:
// buy-then-sell for underestimated pools, mint-then-sell for overestimated.
type Sequencer struct {
	exec   domain.ExecutionLayer
	oracle domain.PriceImpactOracle
	sink   domain.ReportSink
	cfg    SequencerConfig
	logger *slog.Logger
}

// NewSequencer creates a Sequencer.
func NewSequencer(exec domain.ExecutionLayer, oracle domain.PriceImpactOracle, sink domain.ReportSink, cfg SequencerConfig, logger *slog.Logger) *Sequencer {
	return &Sequencer{
		exec:   exec,
		oracle: oracle,
		sink:   sink,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "sequencer")),
	}
}

// run is the mutable state of one Execute call.
type run struct {
	pool  domain.Pool
	exec  domain.Execution
	total int
}

// Execute places the legs for opp against pool. The returned Execution is
// always populated, including when an error aborts the sequence.
func (s *Sequencer) Execute(ctx context.Context, pool domain.Pool, opp domain.Opportunity) (domain.Execution, error) {
	r := &run{
		pool: pool,
		exec: domain.Execution{
			ID:             uuid.New().String(),
			OpportunityID:  opp.ID,
			Kind:           domain.ExecutionCompleteSet,
			MarketID:       pool.MarketID,
			Classification: opp.Classification,
			StartedAt:      time.Now().UTC(),
		},
	}

	var err error
	switch {
	case opp.Size.Sets <= 0:
		r.exec.Justification = "nothing to trade: zero sets"
	case opp.Classification == domain.Underestimated:
		err = s.buyThenSell(ctx, r, opp.Size.Sets)
	case opp.Classification == domain.Overestimated:
		err = s.mintThenSell(ctx, r, opp.Size.Sets)
	default:
		err = domain.NewPreconditionError(pool.MarketID, "unknown classification %q", opp.Classification)
	}

	s.finish(ctx, r, opp, err)
	return r.exec, err
}

func (s *Sequencer) buyThenSell(ctx context.Context, r *run, q int) error {
	pool := r.pool
	sum := pool.ProbabilitySum()
	rate := pool.Rate()
	r.total = 2 * len(pool.Outcomes)

	amounts := make(map[string]float64, len(pool.Outcomes))
	var remaining float64
	for _, o := range pool.Outcomes {
		amounts[o] = float64(q) * pool.Probabilities[o]
		remaining += amounts[o]
	}

	// The balance must cover every buy still to come. A shortfall before
	// the first buy skips the whole side; after a committed buy it aborts.
	bought := make(map[string]float64, len(pool.Outcomes))
	for _, o := range pool.Outcomes {
		leg := len(r.exec.Decisions)
		amount := amounts[o]
		if err := ctx.Err(); err != nil {
			return s.abort(r, leg, o, domain.DirectionBuy, err)
		}

		balance, err := s.exec.GetBalance(ctx, s.cfg.Account)
		if err != nil {
			return s.abort(r, leg, o, domain.DirectionBuy, fmt.Errorf("%w: get balance: %w", domain.ErrExecutionFailure, err))
		}
		if available := balance * rate; available+balanceEpsilon < remaining {
			short := &domain.InsufficientFundsError{Required: remaining, Available: available}
			if r.exec.Committed > 0 {
				return s.abort(r, leg, o, domain.DirectionBuy, short)
			}
			s.decide(ctx, r, domain.LegDecision{
				Index: leg, Direction: domain.DirectionBuy, Amount: remaining, Unit: domain.UnitCollateral,
				Reason: short.Error(),
			})
			return nil
		}
		remaining -= amount

		tokens, err := s.oracle.SimulateBuy(ctx, pool, o, amount)
		if err != nil {
			return s.abort(r, leg, o, domain.DirectionBuy, fmt.Errorf("simulate buy: %w", err))
		}
		fair := fairPrice(pool, o, sum)
		tol := s.cfg.tolerance(o)
		dec := domain.LegDecision{
			Index:          leg,
			Direction:      domain.DirectionBuy,
			Outcome:        o,
			Amount:         amount,
			Unit:           domain.UnitCollateral,
			ExpectedProfit: tokens*fair - amount,
			ToleranceCost:  amount * tol,
		}
		if dec.ExpectedProfit <= dec.ToleranceCost {
			dec.Reason = "expected profit does not exceed slippage tolerance"
			s.decide(ctx, r, dec)
			continue
		}

		minTokens := tokens * (1 - tol)
		if err := s.exec.EnsureAllowance(ctx, pool.CollateralToken, pool.MarketID, amount/rate); err != nil {
			return s.abort(r, leg, o, domain.DirectionBuy, fmt.Errorf("%w: allowance: %w", domain.ErrExecutionFailure, err))
		}
		trade := domain.Trade{
			MarketID:  pool.MarketID,
			Direction: domain.DirectionBuy,
			Outcome:   o,
			Amount:    amount / rate,
			Unit:      domain.UnitCollateral,
			Limit:     minTokens,
		}
		if err := s.submit(ctx, r, trade, dec); err != nil {
			return s.abort(r, leg, o, domain.DirectionBuy, err)
		}
		bought[o] = tokens
	}

	for _, o := range pool.Outcomes {
		tokens, ok := bought[o]
		if !ok {
			s.decide(ctx, r, domain.LegDecision{
				Index: len(r.exec.Decisions), Direction: domain.DirectionSell, Outcome: o, Unit: domain.UnitOutcomeToken,
				Reason: "no tokens bought for this outcome",
			})
			continue
		}
		if err := s.sellLeg(ctx, r, o, tokens, sum); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sequencer) mintThenSell(ctx context.Context, r *run, q int) error {
	pool := r.pool
	sum := pool.ProbabilitySum()
	rate := pool.Rate()
	r.total = 1 + len(pool.Outcomes)

	if err := ctx.Err(); err != nil {
		return s.abort(r, 0, "", domain.DirectionMint, err)
	}
	balance, err := s.exec.GetBalance(ctx, s.cfg.Account)
	if err != nil {
		return s.abort(r, 0, "", domain.DirectionMint, fmt.Errorf("%w: get balance: %w", domain.ErrExecutionFailure, err))
	}
	required := float64(q)
	if available := balance * rate; available+balanceEpsilon < required {
		scaled := int(math.Floor(available + balanceEpsilon))
		s.sink.Report(ctx, domain.Record{
			Kind:     domain.RecordLegDecision,
			MarketID: pool.MarketID,
			Message:  "mint scaled down to available balance",
			Fields: map[string]any{
				"requested_sets": q,
				"scaled_sets":    scaled,
				"required":       required,
				"available":      available,
			},
		})
		if scaled <= 0 {
			short := &domain.InsufficientFundsError{Required: required, Available: available}
			s.decide(ctx, r, domain.LegDecision{
				Index: 0, Direction: domain.DirectionMint, Amount: required, Unit: domain.UnitCollateral,
				Reason: short.Error(),
			})
			return nil
		}
		q = scaled
	}

	sets := float64(q)
	if err := s.exec.EnsureAllowance(ctx, pool.CollateralToken, s.cfg.ConditionalTokens, sets/rate); err != nil {
		return s.abort(r, 0, "", domain.DirectionMint, fmt.Errorf("%w: allowance: %w", domain.ErrExecutionFailure, err))
	}
	mint := domain.Trade{
		MarketID:  pool.MarketID,
		Direction: domain.DirectionMint,
		Amount:    sets / rate,
		Unit:      domain.UnitCollateral,
	}
	dec := domain.LegDecision{Index: 0, Direction: domain.DirectionMint, Amount: sets, Unit: domain.UnitCollateral}
	if err := s.submit(ctx, r, mint, dec); err != nil {
		return s.abort(r, 0, "", domain.DirectionMint, err)
	}

	for _, o := range pool.Outcomes {
		if err := s.sellLeg(ctx, r, o, sets, sum); err != nil {
			return err
		}
	}
	return nil
}

// sellLeg gates and places the sale of tokens of outcome o. Tokens are valued
// at their share of a complete set, p_i / sum(p).
func (s *Sequencer) sellLeg(ctx context.Context, r *run, o string, tokens, sum float64) error {
	pool := r.pool
	leg := len(r.exec.Decisions)
	if err := ctx.Err(); err != nil {
		return s.abort(r, leg, o, domain.DirectionSell, err)
	}

	out, err := s.oracle.SimulateSell(ctx, pool, o, tokens)
	if err != nil {
		return s.abort(r, leg, o, domain.DirectionSell, fmt.Errorf("simulate sell: %w", err))
	}
	basis := tokens * fairPrice(pool, o, sum)
	dec := domain.LegDecision{
		Index:          leg,
		Direction:      domain.DirectionSell,
		Outcome:        o,
		Amount:         tokens,
		Unit:           domain.UnitOutcomeToken,
		ExpectedProfit: out - basis,
		ToleranceCost:  basis * s.cfg.tolerance(o),
	}
	if dec.ExpectedProfit <= dec.ToleranceCost {
		dec.Reason = "expected profit does not exceed slippage tolerance"
		s.decide(ctx, r, dec)
		return nil
	}

	if err := s.exec.EnsureAllowance(ctx, s.cfg.ConditionalTokens, pool.MarketID, tokens); err != nil {
		return s.abort(r, leg, o, domain.DirectionSell, fmt.Errorf("%w: allowance: %w", domain.ErrExecutionFailure, err))
	}
	trade := domain.Trade{
		MarketID:  pool.MarketID,
		Direction: domain.DirectionSell,
		Outcome:   o,
		Amount:    tokens,
		Unit:      domain.UnitOutcomeToken,
		Limit:     out / pool.Rate(),
	}
	if err := s.submit(ctx, r, trade, dec); err != nil {
		return s.abort(r, leg, o, domain.DirectionSell, err)
	}
	return nil
}

func (s *Sequencer) submit(ctx context.Context, r *run, trade domain.Trade, dec domain.LegDecision) error {
	id, err := s.exec.SubmitTrade(ctx, trade)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrExecutionFailure, err)
	}
	r.exec.Trades = append(r.exec.Trades, domain.PlacedTrade{
		Trade:       trade,
		ExecutionID: id,
		PlacedAt:    time.Now().UTC(),
	})
	r.exec.Committed++
	dec.Executed = true
	s.decide(ctx, r, dec)
	return nil
}

func (s *Sequencer) decide(ctx context.Context, r *run, dec domain.LegDecision) {
	r.exec.Decisions = append(r.exec.Decisions, dec)
	msg := "leg placed"
	if !dec.Executed {
		msg = "leg skipped"
		s.logger.InfoContext(ctx, msg,
			slog.String("market", r.pool.MarketID),
			slog.Int("leg", dec.Index),
			slog.String("direction", string(dec.Direction)),
			slog.String("outcome", dec.Outcome),
			slog.Float64("expected_profit", dec.ExpectedProfit),
			slog.Float64("tolerance_cost", dec.ToleranceCost),
			slog.String("reason", dec.Reason),
		)
	}
	s.sink.Report(ctx, domain.Record{
		Kind:     domain.RecordLegDecision,
		MarketID: r.pool.MarketID,
		Message:  msg,
		Fields: map[string]any{
			"leg":             dec.Index,
			"direction":       string(dec.Direction),
			"outcome":         dec.Outcome,
			"amount":          dec.Amount,
			"unit":            string(dec.Unit),
			"expected_profit": dec.ExpectedProfit,
			"tolerance_cost":  dec.ToleranceCost,
			"executed":        dec.Executed,
			"reason":          dec.Reason,
		},
	})
}

func (s *Sequencer) abort(r *run, leg int, outcome string, dir domain.Direction, err error) error {
	return &SequenceError{
		Leg:       leg,
		Outcome:   outcome,
		Direction: dir,
		Committed: r.exec.Committed,
		Err:       err,
	}
}

func (s *Sequencer) finish(ctx context.Context, r *run, opp domain.Opportunity, err error) {
	now := time.Now().UTC()
	r.exec.CompletedAt = &now
	switch {
	case err != nil && r.exec.Committed > 0:
		r.exec.Status = domain.ExecPartial
	case err != nil:
		r.exec.Status = domain.ExecFailed
	case r.exec.Committed == 0:
		r.exec.Status = domain.ExecSkipped
	default:
		r.exec.Status = domain.ExecCompleted
	}
	if err != nil {
		r.exec.Error = err.Error()
	}
	if r.exec.Justification == "" {
		r.exec.Justification = fmt.Sprintf("%s market: deviation %.4f, %d of %d legs placed",
			opp.Classification, opp.Deviation, r.exec.Committed, r.total)
	}

	fields := map[string]any{
		"classification": string(opp.Classification),
		"deviation":      opp.Deviation,
		"sets":           opp.Size.Sets,
		"committed":      r.exec.Committed,
		"status":         string(r.exec.Status),
	}
	if err != nil {
		fields["error"] = err.Error()
		var seqErr *SequenceError
		if errors.As(err, &seqErr) {
			fields["failed_leg"] = seqErr.Leg
		}
	}
	s.sink.Report(ctx, domain.Record{
		Kind:     domain.RecordExecution,
		MarketID: r.pool.MarketID,
		Message:  r.exec.Justification,
		Fields:   fields,
	})
}

// fairPrice is the share of one complete set attributable to outcome o.
func fairPrice(pool domain.Pool, o string, sum float64) float64 {
	if sum <= 0 {
		return 0
	}
	return pool.Probabilities[o] / sum
}
