package arbitrage

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/alanyoungcy/omenarb/internal/domain"
)

// DefaultMaxIterations is the sizing search ceiling. It bounds runtime only;
// hitting it yields a truncated result, not "no opportunity".
const DefaultMaxIterations = 1000

// Sizer finds the largest profitable number of complete sets by stepping one
// set at a time through a PriceImpactOracle.
type Sizer struct {
	oracle   domain.PriceImpactOracle
	maxIters int
	sink     domain.ReportSink
	logger   *slog.Logger
}

// NewSizer creates a sizer. maxIters <= 0 selects DefaultMaxIterations.
func NewSizer(oracle domain.PriceImpactOracle, maxIters int, sink domain.ReportSink, logger *slog.Logger) *Sizer {
	if maxIters <= 0 {
		maxIters = DefaultMaxIterations
	}
	return &Sizer{
		oracle:   oracle,
		maxIters: maxIters,
		sink:     sink,
		logger:   logger.With(slog.String("component", "sizer")),
	}
}

// MaxIterations returns the configured ceiling.
func (s *Sizer) MaxIterations() int { return s.maxIters }

// MaxSetsToBuy returns the largest q such that the fee-adjusted marginal cost
// of the q-th complete set stays below 1-epsilon. Each step spends p_i on
// every outcome; the oracle is queried with the cumulative spend so price
// impact from earlier steps carries over.
func (s *Sizer) MaxSetsToBuy(ctx context.Context, pool domain.Pool, epsilon float64) (domain.SizeResult, error) {
	if err := pool.Validate(); err != nil {
		return domain.SizeResult{}, err
	}
	for _, o := range pool.Outcomes {
		if pool.Probabilities[o] <= 0 || pool.Reserves[o] <= 0 {
			return domain.Found(0, 0), nil
		}
	}

	prev := make([]float64, len(pool.Outcomes))
	for step := 0; step < s.maxIters; step++ {
		if err := ctx.Err(); err != nil {
			return domain.SizeResult{}, err
		}
		var cost float64
		for i, o := range pool.Outcomes {
			p := pool.Probabilities[o]
			tokens, err := s.oracle.SimulateBuy(ctx, pool, o, float64(step+1)*p)
			if err != nil {
				return domain.SizeResult{}, fmt.Errorf("arbitrage: simulate buy %s/%s: %w", pool.MarketID, o, err)
			}
			marginal := tokens - prev[i]
			if marginal <= 0 || math.IsNaN(marginal) {
				return domain.Found(step, step+1), nil
			}
			cost += p / marginal
			prev[i] = tokens
		}
		cost = cost*(1+pool.Fee.Rate) + pool.Fee.Absolute
		if cost >= 1-epsilon {
			return domain.Found(step, step+1), nil
		}
	}
	return s.truncated(ctx, pool, "buy", s.maxIters), nil
}

// MaxSetsToMint returns the largest q such that minting a set at 1.0 and
// selling every outcome token still yields fee-adjusted marginal revenue
// above 1+epsilon.
func (s *Sizer) MaxSetsToMint(ctx context.Context, pool domain.Pool, epsilon float64) (domain.SizeResult, error) {
	if err := pool.Validate(); err != nil {
		return domain.SizeResult{}, err
	}

	prev := make([]float64, len(pool.Outcomes))
	for step := 0; step < s.maxIters; step++ {
		if err := ctx.Err(); err != nil {
			return domain.SizeResult{}, err
		}
		var revenue float64
		for i, o := range pool.Outcomes {
			out, err := s.oracle.SimulateSell(ctx, pool, o, float64(step+1))
			if err != nil {
				return domain.SizeResult{}, fmt.Errorf("arbitrage: simulate sell %s/%s: %w", pool.MarketID, o, err)
			}
			revenue += out - prev[i]
			prev[i] = out
		}
		revenue = revenue*(1-pool.Fee.Rate) - pool.Fee.Absolute
		if revenue <= 1+epsilon || math.IsNaN(revenue) {
			return domain.Found(step, step+1), nil
		}
	}
	return s.truncated(ctx, pool, "mint", s.maxIters), nil
}

// Size runs the search matching the opportunity's classification and fills in
// Size and ExpectedProfit.
func (s *Sizer) Size(ctx context.Context, pool domain.Pool, opp *domain.Opportunity, epsilon float64) error {
	var (
		res domain.SizeResult
		err error
	)
	switch opp.Classification {
	case domain.Underestimated:
		res, err = s.MaxSetsToBuy(ctx, pool, epsilon)
	case domain.Overestimated:
		res, err = s.MaxSetsToMint(ctx, pool, epsilon)
	default:
		return domain.NewPreconditionError(pool.MarketID, "unknown classification %q", opp.Classification)
	}
	if err != nil {
		return err
	}
	opp.Size = res
	profit, err := s.ExpectedProfit(ctx, pool, opp.Classification, res.Sets)
	if err != nil {
		return err
	}
	opp.ExpectedProfit = profit
	return nil
}

// ExpectedProfit estimates the hold-to-resolution profit of q sets: tokens of
// the scarcest outcome minus collateral spent for a buy, sale proceeds minus
// the mint cost for a mint.
func (s *Sizer) ExpectedProfit(ctx context.Context, pool domain.Pool, class domain.Classification, q int) (float64, error) {
	if q <= 0 {
		return 0, nil
	}
	sets := float64(q)
	switch class {
	case domain.Underestimated:
		minTokens := math.Inf(1)
		var spent float64
		for _, o := range pool.Outcomes {
			amount := sets * pool.Probabilities[o]
			tokens, err := s.oracle.SimulateBuy(ctx, pool, o, amount)
			if err != nil {
				return 0, fmt.Errorf("arbitrage: simulate buy %s/%s: %w", pool.MarketID, o, err)
			}
			spent += amount
			minTokens = math.Min(minTokens, tokens)
		}
		return minTokens - spent - pool.Fee.Absolute, nil
	case domain.Overestimated:
		var revenue float64
		for _, o := range pool.Outcomes {
			out, err := s.oracle.SimulateSell(ctx, pool, o, sets)
			if err != nil {
				return 0, fmt.Errorf("arbitrage: simulate sell %s/%s: %w", pool.MarketID, o, err)
			}
			revenue += out
		}
		return revenue - sets - pool.Fee.Absolute, nil
	}
	return 0, nil
}

// roundTrip simulates buying q sets at the proportional shares and selling
// the tokens straight back, returning the net collateral change.
func roundTrip(ctx context.Context, oracle domain.PriceImpactOracle, pool domain.Pool, q int) (float64, error) {
	var net float64
	for _, o := range pool.Outcomes {
		amount := float64(q) * pool.Probabilities[o]
		tokens, err := oracle.SimulateBuy(ctx, pool, o, amount)
		if err != nil {
			return 0, err
		}
		back, err := oracle.SimulateSell(ctx, pool, o, tokens)
		if err != nil {
			return 0, err
		}
		net += back - amount
	}
	return net, nil
}

func (s *Sizer) truncated(ctx context.Context, pool domain.Pool, side string, n int) domain.SizeResult {
	err := fmt.Errorf("%w: %s side stopped after %d iterations", domain.ErrSearchTruncated, side, n)
	s.logger.WarnContext(ctx, "sizing search truncated",
		slog.String("market", pool.MarketID),
		slog.String("side", side),
		slog.Int("partial_sets", n),
	)
	s.sink.Report(ctx, domain.Record{
		Kind:     domain.RecordTruncation,
		MarketID: pool.MarketID,
		Message:  err.Error(),
		Fields: map[string]any{
			"side":         side,
			"partial_sets": n,
			"ceiling":      s.maxIters,
		},
	})
	return domain.Truncated(n, n)
}
