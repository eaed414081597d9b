// Package arbitrage detects probability-consistency deviations in AMM pools
// and sizes the complete-set and correlated-pair trades that capture them.
package arbitrage

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/alanyoungcy/omenarb/internal/domain"
)

// Detect classifies the pool's probability sum against 1 +/- epsilon. It
// returns ok=false when the sum is within tolerance. Pools missing a reserve
// or probability for any outcome yield a precondition error.
func Detect(pool domain.Pool, epsilon float64) (domain.Opportunity, bool, error) {
	if err := pool.Validate(); err != nil {
		return domain.Opportunity{}, false, err
	}
	if epsilon < 0 || math.IsNaN(epsilon) {
		return domain.Opportunity{}, false, domain.NewPreconditionError(pool.MarketID, "invalid epsilon %v", epsilon)
	}

	sum := pool.ProbabilitySum()
	opp := domain.Opportunity{
		MarketID:       pool.MarketID,
		ProbabilitySum: sum,
		Deviation:      math.Abs(sum - 1),
		DetectedAt:     time.Now().UTC(),
	}
	switch {
	case sum > 1+epsilon:
		opp.Classification = domain.Overestimated
	case sum < 1-epsilon:
		opp.Classification = domain.Underestimated
	default:
		return domain.Opportunity{}, false, nil
	}
	return opp, true, nil
}

// Detector wraps Detect with reporting: every classification and every
// skipped market is emitted as a record.
type Detector struct {
	epsilon float64
	sink    domain.ReportSink
	logger  *slog.Logger
}

// NewDetector creates a detector with the given tolerance.
func NewDetector(epsilon float64, sink domain.ReportSink, logger *slog.Logger) *Detector {
	return &Detector{
		epsilon: epsilon,
		sink:    sink,
		logger:  logger.With(slog.String("component", "arb_detector")),
	}
}

// Epsilon returns the configured tolerance.
func (d *Detector) Epsilon() float64 { return d.epsilon }

// Inspect runs Detect and reports the result. A precondition violation is
// reported and returned so the caller can skip the market.
func (d *Detector) Inspect(ctx context.Context, pool domain.Pool) (domain.Opportunity, bool, error) {
	opp, ok, err := Detect(pool, d.epsilon)
	if err != nil {
		d.sink.Report(ctx, domain.Record{
			Kind:     domain.RecordPrecondition,
			MarketID: pool.MarketID,
			Message:  err.Error(),
		})
		return domain.Opportunity{}, false, fmt.Errorf("arbitrage: detect %s: %w", pool.MarketID, err)
	}
	if !ok {
		d.logger.DebugContext(ctx, "no deviation",
			slog.String("market", pool.MarketID),
			slog.Float64("sum", pool.ProbabilitySum()),
		)
		return opp, false, nil
	}

	d.sink.Report(ctx, domain.Record{
		Kind:     domain.RecordOpportunity,
		MarketID: pool.MarketID,
		Message:  fmt.Sprintf("%s probability mass", opp.Classification),
		Fields: map[string]any{
			"classification":  string(opp.Classification),
			"deviation":       opp.Deviation,
			"probability_sum": opp.ProbabilitySum,
			"epsilon":         d.epsilon,
		},
	})
	return opp, true, nil
}
