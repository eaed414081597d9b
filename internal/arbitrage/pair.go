package arbitrage

import (
	"errors"
	"math"
	"strings"

	"github.com/alanyoungcy/omenarb/internal/domain"
)

// ErrUnsupportedCorrelation is returned for pairs whose correlation judgment
// the model cannot act on. Only near-perfect positive correlation is handled.
var ErrUnsupportedCorrelation = errors.New("arbitrage: correlation not actionable")

// PairLeg is one side of a correlated-pair trade.
type PairLeg struct {
	MarketID string  `json:"market_id"`
	Outcome  string  `json:"outcome"`
	Price    float64 `json:"price"`
	Stake    float64 `json:"stake"` // collateral units
}

// PairPlan is the evaluated pair: profit per staked unit plus the two
// equal-profit legs.
type PairPlan struct {
	PairID        string  `json:"pair_id"`
	ProfitPerUnit float64 `json:"profit_per_unit"`
	Yes           PairLeg `json:"yes"`
	No            PairLeg `json:"no"`
}

// Total returns the combined stake of both legs.
func (p PairPlan) Total() float64 { return p.Yes.Stake + p.No.Stake }

// QuoteFromPool returns the YES/NO view of a binary pool. The first outcome is
// YES.
func QuoteFromPool(pool domain.Pool) (domain.PairQuote, error) {
	if err := pool.Validate(); err != nil {
		return domain.PairQuote{}, err
	}
	if !pool.IsBinary() {
		return domain.PairQuote{}, domain.NewPreconditionError(pool.MarketID, "pair markets must be binary, got %d outcomes", len(pool.Outcomes))
	}
	yes, no := pool.Outcomes[0], pool.Outcomes[1]
	return domain.PairQuote{
		MarketID: pool.MarketID,
		PYes:     pool.Probabilities[yes],
		PNo:      pool.Probabilities[no],
		YesLabel: yes,
		NoLabel:  no,
	}, nil
}

// SameMarket reports whether two identifiers refer to the same market.
// Contract addresses compare case-insensitively.
func SameMarket(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// ProfitPerUnit returns 1/(min p_yes + min p_no) - 1, or 0 when the
// denominator is 0.
func ProfitPerUnit(main, related domain.PairQuote) float64 {
	denom := math.Min(main.PYes, related.PYes) + math.Min(main.PNo, related.PNo)
	if denom <= 0 {
		return 0
	}
	return 1/denom - 1
}

// Split divides total so that aYes/pYes == aNo/pNo. A zero price sum returns
// no allocation.
func Split(total, pYes, pNo float64) (aYes, aNo float64) {
	if pYes+pNo <= 0 || total <= 0 {
		return 0, 0
	}
	aYes = total * pYes / (pYes + pNo)
	return aYes, total - aYes
}

// EvaluatePair validates the pair and computes its plan. YES is bought on the
// market with the lower p_yes (main on ties) and NO on the other.
func EvaluatePair(pair domain.CorrelatedPair, main, related domain.PairQuote, total float64) (PairPlan, error) {
	if SameMarket(pair.MainID, pair.RelatedID) || SameMarket(main.MarketID, related.MarketID) {
		return PairPlan{}, domain.NewPreconditionError(pair.ID, "main and related reference the same market %s", pair.MainID)
	}
	if !pair.Correlation.Actionable() {
		return PairPlan{}, &UnsupportedCorrelationError{PairID: pair.ID, Correlation: pair.Correlation}
	}

	yesQ, noQ := main, related
	if related.PYes < main.PYes {
		yesQ, noQ = related, main
	}
	aYes, aNo := Split(total, yesQ.PYes, noQ.PNo)
	return PairPlan{
		PairID:        pair.ID,
		ProfitPerUnit: ProfitPerUnit(main, related),
		Yes:           PairLeg{MarketID: yesQ.MarketID, Outcome: yesQ.YesLabel, Price: yesQ.PYes, Stake: aYes},
		No:            PairLeg{MarketID: noQ.MarketID, Outcome: noQ.NoLabel, Price: noQ.PNo, Stake: aNo},
	}, nil
}

// UnsupportedCorrelationError carries the judgment that was rejected.
type UnsupportedCorrelationError struct {
	PairID      string
	Correlation domain.Correlation
}

func (e *UnsupportedCorrelationError) Error() string {
	return ErrUnsupportedCorrelation.Error() + ": pair " + e.PairID + ": " + e.Correlation.String()
}

func (e *UnsupportedCorrelationError) Unwrap() error { return ErrUnsupportedCorrelation }
