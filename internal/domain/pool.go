package domain

import (
	"math"
	"time"
)

// Fee is the fee schedule of a pool: a proportional rate in [0,1] plus an
// optional absolute fee in collateral units.
type Fee struct {
	Rate     float64 `json:"rate"`
	Absolute float64 `json:"absolute"`
}

// Pool is a read-only snapshot of one market's outcome-token reserves,
// per-outcome probabilities and fee schedule. A Pool is built fresh for each
// evaluation and must not be mutated while a sizing computation uses it.
type Pool struct {
	MarketID        string             `json:"market_id"`
	Title           string             `json:"title"`
	Outcomes        []string           `json:"outcomes"`
	Reserves        map[string]float64 `json:"reserves"`
	Probabilities   map[string]float64 `json:"probabilities"`
	Fee             Fee                `json:"fee"`
	CollateralRate  float64            `json:"collateral_rate"` // collateral units per collateral token held
	CollateralToken string             `json:"collateral_token"`
	ConditionID     string             `json:"condition_id"`
	Decimals        int32              `json:"decimals"`
	Open            bool               `json:"open"`
	FetchedAt       time.Time          `json:"fetched_at"`
}

// Validate checks that the outcome set is non-empty and unique and that every
// outcome has both a reserve and a probability within range.
func (p Pool) Validate() error {
	if len(p.Outcomes) == 0 {
		return NewPreconditionError(p.MarketID, "pool has no outcomes")
	}
	seen := make(map[string]bool, len(p.Outcomes))
	for _, o := range p.Outcomes {
		if seen[o] {
			return NewPreconditionError(p.MarketID, "duplicate outcome %q", o)
		}
		seen[o] = true

		r, ok := p.Reserves[o]
		if !ok {
			return NewPreconditionError(p.MarketID, "missing reserve for outcome %q", o)
		}
		if r < 0 || math.IsNaN(r) {
			return NewPreconditionError(p.MarketID, "negative reserve %.6f for outcome %q", r, o)
		}
		pr, ok := p.Probabilities[o]
		if !ok {
			return NewPreconditionError(p.MarketID, "missing probability for outcome %q", o)
		}
		if pr < 0 || pr > 1 || math.IsNaN(pr) {
			return NewPreconditionError(p.MarketID, "probability %.6f out of range for outcome %q", pr, o)
		}
	}
	if len(p.Reserves) != len(p.Outcomes) || len(p.Probabilities) != len(p.Outcomes) {
		return NewPreconditionError(p.MarketID, "reserves/probabilities reference unknown outcomes")
	}
	if p.Fee.Rate < 0 || p.Fee.Rate >= 1 || p.Fee.Absolute < 0 {
		return NewPreconditionError(p.MarketID, "invalid fee schedule rate=%.6f absolute=%.6f", p.Fee.Rate, p.Fee.Absolute)
	}
	return nil
}

// ProbabilitySum returns the sum of all outcome probabilities.
func (p Pool) ProbabilitySum() float64 {
	var s float64
	for _, o := range p.Outcomes {
		s += p.Probabilities[o]
	}
	return s
}

// Rate returns the collateral exchange rate, defaulting to 1.
func (p Pool) Rate() float64 {
	if p.CollateralRate <= 0 {
		return 1
	}
	return p.CollateralRate
}

// IsBinary reports whether the pool has exactly two outcomes.
func (p Pool) IsBinary() bool { return len(p.Outcomes) == 2 }

// OutcomeIndex returns the position of outcome in the outcome set, or -1.
func (p Pool) OutcomeIndex(outcome string) int {
	for i, o := range p.Outcomes {
		if o == outcome {
			return i
		}
	}
	return -1
}

// ReserveSlice returns reserves ordered like Outcomes.
func (p Pool) ReserveSlice() []float64 {
	out := make([]float64, len(p.Outcomes))
	for i, o := range p.Outcomes {
		out[i] = p.Reserves[o]
	}
	return out
}

// Clone returns a deep copy so callers can derive what-if pools without
// touching the snapshot.
func (p Pool) Clone() Pool {
	out := p
	out.Outcomes = append([]string(nil), p.Outcomes...)
	out.Reserves = make(map[string]float64, len(p.Reserves))
	for k, v := range p.Reserves {
		out.Reserves[k] = v
	}
	out.Probabilities = make(map[string]float64, len(p.Probabilities))
	for k, v := range p.Probabilities {
		out.Probabilities[k] = v
	}
	return out
}

// MarketFilter narrows the markets returned by a SnapshotProvider.
type MarketFilter struct {
	MinLiquidity float64
	MaxOutcomes  int
	Collateral   string
	Limit        int
	OpenOnly     bool
}
