// Package amm holds the closed-form fixed product market maker math and the
// standalone bet sizers that work directly on pool invariants.
package amm

import (
	"context"
	"math"

	"github.com/alanyoungcy/omenarb/internal/domain"
)

// sellSearchIterations bounds the bisection that inverts CalcSellAmount.
const sellSearchIterations = 200

// CalcBuyAmount returns the outcome tokens received for investing
// investment collateral into outcome idx, mirroring the FPMM contract's
// calcBuyAmount for any number of outcomes.
func CalcBuyAmount(reserves []float64, idx int, investment, fee float64) float64 {
	if idx < 0 || idx >= len(reserves) || investment <= 0 {
		return 0
	}
	inv := investment * (1 - fee)
	ending := reserves[idx]
	for j, r := range reserves {
		if j == idx {
			continue
		}
		if r+inv == 0 {
			return 0
		}
		ending = ending * r / (r + inv)
	}
	out := reserves[idx] + inv - ending
	if out < 0 || math.IsNaN(out) {
		return 0
	}
	return out
}

// CalcSellAmount returns the outcome tokens that must be sold into outcome
// idx to receive returnAmount collateral, mirroring calcSellAmount. ok is
// false when the pool cannot pay out that much.
func CalcSellAmount(reserves []float64, idx int, returnAmount, fee float64) (tokens float64, ok bool) {
	if idx < 0 || idx >= len(reserves) || fee >= 1 {
		return 0, false
	}
	if returnAmount <= 0 {
		return 0, true
	}
	plusFees := returnAmount / (1 - fee)
	ending := reserves[idx]
	for j, r := range reserves {
		if j == idx {
			continue
		}
		if r <= plusFees {
			return math.Inf(1), false
		}
		ending = ending * r / (r - plusFees)
	}
	return plusFees + ending - reserves[idx], true
}

// SellReturn inverts CalcSellAmount: it returns the collateral received for
// selling tokens of outcome idx. CalcSellAmount is strictly increasing in the
// return amount, so a bisection over [0, max payout) converges.
func SellReturn(reserves []float64, idx int, tokens, fee float64) float64 {
	if idx < 0 || idx >= len(reserves) || tokens <= 0 || fee >= 1 {
		return 0
	}
	minOther := math.Inf(1)
	for j, r := range reserves {
		if j != idx && r < minOther {
			minOther = r
		}
	}
	if math.IsInf(minOther, 1) || minOther <= 0 {
		return 0
	}

	lo, hi := 0.0, minOther*(1-fee)
	for i := 0; i < sellSearchIterations; i++ {
		mid := (lo + hi) / 2
		need, ok := CalcSellAmount(reserves, idx, mid, fee)
		if !ok || need > tokens {
			hi = mid
		} else {
			lo = mid
		}
		if hi-lo <= 1e-15*hi {
			break
		}
	}
	return lo
}

// ImpliedProbabilities returns the marginal outcome prices implied by the
// reserves: p_i is proportional to the product of every other reserve.
func ImpliedProbabilities(reserves []float64) []float64 {
	out := make([]float64, len(reserves))
	weights := make([]float64, len(reserves))
	var total float64
	for i := range reserves {
		w := 1.0
		for j, r := range reserves {
			if j != i {
				w *= r
			}
		}
		weights[i] = w
		total += w
	}
	if total == 0 {
		return out
	}
	for i, w := range weights {
		out[i] = w / total
	}
	return out
}

// FPMM is a PriceImpactOracle evaluating the closed-form FPMM curve against
// the reserves in the snapshot.
type FPMM struct{}

// NewFPMM creates a closed-form FPMM oracle.
func NewFPMM() *FPMM { return &FPMM{} }

// SimulateBuy returns tokens received for collateralIn.
func (FPMM) SimulateBuy(_ context.Context, pool domain.Pool, outcome string, collateralIn float64) (float64, error) {
	idx := pool.OutcomeIndex(outcome)
	if idx < 0 {
		return 0, domain.NewPreconditionError(pool.MarketID, "unknown outcome %q", outcome)
	}
	return CalcBuyAmount(pool.ReserveSlice(), idx, collateralIn, pool.Fee.Rate), nil
}

// SimulateSell returns collateral received for tokensIn.
func (FPMM) SimulateSell(_ context.Context, pool domain.Pool, outcome string, tokensIn float64) (float64, error) {
	idx := pool.OutcomeIndex(outcome)
	if idx < 0 {
		return 0, domain.NewPreconditionError(pool.MarketID, "unknown outcome %q", outcome)
	}
	return SellReturn(pool.ReserveSlice(), idx, tokensIn, pool.Fee.Rate), nil
}

// Linear is a zero-impact PriceImpactOracle that trades at the snapshot's
// probabilities with no fee. The sizer charges fees on top, so Linear sizing
// counts the fee once. It is used for dry runs and as a reference point for
// impact-aware oracles.
type Linear struct{}

// NewLinear creates a zero-impact oracle.
func NewLinear() *Linear { return &Linear{} }

// SimulateBuy returns collateralIn/price tokens.
func (Linear) SimulateBuy(_ context.Context, pool domain.Pool, outcome string, collateralIn float64) (float64, error) {
	price, ok := pool.Probabilities[outcome]
	if !ok {
		return 0, domain.NewPreconditionError(pool.MarketID, "unknown outcome %q", outcome)
	}
	if price <= 0 || collateralIn <= 0 {
		return 0, nil
	}
	return collateralIn / price, nil
}

// SimulateSell returns tokensIn*price collateral.
func (Linear) SimulateSell(_ context.Context, pool domain.Pool, outcome string, tokensIn float64) (float64, error) {
	price, ok := pool.Probabilities[outcome]
	if !ok {
		return 0, domain.NewPreconditionError(pool.MarketID, "unknown outcome %q", outcome)
	}
	if tokensIn <= 0 {
		return 0, nil
	}
	return tokensIn * price, nil
}

var (
	_ domain.PriceImpactOracle = FPMM{}
	_ domain.PriceImpactOracle = Linear{}
)

// errNotBinary is returned by solvers that only support two-outcome pools.
func errNotBinary(pool domain.Pool) error {
	return domain.NewPreconditionError(pool.MarketID, "expected 2 outcomes, got %d", len(pool.Outcomes))
}

// NewBinaryPool builds a Yes/No pool from raw reserves in collateral units,
// deriving probabilities from the reserves.
func NewBinaryPool(marketID string, yes, no, fee float64) domain.Pool {
	probs := ImpliedProbabilities([]float64{yes, no})
	return domain.Pool{
		MarketID:      marketID,
		Outcomes:      []string{"Yes", "No"},
		Reserves:      map[string]float64{"Yes": yes, "No": no},
		Probabilities: map[string]float64{"Yes": probs[0], "No": probs[1]},
		Fee:           domain.Fee{Rate: fee},
		Open:          true,
	}
}
