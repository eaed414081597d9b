package omen

import (
	"context"
	"fmt"
	"math"
	"math/big"

	"github.com/alanyoungcy/omenarb/internal/domain"
)

// defaultRouterIterations bounds the calcSellAmount bisection. Each step is
// one eth_call.
const defaultRouterIterations = 48

// RouterOracle is a PriceImpactOracle that asks the deployed market maker
// contract instead of evaluating the curve locally. Buys map directly onto
// calcBuyAmount; sells invert calcSellAmount by bisection over the return
// amount.
type RouterOracle struct {
	caller     ContractCaller
	iterations int
}

// NewRouterOracle creates a router oracle. iterations <= 0 selects the
// default.
func NewRouterOracle(caller ContractCaller, iterations int) *RouterOracle {
	if iterations <= 0 {
		iterations = defaultRouterIterations
	}
	return &RouterOracle{caller: caller, iterations: iterations}
}

// SimulateBuy returns the outcome tokens the contract would mint for
// collateralIn collateral units.
func (r *RouterOracle) SimulateBuy(ctx context.Context, pool domain.Pool, outcome string, collateralIn float64) (float64, error) {
	idx, dec, err := routerArgs(pool, outcome)
	if err != nil {
		return 0, err
	}
	if collateralIn <= 0 {
		return 0, nil
	}
	parsed, err := loadABIs()
	if err != nil {
		return 0, err
	}
	investment := domain.ToMinorUnits(collateralIn/pool.Rate(), dec)
	out, err := callUint(ctx, r.caller, pool.MarketID, parsed.fpmm, "calcBuyAmount", investment, big.NewInt(int64(idx)))
	if err != nil {
		return 0, fmt.Errorf("omen: router buy %s/%s: %w", pool.MarketID, outcome, err)
	}
	return domain.FromMinorUnits(out, dec), nil
}

// SimulateSell returns the collateral units received for selling tokensIn.
// A call that reverts means the return amount is beyond what the pool can
// pay, so the search moves down.
func (r *RouterOracle) SimulateSell(ctx context.Context, pool domain.Pool, outcome string, tokensIn float64) (float64, error) {
	idx, dec, err := routerArgs(pool, outcome)
	if err != nil {
		return 0, err
	}
	if tokensIn <= 0 {
		return 0, nil
	}
	parsed, err := loadABIs()
	if err != nil {
		return 0, err
	}
	rate := pool.Rate()

	// A token never redeems for more than one collateral token, and the pool
	// cannot pay more than its smallest opposite reserve.
	hi := tokensIn
	for j, o := range pool.Outcomes {
		if j != idx {
			hi = math.Min(hi, pool.Reserves[o]/rate)
		}
	}
	lo := 0.0
	want := domain.ToMinorUnits(tokensIn, dec)

	var (
		failures int
		lastErr  error
	)
	for i := 0; i < r.iterations; i++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		mid := (lo + hi) / 2
		need, err := callUint(ctx, r.caller, pool.MarketID, parsed.fpmm, "calcSellAmount",
			domain.ToMinorUnits(mid, dec), big.NewInt(int64(idx)))
		if err != nil {
			failures++
			lastErr = err
			hi = mid
			continue
		}
		if need.Cmp(want) > 0 {
			hi = mid
		} else {
			lo = mid
		}
	}
	if failures == r.iterations {
		return 0, fmt.Errorf("omen: router sell %s/%s: %w", pool.MarketID, outcome, lastErr)
	}
	return lo * rate, nil
}

func routerArgs(pool domain.Pool, outcome string) (idx int, dec int32, err error) {
	idx = pool.OutcomeIndex(outcome)
	if idx < 0 {
		return 0, 0, domain.NewPreconditionError(pool.MarketID, "unknown outcome %q", outcome)
	}
	dec = pool.Decimals
	if dec <= 0 {
		dec = domain.DefaultDecimals
	}
	return idx, dec, nil
}

var _ domain.PriceImpactOracle = (*RouterOracle)(nil)
