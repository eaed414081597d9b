package amm

import (
	"errors"
	"fmt"
	"math"

	"github.com/alanyoungcy/omenarb/internal/domain"
)

// ErrInvariantViolated is returned when a simulated trade does not preserve
// the constant-product invariant.
var ErrInvariantViolated = errors.New("amm: constant product invariant violated")

// MarketMoveConfig bounds the market-moving search.
type MarketMoveConfig struct {
	MaxIterations      int
	Tolerance          float64 // absolute price tolerance
	InvariantTolerance float64 // relative tolerance on reserve product
	BracketMultiple    float64 // upper bound as a multiple of total reserves
}

// DefaultMarketMoveConfig returns the reference search bounds.
func DefaultMarketMoveConfig() MarketMoveConfig {
	return MarketMoveConfig{
		MaxIterations:      100,
		Tolerance:          0.01,
		InvariantTolerance: 1e-9,
		BracketMultiple:    100,
	}
}

// MarketMove is the bet that moves a binary pool's YES price to a target.
type MarketMove struct {
	Outcome    string  `json:"outcome"`
	Amount     float64 `json:"amount"` // collateral units
	StartPrice float64 `json:"start_price"`
	FinalPrice float64 `json:"final_price"`
	Target     float64 `json:"target"`
	Iterations int     `json:"iterations"`
	Converged  bool    `json:"converged"`
}

// MarketMovingBet binary-searches the bet amount that moves the YES price of
// a two-outcome pool to target within cfg.Tolerance. The first outcome is
// treated as YES. The fee is taken from the bet before it reaches the pool.
// Zero liquidity yields a zero-size result.
func MarketMovingBet(pool domain.Pool, target float64, cfg MarketMoveConfig) (MarketMove, error) {
	if !pool.IsBinary() {
		return MarketMove{}, errNotBinary(pool)
	}
	if err := pool.Validate(); err != nil {
		return MarketMove{}, err
	}
	if target <= 0 || target >= 1 || math.IsNaN(target) {
		return MarketMove{}, domain.NewPreconditionError(pool.MarketID, "target price %.4f outside (0,1)", target)
	}
	def := DefaultMarketMoveConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = def.Tolerance
	}
	if cfg.InvariantTolerance <= 0 {
		cfg.InvariantTolerance = def.InvariantTolerance
	}
	if cfg.BracketMultiple <= 0 {
		cfg.BracketMultiple = def.BracketMultiple
	}

	yesLabel, noLabel := pool.Outcomes[0], pool.Outcomes[1]
	yes, no := pool.Reserves[yesLabel], pool.Reserves[noLabel]
	move := MarketMove{Target: target}
	if yes <= 0 || no <= 0 {
		return move, nil
	}

	k := yes * no
	price := no / (yes + no)
	move.StartPrice = price
	move.FinalPrice = price
	if math.Abs(target-price) < cfg.Tolerance {
		move.Converged = true
		return move, nil
	}

	buyYes := target > price
	move.Outcome = noLabel
	if buyYes {
		move.Outcome = yesLabel
	}

	lo, hi := 0.0, cfg.BracketMultiple*(yes+no)
	for i := 0; i < cfg.MaxIterations; i++ {
		bet := (lo + hi) / 2
		added := bet * (1 - pool.Fee.Rate)
		out := tokensOut(yes, no, added, k, buyYes)
		newYes, newNo := settle(yes, no, added, out, buyYes)
		if err := checkInvariant(k, newYes, newNo, cfg.InvariantTolerance); err != nil {
			return move, fmt.Errorf("amm: market move %s: %w", pool.MarketID, err)
		}

		newPrice := newNo / (newYes + newNo)
		move.Amount = bet
		move.FinalPrice = newPrice
		move.Iterations = i + 1
		if math.Abs(target-newPrice) < cfg.Tolerance {
			move.Converged = true
			return move, nil
		}

		if newPrice > target {
			if buyYes {
				hi = bet
			} else {
				lo = bet
			}
		} else {
			if buyYes {
				lo = bet
			} else {
				hi = bet
			}
		}
	}
	return move, nil
}

// tokensOut is the number of bought-side tokens the pool releases once added
// collateral has been split into both reserves.
func tokensOut(yes, no, added, k float64, buyYes bool) float64 {
	y, n := yes+added, no+added
	if buyYes {
		return (y*n - k) / n
	}
	return (y*n - k) / y
}

// settle returns the reserves after added collateral is split into both
// sides and out tokens leave the bought side.
func settle(yes, no, added, out float64, buyYes bool) (float64, float64) {
	y, n := yes+added, no+added
	if buyYes {
		return y - out, n
	}
	return y, n - out
}

// checkInvariant verifies the reserve product against k within a relative
// tolerance.
func checkInvariant(k, yes, no, tol float64) error {
	if yes <= 0 || no <= 0 || math.Abs(yes*no-k) > tol*k {
		return fmt.Errorf("%w (before=%g after=%g)", ErrInvariantViolated, k, yes*no)
	}
	return nil
}
