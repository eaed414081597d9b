package amm

import (
	"math"
	"math/big"
)

// KellyBet returns the bet size, in the collateral's minor unit, that
// maximises expected log-wealth growth when buying the chosen outcome of a
// binary FPMM pool.
//
//	x  pool reserve of the chosen outcome (minor units)
//	y  pool reserve of the other outcome (minor units)
//	p  estimated probability that the chosen outcome wins
//	c  confidence in p, in [0,1]
//	b  bankroll available for the bet (minor units)
//	f  fraction of the bet that reaches the pool, i.e. 1 - fee
//
// The value is the positive root of the closed-form quadratic; it is not
// re-solved numerically. A zero bankroll, a zero denominator (x == y) or a
// non-positive root all yield 0.
func KellyBet(x, y *big.Int, p, c float64, b *big.Int, f float64) *big.Int {
	if b == nil || b.Sign() == 0 || x == nil || y == nil {
		return new(big.Int)
	}
	X, _ := new(big.Float).SetInt(x).Float64()
	Y, _ := new(big.Float).SetInt(y).Float64()
	B, _ := new(big.Float).SetInt(b).Float64()

	k := kellyRoot(X, Y, p, c, B, f)
	if k <= 0 || math.IsNaN(k) || math.IsInf(k, 0) {
		return new(big.Int)
	}
	out, _ := big.NewFloat(k).Int(nil)
	return out
}

// kellyRoot evaluates the closed form. It returns 0 when the denominator is 0.
func kellyRoot(x, y, p, c, b, f float64) float64 {
	pc := p * c
	numerator := -4*x*x*y + b*y*y*pc*f + 2*b*x*y*pc*f + b*x*x*pc*f - 2*b*y*y*f - 2*b*x*y*f +
		math.Sqrt(
			math.Pow(4*x*x*y-b*y*y*pc*f-2*b*x*y*pc*f-b*x*x*pc*f+2*b*y*y*f+2*b*x*y*f, 2)-
				4*(x*x*f-y*y*f)*(-4*b*x*y*y*pc-4*b*x*x*y*pc+4*b*x*y*y),
		)
	denominator := 2 * (x*x*f - y*y*f)
	if denominator == 0 {
		return 0
	}
	return numerator / denominator
}
