package domain

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// DefaultDecimals is the token precision used by xDAI/wxDAI collateral.
const DefaultDecimals int32 = 18

// ToMinorUnits converts an amount in whole collateral units into the token's
// smallest unit (wei for 18 decimals), truncating any remainder.
func ToMinorUnits(amount float64, decimals int32) *big.Int {
	if amount <= 0 {
		return big.NewInt(0)
	}
	return decimal.NewFromFloat(amount).Shift(decimals).Truncate(0).BigInt()
}

// FromMinorUnits converts an integer amount in the token's smallest unit into
// whole collateral units.
func FromMinorUnits(amount *big.Int, decimals int32) float64 {
	if amount == nil {
		return 0
	}
	f, _ := decimal.NewFromBigInt(amount, -decimals).Float64()
	return f
}

// ParseMinorUnits parses a base-10 integer string (as returned by subgraphs)
// and converts it into whole collateral units.
func ParseMinorUnits(s string, decimals int32) (float64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	f, _ := d.Shift(-decimals).Float64()
	return f, nil
}
