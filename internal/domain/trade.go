package domain

import "time"

// Direction is the kind of action a trade leg performs.
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
	DirectionMint Direction = "mint"
)

// Unit tags the unit an amount is expressed in.
type Unit string

const (
	UnitCollateral   Unit = "collateral"
	UnitOutcomeToken Unit = "outcome_token"
)

// Trade is a pure trade intent.
type Trade struct {
	MarketID  string    `json:"market_id"`
	Direction Direction `json:"direction"`
	Outcome   string    `json:"outcome,omitempty"` // empty for mint
	Amount    float64   `json:"amount"`
	Unit      Unit      `json:"unit"`
	// Limit is the minimum outcome tokens accepted for a buy, or the expected
	// collateral returned for a sell. Zero means no limit.
	Limit float64 `json:"limit,omitempty"`
}

// PlacedTrade is a Trade accepted by the execution layer. ExecutionID is owned
// by the execution layer; it is stored only for reporting.
type PlacedTrade struct {
	Trade
	ExecutionID string    `json:"execution_id"`
	PlacedAt    time.Time `json:"placed_at"`
}
