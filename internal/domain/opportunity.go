package domain

import "time"

// Classification tags the direction of a probability-consistency deviation.
type Classification string

const (
	// Underestimated: probabilities sum below one, complete sets are cheap.
	Underestimated Classification = "underestimated"
	// Overestimated: probabilities sum above one, minting and selling pays.
	Overestimated Classification = "overestimated"
)

// SizeResult is the outcome of a bounded sizing search. Truncated is set when
// the iteration ceiling stopped the search; Sets is then a partial result and
// must not be read as "no further opportunity".
type SizeResult struct {
	Sets       int  `json:"sets"`
	Truncated  bool `json:"truncated"`
	Iterations int  `json:"iterations"`
}

// Found returns a completed search result.
func Found(q, iterations int) SizeResult {
	return SizeResult{Sets: q, Iterations: iterations}
}

// Truncated returns a search result cut short by the iteration ceiling.
func Truncated(q, iterations int) SizeResult {
	return SizeResult{Sets: q, Truncated: true, Iterations: iterations}
}

// Opportunity is a detected and sized complete-set arbitrage.
type Opportunity struct {
	ID             string         `json:"id"`
	MarketID       string         `json:"market_id"`
	Classification Classification `json:"classification"`
	ProbabilitySum float64        `json:"probability_sum"`
	Deviation      float64        `json:"deviation"` // |sum p - 1|
	Size           SizeResult     `json:"size"`
	ExpectedProfit float64        `json:"expected_profit"` // collateral units, hold to resolution
	DetectedAt     time.Time      `json:"detected_at"`
	Executed       bool           `json:"executed"`
}
