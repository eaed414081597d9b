package domain

import (
	"fmt"
	"time"
)

// CorrelationKind is the judgment attached to a market pair.
type CorrelationKind string

const (
	Uncorrelated        CorrelationKind = "uncorrelated"
	NearPerfectPositive CorrelationKind = "near_perfect_positive"
	NearPerfectNegative CorrelationKind = "near_perfect_negative"
	Unsupported         CorrelationKind = "unsupported"
)

// Correlation is a tagged variant. Raw is only meaningful for Unsupported and
// keeps the upstream value that could not be classified.
type Correlation struct {
	Kind CorrelationKind `json:"kind"`
	Raw  string          `json:"raw,omitempty"`
}

// ParseCorrelation maps an upstream label onto the variant. Unknown labels
// become Unsupported and keep the raw text.
func ParseCorrelation(s string) Correlation {
	switch CorrelationKind(s) {
	case Uncorrelated, NearPerfectPositive, NearPerfectNegative:
		return Correlation{Kind: CorrelationKind(s)}
	default:
		return Correlation{Kind: Unsupported, Raw: s}
	}
}

func (c Correlation) String() string {
	if c.Kind == Unsupported {
		return fmt.Sprintf("%s(%s)", c.Kind, c.Raw)
	}
	return string(c.Kind)
}

// Actionable reports whether the pair model can act on this judgment. Only
// near-perfect positive correlation is supported.
func (c Correlation) Actionable() bool { return c.Kind == NearPerfectPositive }

// CorrelatedPair links two markets believed to resolve together.
type CorrelatedPair struct {
	ID          string      `json:"id"`
	MainID      string      `json:"main_market_id"`
	RelatedID   string      `json:"related_market_id"`
	Correlation Correlation `json:"correlation"`
	Rationale   string      `json:"rationale"`
	Enabled     bool        `json:"enabled"`
	CreatedAt   time.Time   `json:"created_at"`
}

// PairQuote is the binary YES/NO view of one market used by the pair model.
type PairQuote struct {
	MarketID string  `json:"market_id"`
	PYes     float64 `json:"p_yes"`
	PNo      float64 `json:"p_no"`
	YesLabel string  `json:"yes_label"`
	NoLabel  string  `json:"no_label"`
}
