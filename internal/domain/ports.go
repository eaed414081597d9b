package domain

import "context"

// SnapshotProvider supplies consistent pool snapshots.
type SnapshotProvider interface {
	GetPoolSnapshot(ctx context.Context, marketID string) (Pool, error)
	GetMarkets(ctx context.Context, filter MarketFilter) ([]string, error)
}

// MarketStatusChecker reports whether a market still accepts trades.
type MarketStatusChecker interface {
	IsOpen(ctx context.Context, marketID string) (bool, error)
}

// PriceImpactOracle simulates trades against a pool without touching chain
// state. Amounts are in collateral units and outcome tokens.
type PriceImpactOracle interface {
	SimulateBuy(ctx context.Context, pool Pool, outcome string, collateralIn float64) (tokensOut float64, err error)
	SimulateSell(ctx context.Context, pool Pool, outcome string, tokensIn float64) (collateralOut float64, err error)
}

// ExecutionLayer submits trades and exposes account state. Retries and
// backoff are its own responsibility.
type ExecutionLayer interface {
	SubmitTrade(ctx context.Context, trade Trade) (executionID string, err error)
	GetBalance(ctx context.Context, account string) (float64, error)
	EnsureAllowance(ctx context.Context, token, spender string, amount float64) error
}

// RecordKind names the structured records emitted by the engine.
type RecordKind string

const (
	RecordOpportunity  RecordKind = "opportunity"
	RecordLegDecision  RecordKind = "leg_decision"
	RecordTruncation   RecordKind = "truncation"
	RecordPrecondition RecordKind = "precondition"
	RecordExecution    RecordKind = "execution"
	RecordPair         RecordKind = "pair"
)

// Record is a structured report entry. Fields holds kind-specific values such
// as classification, deviation, expected profit and tolerance cost.
type Record struct {
	Kind     RecordKind     `json:"kind"`
	MarketID string         `json:"market_id"`
	Message  string         `json:"message"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// ReportSink consumes engine records.
type ReportSink interface {
	Report(ctx context.Context, rec Record)
}
