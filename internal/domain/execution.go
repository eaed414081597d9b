package domain

import "time"

// ExecutionKind classifies what an execution realised.
type ExecutionKind string

const (
	ExecutionCompleteSet    ExecutionKind = "complete_set"
	ExecutionCorrelatedPair ExecutionKind = "correlated_pair"
)

// ExecStatus is the terminal state of an execution.
type ExecStatus string

const (
	ExecCompleted ExecStatus = "completed" // every leg placed or gated
	ExecPartial   ExecStatus = "partial"   // aborted after some legs committed
	ExecFailed    ExecStatus = "failed"    // aborted before any leg committed
	ExecSkipped   ExecStatus = "skipped"   // nothing placed
)

// LegDecision records the profitability gate applied to one leg.
type LegDecision struct {
	Index          int       `json:"index"`
	Direction      Direction `json:"direction"`
	Outcome        string    `json:"outcome"`
	Amount         float64   `json:"amount"`
	Unit           Unit      `json:"unit"`
	ExpectedProfit float64   `json:"expected_profit"`
	ToleranceCost  float64   `json:"tolerance_cost"`
	Executed       bool      `json:"executed"`
	Reason         string    `json:"reason,omitempty"`
}

// Execution records one sequenced opportunity with its placed trades.
type Execution struct {
	ID             string         `json:"id"`
	OpportunityID  string         `json:"opportunity_id,omitempty"`
	PairID         string         `json:"pair_id,omitempty"`
	Kind           ExecutionKind  `json:"kind"`
	MarketID       string         `json:"market_id"`
	Classification Classification `json:"classification,omitempty"`
	Trades         []PlacedTrade  `json:"trades"`
	Decisions      []LegDecision  `json:"decisions"`
	Committed      int            `json:"committed"`
	Justification  string         `json:"justification"`
	Status         ExecStatus     `json:"status"`
	Error          string         `json:"error,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}
