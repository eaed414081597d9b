package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// OpportunityStore persists detected opportunity history.
type OpportunityStore interface {
	Insert(ctx context.Context, opp Opportunity) error
	MarkExecuted(ctx context.Context, id string) error
	ListRecent(ctx context.Context, limit int) ([]Opportunity, error)
	ListBefore(ctx context.Context, before time.Time) ([]Opportunity, error)
}

// ExecutionStore persists executions and their placed trades.
type ExecutionStore interface {
	Create(ctx context.Context, exec Execution) error
	GetByID(ctx context.Context, id string) (Execution, error)
	ListRecent(ctx context.Context, limit int) ([]Execution, error)
	ListBefore(ctx context.Context, before time.Time) ([]Execution, error)
}

// PairStore persists correlated market pairs.
type PairStore interface {
	Create(ctx context.Context, pair CorrelatedPair) error
	GetByID(ctx context.Context, id string) (CorrelatedPair, error)
	ListEnabled(ctx context.Context) ([]CorrelatedPair, error)
	List(ctx context.Context) ([]CorrelatedPair, error)
	SetEnabled(ctx context.Context, id string, enabled bool) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
