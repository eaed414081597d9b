package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/omenarb/internal/domain"
)

// OpportunityStore implements domain.OpportunityStore using PostgreSQL.
type OpportunityStore struct {
	pool *pgxpool.Pool
}

// NewOpportunityStore creates a new OpportunityStore backed by the given pool.
func NewOpportunityStore(pool *pgxpool.Pool) *OpportunityStore {
	return &OpportunityStore{pool: pool}
}

const oppSelectCols = `id::text, market_id, classification, probability_sum, deviation,
	sets, truncated, iterations, expected_profit, detected_at, executed`

// Insert stores a detected opportunity.
func (s *OpportunityStore) Insert(ctx context.Context, opp domain.Opportunity) error {
	const query = `
		INSERT INTO opportunities (
			id, market_id, classification, probability_sum, deviation,
			sets, truncated, iterations, expected_profit, detected_at, executed
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	detectedAt := opp.DetectedAt
	if detectedAt.IsZero() {
		detectedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, query,
		opp.ID, opp.MarketID, string(opp.Classification), opp.ProbabilitySum, opp.Deviation,
		opp.Size.Sets, opp.Size.Truncated, opp.Size.Iterations, opp.ExpectedProfit,
		detectedAt, opp.Executed,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert opportunity %s: %w", opp.ID, err)
	}
	return nil
}

// MarkExecuted flags an opportunity as executed.
func (s *OpportunityStore) MarkExecuted(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE opportunities SET executed = TRUE, executed_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: mark opportunity executed %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListRecent returns the most recent opportunities, newest first.
func (s *OpportunityStore) ListRecent(ctx context.Context, limit int) ([]domain.Opportunity, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+oppSelectCols+` FROM opportunities ORDER BY detected_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent opportunities: %w", err)
	}
	return scanOpportunities(rows)
}

// ListBefore returns every opportunity detected before the cutoff, oldest
// first.
func (s *OpportunityStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Opportunity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+oppSelectCols+` FROM opportunities WHERE detected_at < $1 ORDER BY detected_at`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list opportunities before %s: %w", before.Format(time.RFC3339), err)
	}
	return scanOpportunities(rows)
}

func scanOpportunities(rows pgx.Rows) ([]domain.Opportunity, error) {
	defer rows.Close()
	var opps []domain.Opportunity
	for rows.Next() {
		var (
			opp   domain.Opportunity
			class string
		)
		if err := rows.Scan(
			&opp.ID, &opp.MarketID, &class, &opp.ProbabilitySum, &opp.Deviation,
			&opp.Size.Sets, &opp.Size.Truncated, &opp.Size.Iterations, &opp.ExpectedProfit,
			&opp.DetectedAt, &opp.Executed,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan opportunity: %w", err)
		}
		opp.Classification = domain.Classification(class)
		opps = append(opps, opp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: opportunity rows: %w", err)
	}
	return opps, nil
}

var (
	_ domain.OpportunityStore = (*OpportunityStore)(nil)
	_ domain.ExecutionStore   = (*ExecutionStore)(nil)
	_ domain.PairStore        = (*PairStore)(nil)
	_ domain.AuditStore       = (*AuditStore)(nil)
)
