package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/omenarb/internal/domain"
)

// PairStore implements domain.PairStore using PostgreSQL.
type PairStore struct {
	pool *pgxpool.Pool
}

// NewPairStore creates a new PairStore.
func NewPairStore(pool *pgxpool.Pool) *PairStore {
	return &PairStore{pool: pool}
}

const pairSelectCols = `id::text, main_market_id, related_market_id, correlation,
	COALESCE(correlation_raw, ''), rationale, enabled, created_at`

// Create inserts a pair. A pair over the same two markets already present
// yields domain.ErrAlreadyExists.
func (s *PairStore) Create(ctx context.Context, p domain.CorrelatedPair) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO correlated_pairs (
			id, main_market_id, related_market_id, correlation, correlation_raw, rationale, enabled, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.MainID, p.RelatedID, string(p.Correlation.Kind), nullIfEmpty(p.Correlation.Raw),
		p.Rationale, p.Enabled, p.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("postgres: create pair %s: %w", p.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create pair %s: %w", p.ID, err)
	}
	return nil
}

// GetByID returns a pair by id.
func (s *PairStore) GetByID(ctx context.Context, id string) (domain.CorrelatedPair, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pairSelectCols+` FROM correlated_pairs WHERE id = $1`, id)
	if err != nil {
		return domain.CorrelatedPair{}, fmt.Errorf("postgres: get pair %s: %w", id, err)
	}
	pairs, err := scanPairs(rows)
	if err != nil {
		return domain.CorrelatedPair{}, err
	}
	if len(pairs) == 0 {
		return domain.CorrelatedPair{}, domain.ErrNotFound
	}
	return pairs[0], nil
}

// ListEnabled returns the pairs the pair cycle should evaluate.
func (s *PairStore) ListEnabled(ctx context.Context) ([]domain.CorrelatedPair, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pairSelectCols+` FROM correlated_pairs WHERE enabled ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list enabled pairs: %w", err)
	}
	return scanPairs(rows)
}

// List returns every pair.
func (s *PairStore) List(ctx context.Context) ([]domain.CorrelatedPair, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pairSelectCols+` FROM correlated_pairs ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pairs: %w", err)
	}
	return scanPairs(rows)
}

// SetEnabled toggles a pair.
func (s *PairStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE correlated_pairs SET enabled = $2 WHERE id = $1`, id, enabled)
	if err != nil {
		return fmt.Errorf("postgres: set pair enabled %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func scanPairs(rows pgx.Rows) ([]domain.CorrelatedPair, error) {
	defer rows.Close()
	var list []domain.CorrelatedPair
	for rows.Next() {
		var (
			p         domain.CorrelatedPair
			kind, raw string
		)
		if err := rows.Scan(&p.ID, &p.MainID, &p.RelatedID, &kind, &raw, &p.Rationale, &p.Enabled, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan pair: %w", err)
		}
		p.Correlation = domain.Correlation{Kind: domain.CorrelationKind(kind), Raw: raw}
		list = append(list, p)
	}
	return list, rows.Err()
}
