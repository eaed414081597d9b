package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/omenarb/internal/domain"
)

// ExecutionStore implements domain.ExecutionStore using PostgreSQL. Leg
// decisions are kept as JSONB on the execution row; placed trades get their
// own table.
type ExecutionStore struct {
	pool *pgxpool.Pool
}

// NewExecutionStore creates a new ExecutionStore.
func NewExecutionStore(pool *pgxpool.Pool) *ExecutionStore {
	return &ExecutionStore{pool: pool}
}

const execSelectCols = `id::text, COALESCE(opportunity_id::text, ''), COALESCE(pair_id, ''), kind, market_id,
	COALESCE(classification, ''), decisions, committed, justification, status,
	COALESCE(error, ''), started_at, completed_at`

// Create inserts an execution and its placed trades in one transaction.
func (s *ExecutionStore) Create(ctx context.Context, exec domain.Execution) error {
	decisions, err := json.Marshal(exec.Decisions)
	if err != nil {
		return fmt.Errorf("postgres: marshal decisions %s: %w", exec.ID, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO executions (
			id, opportunity_id, pair_id, kind, market_id, classification,
			decisions, committed, justification, status, error, started_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		exec.ID, nullIfEmpty(exec.OpportunityID), nullIfEmpty(exec.PairID), string(exec.Kind),
		exec.MarketID, nullIfEmpty(string(exec.Classification)), decisions, exec.Committed,
		exec.Justification, string(exec.Status), nullIfEmpty(exec.Error), exec.StartedAt, exec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert execution %s: %w", exec.ID, err)
	}

	if len(exec.Trades) > 0 {
		batch := &pgx.Batch{}
		for i, t := range exec.Trades {
			batch.Queue(`
				INSERT INTO execution_trades (
					execution_id, seq, market_id, direction, outcome, amount, unit, limit_amount, tx_ref, placed_at
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
				exec.ID, i, t.MarketID, string(t.Direction), nullIfEmpty(t.Outcome),
				t.Amount, string(t.Unit), t.Limit, t.ExecutionID, t.PlacedAt,
			)
		}
		br := tx.SendBatch(ctx, batch)
		for range exec.Trades {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("postgres: insert execution trade %s: %w", exec.ID, err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("postgres: close trade batch %s: %w", exec.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit execution %s: %w", exec.ID, err)
	}
	return nil
}

// GetByID returns one execution with its placed trades.
func (s *ExecutionStore) GetByID(ctx context.Context, id string) (domain.Execution, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+execSelectCols+` FROM executions WHERE id = $1`, id)
	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Execution{}, domain.ErrNotFound
		}
		return domain.Execution{}, fmt.Errorf("postgres: get execution %s: %w", id, err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT market_id, direction, COALESCE(outcome, ''), amount, unit, limit_amount, tx_ref, placed_at
		FROM execution_trades WHERE execution_id = $1 ORDER BY seq`, id)
	if err != nil {
		return domain.Execution{}, fmt.Errorf("postgres: get execution trades %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			t         domain.PlacedTrade
			dir, unit string
		)
		if err := rows.Scan(&t.MarketID, &dir, &t.Outcome, &t.Amount, &unit, &t.Limit, &t.ExecutionID, &t.PlacedAt); err != nil {
			return domain.Execution{}, fmt.Errorf("postgres: scan execution trade: %w", err)
		}
		t.Direction = domain.Direction(dir)
		t.Unit = domain.Unit(unit)
		exec.Trades = append(exec.Trades, t)
	}
	if err := rows.Err(); err != nil {
		return domain.Execution{}, fmt.Errorf("postgres: execution trade rows: %w", err)
	}
	return exec, nil
}

// ListRecent returns the most recent executions without their trades.
func (s *ExecutionStore) ListRecent(ctx context.Context, limit int) ([]domain.Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+execSelectCols+` FROM executions ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions: %w", err)
	}
	return collectExecutions(rows)
}

// ListBefore returns executions started before the cutoff, oldest first.
func (s *ExecutionStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Execution, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+execSelectCols+` FROM executions WHERE started_at < $1 ORDER BY started_at`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions before: %w", err)
	}
	return collectExecutions(rows)
}

func collectExecutions(rows pgx.Rows) ([]domain.Execution, error) {
	defer rows.Close()
	var list []domain.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan execution: %w", err)
		}
		list = append(list, exec)
	}
	return list, rows.Err()
}

func scanExecution(row pgx.Row) (domain.Execution, error) {
	var (
		exec                domain.Execution
		kind, class, status string
		decisions           []byte
		completedAt         *time.Time
	)
	if err := row.Scan(
		&exec.ID, &exec.OpportunityID, &exec.PairID, &kind, &exec.MarketID,
		&class, &decisions, &exec.Committed, &exec.Justification, &status,
		&exec.Error, &exec.StartedAt, &completedAt,
	); err != nil {
		return domain.Execution{}, err
	}
	exec.Kind = domain.ExecutionKind(kind)
	exec.Classification = domain.Classification(class)
	exec.Status = domain.ExecStatus(status)
	exec.CompletedAt = completedAt
	if len(decisions) > 0 {
		if err := json.Unmarshal(decisions, &exec.Decisions); err != nil {
			return domain.Execution{}, fmt.Errorf("unmarshal decisions: %w", err)
		}
	}
	return exec, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
