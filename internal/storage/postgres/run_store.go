package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/source-validator/internal/store"
)

const (
	defaultRunsTable = "validation_runs"
	defaultListLimit = 100
)

// RunStore implements store.RunRepository on Postgres.
type RunStore struct {
	pool  querier
	table string
}

// NewRunStore builds a RunStore on an existing pool.
func NewRunStore(pool querier, table string) (*RunStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	name, err := tableName(table, defaultRunsTable)
	if err != nil {
		return nil, err
	}
	return &RunStore{pool: pool, table: name}, nil
}

// StartRun inserts a running row or refreshes an existing one.
func (s *RunStore) StartRun(ctx context.Context, runID uuid.UUID, startedAt time.Time, total int) error {
	query := fmt.Sprintf(`
INSERT INTO %s (id, started_at, status, total, completed, invalid, updated_at)
VALUES ($1, $2, $3, $4, 0, 0, $2)
ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, total = EXCLUDED.total`, s.table)
	if _, err := s.pool.Exec(ctx, query, runID, startedAt, string(store.RunRunning), total); err != nil {
		return fmt.Errorf("failed to upsert run start: %w", err)
	}
	return nil
}

// UpdateProgress raises the completed and invalid counters.
func (s *RunStore) UpdateProgress(ctx context.Context, runID uuid.UUID, completed, invalid int, at time.Time) error {
	query := fmt.Sprintf(`
UPDATE %s
SET completed = GREATEST(completed, $1), invalid = GREATEST(invalid, $2), updated_at = $3
WHERE id = $4`, s.table)
	tag, err := s.pool.Exec(ctx, query, completed, invalid, at, runID)
	if err != nil {
		return fmt.Errorf("failed to update run progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// CompleteRun marks a run finished.
func (s *RunStore) CompleteRun(
	ctx context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	invalid int,
) error {
	query := fmt.Sprintf(`
UPDATE %s
SET finished_at = $1, status = $2, invalid = GREATEST(invalid, $3), updated_at = $1
WHERE id = $4`, s.table)
	tag, err := s.pool.Exec(ctx, query, finishedAt, string(status), invalid, runID)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// GetRun retrieves a single run by its ID.
func (s *RunStore) GetRun(ctx context.Context, runID uuid.UUID) (store.Run, error) {
	query := fmt.Sprintf(`
SELECT id, started_at, finished_at, status, total, completed, invalid, updated_at
FROM %s
WHERE id = $1`, s.table)
	run, err := scanRun(s.pool.QueryRow(ctx, query, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs newest first with optional status filtering.
func (s *RunStore) ListRuns(ctx context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}
	var statusArg *string
	if status != nil {
		v := string(*status)
		statusArg = &v
	}
	query := fmt.Sprintf(`
SELECT id, started_at, finished_at, status, total, completed, invalid, updated_at
FROM %s
WHERE ($1::text IS NULL OR status = $1)
ORDER BY started_at DESC
LIMIT $2 OFFSET $3`, s.table)
	rows, err := s.pool.Query(ctx, query, statusArg, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []store.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

func scanRun(row pgx.Row) (store.Run, error) {
	var (
		run    store.Run
		status string
	)
	if err := row.Scan(
		&run.ID,
		&run.StartedAt,
		&run.FinishedAt,
		&status,
		&run.Total,
		&run.Completed,
		&run.Invalid,
		&run.UpdatedAt,
	); err != nil {
		return store.Run{}, err
	}
	run.Status = store.RunStatus(status)
	return run, nil
}
