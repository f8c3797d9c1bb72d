package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// RunStatus mirrors the validation_runs status column.
type RunStatus string

// Run statuses persisted in validation_runs.status.
const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunCancelled RunStatus = "cancelled"
)

// Run models the validation_runs table for API responses.
type Run struct {
	// ID is the run identifier shared with progress events.
	ID uuid.UUID
	// StartedAt captures when the run was first marked running.
	StartedAt time.Time
	// FinishedAt is nil until the run is completed or cancelled.
	FinishedAt *time.Time
	// Status is running/completed/cancelled.
	Status RunStatus
	// Total is the number of sources in the run snapshot.
	Total int
	// Completed counts accounted probes.
	Completed int
	// Invalid counts sources marked invalid by the run.
	Invalid int
	// UpdatedAt is the timestamp of the latest progress write.
	UpdatedAt time.Time
}

// RunRepository persists validation run progress.
type RunRepository interface {
	// StartRun inserts (or idempotently updates) a running row.
	StartRun(ctx context.Context, runID uuid.UUID, startedAt time.Time, total int) error
	// UpdateProgress records the latest accounted counts. Counts never move backwards.
	UpdateProgress(ctx context.Context, runID uuid.UUID, completed, invalid int, at time.Time) error
	// CompleteRun marks the run finished with the provided status.
	CompleteRun(ctx context.Context, runID uuid.UUID, finishedAt time.Time, status RunStatus, invalid int) error
	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (Run, error)
	// ListRuns returns runs filtered by optional status, newest first.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]Run, error)
}
