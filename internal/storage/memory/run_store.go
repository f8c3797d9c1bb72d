package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/source-validator/internal/store"
)

// RunStore provides an in-memory store.RunRepository.
type RunStore struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]store.Run
}

// NewRunStore constructs a RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[uuid.UUID]store.Run)}
}

// StartRun inserts a running row, keeping existing counters on repeat calls.
func (s *RunStore) StartRun(_ context.Context, runID uuid.UUID, startedAt time.Time, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		run = store.Run{ID: runID, StartedAt: startedAt}
	}
	run.Status = store.RunRunning
	run.Total = total
	run.UpdatedAt = startedAt
	s.runs[runID] = run
	return nil
}

// UpdateProgress records the latest counts; stale updates are ignored.
func (s *RunStore) UpdateProgress(_ context.Context, runID uuid.UUID, completed, invalid int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	if completed > run.Completed {
		run.Completed = completed
	}
	if invalid > run.Invalid {
		run.Invalid = invalid
	}
	run.UpdatedAt = at
	s.runs[runID] = run
	return nil
}

// CompleteRun marks the run finished.
func (s *RunStore) CompleteRun(
	_ context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	invalid int,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	finished := finishedAt
	run.FinishedAt = &finished
	run.Status = status
	if invalid > run.Invalid {
		run.Invalid = invalid
	}
	run.UpdatedAt = finishedAt
	s.runs[runID] = run
	return nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(_ context.Context, runID uuid.UUID) (store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.Run{}, store.ErrNotFound
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *RunStore) ListRuns(_ context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	s.mu.RLock()
	out := make([]store.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if status == nil || run.Status == *status {
			out = append(out, run)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if offset < 0 {
		offset = 0
	}
	if offset >= len(out) {
		return []store.Run{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}
