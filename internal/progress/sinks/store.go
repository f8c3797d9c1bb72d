package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/source-validator/internal/progress"
	"github.com/JakeFAU/source-validator/internal/store"
)

// StoreSink persists run progress via a store.RunRepository. Probe events in
// one batch collapse into a single progress write per run.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards lifecycle events and collapsed progress to the repository.
// It respects ctx deadlines and returns the first repository error.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	pending := make(map[uuid.UUID]*progressDelta)

	for _, evt := range batch {
		runID := evt.RunUUID()
		switch evt.Stage {
		case progress.StageRunStart:
			if err := s.repo.StartRun(ctx, runID, evt.TS, evt.Total); err != nil {
				return fmt.Errorf("start run: %w", err)
			}
		case progress.StageProbeDone:
			delta := pending[runID]
			if delta == nil {
				delta = &progressDelta{}
				pending[runID] = delta
			}
			delta.observe(evt)
		case progress.StageRunDone, progress.StageRunCancelled:
			if err := s.flush(ctx, runID, pending); err != nil {
				return err
			}
			status := store.RunCompleted
			if evt.Stage == progress.StageRunCancelled {
				status = store.RunCancelled
			}
			if err := s.repo.CompleteRun(ctx, runID, evt.TS, status, evt.Invalid); err != nil {
				return fmt.Errorf("complete run: %w", err)
			}
		}
	}

	for runID := range pending {
		if err := s.flush(ctx, runID, pending); err != nil {
			return err
		}
	}
	return nil
}

func (s *StoreSink) flush(ctx context.Context, runID uuid.UUID, pending map[uuid.UUID]*progressDelta) error {
	delta, ok := pending[runID]
	if !ok {
		return nil
	}
	delete(pending, runID)
	if err := s.repo.UpdateProgress(ctx, runID, delta.completed, delta.invalid, delta.at); err != nil {
		return fmt.Errorf("update run progress: %w", err)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type progressDelta struct {
	completed int
	invalid   int
	at        time.Time
}

func (d *progressDelta) observe(evt progress.Event) {
	d.completed = max(d.completed, evt.Completed)
	d.invalid = max(d.invalid, evt.Invalid)
	if evt.TS.After(d.at) {
		d.at = evt.TS
	}
}
