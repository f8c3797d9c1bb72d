package sinks

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/source-validator/internal/progress"
)

// RunState is the lifecycle state of a tracked run.
type RunState string

// Tracked run states.
const (
	RunStateRunning   RunState = "running"
	RunStateCompleted RunState = "completed"
	RunStateCancelled RunState = "cancelled"
)

// RunSnapshot is the latest known progress of one run.
type RunSnapshot struct {
	RunID      uuid.UUID  `json:"run_id"`
	State      RunState   `json:"state"`
	Total      int        `json:"total"`
	Completed  int        `json:"completed"`
	Invalid    int        `json:"invalid"`
	LastURL    string     `json:"last_url,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// TrackerSink keeps an in-memory snapshot per run for read APIs.
type TrackerSink struct {
	mu     sync.RWMutex
	runs   map[uuid.UUID]*RunSnapshot
	latest uuid.UUID
	limit  int
	order  []uuid.UUID
}

// NewTrackerSink returns a tracker retaining at most limit runs (default 32).
func NewTrackerSink(limit int) *TrackerSink {
	if limit <= 0 {
		limit = 32
	}
	return &TrackerSink{runs: make(map[uuid.UUID]*RunSnapshot), limit: limit}
}

// Consume folds the batch into the per-run snapshots.
func (t *TrackerSink) Consume(_ context.Context, batch []progress.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, evt := range batch {
		snap := t.snapshot(evt)
		snap.UpdatedAt = evt.TS
		switch evt.Stage {
		case progress.StageRunStart:
			snap.StartedAt = evt.TS
			snap.Total = evt.Total
		case progress.StageProbeDone:
			if evt.Completed > snap.Completed {
				snap.Completed = evt.Completed
				snap.LastURL = evt.URL
			}
			snap.Invalid = max(snap.Invalid, evt.Invalid)
			snap.Total = evt.Total
		case progress.StageRunDone, progress.StageRunCancelled:
			snap.State = RunStateCompleted
			if evt.Stage == progress.StageRunCancelled {
				snap.State = RunStateCancelled
			}
			snap.Invalid = evt.Invalid
			snap.Total = evt.Total
			finished := evt.TS
			snap.FinishedAt = &finished
		}
	}
	return nil
}

func (t *TrackerSink) snapshot(evt progress.Event) *RunSnapshot {
	id := evt.RunUUID()
	if snap, ok := t.runs[id]; ok {
		return snap
	}
	snap := &RunSnapshot{RunID: id, State: RunStateRunning, StartedAt: evt.TS}
	t.runs[id] = snap
	t.order = append(t.order, id)
	t.latest = id
	if len(t.order) > t.limit {
		evict := t.order[0]
		t.order = t.order[1:]
		delete(t.runs, evict)
	}
	return snap
}

// Get returns a copy of the snapshot for runID.
func (t *TrackerSink) Get(runID uuid.UUID) (RunSnapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snap, ok := t.runs[runID]
	if !ok {
		return RunSnapshot{}, false
	}
	return *snap, true
}

// Latest returns the most recently observed run.
func (t *TrackerSink) Latest() (RunSnapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snap, ok := t.runs[t.latest]
	if !ok {
		return RunSnapshot{}, false
	}
	return *snap, true
}

// Close implements the Sink interface; it performs no action.
func (t *TrackerSink) Close(context.Context) error {
	return nil
}
