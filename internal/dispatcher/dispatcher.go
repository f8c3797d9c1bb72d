// Package dispatcher owns the lifecycle of validation runs: at most one run
// is active, it can be cancelled at any time, and callers may wait on it.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/source-validator/internal/scheduler"
	"github.com/JakeFAU/source-validator/internal/source"
)

var (
	// ErrRunInProgress is returned by Start while another run is active.
	ErrRunInProgress = errors.New("validation run already in progress")
	// ErrNoRun is returned when no run has been started yet.
	ErrNoRun = errors.New("no validation run has been started")
)

// Runner executes one validation run.
type Runner interface {
	Run(ctx context.Context, runID uuid.UUID, records []*source.Record, concurrency int) (scheduler.Summary, error)
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewRunID() (uuid.UUID, error)
}

// Status describes the current or most recent run.
type Status struct {
	RunID       uuid.UUID
	Concurrency int
	StartedAt   time.Time
	Running     bool
	Cancelling  bool
	Summary     scheduler.Summary
	Err         error
}

// Dispatcher starts runs in the background and tracks the latest one.
type Dispatcher struct {
	loader scheduler.SourceLoader
	runner Runner
	ids    IDGenerator
	logger *zap.Logger

	mu      sync.Mutex
	current *activeRun
}

type activeRun struct {
	id          uuid.UUID
	concurrency int
	startedAt   time.Time
	cancel      context.CancelFunc
	done        chan struct{}

	cancelled bool
	summary   scheduler.Summary
	err       error
}

// New creates a Dispatcher.
func New(loader scheduler.SourceLoader, runner Runner, ids IDGenerator, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		loader: loader,
		runner: runner,
		ids:    ids,
		logger: logger.Named("dispatcher"),
	}
}

// Start snapshots the sources and launches a run with the given worker budget.
// The run is detached from ctx once started; use Cancel to stop it.
func (d *Dispatcher) Start(ctx context.Context, concurrency int) (uuid.UUID, error) {
	if concurrency < 1 {
		return uuid.Nil, scheduler.ErrInvalidConcurrency
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current != nil && !d.current.finished() {
		return uuid.Nil, ErrRunInProgress
	}

	runID, err := d.ids.NewRunID()
	if err != nil {
		return uuid.Nil, fmt.Errorf("allocate run id: %w", err)
	}
	records, err := d.loader.LoadAll(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("load sources: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run := &activeRun{
		id:          runID,
		concurrency: concurrency,
		startedAt:   time.Now().UTC(),
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	d.current = run
	d.logger.Info("starting validation run",
		zap.String("run_id", runID.String()),
		zap.Int("sources", len(records)),
		zap.Int("concurrency", concurrency),
	)

	go func() {
		defer close(run.done)
		defer cancel()
		summary, runErr := d.runner.Run(runCtx, runID, records, concurrency)
		d.mu.Lock()
		run.summary = summary
		run.err = runErr
		d.mu.Unlock()
		if runErr != nil && !errors.Is(runErr, scheduler.ErrCancelled) {
			d.logger.Error("validation run failed", zap.String("run_id", runID.String()), zap.Error(runErr))
		}
	}()
	return runID, nil
}

// Cancel stops the active run. It is idempotent and returns the ID of the run
// it applied to, or ErrNoRun when nothing has run.
func (d *Dispatcher) Cancel() (uuid.UUID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current == nil {
		return uuid.Nil, ErrNoRun
	}
	if !d.current.cancelled && !d.current.finished() {
		d.logger.Info("cancelling validation run", zap.String("run_id", d.current.id.String()))
	}
	d.current.cancelled = true
	d.current.cancel()
	return d.current.id, nil
}

// Wait blocks until the current run returns or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) (scheduler.Summary, error) {
	d.mu.Lock()
	run := d.current
	d.mu.Unlock()
	if run == nil {
		return scheduler.Summary{}, ErrNoRun
	}
	select {
	case <-run.done:
	case <-ctx.Done():
		return scheduler.Summary{}, fmt.Errorf("wait for run %s: %w", run.id, ctx.Err())
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return run.summary, run.err
}

// Current reports the state of the active or most recent run.
func (d *Dispatcher) Current() (Status, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	run := d.current
	if run == nil {
		return Status{}, false
	}
	running := !run.finished()
	return Status{
		RunID:       run.id,
		Concurrency: run.concurrency,
		StartedAt:   run.startedAt,
		Running:     running,
		Cancelling:  running && run.cancelled,
		Summary:     run.summary,
		Err:         run.err,
	}, true
}

// Shutdown cancels any active run and waits for it to unwind.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	if _, err := d.Cancel(); errors.Is(err, ErrNoRun) {
		return nil
	}
	if _, err := d.Wait(ctx); err != nil && !errors.Is(err, scheduler.ErrCancelled) {
		return err
	}
	return nil
}

func (r *activeRun) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}
