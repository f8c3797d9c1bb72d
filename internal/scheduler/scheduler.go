package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/source-validator/internal/probe"
	"github.com/JakeFAU/source-validator/internal/progress"
	"github.com/JakeFAU/source-validator/internal/source"
)

const (
	defaultProbeTimeout   = 60 * time.Second
	defaultCancelGrace    = 5 * time.Second
	defaultPersistTimeout = 10 * time.Second
)

var (
	// ErrInvalidConcurrency is returned when a run is started with fewer than one slot.
	ErrInvalidConcurrency = errors.New("concurrency must be >= 1")
	// ErrCancelled is returned by Run when the run context ended before every record was accounted.
	ErrCancelled = errors.New("validation run cancelled")
)

// Config tunes a Scheduler.
type Config struct {
	// ProbeTimeout is the hard deadline for one probe, measured from dispatch.
	ProbeTimeout time.Duration
	// InvalidSerialBase is added to the cursor index of records marked invalid.
	InvalidSerialBase int
	// CancelGrace bounds how long a cancelled run waits before publishing its terminal event.
	CancelGrace time.Duration
	// PersistTimeout bounds a single ResultSink write.
	PersistTimeout time.Duration
}

// Verdict describes one record that ended the run marked invalid.
type Verdict struct {
	Index  int
	URL    string
	Name   string
	Kind   probe.Kind
	Reason string
}

// Summary aggregates the accounting of a run.
type Summary struct {
	RunID           uuid.UUID
	Total           int
	Completed       int
	Succeeded       int
	Failed          int
	TimedOut        int
	Restored        int
	Writes          int
	PersistFailures int
	Cancelled       bool
	StartedAt       time.Time
	FinishedAt      time.Time
	Invalid         []Verdict
}

// Duration returns the wall time of the run.
func (s Summary) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// Scheduler validates source lists with a bounded number of concurrent probes.
type Scheduler struct {
	cfg     Config
	prober  probe.Prober
	sink    ResultSink
	emitter progress.Emitter
	clock   Clock
	logger  *zap.Logger
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// New constructs a Scheduler. Nil emitter, clock or logger fall back to no-ops
// and the system clock.
func New(
	cfg Config,
	prober probe.Prober,
	sink ResultSink,
	emitter progress.Emitter,
	clock Clock,
	logger *zap.Logger,
) *Scheduler {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if cfg.InvalidSerialBase == 0 {
		cfg.InvalidSerialBase = source.DefaultInvalidSerialBase
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = defaultCancelGrace
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaultPersistTimeout
	}
	if emitter == nil {
		emitter = progress.EmitterFunc(func(progress.Event) {})
	}
	if clock == nil {
		clock = systemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:     cfg,
		prober:  prober,
		sink:    sink,
		emitter: emitter,
		clock:   clock,
		logger:  logger.Named("scheduler"),
	}
}

// Run validates records with exactly concurrency slots and blocks until every
// slot has exited. Records are mutated in place. A cancelled ctx stops further
// claims, aborts in-flight probes and yields ErrCancelled alongside the partial
// Summary.
func (s *Scheduler) Run(
	ctx context.Context,
	runID uuid.UUID,
	records []*source.Record,
	concurrency int,
) (Summary, error) {
	if concurrency < 1 {
		return Summary{}, ErrInvalidConcurrency
	}
	r := &run{
		s:       s,
		id:      runID,
		records: records,
		cursor:  newCursor(len(records)),
		logger:  s.logger.With(zap.String("run_id", runID.String())),
	}
	r.summary = Summary{RunID: runID, Total: len(records), StartedAt: s.clock.Now()}

	if len(records) == 0 {
		r.logger.Info("validation run has no sources")
		return r.finish(ctx)
	}

	r.logger.Info("validation run started",
		zap.Int("sources", len(records)),
		zap.Int("concurrency", concurrency),
		zap.Duration("probe_timeout", s.cfg.ProbeTimeout),
	)
	r.emit(progress.Event{Stage: progress.StageRunStart, Completed: 0, Total: len(records)})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopClaims := context.AfterFunc(runCtx, r.cursor.stop)
	defer stopClaims()

	var wg sync.WaitGroup
	for slot := range concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.slot(runCtx, slot)
		}()
	}
	slotsDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(slotsDone)
	}()

	select {
	case <-slotsDone:
	case <-ctx.Done():
		grace := time.NewTimer(s.cfg.CancelGrace)
		select {
		case <-slotsDone:
		case <-grace.C:
			r.logger.Warn("slots still running after cancel grace", zap.Duration("grace", s.cfg.CancelGrace))
		}
		grace.Stop()
	}

	if ctx.Err() == nil {
		if got := r.cursor.exhaustedSlots(); got != concurrency {
			r.logger.Error("slot exhaustion count mismatch", zap.Int("exhausted", got), zap.Int("slots", concurrency))
		}
	}
	summary, err := r.finish(ctx)
	<-slotsDone
	return summary, err
}

// run carries the state of one Run invocation.
type run struct {
	s       *Scheduler
	id      uuid.UUID
	records []*source.Record
	cursor  *cursor
	logger  *zap.Logger

	mu           sync.Mutex
	closed       bool
	summary      Summary
	terminalOnce sync.Once
}

func (r *run) slot(ctx context.Context, slot int) {
	for {
		if ctx.Err() != nil {
			r.cursor.stop()
			return
		}
		idx, ok := r.cursor.claim(ctx)
		if !ok {
			if ctx.Err() == nil {
				r.cursor.markExhausted()
			}
			return
		}
		r.process(ctx, slot, idx)
	}
}

func (r *run) process(ctx context.Context, slot, idx int) {
	rec := r.records[idx]
	req := selectTarget(rec)

	var out probe.Outcome
	if _, err := probe.ValidateEndpoint(req.URL); err != nil {
		if ctx.Err() != nil {
			return
		}
		out = probe.Malformed(err)
	} else {
		var ok bool
		out, ok = r.probeWithDeadline(ctx, req)
		if !ok {
			r.logger.Debug("probe abandoned by cancellation", zap.Int("slot", slot), zap.String("url", req.URL))
			return
		}
	}

	r.account(ctx, idx, rec, req, out)
}

// probeWithDeadline races the probe against its deadline. The first to resolve
// wins; a result arriving later lands in the buffered channel and is discarded.
// It returns false when the run itself was cancelled.
func (r *run) probeWithDeadline(ctx context.Context, req probe.Request) (probe.Outcome, bool) {
	start := time.Now()
	probeCtx, cancel := context.WithTimeout(ctx, r.s.cfg.ProbeTimeout)
	defer cancel()

	results := make(chan probe.Outcome, 1)
	go func() {
		results <- r.s.prober.Probe(probeCtx, req)
	}()

	select {
	case out := <-results:
		if ctx.Err() != nil {
			return probe.Outcome{}, false
		}
		return out, true
	case <-probeCtx.Done():
		if ctx.Err() != nil {
			return probe.Outcome{}, false
		}
		return probe.Outcome{
			Kind:     probe.Timeout,
			Duration: time.Since(start),
			Err:      fmt.Errorf("%w after %s", probe.ErrDeadlineExceeded, r.s.cfg.ProbeTimeout),
		}, true
	}
}

// account applies the status policy, persists the verdict and publishes the
// new completed count. Publication order matches count order.
func (r *run) account(ctx context.Context, idx int, rec *source.Record, req probe.Request, out probe.Outcome) {
	wasInvalid := rec.Invalid()
	write := applyOutcome(rec, idx, out, r.s.cfg.InvalidSerialBase)

	var persistErr error
	if write && r.s.sink != nil {
		persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.s.cfg.PersistTimeout)
		persistErr = r.s.sink.Upsert(persistCtx, rec)
		cancel()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	sum := &r.summary
	sum.Completed++
	switch out.Kind {
	case probe.Success:
		sum.Succeeded++
		if wasInvalid {
			sum.Restored++
		}
	case probe.Timeout:
		sum.TimedOut++
	default:
		sum.Failed++
	}
	if write {
		if persistErr != nil {
			sum.PersistFailures++
			r.logger.Warn("scheduler: persist verdict failed",
				zap.String("url", rec.URL),
				zap.Error(persistErr),
			)
		} else {
			sum.Writes++
		}
	}
	if !out.Succeeded() {
		sum.Invalid = append(sum.Invalid, Verdict{
			Index:  idx,
			URL:    rec.URL,
			Name:   rec.Name,
			Kind:   out.Kind,
			Reason: out.Reason(),
		})
	}

	r.logger.Debug("probe accounted",
		zap.Int("index", idx),
		zap.String("url", req.URL),
		zap.Stringer("kind", out.Kind),
		zap.Int("completed", sum.Completed),
		zap.Int("total", sum.Total),
	)
	evt := progress.Event{
		Stage:      progress.StageProbeDone,
		Completed:  sum.Completed,
		Total:      sum.Total,
		Invalid:    len(sum.Invalid),
		URL:        rec.URL,
		Name:       rec.Name,
		Outcome:    outcomeLabel(out.Kind),
		StatusCode: out.StatusCode,
		Dur:        out.Duration,
	}
	if out.Err != nil {
		evt.Note = out.Err.Error()
	}
	r.emit(evt)
}

// finish closes accounting and publishes the terminal event exactly once.
func (r *run) finish(ctx context.Context) (Summary, error) {
	var (
		summary Summary
		err     error
	)
	r.terminalOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.summary.FinishedAt = r.s.clock.Now()
		r.summary.Cancelled = ctx.Err() != nil && r.summary.Completed < r.summary.Total
		summary = r.summary
		summary.Invalid = append([]Verdict(nil), r.summary.Invalid...)
		r.mu.Unlock()

		stage := progress.StageRunDone
		note := "completed"
		if summary.Cancelled {
			stage = progress.StageRunCancelled
			note = "cancelled"
			err = fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		}
		r.emit(progress.Event{
			Stage:     stage,
			Completed: progress.TerminalCompleted,
			Total:     summary.Total,
			Invalid:   len(summary.Invalid),
			Dur:       summary.Duration(),
			Note:      note,
		})
		r.logger.Info("validation run finished",
			zap.String("state", note),
			zap.Int("completed", summary.Completed),
			zap.Int("total", summary.Total),
			zap.Int("invalid", len(summary.Invalid)),
			zap.Int("persist_failures", summary.PersistFailures),
			zap.Duration("duration", summary.Duration()),
		)
	})
	return summary, err
}

func (r *run) emit(evt progress.Event) {
	evt.RunID = progress.UUIDToBytes(r.id)
	evt.TS = r.s.clock.Now()
	r.s.emitter.Emit(evt)
}

func outcomeLabel(kind probe.Kind) progress.Outcome {
	switch kind {
	case probe.Success:
		return progress.OutcomeSuccess
	case probe.Timeout:
		return progress.OutcomeTimeout
	default:
		return progress.OutcomeFailure
	}
}
