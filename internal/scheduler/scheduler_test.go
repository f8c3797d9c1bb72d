package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/source-validator/internal/probe"
	"github.com/JakeFAU/source-validator/internal/progress"
	"github.com/JakeFAU/source-validator/internal/source"
)

func TestRunClaimsEveryRecordOnce(t *testing.T) {
	t.Parallel()

	const size = 7
	for concurrency := 1; concurrency <= size+5; concurrency++ {
		t.Run(fmt.Sprintf("concurrency=%d", concurrency), func(t *testing.T) {
			t.Parallel()

			prober := newFakeProber(func(_ context.Context, req probe.Request) probe.Outcome {
				time.Sleep(time.Millisecond)
				return probe.Outcome{Kind: probe.Success, StatusCode: 200}
			})
			events := &recordingEmitter{}
			sched := New(Config{ProbeTimeout: time.Second}, prober, &fakeSink{}, events, nil, zap.NewNop())

			records := makeRecords(size)
			summary, err := sched.Run(context.Background(), uuid.New(), records, concurrency)
			require.NoError(t, err)
			require.Equal(t, size, summary.Completed)
			require.Equal(t, size, summary.Succeeded)
			require.False(t, summary.Cancelled)

			for _, rec := range records {
				require.Equal(t, 1, prober.callsFor(rec.URL), rec.URL)
			}
			require.LessOrEqual(t, int(prober.maxInFlight.Load()), concurrency)
			requireWellFormedProgress(t, events.Events(), size, progress.StageRunDone)
		})
	}
}

func TestRunProgressIsMonotonic(t *testing.T) {
	t.Parallel()

	prober := newFakeProber(func(_ context.Context, req probe.Request) probe.Outcome {
		// vary latency so completions race
		time.Sleep(time.Duration(len(req.URL)%4) * time.Millisecond)
		return probe.Outcome{Kind: probe.Failure, Err: probe.ErrNetwork}
	})
	events := &recordingEmitter{}
	sched := New(Config{}, prober, &fakeSink{}, events, nil, nil)

	_, err := sched.Run(context.Background(), uuid.New(), makeRecords(40), 5)
	require.NoError(t, err)

	evts := events.Events()
	requireWellFormedProgress(t, evts, 40, progress.StageRunDone)
	last := 0
	for _, evt := range evts {
		if evt.Stage != progress.StageProbeDone {
			continue
		}
		require.Greater(t, evt.Completed, last)
		require.LessOrEqual(t, evt.Completed, evt.Total)
		last = evt.Completed
	}
	require.Equal(t, 40, last)
}

func TestRunSuccessWritesOnlyWhenRestoringInvalid(t *testing.T) {
	t.Parallel()

	prober := newFakeProber(func(context.Context, probe.Request) probe.Outcome {
		return probe.Outcome{Kind: probe.Success, StatusCode: 200}
	})
	sink := &fakeSink{}
	sched := New(Config{}, prober, sink, nil, nil, nil)

	records := []*source.Record{
		{URL: "https://was-invalid.example", Group: source.InvalidGroup, SerialNumber: 10003},
		{URL: "https://normal.example", Group: "favorites", SerialNumber: 4},
	}
	summary, err := sched.Run(context.Background(), uuid.New(), records, 2)
	require.NoError(t, err)

	require.Equal(t, 1, sink.writesFor("https://was-invalid.example"))
	require.Zero(t, sink.writesFor("https://normal.example"))
	require.Empty(t, records[0].Group)
	require.Equal(t, 10003, records[0].SerialNumber)
	require.Equal(t, "favorites", records[1].Group)
	require.Equal(t, 1, summary.Restored)
	require.Equal(t, 1, summary.Writes)
}

func TestRunFailureMarksInvalidWithSerial(t *testing.T) {
	t.Parallel()

	prober := newFakeProber(func(_ context.Context, req probe.Request) probe.Outcome {
		if req.URL == "https://b.example" {
			return probe.Outcome{Kind: probe.Failure, StatusCode: 500, Err: probe.ErrUnexpectedStatus}
		}
		return probe.Outcome{Kind: probe.Success}
	})
	sink := &fakeSink{}
	sched := New(Config{InvalidSerialBase: 500}, prober, sink, nil, nil, nil)

	records := []*source.Record{
		{URL: "https://a.example"},
		{URL: "https://b.example", Name: "B", SerialNumber: 2},
	}
	summary, err := sched.Run(context.Background(), uuid.New(), records, 1)
	require.NoError(t, err)

	require.Equal(t, source.InvalidGroup, records[1].Group)
	require.Equal(t, 501, records[1].SerialNumber)
	require.Equal(t, 1, sink.writesFor("https://b.example"))
	require.Len(t, summary.Invalid, 1)
	require.Equal(t, "B", summary.Invalid[0].Name)
	require.Equal(t, probe.Failure, summary.Invalid[0].Kind)
}

func TestRunPrefersCheckURL(t *testing.T) {
	t.Parallel()

	prober := newFakeProber(func(context.Context, probe.Request) probe.Outcome {
		return probe.Outcome{Kind: probe.Success}
	})
	sched := New(Config{}, prober, &fakeSink{}, nil, nil, nil)

	records := []*source.Record{
		{URL: "https://primary.example", CheckURL: "https://primary.example/book/1"},
		{URL: "https://plain.example"},
	}
	_, err := sched.Run(context.Background(), uuid.New(), records, 2)
	require.NoError(t, err)

	require.Equal(t, probe.ModeMetadata, prober.modeFor("https://primary.example/book/1"))
	require.Equal(t, probe.ModeGeneric, prober.modeFor("https://plain.example"))
	require.Zero(t, prober.callsFor("https://primary.example"))
}

func TestRunLateCompletionCountsOnceAsTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	finished := make(chan struct{})
	prober := newFakeProber(func(context.Context, probe.Request) probe.Outcome {
		// ignores ctx and answers after the deadline
		<-release
		defer close(finished)
		return probe.Outcome{Kind: probe.Success, StatusCode: 200}
	})
	sink := &fakeSink{}
	events := &recordingEmitter{}
	sched := New(Config{ProbeTimeout: 20 * time.Millisecond}, prober, sink, events, nil, nil)

	records := []*source.Record{{URL: "https://slow.example"}}
	summary, err := sched.Run(context.Background(), uuid.New(), records, 1)
	require.NoError(t, err)

	close(release)
	<-finished

	require.Equal(t, 1, summary.Completed)
	require.Equal(t, 1, summary.TimedOut)
	require.Zero(t, summary.Succeeded)
	require.Equal(t, source.InvalidGroup, records[0].Group)
	require.Equal(t, 1, sink.writesFor("https://slow.example"))
	require.Len(t, summary.Invalid, 1)
	require.Contains(t, summary.Invalid[0].Reason, "deadline")

	// the straggler must not produce another accounting event
	time.Sleep(10 * time.Millisecond)
	requireWellFormedProgress(t, events.Events(), 1, progress.StageRunDone)
}

func TestRunAllMalformedStillTerminates(t *testing.T) {
	t.Parallel()

	prober := newFakeProber(func(context.Context, probe.Request) probe.Outcome {
		t.Error("malformed records must not reach the prober")
		return probe.Outcome{}
	})
	sink := &fakeSink{}
	events := &recordingEmitter{}
	sched := New(Config{}, prober, sink, events, nil, nil)

	records := []*source.Record{
		{URL: "not a url"},
		{URL: "ftp://files.example"},
		{URL: ""},
		{URL: "https://ok.example", CheckURL: "::::"},
	}
	summary, err := sched.Run(context.Background(), uuid.New(), records, 3)
	require.NoError(t, err)

	require.Equal(t, 4, summary.Failed)
	for i, rec := range records {
		require.Equal(t, source.InvalidGroup, rec.Group)
		require.Equal(t, source.DefaultInvalidSerialBase+i, rec.SerialNumber)
	}
	require.Equal(t, 4, sink.totalWrites())
	requireWellFormedProgress(t, events.Events(), 4, progress.StageRunDone)
}

func TestRunNoClaimsAfterCancelReturns(t *testing.T) {
	t.Parallel()

	const slots = 4
	ctx, cancel := context.WithCancel(context.Background())
	var once sync.Once
	sink := &cancellingSink{onWrite: func() { once.Do(cancel) }}
	prober := newFakeProber(func(context.Context, probe.Request) probe.Outcome {
		t.Error("malformed records must not reach the prober")
		return probe.Outcome{}
	})
	sched := New(Config{CancelGrace: time.Second}, prober, sink, nil, nil, nil)

	records := make([]*source.Record, 200)
	for i := range records {
		records[i] = &source.Record{URL: fmt.Sprintf("not a url %d", i)}
	}
	summary, err := sched.Run(ctx, uuid.New(), records, slots)
	require.ErrorIs(t, err, ErrCancelled)
	require.True(t, summary.Cancelled)

	marked := 0
	for _, rec := range records {
		if rec.Invalid() {
			marked++
		}
	}
	require.LessOrEqual(t, marked, slots, "only records claimed before cancel may be touched")
	require.LessOrEqual(t, sink.writes.Load(), int64(slots))
	require.LessOrEqual(t, summary.Completed, slots)
}

func TestRunCancelStopsClaimsAndPublishesTerminal(t *testing.T) {
	t.Parallel()

	started := make(chan struct{}, 16)
	prober := newFakeProber(func(ctx context.Context, _ probe.Request) probe.Outcome {
		started <- struct{}{}
		<-ctx.Done()
		return probe.Outcome{Kind: probe.Failure, Err: ctx.Err()}
	})
	sink := &fakeSink{}
	events := &recordingEmitter{}
	sched := New(Config{ProbeTimeout: time.Minute, CancelGrace: time.Second}, prober, sink, events, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	records := makeRecords(10)
	type result struct {
		summary Summary
		err     error
	}
	done := make(chan result, 1)
	go func() {
		s, err := sched.Run(ctx, uuid.New(), records, 2)
		done <- result{summary: s, err: err}
	}()

	for range 2 {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("probes did not start")
		}
	}
	cancel()
	cancel()

	var res result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return within grace")
	}
	require.ErrorIs(t, res.err, ErrCancelled)
	require.ErrorIs(t, res.err, context.Canceled)
	require.True(t, res.summary.Cancelled)
	require.Zero(t, res.summary.Completed)
	require.Equal(t, 2, prober.totalCalls())
	require.Zero(t, sink.totalWrites())
	for _, rec := range records {
		require.Empty(t, rec.Group)
	}
	requireWellFormedProgress(t, events.Events(), 10, progress.StageRunCancelled)
}

func TestRunCancelledBeforeStart(t *testing.T) {
	t.Parallel()

	prober := newFakeProber(func(context.Context, probe.Request) probe.Outcome {
		return probe.Outcome{Kind: probe.Success}
	})
	events := &recordingEmitter{}
	sched := New(Config{}, prober, &fakeSink{}, events, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := sched.Run(ctx, uuid.New(), makeRecords(3), 2)
	require.ErrorIs(t, err, ErrCancelled)
	require.True(t, summary.Cancelled)
	require.Zero(t, prober.totalCalls())
	requireWellFormedProgress(t, events.Events(), 3, progress.StageRunCancelled)
}

func TestRunPersistFailureDoesNotHalt(t *testing.T) {
	t.Parallel()

	prober := newFakeProber(func(context.Context, probe.Request) probe.Outcome {
		return probe.Outcome{Kind: probe.Failure, Err: probe.ErrNetwork}
	})
	sink := &fakeSink{err: errors.New("disk full")}
	sched := New(Config{}, prober, sink, nil, nil, nil)

	records := makeRecords(5)
	summary, err := sched.Run(context.Background(), uuid.New(), records, 2)
	require.NoError(t, err)
	require.Equal(t, 5, summary.Completed)
	require.Equal(t, 5, summary.PersistFailures)
	require.Zero(t, summary.Writes)
	require.Equal(t, 5, prober.totalCalls())
}

func TestRunScenarioMixedOutcomes(t *testing.T) {
	t.Parallel()

	prober := newFakeProber(func(ctx context.Context, req probe.Request) probe.Outcome {
		if req.URL == "https://c.example" {
			<-ctx.Done()
			return probe.Outcome{Kind: probe.Timeout, Err: probe.ErrDeadlineExceeded}
		}
		return probe.Outcome{Kind: probe.Success, StatusCode: 200}
	})
	events := &recordingEmitter{}
	sched := New(Config{ProbeTimeout: 30 * time.Millisecond}, prober, &fakeSink{}, events, nil, nil)

	records := []*source.Record{
		{URL: "https://a.example", Name: "A"},
		{URL: "http//b.example", Name: "B"},
		{URL: "https://c.example", Name: "C"},
	}
	summary, err := sched.Run(context.Background(), uuid.New(), records, 2)
	require.NoError(t, err)

	require.Empty(t, records[0].Group)
	require.Equal(t, source.InvalidGroup, records[1].Group)
	require.Equal(t, source.InvalidGroup, records[2].Group)
	require.Zero(t, prober.callsFor("http//b.example"))
	require.Equal(t, 1, summary.Succeeded)
	require.Equal(t, 1, summary.Failed)
	require.Equal(t, 1, summary.TimedOut)

	evts := events.Events()
	require.GreaterOrEqual(t, len(evts), 2)
	beforeTerminal := evts[len(evts)-2]
	require.Equal(t, progress.StageProbeDone, beforeTerminal.Stage)
	require.Equal(t, 3, beforeTerminal.Completed)
	require.Equal(t, 3, beforeTerminal.Total)
	require.Equal(t, 2, beforeTerminal.Invalid)
	requireWellFormedProgress(t, evts, 3, progress.StageRunDone)
}

func TestRunEmptyListPublishesOnlyTerminal(t *testing.T) {
	t.Parallel()

	prober := newFakeProber(func(context.Context, probe.Request) probe.Outcome {
		return probe.Outcome{Kind: probe.Success}
	})
	events := &recordingEmitter{}
	sched := New(Config{}, prober, &fakeSink{}, events, nil, nil)

	summary, err := sched.Run(context.Background(), uuid.New(), nil, 6)
	require.NoError(t, err)
	require.Zero(t, summary.Total)
	require.Zero(t, prober.totalCalls())

	evts := events.Events()
	require.Len(t, evts, 1)
	require.Equal(t, progress.StageRunDone, evts[0].Stage)
	require.Equal(t, progress.TerminalCompleted, evts[0].Completed)
	require.Zero(t, evts[0].Total)
}

func TestRunRejectsInvalidConcurrency(t *testing.T) {
	t.Parallel()

	sched := New(Config{}, newFakeProber(nil), &fakeSink{}, nil, nil, nil)
	_, err := sched.Run(context.Background(), uuid.New(), makeRecords(1), 0)
	require.ErrorIs(t, err, ErrInvalidConcurrency)
}

func TestRunEventsCarryRunIDAndClock(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	prober := newFakeProber(func(context.Context, probe.Request) probe.Outcome {
		return probe.Outcome{Kind: probe.Success}
	})
	events := &recordingEmitter{}
	sched := New(Config{}, prober, &fakeSink{}, events, fixedClock{now: fixed}, nil)

	runID := uuid.New()
	summary, err := sched.Run(context.Background(), runID, makeRecords(2), 1)
	require.NoError(t, err)
	require.Equal(t, runID, summary.RunID)
	for _, evt := range events.Events() {
		require.Equal(t, runID, evt.RunUUID())
		require.Equal(t, fixed, evt.TS)
		require.NoError(t, evt.Validate())
	}
}

func requireWellFormedProgress(t *testing.T, evts []progress.Event, total int, terminal progress.Stage) {
	t.Helper()

	require.NotEmpty(t, evts)
	require.Equal(t, progress.StageRunStart, evts[0].Stage)
	require.Zero(t, evts[0].Completed)
	require.Equal(t, total, evts[0].Total)

	terminals := 0
	for i, evt := range evts {
		if evt.Terminal() {
			terminals++
			require.Equal(t, len(evts)-1, i, "terminal must be the last event")
			require.Equal(t, terminal, evt.Stage)
			require.Equal(t, progress.TerminalCompleted, evt.Completed)
		}
		require.Equal(t, total, evt.Total)
	}
	require.Equal(t, 1, terminals)
}

func makeRecords(n int) []*source.Record {
	out := make([]*source.Record, n)
	for i := range out {
		out[i] = &source.Record{
			URL:          fmt.Sprintf("https://source-%02d.example", i),
			Name:         fmt.Sprintf("source %d", i),
			SerialNumber: i,
		}
	}
	return out
}

type fakeProber struct {
	fn          func(context.Context, probe.Request) probe.Outcome
	mu          sync.Mutex
	calls       map[string]int
	modes       map[string]probe.Mode
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakeProber(fn func(context.Context, probe.Request) probe.Outcome) *fakeProber {
	return &fakeProber{fn: fn, calls: map[string]int{}, modes: map[string]probe.Mode{}}
}

func (f *fakeProber) Probe(ctx context.Context, req probe.Request) probe.Outcome {
	f.mu.Lock()
	f.calls[req.URL]++
	f.modes[req.URL] = req.Mode
	f.mu.Unlock()

	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		prev := f.maxInFlight.Load()
		if n <= prev || f.maxInFlight.CompareAndSwap(prev, n) {
			break
		}
	}
	return f.fn(ctx, req)
}

func (f *fakeProber) callsFor(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *fakeProber) modeFor(url string) probe.Mode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.modes[url]
}

func (f *fakeProber) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

type fakeSink struct {
	mu     sync.Mutex
	writes map[string]int
	err    error
}

func (f *fakeSink) Upsert(_ context.Context, rec *source.Record) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writes == nil {
		f.writes = map[string]int{}
	}
	f.writes[rec.URL]++
	return nil
}

func (f *fakeSink) writesFor(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes[url]
}

func (f *fakeSink) totalWrites() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.writes {
		total += n
	}
	return total
}

type cancellingSink struct {
	writes  atomic.Int64
	onWrite func()
}

func (s *cancellingSink) Upsert(context.Context, *source.Record) error {
	s.writes.Add(1)
	s.onWrite()
	return nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) Events() []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]progress.Event(nil), r.events...)
}

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time {
	return c.now
}
