package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/source-validator/internal/config"
	"github.com/JakeFAU/source-validator/internal/dispatcher"
	"github.com/JakeFAU/source-validator/internal/metrics"
	"github.com/JakeFAU/source-validator/internal/probe"
	"github.com/JakeFAU/source-validator/internal/progress"
	"github.com/JakeFAU/source-validator/internal/progress/sinks"
	"github.com/JakeFAU/source-validator/internal/scheduler"
	"github.com/JakeFAU/source-validator/internal/source"
	"github.com/JakeFAU/source-validator/internal/storage/memory"
)

func TestServer_StartRun_UsesDefaultConcurrency(t *testing.T) {
	t.Parallel()

	runs := &fakeRuns{}
	server := NewServer(Options{Runs: runs, DefaultConcurrency: 6})

	rec := serve(server, http.MethodPost, "/v1/runs", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []int{6}, runs.started)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, runs.id.String(), body["run_id"])
}

func TestServer_StartRun_ExplicitConcurrency(t *testing.T) {
	t.Parallel()

	runs := &fakeRuns{}
	server := NewServer(Options{Runs: runs, DefaultConcurrency: 6})

	rec := serve(server, http.MethodPost, "/v1/runs", `{"concurrency": 2}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []int{2}, runs.started)
}

func TestServer_StartRun_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		body string
		want int
	}{
		{"invalid json", nil, `{"concurrency":`, http.StatusBadRequest},
		{"invalid concurrency", scheduler.ErrInvalidConcurrency, `{"concurrency": 0}`, http.StatusBadRequest},
		{"conflict", dispatcher.ErrRunInProgress, "", http.StatusConflict},
		{"internal", errors.New("db down"), "", http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			server := NewServer(Options{Runs: &fakeRuns{startErr: tc.err}})
			rec := serve(server, http.MethodPost, "/v1/runs", tc.body)
			require.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestServer_CurrentRun_NotFound(t *testing.T) {
	t.Parallel()

	server := NewServer(Options{Runs: &fakeRuns{}})
	require.Equal(t, http.StatusNotFound, serve(server, http.MethodGet, "/v1/runs/current", "").Code)
	require.Equal(t, http.StatusNotFound, serve(server, http.MethodPost, "/v1/runs/current/cancel", "").Code)
}

func TestServer_CurrentRun_MergesSnapshot(t *testing.T) {
	t.Parallel()

	runID := uuid.New()
	runs := &fakeRuns{status: &dispatcher.Status{RunID: runID, Running: true, Concurrency: 3}}
	snapshots := sinks.NewTrackerSink(0)
	require.NoError(t, snapshots.Consume(context.Background(), trackerEvents(runID, 10, 4, 1)))
	server := NewServer(Options{Runs: runs, Snapshots: snapshots})

	rec := serve(server, http.MethodGet, "/v1/runs/current", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var dto runStatusDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
	require.Equal(t, runID.String(), dto.RunID)
	require.Equal(t, stateRunning, dto.State)
	require.Equal(t, 10, dto.Total)
	require.Equal(t, 4, dto.Completed)
	require.Equal(t, 1, dto.Invalid)
}

func TestServer_CurrentRun_FinishedUsesSummary(t *testing.T) {
	t.Parallel()

	runID := uuid.New()
	finished := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	runs := &fakeRuns{status: &dispatcher.Status{
		RunID: runID,
		Summary: scheduler.Summary{
			Total:      3,
			Completed:  2,
			Cancelled:  true,
			FinishedAt: finished,
			Invalid:    []scheduler.Verdict{{URL: "http//b.example"}},
		},
		Err: fmt.Errorf("%w: %w", scheduler.ErrCancelled, context.Canceled),
	}}
	server := NewServer(Options{Runs: runs})

	rec := serve(server, http.MethodGet, "/v1/runs/current", "")
	var dto runStatusDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
	require.Equal(t, stateCancelled, dto.State)
	require.Equal(t, 2, dto.Completed)
	require.Equal(t, 1, dto.Invalid)
	require.NotNil(t, dto.FinishedAt)
	require.True(t, finished.Equal(*dto.FinishedAt))
}

func TestServer_CancelRun(t *testing.T) {
	t.Parallel()

	runID := uuid.New()
	runs := &fakeRuns{status: &dispatcher.Status{RunID: runID, Running: true}}
	server := NewServer(Options{Runs: runs})

	for range 2 {
		rec := serve(server, http.MethodPost, "/v1/runs/current/cancel", "")
		require.Equal(t, http.StatusOK, rec.Code)
		require.Contains(t, rec.Body.String(), stateCancelling)
	}
	require.Equal(t, 2, runs.cancels)
}

func TestServer_ListSources(t *testing.T) {
	t.Parallel()

	sources := memory.NewSourceStore(
		&source.Record{URL: "https://a.example", Name: "A"},
		&source.Record{URL: "https://b.example", Name: "B", Group: source.InvalidGroup, SerialNumber: 10001},
	)
	server := NewServer(Options{Runs: &fakeRuns{}, Sources: sources})

	var body struct {
		Sources []source.Record `json:"sources"`
	}
	rec := serve(server, http.MethodGet, "/v1/sources", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Sources, 2)

	rec = serve(server, http.MethodGet, "/v1/sources?group=invalid", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Sources, 1)
	require.Equal(t, "B", body.Sources[0].Name)

	unconfigured := NewServer(Options{Runs: &fakeRuns{}})
	require.Equal(t, http.StatusServiceUnavailable, serve(unconfigured, http.MethodGet, "/v1/sources", "").Code)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	server := NewServer(Options{
		Runs: &fakeRuns{},
		Auth: config.AuthConfig{Enabled: true, APIKey: "secret"},
	})

	require.Equal(t, http.StatusOK, serve(server, http.MethodGet, "/healthz", "").Code)
	require.Equal(t, http.StatusForbidden, serve(server, http.MethodGet, "/v1/runs/current", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/current", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ReadyAndMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	collectors, err := metrics.New(reg)
	require.NoError(t, err)
	ready := errors.New("pool closed")
	server := NewServer(Options{
		Runs:     &fakeRuns{},
		Metrics:  collectors,
		Gatherer: reg,
		Ready:    func(context.Context) error { return ready },
	})

	require.Equal(t, http.StatusServiceUnavailable, serve(server, http.MethodGet, "/readyz", "").Code)
	rec := serve(server, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `route="/readyz"`)
}

func TestServer_RunLifecycleEndToEnd(t *testing.T) {
	t.Parallel()

	sources := memory.NewSourceStore(
		&source.Record{URL: "https://slow.example"},
		&source.Record{URL: "https://other.example"},
	)
	release := make(chan struct{})
	prober := probe.ProberFunc(func(ctx context.Context, _ probe.Request) probe.Outcome {
		select {
		case <-release:
			return probe.Outcome{Kind: probe.Success, StatusCode: 200}
		case <-ctx.Done():
			return probe.Outcome{Kind: probe.Failure, Err: ctx.Err()}
		}
	})
	sched := scheduler.New(scheduler.Config{CancelGrace: time.Second}, prober, sources, nil, nil, nil)
	runs := dispatcher.New(sources, sched, seqIDs{}, nil)
	server := NewServer(Options{Runs: runs, Sources: sources, DefaultConcurrency: 1})

	require.Equal(t, http.StatusAccepted, serve(server, http.MethodPost, "/v1/runs", "").Code)
	require.Equal(t, http.StatusConflict, serve(server, http.MethodPost, "/v1/runs", "").Code)

	rec := serve(server, http.MethodPost, "/v1/runs/current/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		rec := serve(server, http.MethodGet, "/v1/runs/current", "")
		return strings.Contains(rec.Body.String(), `"state":"cancelled"`)
	}, 2*time.Second, 10*time.Millisecond)
	close(release)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	server := NewServer(Options{Runs: &fakeRuns{}})
	rec := serve(server, http.MethodGet, "/healthz", "")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "caller-id")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "caller-id", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddlewareReturns500(t *testing.T) {
	t.Parallel()

	handler := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
	require.NotNil(t, buf)
}

// --- helpers/fakes ---

func serve(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

type fakeRuns struct {
	mu       sync.Mutex
	id       uuid.UUID
	startErr error
	started  []int
	status   *dispatcher.Status
	cancels  int
}

func (f *fakeRuns) Start(_ context.Context, concurrency int) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return uuid.Nil, f.startErr
	}
	f.started = append(f.started, concurrency)
	f.id = uuid.New()
	return f.id, nil
}

func (f *fakeRuns) Cancel() (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status == nil {
		return uuid.Nil, dispatcher.ErrNoRun
	}
	f.cancels++
	if f.status.Running {
		f.status.Cancelling = true
	}
	return f.status.RunID, nil
}

func (f *fakeRuns) Current() (dispatcher.Status, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status == nil {
		return dispatcher.Status{}, false
	}
	return *f.status, true
}

type seqIDs struct{}

func (seqIDs) NewRunID() (uuid.UUID, error) {
	return uuid.New(), nil
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}

func trackerEvents(runID uuid.UUID, total, completed, invalid int) []progress.Event {
	id := progress.UUIDToBytes(runID)
	now := time.Now()
	events := []progress.Event{{RunID: id, TS: now, Stage: progress.StageRunStart, Total: total}}
	for i := 1; i <= completed; i++ {
		events = append(events, progress.Event{
			RunID:     id,
			TS:        now,
			Stage:     progress.StageProbeDone,
			Completed: i,
			Total:     total,
			Invalid:   min(i, invalid),
			Outcome:   progress.OutcomeSuccess,
		})
	}
	return events
}
