package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/source-validator/internal/hash/sha256"
	"github.com/JakeFAU/source-validator/internal/progress"
	"github.com/JakeFAU/source-validator/internal/store"
)

// Report is the archived JSON document for a finished run.
type Report struct {
	RunID      uuid.UUID       `json:"run_id"`
	State      RunState        `json:"state"`
	Total      int             `json:"total"`
	Completed  int             `json:"completed"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Invalid    []ReportVerdict `json:"invalid"`
}

// ReportVerdict is one source that failed its probe.
type ReportVerdict struct {
	URL        string           `json:"url"`
	Name       string           `json:"name,omitempty"`
	Outcome    progress.Outcome `json:"outcome"`
	StatusCode int              `json:"status_code,omitempty"`
	Reason     string           `json:"reason,omitempty"`
}

// ReportSink collects failed probes per run and archives a JSON report to a
// BlobStore when the run ends.
type ReportSink struct {
	blobs  store.BlobStore
	prefix string
	logger *zap.Logger

	mu      sync.Mutex
	reports map[uuid.UUID]*Report
}

// NewReportSink builds a ReportSink writing under prefix (default "reports").
func NewReportSink(blobs store.BlobStore, prefix string, logger *zap.Logger) *ReportSink {
	if prefix == "" {
		prefix = "reports"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReportSink{
		blobs:   blobs,
		prefix:  prefix,
		logger:  logger.Named("report_sink"),
		reports: make(map[uuid.UUID]*Report),
	}
}

// Consume accumulates verdicts and writes reports for terminal events.
func (s *ReportSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.blobs == nil {
		return nil
	}
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			rep := s.report(evt)
			rep.StartedAt = evt.TS
		case progress.StageProbeDone:
			rep := s.report(evt)
			rep.Completed = max(rep.Completed, evt.Completed)
			if evt.Outcome != progress.OutcomeSuccess {
				rep.Invalid = append(rep.Invalid, ReportVerdict{
					URL:        evt.URL,
					Name:       evt.Name,
					Outcome:    evt.Outcome,
					StatusCode: evt.StatusCode,
					Reason:     evt.Note,
				})
			}
		case progress.StageRunDone, progress.StageRunCancelled:
			rep := s.take(evt)
			rep.FinishedAt = evt.TS
			rep.State = RunStateCompleted
			if evt.Stage == progress.StageRunCancelled {
				rep.State = RunStateCancelled
			}
			if err := s.write(ctx, rep); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *ReportSink) report(evt progress.Event) *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := evt.RunUUID()
	rep, ok := s.reports[id]
	if !ok {
		rep = &Report{RunID: id, State: RunStateRunning, StartedAt: evt.TS, Invalid: []ReportVerdict{}}
		s.reports[id] = rep
	}
	rep.Total = evt.Total
	return rep
}

func (s *ReportSink) take(evt progress.Event) *Report {
	rep := s.report(evt)
	s.mu.Lock()
	delete(s.reports, rep.RunID)
	s.mu.Unlock()
	return rep
}

func (s *ReportSink) write(ctx context.Context, rep *Report) error {
	body, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("encode run report: %w", err)
	}
	objectPath := ReportPath(s.prefix, rep.RunID, rep.FinishedAt)
	uri, err := s.blobs.PutObject(ctx, objectPath, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("archive run report: %w", err)
	}
	s.logger.Info("run report archived",
		zap.String("run_id", rep.RunID.String()),
		zap.String("uri", uri),
		zap.String("sha256", sha256.Sum(body)),
		zap.Int("invalid", len(rep.Invalid)),
	)
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *ReportSink) Close(context.Context) error {
	return nil
}

// ReportPath returns the blob path of a run report.
func ReportPath(prefix string, runID uuid.UUID, finishedAt time.Time) string {
	return path.Join(prefix, finishedAt.UTC().Format("2006-01-02"), runID.String()+".json")
}
