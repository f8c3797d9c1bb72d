package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/source-validator/internal/dispatcher"
	"github.com/JakeFAU/source-validator/internal/scheduler"
)

// Run states reported by the lifecycle endpoints.
const (
	stateRunning    = "running"
	stateCancelling = "cancelling"
	stateCompleted  = "completed"
	stateCancelled  = "cancelled"
	stateFailed     = "failed"
)

type startRunRequest struct {
	Concurrency *int `json:"concurrency"`
}

type runStatusDTO struct {
	RunID       string     `json:"run_id"`
	State       string     `json:"state"`
	Concurrency int        `json:"concurrency"`
	Total       int        `json:"total"`
	Completed   int        `json:"completed"`
	Invalid     int        `json:"invalid"`
	LastURL     string     `json:"last_url,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	concurrency := s.opts.DefaultConcurrency
	if req.Concurrency != nil {
		concurrency = *req.Concurrency
	}
	runID, err := s.opts.Runs.Start(r.Context(), concurrency)
	switch {
	case err == nil:
	case errors.Is(err, scheduler.ErrInvalidConcurrency):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, dispatcher.ErrRunInProgress):
		writeError(w, http.StatusConflict, err.Error())
		return
	default:
		s.logger.Error("start run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start run")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id":      runID.String(),
		"concurrency": concurrency,
	})
}

func (s *Server) currentRun(w http.ResponseWriter, _ *http.Request) {
	status, ok := s.opts.Runs.Current()
	if !ok {
		writeError(w, http.StatusNotFound, "no run has been started")
		return
	}
	writeJSON(w, http.StatusOK, s.statusDTO(status))
}

func (s *Server) cancelRun(w http.ResponseWriter, _ *http.Request) {
	if _, err := s.opts.Runs.Cancel(); err != nil {
		if errors.Is(err, dispatcher.ErrNoRun) {
			writeError(w, http.StatusNotFound, "no run has been started")
			return
		}
		s.logger.Error("cancel run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to cancel run")
		return
	}
	status, _ := s.opts.Runs.Current()
	writeJSON(w, http.StatusOK, s.statusDTO(status))
}

// statusDTO merges the dispatcher's view with the live progress snapshot.
// Finished runs report the scheduler summary.
func (s *Server) statusDTO(status dispatcher.Status) runStatusDTO {
	dto := runStatusDTO{
		RunID:       status.RunID.String(),
		Concurrency: status.Concurrency,
		StartedAt:   status.StartedAt,
	}
	if s.opts.Snapshots != nil {
		if snap, ok := s.opts.Snapshots.Get(status.RunID); ok {
			dto.Total = snap.Total
			dto.Completed = snap.Completed
			dto.Invalid = snap.Invalid
			dto.LastURL = snap.LastURL
		}
	}
	switch {
	case status.Cancelling:
		dto.State = stateCancelling
	case status.Running:
		dto.State = stateRunning
	default:
		sum := status.Summary
		dto.Total = sum.Total
		dto.Completed = sum.Completed
		dto.Invalid = len(sum.Invalid)
		if !sum.FinishedAt.IsZero() {
			finished := sum.FinishedAt
			dto.FinishedAt = &finished
		}
		switch {
		case sum.Cancelled || errors.Is(status.Err, scheduler.ErrCancelled):
			dto.State = stateCancelled
		case status.Err != nil:
			dto.State = stateFailed
			dto.Error = status.Err.Error()
		default:
			dto.State = stateCompleted
		}
	}
	return dto
}
