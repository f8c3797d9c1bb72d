package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart     Stage = "RUN_START"
	StageProbeDone    Stage = "PROBE_DONE"
	StageRunDone      Stage = "RUN_DONE"
	StageRunCancelled Stage = "RUN_CANCELLED"
)

// TerminalCompleted is the Completed value carried by terminal events.
const TerminalCompleted = -1

// Outcome mirrors probe.Kind as a stable label for sinks.
type Outcome string

// Probe outcome labels.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeTimeout Outcome = "timeout"
)

// Event captures a single step of a validation run.
type Event struct {
	// RunID uniquely identifies a run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle milestone occurred.
	Stage Stage
	// Completed is the number of accounted probes, or TerminalCompleted.
	Completed int
	// Total is fixed for the lifetime of a run.
	Total int
	// Invalid counts sources marked invalid so far in the run.
	Invalid int
	// URL identifies the source for probe events.
	URL string
	// Name is the source's human label.
	Name string
	// Outcome is set on probe events.
	Outcome Outcome
	// StatusCode is the HTTP status observed by the probe, if any.
	StatusCode int
	// Dur is the probe latency, or the run runtime on terminal events.
	Dur time.Duration
	// Note lets emitters attach low-volume context such as a failure reason.
	Note string
}

// Terminal reports whether the event ends a run.
func (e Event) Terminal() bool {
	return e.Stage == StageRunDone || e.Stage == StageRunCancelled
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.Total < 0 {
		return errors.New("total must be >= 0")
	}
	switch e.Stage {
	case StageRunStart:
		if e.Completed != 0 {
			return errors.New("run start must report zero completed")
		}
	case StageProbeDone:
		if e.Outcome == "" {
			return errors.New("probe done requires outcome")
		}
		if e.Completed < 1 || e.Completed > e.Total {
			return fmt.Errorf("completed %d outside [1,%d]", e.Completed, e.Total)
		}
	case StageRunDone, StageRunCancelled:
		if e.Completed != TerminalCompleted {
			return fmt.Errorf("terminal event must carry completed=%d", TerminalCompleted)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID for repositories.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// StatusClass groups HTTP status codes into a coarse label.
func StatusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "other"
	}
}
