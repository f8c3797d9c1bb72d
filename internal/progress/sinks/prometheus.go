package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/source-validator/internal/progress"
)

// PrometheusSink exports validation progress via Prometheus. It owns the
// collectors for runs started/completed/running and per-outcome probe counters.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runRuntime    *prometheus.HistogramVec
	lastInvalid   prometheus.Gauge

	probes        *prometheus.CounterVec
	probeDuration *prometheus.HistogramVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "source_validator_runs_started_total",
			Help: "Total validation runs that have started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "source_validator_runs_finished_total",
			Help: "Total validation runs finished partitioned by result.",
		}, []string{"result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "source_validator_runs_running",
			Help: "Current number of running validation runs.",
		}),
		runRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "source_validator_run_runtime_seconds",
			Help:    "Wall time per finished validation run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"result"}),
		lastInvalid: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "source_validator_last_run_invalid_sources",
			Help: "Sources marked invalid by the most recently finished run.",
		}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "source_validator_probes_total",
			Help: "Accounted probes partitioned by outcome and status class.",
		}, []string{"outcome", "status_class"}),
		probeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "source_validator_probe_duration_seconds",
			Help:    "Probe duration partitioned by outcome.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"outcome"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runRuntime,
		s.lastInvalid,
		s.probes,
		s.probeDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			s.runsStarted.Inc()
			if s.tracker.start(evt.RunID) {
				s.runsRunning.Inc()
			}
		case progress.StageProbeDone:
			s.handleProbeEvent(evt)
		case progress.StageRunDone:
			s.finishRun(evt, "completed")
		case progress.StageRunCancelled:
			s.finishRun(evt, "cancelled")
		}
	}
	return nil
}

func (s *PrometheusSink) finishRun(evt progress.Event, result string) {
	s.runsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.runRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	s.lastInvalid.Set(float64(evt.Invalid))
	if s.tracker.complete(evt.RunID) {
		s.runsRunning.Dec()
	}
}

func (s *PrometheusSink) handleProbeEvent(evt progress.Event) {
	outcome := string(evt.Outcome)
	if outcome == "" {
		outcome = "unknown"
	}
	s.probes.WithLabelValues(outcome, progress.StatusClass(evt.StatusCode)).Inc()
	if evt.Dur > 0 {
		s.probeDuration.WithLabelValues(outcome).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
