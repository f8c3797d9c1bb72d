package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/source-validator/internal/progress"
)

// Publisher sends a payload to a named topic and returns the message ID.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any, attrs map[string]string) (string, error)
}

// RunFinished is the notification published when a run ends.
type RunFinished struct {
	RunID      string  `json:"run_id"`
	State      string  `json:"state"`
	Total      int     `json:"total"`
	Invalid    int     `json:"invalid"`
	RuntimeSec float64 `json:"runtime_seconds"`
	FinishedAt string  `json:"finished_at"`
}

// PublishSink notifies subscribers when a run reaches its terminal event.
type PublishSink struct {
	pub    Publisher
	topic  string
	logger *zap.Logger
}

// NewPublishSink wires a Publisher to the sink interface.
func NewPublishSink(pub Publisher, topic string, logger *zap.Logger) *PublishSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublishSink{pub: pub, topic: topic, logger: logger.Named("publish_sink")}
}

// Consume publishes one message per terminal event in the batch.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.pub == nil {
		return nil
	}
	for _, evt := range batch {
		if !evt.Terminal() {
			continue
		}
		state := string(RunStateCompleted)
		if evt.Stage == progress.StageRunCancelled {
			state = string(RunStateCancelled)
		}
		msg := RunFinished{
			RunID:      evt.RunUUID().String(),
			State:      state,
			Total:      evt.Total,
			Invalid:    evt.Invalid,
			RuntimeSec: evt.Dur.Seconds(),
			FinishedAt: evt.TS.UTC().Format(time.RFC3339),
		}
		id, err := s.pub.Publish(ctx, s.topic, msg, map[string]string{
			"run_id": msg.RunID,
			"state":  state,
		})
		if err != nil {
			return fmt.Errorf("publish run finished: %w", err)
		}
		s.logger.Debug("run finished published", zap.String("run_id", msg.RunID), zap.String("message_id", id))
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PublishSink) Close(context.Context) error {
	return nil
}
