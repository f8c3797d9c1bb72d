// Package pubsub publishes run notifications to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

type publishResult interface {
	Get(ctx context.Context) (string, error)
}

type topic interface {
	Publish(ctx context.Context, msg *pubsub.Message) publishResult
	Stop()
}

// Publisher wraps a Pub/Sub topic.
type Publisher struct {
	topic topic
	// propagator overrides the global OTel propagator when set.
	propagator propagation.TextMapPropagator
}

// New creates a Publisher for the provided topic.
func New(t *pubsub.Topic) *Publisher {
	if t == nil {
		return &Publisher{}
	}
	return &Publisher{topic: topicAdapter{t: t}}
}

// Publish marshals the payload to JSON and publishes it with attrs plus any
// trace context carried by ctx. It blocks until the server acknowledges the
// message or ctx ends.
func (p *Publisher) Publish(ctx context.Context, _ string, payload any, attrs map[string]string) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub topic is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{Data: data, Attributes: make(map[string]string, len(attrs))}
	maps.Copy(msg.Attributes, attrs)
	p.textMapPropagator().Inject(ctx, propagation.MapCarrier(msg.Attributes))
	id, err := p.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

func (p *Publisher) textMapPropagator() propagation.TextMapPropagator {
	if p.propagator != nil {
		return p.propagator
	}
	return otel.GetTextMapPropagator()
}

// Close flushes outstanding messages and stops the topic's goroutines.
func (p *Publisher) Close() {
	if p == nil || p.topic == nil {
		return
	}
	p.topic.Stop()
}

type topicAdapter struct {
	t *pubsub.Topic
}

func (a topicAdapter) Publish(ctx context.Context, msg *pubsub.Message) publishResult {
	return a.t.Publish(ctx, msg)
}

func (a topicAdapter) Stop() {
	a.t.Stop()
}
