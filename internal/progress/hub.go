package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config tunes buffering and batching for the Hub. Zero values select the
// defaults below.
type Config struct {
	// BufferSize is the capacity of the event queue.
	BufferSize int
	// MaxBatchEvents flushes a batch once it holds this many events.
	MaxBatchEvents int
	// MaxBatchWait flushes a non-empty batch this long after its first event.
	MaxBatchWait time.Duration
	// SinkTimeout bounds each Sink.Consume call.
	SinkTimeout time.Duration
	// BaseContext is the parent of every sink call.
	BaseContext context.Context
	Logger      *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 1000
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropWarnInterval      = 5 * time.Second
)

// Hub queues progress events and delivers them to sinks in batches from a
// single goroutine, so sinks observe events in emission order. Emit is safe
// for concurrent use. Probe events are dropped when the queue is full; run
// start and terminal events wait for room until the hub closes.
type Hub struct {
	cfg    Config
	sinks  []Sink
	queue  chan Event
	stop   chan struct{}
	done   chan struct{}
	logger *zap.Logger

	dropped   atomic.Int64
	dropWarn  rate.Sometimes
	stopping  atomic.Bool
	stopOnce  sync.Once
	sinkClose context.Context
}

// NewHub starts a Hub delivering to sinks. Nil sinks are ignored.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	live := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	h := &Hub{
		cfg:      cfg,
		sinks:    live,
		queue:    make(chan Event, cfg.BufferSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		logger:   cfg.Logger.Named("progress_hub"),
		dropWarn: rate.Sometimes{Interval: dropWarnInterval},
	}
	go h.loop()
	return h
}

// Emit queues evt. Invalid events and events emitted after Close are ignored.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.stopping.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	if evt.Terminal() || evt.Stage == StageRunStart {
		h.emitLifecycle(evt)
		return
	}
	select {
	case h.queue <- evt:
	default:
		h.dropped.Add(1)
		h.dropWarn.Do(func() {
			h.logger.Warn("progress events dropped, queue full", zap.Int64("dropped", h.dropped.Swap(0)))
		})
	}
}

// emitLifecycle waits for queue room so run start and terminal events survive
// backpressure. Only Close can abandon them.
func (h *Hub) emitLifecycle(evt Event) {
	select {
	case h.queue <- evt:
	case <-h.stop:
		h.logger.Warn("lifecycle progress event lost to shutdown",
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("stage", string(evt.Stage)),
		)
	}
}

// Close stops intake, delivers queued events, closes every sink and waits for
// the delivery goroutine, or for ctx. Repeated calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.stopOnce.Do(func() {
		h.stopping.Store(true)
		h.sinkClose = ctx
		close(h.stop)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

// batch accumulates events between flushes and owns the max-wait timer.
type batch struct {
	events []Event
	timer  *time.Timer
	armed  bool
}

// due returns the timer channel while a flush is pending, nil otherwise.
func (b *batch) due() <-chan time.Time {
	if !b.armed {
		return nil
	}
	return b.timer.C
}

func (b *batch) disarm() {
	if b.armed {
		b.timer.Stop()
		b.armed = false
	}
}

func (h *Hub) loop() {
	defer close(h.done)
	b := &batch{
		events: make([]Event, 0, h.cfg.MaxBatchEvents),
		timer:  time.NewTimer(h.cfg.MaxBatchWait),
	}
	b.timer.Stop()

	for {
		select {
		case evt := <-h.queue:
			h.add(b, evt)
		case <-b.due():
			b.armed = false
			h.deliver(b)
		case <-h.stop:
			b.disarm()
			h.drain(b)
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) add(b *batch, evt Event) {
	b.events = append(b.events, evt)
	if len(b.events) >= h.cfg.MaxBatchEvents {
		b.disarm()
		h.deliver(b)
		return
	}
	if !b.armed {
		b.timer.Reset(h.cfg.MaxBatchWait)
		b.armed = true
	}
}

func (h *Hub) drain(b *batch) {
	for {
		select {
		case evt := <-h.queue:
			b.events = append(b.events, evt)
			if len(b.events) >= h.cfg.MaxBatchEvents {
				h.deliver(b)
			}
		default:
			h.deliver(b)
			return
		}
	}
}

// deliver hands the pending events to every sink and resets the batch.
func (h *Hub) deliver(b *batch) {
	if len(b.events) == 0 {
		return
	}
	out := append([]Event(nil), b.events...)
	b.events = b.events[:0]
	for _, sink := range h.sinks {
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, out); err != nil {
			h.logger.Warn("progress sink consume failed", zap.Int("events", len(out)), zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	for _, sink := range h.sinks {
		if err := sink.Close(h.sinkClose); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}
