package capture

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dagtrail/dagtrail/internal/store"
	"github.com/dagtrail/dagtrail/internal/streaming"
	"github.com/dagtrail/dagtrail/pkg/schema"
)

// PipelineConfig tunes the asynchronous capture path.
type PipelineConfig struct {
	// QueueSize bounds the in-flight event queue. Non-critical events are
	// dropped when the queue is full; critical events block the producer.
	QueueSize int
	// FlushInterval is the maximum age of a buffered batch.
	FlushInterval time.Duration
	// FlushBatch is the maximum events written per store round-trip.
	FlushBatch int
	// SampleRate in (0,1] keeps that fraction of non-critical completed
	// events. 1.0 keeps everything and preserves per-node order contiguity.
	SampleRate float64
	// FlushRetries bounds store retries per batch before the batch is
	// reported lost.
	FlushRetries int
}

// DefaultPipelineConfig returns production defaults: no sampling, modest
// batching.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		QueueSize:     1024,
		FlushInterval: 200 * time.Millisecond,
		FlushBatch:    64,
		SampleRate:    1.0,
		FlushRetries:  3,
	}
}

// Pipeline captures execution events without blocking agent execution.
// Execution order is assigned synchronously at Begin, so ordering is decided
// on the producer's goroutine; everything after that is asynchronous. One
// flusher goroutine drains a bounded queue into batched store writes.
type Pipeline struct {
	store  store.Store
	hub    streaming.EventHub
	logger *slog.Logger
	cfg    PipelineConfig

	queue chan *store.ExecutionEvent
	kick  chan struct{}
	done  chan struct{}
	wg    sync.WaitGroup

	mu       sync.Mutex
	counters map[string]*atomic.Int64 // node ID → next execution order

	dropped atomic.Int64
	closed  atomic.Bool
}

// NewPipeline creates and starts a capture pipeline. Call Close to drain it.
func NewPipeline(st store.Store, hub streaming.EventHub, logger *slog.Logger, cfg PipelineConfig) *Pipeline {
	def := DefaultPipelineConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.FlushBatch <= 0 {
		cfg.FlushBatch = def.FlushBatch
	}
	if cfg.SampleRate <= 0 || cfg.SampleRate > 1 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.FlushRetries <= 0 {
		cfg.FlushRetries = def.FlushRetries
	}

	streaming.AssertOwner("capture_pipeline", schema.PushEventAppended)

	p := &Pipeline{
		store:    st,
		hub:      hub,
		logger:   logger,
		cfg:      cfg,
		queue:    make(chan *store.ExecutionEvent, cfg.QueueSize),
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		counters: make(map[string]*atomic.Int64),
	}
	p.wg.Add(1)
	go p.flusher()
	return p
}

// Begin stamps a new event with its identity, start time and per-node
// execution order. The order counter increments synchronously on the
// caller's goroutine, so two Begins on the same node always observe distinct,
// monotonically increasing orders regardless of flush timing. Nothing is
// persisted until Complete.
func (p *Pipeline) Begin(ev *store.ExecutionEvent) *store.ExecutionEvent {
	now := time.Now().UTC()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.LoggedAt = now
	if ev.StartedAt == nil {
		ev.StartedAt = &now
	}
	if ev.Subtype == "" {
		ev.Subtype = schema.SubtypeStart
	}
	ev.ExecutionOrder = p.counter(ev.NodeID).Add(1) - 1
	return ev
}

// Complete finalizes an event begun with Begin and submits it for capture.
// Sampling applies here: a non-critical event may be discarded, but its
// execution order was already consumed, so ordering of what survives is
// still strictly increasing. Critical events are never sampled and never
// dropped; if the queue is full the producer blocks until space frees.
func (p *Pipeline) Complete(ctx context.Context, ev *store.ExecutionEvent) error {
	if p.closed.Load() {
		return schema.NewError(schema.ErrCodeCapture, "capture pipeline is closed")
	}

	now := time.Now().UTC()
	if ev.CompletedAt == nil {
		ev.CompletedAt = &now
	}
	if ev.StartedAt != nil && ev.DurationMs == 0 {
		ev.DurationMs = ev.CompletedAt.Sub(*ev.StartedAt).Milliseconds()
	}
	if ev.Subtype == schema.SubtypeStart {
		ev.Subtype = schema.SubtypeComplete
	}

	critical := schema.IsCriticalEvent(ev.Type, ev.Subtype)
	if !critical && p.cfg.SampleRate < 1.0 && rand.Float64() >= p.cfg.SampleRate {
		eventsDropped.WithLabelValues("sampled").Inc()
		return nil
	}

	if critical {
		// Block rather than lose a critical event.
		select {
		case p.queue <- ev:
		case <-ctx.Done():
			return ctx.Err()
		case <-p.done:
			return schema.NewError(schema.ErrCodeCapture, "capture pipeline is closed")
		}
		p.kickFlush()
	} else {
		select {
		case p.queue <- ev:
		default:
			p.dropped.Add(1)
			eventsDropped.WithLabelValues("queue_full").Inc()
			p.logger.WarnContext(ctx, "capture queue full, event dropped",
				"run_id", ev.RunID, "node_id", ev.NodeID, "event_type", ev.Type)
			return nil
		}
	}

	eventsCaptured.WithLabelValues(string(ev.Type)).Inc()
	queueDepth.Set(float64(len(p.queue)))
	return nil
}

// Emit captures a point-in-time event with no separate begin phase.
func (p *Pipeline) Emit(ctx context.Context, ev *store.ExecutionEvent) error {
	p.Begin(ev)
	if ev.Subtype == schema.SubtypeStart {
		ev.Subtype = schema.SubtypeComplete
	}
	return p.Complete(ctx, ev)
}

// Dropped reports how many non-critical events were lost to queue
// saturation since startup.
func (p *Pipeline) Dropped() int64 {
	return p.dropped.Load()
}

// Close stops intake, flushes everything still queued and waits for the
// flusher to exit.
func (p *Pipeline) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	close(p.done)
	p.wg.Wait()
}

// ForgetNode releases the order counter of a finished node.
func (p *Pipeline) ForgetNode(nodeID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.counters, nodeID)
}

func (p *Pipeline) counter(nodeID string) *atomic.Int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.counters[nodeID]
	if !ok {
		c = &atomic.Int64{}
		p.counters[nodeID] = c
	}
	return c
}

func (p *Pipeline) kickFlush() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// flusher is the single consumer of the queue. It accumulates a batch and
// writes it when the batch fills, the interval elapses, a critical event
// kicks it, or the pipeline shuts down.
func (p *Pipeline) flusher() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*store.ExecutionEvent, 0, p.cfg.FlushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		p.writeBatch(batch)
		batch = batch[:0]
	}

	for {
		select {
		case ev := <-p.queue:
			batch = append(batch, ev)
			if len(batch) >= p.cfg.FlushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-p.kick:
			// Drain whatever is queued so the critical event lands now.
			for len(batch) < p.cfg.FlushBatch {
				select {
				case ev := <-p.queue:
					batch = append(batch, ev)
					continue
				default:
				}
				break
			}
			flush()
		case <-p.done:
			// Drain remaining events, then exit.
			for {
				select {
				case ev := <-p.queue:
					batch = append(batch, ev)
					if len(batch) >= p.cfg.FlushBatch {
						flush()
					}
				default:
					flush()
					queueDepth.Set(0)
					return
				}
			}
		}
		queueDepth.Set(float64(len(p.queue)))
	}
}

// writeBatch persists one batch with bounded retries, then publishes the
// per-event push notifications. A batch that exhausts retries is reported
// lost; the durable log stays append-only and consistent either way.
func (p *Pipeline) writeBatch(batch []*store.ExecutionEvent) {
	ctx := context.Background()
	start := time.Now()

	var err error
	backoff := 25 * time.Millisecond
	for attempt := 0; attempt < p.cfg.FlushRetries; attempt++ {
		if err = p.store.AppendEvents(ctx, batch); err == nil {
			break
		}
		p.logger.Warn("event batch write failed, retrying",
			"attempt", attempt+1, "batch_size", len(batch), "error", err)
		time.Sleep(backoff)
		backoff *= 2
	}
	if err != nil {
		eventsDropped.WithLabelValues("flush_failed").Inc()
		p.logger.Error("event batch lost after retries", "batch_size", len(batch), "error", err)
		return
	}

	flushDuration.Observe(time.Since(start).Seconds())
	eventsFlushed.Add(float64(len(batch)))

	if p.hub == nil {
		return
	}
	for _, ev := range batch {
		payload, merr := json.Marshal(map[string]any{
			"event_id":        ev.ID,
			"event_type":      ev.Type,
			"subtype":         ev.Subtype,
			"agent":           ev.Agent,
			"execution_order": ev.ExecutionOrder,
		})
		if merr != nil {
			continue
		}
		_ = p.hub.Publish(ctx, streaming.StreamEvent{
			RunID:   ev.RunID,
			NodeID:  ev.NodeID,
			Kind:    schema.PushEventAppended,
			Payload: payload,
		})
	}
}
