package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrPoolClosed is returned when work is submitted after Shutdown.
var ErrPoolClosed = errors.New("worker pool closed")

// PoolStats is a snapshot of pool activity.
type PoolStats struct {
	InFlight  int64 `json:"in_flight"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Recovered int64 `json:"recovered"`
}

// WorkerPool bounds the concurrency of background jobs, primarily the
// summary recomputations the tracker schedules after terminal node
// transitions. Submission applies backpressure: when every slot is busy,
// Submit blocks until one frees or the context ends. A panicking job is
// recovered and counted; it never takes the process down.
type WorkerPool struct {
	slots chan struct{}
	done  chan struct{}

	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool

	inFlight  atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	recovered atomic.Int64
}

// NewWorkerPool creates a pool with the given number of slots.
func NewWorkerPool(size int) *WorkerPool {
	if size < 1 {
		size = 1
	}
	return &WorkerPool{
		slots: make(chan struct{}, size),
		done:  make(chan struct{}),
	}
}

// Submit runs fn on a pool slot. It blocks while the pool is saturated and
// returns ErrPoolClosed once Shutdown has begun.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case <-p.done:
		return ErrPoolClosed
	default:
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolClosed
	}

	// Shutdown may have started while waiting for a slot. wg.Add must not
	// race with the final wg.Wait, so both sides hold the lock.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return ErrPoolClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	p.inFlight.Add(1)
	go p.run(ctx, fn)
	return nil
}

func (p *WorkerPool) run(ctx context.Context, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			p.recovered.Add(1)
			p.failed.Add(1)
		}
		p.inFlight.Add(-1)
		<-p.slots
		p.wg.Done()
	}()

	if err := fn(ctx); err != nil {
		p.failed.Add(1)
		return
	}
	p.succeeded.Add(1)
}

// Wait blocks until every submitted job has finished.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown rejects further submissions and waits for in-flight jobs.
// Safe to call more than once.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Stats returns a snapshot of pool activity.
func (p *WorkerPool) Stats() PoolStats {
	return PoolStats{
		InFlight:  p.inFlight.Load(),
		Succeeded: p.succeeded.Load(),
		Failed:    p.failed.Load(),
		Recovered: p.recovered.Load(),
	}
}
