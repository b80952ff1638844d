package streaming

import (
	"context"
	"sync"
)

// defaultChannelBuffer is the per-subscriber channel capacity. Delivery is
// best-effort: a subscriber that falls this far behind starts losing events
// rather than stalling the publishers.
const defaultChannelBuffer = 64

type subscription struct {
	filter EventFilter
	ch     chan StreamEvent
}

// MemoryHub is the in-process EventHub. Fan-out happens inline on Publish
// with a non-blocking send per subscriber.
type MemoryHub struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]subscription
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[uint64]subscription)}
}

// Publish delivers the event to every subscriber whose filter matches.
// Slow subscribers lose the event instead of blocking the publisher.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if !sub.filter.matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
	return nil
}

// Subscribe registers a filtered subscription and returns its channel plus
// a cancel function that stops delivery and releases the registration.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	ch := make(chan StreamEvent, defaultChannelBuffer)

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = subscription{filter: filter, ch: ch}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
	return ch, cancel, nil
}

// Close drops all subscriptions. Publishes after Close reach nobody.
func (h *MemoryHub) Close() {
	h.mu.Lock()
	h.subs = make(map[uint64]subscription)
	h.mu.Unlock()
}
