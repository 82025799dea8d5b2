// Package events implements the per-scan broadcast channel. Delivery is
// at-most-once per connected subscriber: publishing never blocks, events
// are not persisted, and a subscriber that joins late never sees earlier
// events.
package events

import (
	"context"
	"sync"

	"github.com/revulnera/revulnera/internal/core"
	"github.com/revulnera/revulnera/internal/logger"
	"github.com/revulnera/revulnera/internal/metrics"
	"github.com/revulnera/revulnera/pkg/types"
)

// subscriberBuffer bounds how far a slow observer may fall behind before
// events are dropped for it.
const subscriberBuffer = 64

type subscriber struct {
	ch     chan types.Event
	scanID string
	closed bool
}

type memoryBus struct {
	mu     sync.RWMutex
	topics map[string]map[*subscriber]struct{}
	log    *logger.Logger
	closed bool
}

// NewMemoryBus returns the single-instance broadcaster. Each subscriber
// receives events for its scan in the order they were published.
func NewMemoryBus(log *logger.Logger) core.EventBus {
	return &memoryBus{
		topics: make(map[string]map[*subscriber]struct{}),
		log:    log.WithComponent("events"),
	}
}

func (b *memoryBus) Publish(_ context.Context, event types.Event) {
	metrics.EventsPublished.WithLabelValues(string(event.Type)).Inc()

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.topics[event.ScanID] {
		select {
		case sub.ch <- event:
		default:
			// Slow observer: drop for this subscriber only. The publisher
			// and every other subscriber are unaffected.
			metrics.EventsDropped.Inc()
			b.log.WithScanID(event.ScanID).Debugw("Dropped event for slow subscriber",
				"event_type", string(event.Type),
			)
		}
	}
}

func (b *memoryBus) Subscribe(scanID string) (*core.Subscription, error) {
	sub := &subscriber{
		ch:     make(chan types.Event, subscriberBuffer),
		scanID: scanID,
	}

	b.mu.Lock()
	if b.topics[scanID] == nil {
		b.topics[scanID] = make(map[*subscriber]struct{})
	}
	b.topics[scanID][sub] = struct{}{}
	b.mu.Unlock()

	metrics.Subscribers.Inc()

	return &core.Subscription{
		ScanID: scanID,
		C:      sub.ch,
		Cancel: func() { b.remove(sub) },
	}, nil
}

func (b *memoryBus) Unsubscribe(sub *core.Subscription) {
	if sub != nil && sub.Cancel != nil {
		sub.Cancel()
	}
}

func (b *memoryBus) remove(sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	if subs, ok := b.topics[sub.scanID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.topics, sub.scanID)
		}
	}
	close(sub.ch)
	metrics.Subscribers.Dec()
}

func (b *memoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.topics {
		for sub := range subs {
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
				metrics.Subscribers.Dec()
			}
		}
	}
	b.topics = make(map[string]map[*subscriber]struct{})
	return nil
}
