package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/revulnera/revulnera/internal/config"
	"github.com/revulnera/revulnera/internal/core"
	"github.com/revulnera/revulnera/internal/logger"
	"github.com/revulnera/revulnera/internal/metrics"
	"github.com/revulnera/revulnera/pkg/types"
)

const channelPrefix = "revulnera:scan:"

// redisBus fans events out through Redis Pub/Sub so observers connected to
// any instance of the service see events published by every instance. Redis
// Pub/Sub is itself fire-and-forget, which matches the at-most-once
// contract: nothing is persisted or replayed.
type redisBus struct {
	client *redis.Client
	log    *logger.Logger

	mu   sync.Mutex
	subs map[*core.Subscription]*redis.PubSub
}

func NewRedisBus(cfg config.RedisConfig, log *logger.Logger) (core.EventBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &redisBus{
		client: client,
		log:    log.WithComponent("events"),
		subs:   make(map[*core.Subscription]*redis.PubSub),
	}, nil
}

func (b *redisBus) Publish(ctx context.Context, event types.Event) {
	metrics.EventsPublished.WithLabelValues(string(event.Type)).Inc()

	data, err := json.Marshal(event)
	if err != nil {
		b.log.WithScanID(event.ScanID).Errorw("Failed to marshal event",
			"error", err,
			"event_type", string(event.Type),
		)
		return
	}

	// Publish failures are invisible to the ingestion caller.
	if err := b.client.Publish(ctx, channelPrefix+event.ScanID, data).Err(); err != nil {
		b.log.WithScanID(event.ScanID).Warnw("Failed to publish event",
			"error", err,
			"event_type", string(event.Type),
		)
	}
}

func (b *redisBus) Subscribe(scanID string) (*core.Subscription, error) {
	pubsub := b.client.Subscribe(context.Background(), channelPrefix+scanID)

	// Force the subscription onto the wire before we hand the channel out,
	// so events published after Subscribe returns are not missed.
	if _, err := pubsub.Receive(context.Background()); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	out := make(chan types.Event, subscriberBuffer)
	sub := &core.Subscription{
		ScanID: scanID,
		C:      out,
	}

	b.mu.Lock()
	b.subs[sub] = pubsub
	b.mu.Unlock()
	metrics.Subscribers.Inc()

	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var event types.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.log.WithScanID(scanID).Warnw("Dropping undecodable event",
					"error", err,
				)
				continue
			}
			select {
			case out <- event:
			default:
				metrics.EventsDropped.Inc()
			}
		}
	}()

	sub.Cancel = func() { b.remove(sub) }
	return sub, nil
}

func (b *redisBus) Unsubscribe(sub *core.Subscription) {
	if sub != nil && sub.Cancel != nil {
		sub.Cancel()
	}
}

func (b *redisBus) remove(sub *core.Subscription) {
	b.mu.Lock()
	pubsub, ok := b.subs[sub]
	if ok {
		delete(b.subs, sub)
	}
	b.mu.Unlock()
	if ok {
		_ = pubsub.Close()
		metrics.Subscribers.Dec()
	}
}

func (b *redisBus) Close() error {
	b.mu.Lock()
	for sub, pubsub := range b.subs {
		_ = pubsub.Close()
		delete(b.subs, sub)
		metrics.Subscribers.Dec()
	}
	b.mu.Unlock()
	return b.client.Close()
}
