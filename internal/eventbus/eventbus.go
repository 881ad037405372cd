// Package eventbus implements the Event Bus (spec §4.7): an in-process
// publish/subscribe fan-out, optionally mirrored across processes over
// Redis pub/sub. The in-process half is grounded on the teacher's
// runtime/agent/hooks.Bus (a mutex-guarded subscriber map with a
// Register/Subscription handle pair); the Redis half's
// subscribe-decode-dispatch goroutine shape follows
// features/stream/pulse.Subscriber, adapted from a Pulse sink to a
// redis.PubSub channel.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Event type constants, the subset of spec §4.7's taxonomy most relevant
// to the core engine.
const (
	TypeDefinitionUpdated = "workflow.definition.updated"
	TypeRunUpdated        = "workflow.run.updated"
	TypeRunPending        = "workflow.run.pending"
	TypeRunRunning        = "workflow.run.running"
	TypeRunSucceeded      = "workflow.run.succeeded"
	TypeRunFailed         = "workflow.run.failed"
	TypeRunCanceled       = "workflow.run.canceled"
	TypeEventReceived     = "workflow.event.received"
	TypeJobRunUpdated     = "job.run.updated"
	TypeJobRunPending     = "job.run.pending"
	TypeJobRunRunning     = "job.run.running"
	TypeJobRunSucceeded   = "job.run.succeeded"
	TypeJobRunFailed      = "job.run.failed"
	TypeJobRunCanceled    = "job.run.canceled"
	TypeJobRunExpired     = "job.run.expired"
	TypeBundlePublished   = "job.bundle.published"
	TypeBundleUpdated     = "job.bundle.updated"
	TypeBundleDeprecated  = "job.bundle.deprecated"
	TypeAssetProduced     = "asset.produced"
	TypeAssetExpired      = "asset.expired"
	TypeAnalyticsSnapshot = "workflow.analytics.snapshot"
)

// Event is one message carried on the bus. Origin identifies the
// publishing Bus (a random UUID generated once per Bus); a subscriber mirrored
// in from Redis drops any Event whose Origin matches its own bus's origin
// to avoid re-delivering its own publications back to itself.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Origin     string          `json:"origin"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurredAt"`
}

// Subscriber receives every Event published to the bus until its
// Subscription is closed.
type Subscriber func(ctx context.Context, event Event)

// Subscription is a handle returned by Subscribe; closing it is idempotent.
type Subscription struct {
	bus  *Bus
	id   uint64
	once sync.Once
}

// Close unregisters the subscriber. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subscribers, s.id)
		s.bus.mu.Unlock()
	})
}

// Bus fans events out in-process and, when configured with a Redis client,
// mirrors them across processes on a single channel.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uint64]Subscriber
	nextID      uint64

	origin string
	logger *slog.Logger

	redisClient   *redis.Client
	channel       string
	mirrorHealthy atomic.Bool
	logOnce       sync.Once
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithRedis enables cross-process mirroring over the given channel.
func WithRedis(client *redis.Client, channel string) Option {
	return func(b *Bus) {
		b.redisClient = client
		b.channel = channel
	}
}

func WithLogger(logger *slog.Logger) Option { return func(b *Bus) { b.logger = logger } }

// New builds a Bus. Call Start to begin consuming the Redis mirror, if one
// was configured; Publish works immediately either way.
func New(opts ...Option) *Bus {
	b := &Bus{
		subscribers: make(map[uint64]Subscriber),
		origin:      uuid.NewString(),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers fn to receive every subsequently published Event.
func (b *Bus) Subscribe(fn Subscriber) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subscribers[id] = fn
	return &Subscription{bus: b, id: id}
}

// Publish implements internal/assets.EventPublisher (and the equivalent
// publisher surface internal/trigger, internal/scheduler, and
// internal/automaterialize use). It always delivers in-process first, then
// best-effort mirrors to Redis if a broker is configured and currently
// reachable; a broker outage never blocks or fails the publish.
func (b *Bus) Publish(ctx context.Context, eventType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	event := Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		Origin:     b.origin,
		Payload:    raw,
		OccurredAt: time.Now().UTC(),
	}
	b.dispatchLocal(ctx, event)

	if b.redisClient == nil || !b.mirrorHealthy.Load() {
		return nil
	}
	envelope, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}
	if err := b.redisClient.Publish(ctx, b.channel, envelope).Err(); err != nil {
		b.disableMirror("failed to publish to redis, falling back to inline-only mode", err)
	}
	return nil
}

// Start opens the Redis subscription and begins mirroring remote events
// in. If the broker is unreachable, the bus logs once and runs
// inline-only; Start itself never returns an error for a broker outage,
// since the engine must never block on an external dependency for its own
// event delivery.
func (b *Bus) Start(ctx context.Context) error {
	if b.redisClient == nil {
		return nil
	}
	pubsub := b.redisClient.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		b.disableMirror("event bus broker unreachable, running inline-only", err)
		_ = pubsub.Close()
		return nil
	}
	b.mirrorHealthy.Store(true)
	go b.consume(ctx, pubsub)
	return nil
}

func (b *Bus) consume(ctx context.Context, pubsub *redis.PubSub) {
	defer pubsub.Close()
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.logger.Warn("discarding malformed event bus message", slog.String("error", err.Error()))
				continue
			}
			if event.Origin == b.origin {
				continue // our own publish, already delivered locally
			}
			b.dispatchLocal(ctx, event)
		}
	}
}

func (b *Bus) dispatchLocal(ctx context.Context, event Event) {
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.RUnlock()
	for _, s := range subs {
		s(ctx, event)
	}
}

func (b *Bus) disableMirror(message string, err error) {
	b.mirrorHealthy.Store(false)
	b.logOnce.Do(func() {
		b.logger.Warn(message, slog.String("error", err.Error()), slog.String("channel", b.channel))
	})
}

// Close releases the Redis client, if any.
func (b *Bus) Close() error {
	if b.redisClient == nil {
		return nil
	}
	return b.redisClient.Close()
}
