// Package redis provides a Redis pub/sub notification bus shared by both
// controllers.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/limiquantix/modmgmt/internal/config"
	"github.com/limiquantix/modmgmt/internal/domain"
	"github.com/limiquantix/modmgmt/internal/notify"
)

// Bus publishes data-changed notifications on one Redis channel.
type Bus struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

// Ensure Bus implements notify.Bus
var _ notify.Bus = (*Bus)(nil)

// NewBus creates a new Redis notification bus.
func NewBus(cfg config.RedisConfig, logger *zap.Logger) (*Bus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Connected to Redis",
		zap.String("addr", cfg.Address()),
		zap.String("channel", cfg.Channel),
	)

	return &Bus{client: client, channel: cfg.Channel, logger: logger.With(zap.String("component", "redis-bus"))}, nil
}

// Close closes the Redis connection.
func (b *Bus) Close() error {
	return b.client.Close()
}

// Health checks if Redis is reachable.
func (b *Bus) Health(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Publish implements notify.Bus.
func (b *Bus) Publish(ctx context.Context, ev notify.Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("%w: redis publish: %v", domain.ErrUnavailable, err)
	}
	return nil
}

// Subscribe implements notify.Bus. Events whose mask does not match are
// dropped before delivery.
func (b *Bus) Subscribe(ctx context.Context, mask domain.DeviceMask) (<-chan notify.Event, error) {
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}
	events := make(chan notify.Event, 100)

	go func() {
		defer close(events)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev notify.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.logger.Warn("Failed to unmarshal event", zap.Error(err))
					continue
				}
				if !notify.Matches(mask, ev) {
					continue
				}
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return events, nil
}
