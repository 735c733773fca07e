package broadcast

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const publishTimeout = 2 * time.Second

// RedisPublisher publishes events to Redis pub/sub so every instance's
// RedisRelay can forward them to its own listeners.
type RedisPublisher struct {
	client *redis.Client
	logger *zap.Logger
}

var _ Broadcaster = (*RedisPublisher)(nil)

// NewRedisPublisher wraps a connected client.
func NewRedisPublisher(client *redis.Client, logger *zap.Logger) *RedisPublisher {
	return &RedisPublisher{client: client, logger: logger.Named("broadcast")}
}

// Publish sends event to channel. Failures are logged and swallowed.
func (p *RedisPublisher) Publish(ctx context.Context, channel string, event any) {
	data, ok := encode(p.logger, channel, event)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		p.logger.Warn("Failed to publish progress event",
			zap.String("channel", channel),
			zap.Error(err))
	}
}

// RedisRelay forwards every message on prefix:* into a local Hub.
type RedisRelay struct {
	client *redis.Client
	hub    *Hub
	prefix string
	logger *zap.Logger
}

// NewRedisRelay creates a relay for channels starting with prefix.
func NewRedisRelay(client *redis.Client, hub *Hub, prefix string, logger *zap.Logger) *RedisRelay {
	return &RedisRelay{client: client, hub: hub, prefix: prefix, logger: logger.Named("broadcast.relay")}
}

// Run blocks until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context) error {
	pattern := r.prefix + ":*"
	sub := r.client.PSubscribe(ctx, pattern)
	defer func() { _ = sub.Close() }()

	// Wait for the subscription confirmation so publishes after Run starts are seen.
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	r.logger.Info("Relaying progress events", zap.String("pattern", pattern))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if !strings.HasPrefix(msg.Channel, r.prefix+":") {
				continue
			}
			r.hub.Deliver(msg.Channel, []byte(msg.Payload))
		}
	}
}
