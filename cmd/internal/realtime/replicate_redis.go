package realtime

import (
	"context"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"
)

const defaultRedisChannel = "herald:bus"

// RedisReplicator carries frames over one Redis Pub/Sub channel.
type RedisReplicator struct {
	client  *redis.Client
	channel string
}

// NewRedisReplicator connects to redisURL (redis://...) and verifies the connection.
func NewRedisReplicator(ctx context.Context, redisURL, channel string) (*RedisReplicator, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = defaultRedisChannel
	}
	return &RedisReplicator{client: client, channel: channel}, nil
}

// Publish sends one frame.
func (r *RedisReplicator) Publish(ctx context.Context, data []byte) error {
	return r.client.Publish(ctx, r.channel, data).Err()
}

// Subscribe delivers frames to handle until ctx ends.
func (r *RedisReplicator) Subscribe(ctx context.Context, handle func([]byte)) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer func() { _ = sub.Close() }()

	// Wait for the subscription confirmation so frames published after
	// Subscribe returns control are not lost.
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("realtime: redis subscription closed")
			}
			handle([]byte(msg.Payload))
		}
	}
}

// Ping checks the Redis connection.
func (r *RedisReplicator) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (r *RedisReplicator) Close() error {
	return r.client.Close()
}

var _ Replicator = (*RedisReplicator)(nil)
