package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eldtechnologies/leasehold/internal/metrics"
	"github.com/eldtechnologies/leasehold/internal/models"
)

const relayChannelPrefix = "relay:events:"

// RedisStore handles Redis operations for rate limiting and cross-instance
// relay fan-out.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Client returns the underlying Redis client.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// relayChannel returns the pub/sub channel for a session's events.
func relayChannel(sessionID string) string {
	return fmt.Sprintf("%s%s", relayChannelPrefix, sessionID)
}

// PublishEvent fans an event out to every instance.
func (s *RedisStore) PublishEvent(ctx context.Context, evt models.RealtimeEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	start := time.Now()
	defer func() { metrics.RedisLatency.Observe(time.Since(start).Seconds()) }()
	return s.client.Publish(ctx, relayChannel(evt.SessionID), payload).Err()
}

// SubscribeEvents pattern-subscribes to every session channel. The caller
// reads from the returned PubSub and must close it.
func (s *RedisStore) SubscribeEvents(ctx context.Context) *redis.PubSub {
	return s.client.PSubscribe(ctx, relayChannelPrefix+"*")
}

// DecodeEvent parses a relay message. The session ID is taken from the
// channel name when the payload omits it.
func DecodeEvent(msg *redis.Message) (models.RealtimeEvent, error) {
	var evt models.RealtimeEvent
	if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
		return evt, err
	}
	if evt.SessionID == "" {
		evt.SessionID = strings.TrimPrefix(msg.Channel, relayChannelPrefix)
	}
	return evt, nil
}
