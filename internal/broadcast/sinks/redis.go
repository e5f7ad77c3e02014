package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/crawl-supervisor/internal/broadcast"
)

const redisPingTimeout = 5 * time.Second

// DefaultRedisChannelPrefix prefixes the per-session channel name.
const DefaultRedisChannelPrefix = "crawl:progress:"

// RedisConfig describes the Redis connection used by RedisSink.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient opens a client and verifies the connection with a ping.
func NewRedisClient(cfg RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// RedisSink publishes each message as JSON on "<prefix><session_id>" so
// other processes (or other replicas' websocket gateways) can subscribe.
type RedisSink struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisSink wraps an existing client. An empty prefix uses
// DefaultRedisChannelPrefix.
func NewRedisSink(client redis.UniversalClient, prefix string) (*RedisSink, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if prefix == "" {
		prefix = DefaultRedisChannelPrefix
	}
	return &RedisSink{client: client, prefix: prefix}, nil
}

// Name implements broadcast.Sink.
func (s *RedisSink) Name() string { return "redis" }

// Channel returns the channel a message for sessionID is published on.
func (s *RedisSink) Channel(sessionID string) string {
	return broadcast.Message{SessionID: sessionID}.Topic(s.prefix)
}

// Consume publishes the batch in a single pipeline.
func (s *RedisSink) Consume(ctx context.Context, batch []broadcast.Message) error {
	if len(batch) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, msg := range batch {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal broadcast: %w", err)
		}
		pipe.Publish(ctx, msg.Topic(s.prefix), data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (s *RedisSink) Close(context.Context) error {
	if err := s.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}
