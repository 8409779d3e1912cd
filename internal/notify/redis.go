package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"trading-control/internal/events"
)

// RedisSink publishes JSON messages on a pub/sub channel. Subscribers can
// filter by user on the "<channel>:<user id>" channel as well.
type RedisSink struct {
	client  *redis.Client
	channel string
}

// RedisOptions configures the client.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

func NewRedisSink(opts RedisOptions) *RedisSink {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		MaxRetries:   1,
	})
	return NewRedisSinkWithClient(client, opts.Channel)
}

func NewRedisSinkWithClient(client *redis.Client, channel string) *RedisSink {
	if channel == "" {
		channel = "trading:notifications"
	}
	return &RedisSink{client: client, channel: channel}
}

func (s *RedisSink) Name() string { return "redis" }

// Ping checks connectivity.
func (s *RedisSink) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (s *RedisSink) Send(ctx context.Context, m events.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode %s: %w", m.Topic, err)
	}
	pipe := s.client.Pipeline()
	pipe.Publish(ctx, s.channel, data)
	if m.UserID != "" {
		pipe.Publish(ctx, s.channel+":"+m.UserID, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish %s: %w", m.Topic, err)
	}
	return nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
