package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"crmflow/internal/domain"
)

// RedisSink PUBLISHes notifications as JSON on one Redis channel.
type RedisSink struct {
	client  redis.UniversalClient
	channel string
}

func NewRedisSink(url, channel string) (*RedisSink, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if channel == "" {
		return nil, fmt.Errorf("redis channel is required")
	}
	return &RedisSink{client: redis.NewClient(opts), channel: channel}, nil
}

func (r *RedisSink) Name() string { return "redis" }

func (r *RedisSink) Accepts(domain.Notification) bool { return true }

func (r *RedisSink) Send(ctx context.Context, n domain.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, payload).Err()
}

func (r *RedisSink) Close() error {
	return r.client.Close()
}
