package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/offerhub/escrowd/internal/retry"
)

// DefaultStream is the Redis stream escrow events are appended to.
const DefaultStream = "escrowd:events"

// RedisPublisher appends events to a capped Redis stream so downstream
// systems (reputation, ratings, statistics) can consume them.
type RedisPublisher struct {
	client  redis.UniversalClient
	stream  string
	maxLen  int64
	timeout time.Duration
	retry   retry.Policy
}

// NewRedisPublisher parses url (redis://...) and returns a publisher.
func NewRedisPublisher(url string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisPublisherWithClient(redis.NewClient(opts)), nil
}

// NewRedisPublisherWithClient wraps an existing client.
func NewRedisPublisherWithClient(client redis.UniversalClient) *RedisPublisher {
	return &RedisPublisher{
		client:  client,
		stream:  DefaultStream,
		maxLen:  100_000,
		timeout: 2 * time.Second,
		retry:   retry.Policy{Attempts: 3, BaseDelay: 25 * time.Millisecond, MaxDelay: 200 * time.Millisecond},
	}
}

func (p *RedisPublisher) Emit(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":      ev.Type,
			"escrow_id": ev.EscrowID,
			"payload":   string(payload),
		},
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	err = p.retry.Do(ctx, func(ctx context.Context) error {
		return p.client.XAdd(ctx, args).Err()
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

// Ping checks connectivity. Used by the readiness probe.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

var _ Emitter = (*RedisPublisher)(nil)
