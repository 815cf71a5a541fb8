package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis implements Store on a Redis connection. Reads are plain GETs and
// writes go through a pipelined MULTI/EXEC; there is no distributed lock,
// matching the best-effort consistency model of the budget counters.
type Redis struct {
	client *redis.Client
}

// NewRedis connects using a redis:// URL.
func NewRedis(url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return &Redis{client: redis.NewClient(opts)}, nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Remaining(ctx context.Context, identity string) (string, bool, error) {
	val, err := r.client.Get(ctx, remainingKey(identity)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("budget read failed: %w", err)
	}
	return val, true, nil
}

func (r *Redis) Commit(ctx context.Context, identity string, tokens int64) error {
	pipe := r.client.TxPipeline()
	pipe.DecrBy(ctx, remainingKey(identity), tokens)
	pipe.IncrBy(ctx, usageKey(identity), tokens)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("usage commit failed: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Ping verifies connectivity at startup.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
