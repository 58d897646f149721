package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"argus/internal/adapters/config"
)

// Client wraps the Redis client with coordinator-specific helpers.
// Redis holds the ephemeral coordination state that must be visible across
// stateless handler invocations: parent-batch cancellation flags and
// short-lived duplicate-callback suppression marks.
type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client
func NewClient(cfg config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}

	return &Client{rdb: rdb}, nil
}

// Client returns the underlying Redis client
func (c *Client) Client() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func batchCancelKey(rebalanceRequestID string) string {
	return fmt.Sprintf("rebalance:cancelled:%s", rebalanceRequestID)
}

func callbackMarkKey(analysisID, phase, agent string) string {
	return fmt.Sprintf("callback:%s:%s:%s", analysisID, phase, agent)
}

// MarkBatchCancelled flags a rebalance batch as cancelled. Member analyses
// consult this flag on every callback.
func (c *Client) MarkBatchCancelled(ctx context.Context, rebalanceRequestID string, ttl time.Duration) error {
	return c.rdb.Set(ctx, batchCancelKey(rebalanceRequestID), "1", ttl).Err()
}

// IsBatchCancelled reports whether a rebalance batch has been cancelled.
// A missing key means not cancelled; errors are returned so callers can
// decide whether to fail open or closed.
func (c *Client) IsBatchCancelled(ctx context.Context, rebalanceRequestID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, batchCancelKey(rebalanceRequestID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkCallbackSeen records a completion callback and reports whether it was
// the first occurrence. Network retries from agent workers produce duplicate
// callbacks; the first caller wins, later ones see false.
func (c *Client) MarkCallbackSeen(ctx context.Context, analysisID, phase, agent string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, callbackMarkKey(analysisID, phase, agent), "1", ttl).Result()
}
