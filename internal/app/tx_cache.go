/**
 * @description
 * This file implements the Redis fast path of the idempotency guard. A
 * settled provider transaction id is cached under `processed_tx:<id>` with a
 * TTL, letting webhook retries short-circuit before touching PostgreSQL. The
 * cache is advisory only: a miss (or an unreachable Redis) falls through to
 * the database unique index, which remains the source of truth.
 *
 * @dependencies
 * - github.com/redis/go-redis/v9: The official Go client for Redis.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const processedTxKeyPrefix = "processed_tx:"

// ProcessedTxCache is the advisory duplicate-transaction cache.
type ProcessedTxCache interface {
	IsProcessed(ctx context.Context, providerTxID string) bool
	MarkProcessed(ctx context.Context, providerTxID string)
}

// RedisTxCache implements ProcessedTxCache on Redis.
type RedisTxCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisTxCache creates a cache with the given entry TTL.
func NewRedisTxCache(client *redis.Client, ttl time.Duration) *RedisTxCache {
	if ttl <= 0 {
		ttl = 168 * time.Hour
	}
	return &RedisTxCache{client: client, ttl: ttl}
}

// IsProcessed reports whether the transaction id was recently settled.
// Errors count as a miss so Redis outages never block settlement.
func (c *RedisTxCache) IsProcessed(ctx context.Context, providerTxID string) bool {
	n, err := c.client.Exists(ctx, processedTxKeyPrefix+providerTxID).Result()
	if err != nil {
		log.Printf("level=warn component=tx_cache msg=\"cache lookup failed; falling through to database\" err=%v", err)
		return false
	}
	return n > 0
}

// MarkProcessed records a settled transaction id. Failures are logged and
// swallowed; the settlement has already committed.
func (c *RedisTxCache) MarkProcessed(ctx context.Context, providerTxID string) {
	if err := c.client.Set(ctx, processedTxKeyPrefix+providerTxID, 1, c.ttl).Err(); err != nil {
		log.Printf("level=warn component=tx_cache msg=\"failed to cache processed tx\" tx_id=%s err=%v", providerTxID, err)
	}
}

// NoopTxCache satisfies ProcessedTxCache when Redis is not configured.
type NoopTxCache struct{}

func (NoopTxCache) IsProcessed(ctx context.Context, providerTxID string) bool { return false }
func (NoopTxCache) MarkProcessed(ctx context.Context, providerTxID string)    {}

// NewRedisClient parses a Redis URL and verifies connectivity.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}
