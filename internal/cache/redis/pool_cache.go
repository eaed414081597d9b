package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/omenarb/internal/domain"
)

// PoolCache implements domain.PoolCache with one hash per market:
//
//	{prefix}:pool:{marketID} - field "data" holds the JSON snapshot,
//	                           "fetched_at" the snapshot time in unix ms
type PoolCache struct {
	c *Client
}

// NewPoolCache creates a PoolCache backed by the given Client.
func NewPoolCache(c *Client) *PoolCache {
	return &PoolCache{c: c}
}

func (pc *PoolCache) key(marketID string) string { return pc.c.Key("pool", marketID) }

// Set stores a snapshot for ttl.
func (pc *PoolCache) Set(ctx context.Context, pool domain.Pool, ttl time.Duration) error {
	data, err := json.Marshal(pool)
	if err != nil {
		return fmt.Errorf("redis: marshal pool %s: %w", pool.MarketID, err)
	}
	key := pc.key(pool.MarketID)
	pipe := pc.c.rdb.TxPipeline()
	pipe.HSet(ctx, key, "data", data, "fetched_at", pool.FetchedAt.UnixMilli())
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set pool %s: %w", pool.MarketID, err)
	}
	return nil
}

// Get returns the cached snapshot or domain.ErrNotFound.
func (pc *PoolCache) Get(ctx context.Context, marketID string) (domain.Pool, error) {
	data, err := pc.c.rdb.HGet(ctx, pc.key(marketID), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Pool{}, domain.ErrNotFound
		}
		return domain.Pool{}, fmt.Errorf("redis: get pool %s: %w", marketID, err)
	}
	var pool domain.Pool
	if err := json.Unmarshal(data, &pool); err != nil {
		return domain.Pool{}, fmt.Errorf("redis: unmarshal pool %s: %w", marketID, err)
	}
	return pool, nil
}

// Invalidate drops the cached snapshot.
func (pc *PoolCache) Invalidate(ctx context.Context, marketID string) error {
	if err := pc.c.rdb.Del(ctx, pc.key(marketID)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate pool %s: %w", marketID, err)
	}
	return nil
}

var _ domain.PoolCache = (*PoolCache)(nil)
