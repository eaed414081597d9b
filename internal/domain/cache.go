package domain

import (
	"context"
	"time"
)

// PoolCache keeps recent pool snapshots so a scan cycle does not refetch
// every market from the subgraph.
type PoolCache interface {
	Set(ctx context.Context, pool Pool, ttl time.Duration) error
	Get(ctx context.Context, marketID string) (Pool, error)
	Invalidate(ctx context.Context, marketID string) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// RateLimiter throttles calls to shared upstreams such as the subgraph and
// the JSON-RPC node.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string, limit int, window time.Duration) error
}
