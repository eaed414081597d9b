package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/omenarb/internal/domain"
)

// PoolService serves pool snapshots, checking the cache first and falling
// back to the snapshot provider.
type PoolService struct {
	provider domain.SnapshotProvider
	cache    domain.PoolCache
	ttl      time.Duration
	logger   *slog.Logger
}

// NewPoolService creates a PoolService. cache may be nil.
func NewPoolService(
	provider domain.SnapshotProvider,
	cache domain.PoolCache,
	ttl time.Duration,
	logger *slog.Logger,
) *PoolService {
	return &PoolService{
		provider: provider,
		cache:    cache,
		ttl:      ttl,
		logger:   logger.With(slog.String("component", "pool_service")),
	}
}

// GetPool returns a snapshot for marketID. Cached entries that no longer
// validate are ignored.
func (s *PoolService) GetPool(ctx context.Context, marketID string) (domain.Pool, error) {
	if s.cache != nil && s.ttl > 0 {
		if p, err := s.cache.Get(ctx, marketID); err == nil && p.Validate() == nil {
			return p, nil
		}
	}

	p, err := s.provider.GetPoolSnapshot(ctx, marketID)
	if err != nil {
		return domain.Pool{}, fmt.Errorf("pool_service: snapshot %q: %w", marketID, err)
	}

	// Back-fill cache; log but do not fail on cache write errors.
	if s.cache != nil && s.ttl > 0 {
		if cacheErr := s.cache.Set(ctx, p, s.ttl); cacheErr != nil {
			s.logger.WarnContext(ctx, "pool_service: cache set failed",
				slog.String("market_id", marketID),
				slog.String("error", cacheErr.Error()),
			)
		}
	}
	return p, nil
}

// Refresh drops the cached snapshot and fetches a fresh one. Executions use
// it so legs are never computed against a stale pool.
func (s *PoolService) Refresh(ctx context.Context, marketID string) (domain.Pool, error) {
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, marketID); err != nil {
			s.logger.WarnContext(ctx, "pool_service: cache invalidate failed",
				slog.String("market_id", marketID),
				slog.String("error", err.Error()),
			)
		}
	}
	p, err := s.provider.GetPoolSnapshot(ctx, marketID)
	if err != nil {
		return domain.Pool{}, fmt.Errorf("pool_service: refresh %q: %w", marketID, err)
	}
	return p, nil
}

// ListMarkets returns the market ids matching filter.
func (s *PoolService) ListMarkets(ctx context.Context, filter domain.MarketFilter) ([]string, error) {
	ids, err := s.provider.GetMarkets(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("pool_service: list markets: %w", err)
	}
	return ids, nil
}
