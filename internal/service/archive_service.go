package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/omenarb/internal/domain"
)

// ArchiveStats reports how many rows one archive run exported.
type ArchiveStats struct {
	Cutoff        time.Time `json:"cutoff"`
	Opportunities int64     `json:"opportunities"`
	Executions    int64     `json:"executions"`
	Audit         int64     `json:"audit"`
}

// ArchiveService exports history older than the retention window to cold
// storage on a fixed interval.
type ArchiveService struct {
	archiver      domain.Archiver
	retentionDays int
	interval      time.Duration
	running       sync.Mutex
	now           func() time.Time
	logger        *slog.Logger
}

// NewArchiveService creates an ArchiveService.
func NewArchiveService(archiver domain.Archiver, retentionDays int, interval time.Duration, logger *slog.Logger) *ArchiveService {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &ArchiveService{
		archiver:      archiver,
		retentionDays: retentionDays,
		interval:      interval,
		now:           time.Now,
		logger:        logger.With(slog.String("component", "archive_service")),
	}
}

// RunOnce archives every kind of history older than the retention window.
// A run already in progress yields domain.ErrLockHeld.
func (s *ArchiveService) RunOnce(ctx context.Context) (ArchiveStats, error) {
	if !s.running.TryLock() {
		return ArchiveStats{}, fmt.Errorf("archive_service: %w", domain.ErrLockHeld)
	}
	defer s.running.Unlock()

	stats := ArchiveStats{Cutoff: s.now().UTC().AddDate(0, 0, -s.retentionDays)}
	s.logger.InfoContext(ctx, "starting archive run",
		slog.Time("cutoff", stats.Cutoff),
		slog.Int("retention_days", s.retentionDays),
	)

	var err error
	if stats.Opportunities, err = s.archiver.ArchiveOpportunities(ctx, stats.Cutoff); err != nil {
		return stats, fmt.Errorf("archive_service: opportunities before %v: %w", stats.Cutoff, err)
	}
	if stats.Executions, err = s.archiver.ArchiveExecutions(ctx, stats.Cutoff); err != nil {
		return stats, fmt.Errorf("archive_service: executions before %v: %w", stats.Cutoff, err)
	}
	if stats.Audit, err = s.archiver.ArchiveAudit(ctx, stats.Cutoff); err != nil {
		return stats, fmt.Errorf("archive_service: audit before %v: %w", stats.Cutoff, err)
	}

	s.logger.InfoContext(ctx, "archive run complete",
		slog.Int64("opportunities", stats.Opportunities),
		slog.Int64("executions", stats.Executions),
		slog.Int64("audit", stats.Audit),
	)
	return stats, nil
}

// Run archives once per interval until ctx is cancelled. The first run
// happens after one interval so startup stays fast.
func (s *ArchiveService) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}
