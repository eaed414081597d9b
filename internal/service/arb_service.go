package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/omenarb/internal/arbitrage"
	"github.com/alanyoungcy/omenarb/internal/domain"
	"github.com/alanyoungcy/omenarb/internal/executor"
)

// ArbConfig holds the tunable parameters of the complete-set scan.
type ArbConfig struct {
	Epsilon     float64
	MinSets     int
	MinProfit   float64
	Workers     int
	Interval    time.Duration
	LockTTL     time.Duration
	DedupWindow time.Duration
	AutoExecute bool
	Filter      domain.MarketFilter
}

// OpportunityExecutor places the legs of a sized opportunity.
type OpportunityExecutor interface {
	Execute(ctx context.Context, pool domain.Pool, opp domain.Opportunity) (domain.Execution, error)
}

// CycleStats summarises one scan cycle.
type CycleStats struct {
	Markets   int `json:"markets"`
	Skipped   int `json:"skipped"`
	Detected  int `json:"detected"`
	Recorded  int `json:"recorded"`
	Truncated int `json:"truncated"`
	Executed  int `json:"executed"`
	Failed    int `json:"failed"`
}

// ArbService runs the detect, size, record and (optionally) execute cycle
// over every market the snapshot provider lists.
type ArbService struct {
	pools    *PoolService
	detector *arbitrage.Detector
	sizer    *arbitrage.Sizer
	exec     OpportunityExecutor
	dedup    *executor.Dedup
	opps     domain.OpportunityStore
	execs    domain.ExecutionStore
	audit    domain.AuditStore
	locks    domain.LockManager
	bus      domain.SignalBus
	cfg      ArbConfig
	logger   *slog.Logger
}

// ArbDeps groups the collaborators of ArbService. Exec, Locks and Bus may be
// nil.
type ArbDeps struct {
	Pools    *PoolService
	Detector *arbitrage.Detector
	Sizer    *arbitrage.Sizer
	Exec     OpportunityExecutor
	Opps     domain.OpportunityStore
	Execs    domain.ExecutionStore
	Audit    domain.AuditStore
	Locks    domain.LockManager
	Bus      domain.SignalBus
}

// NewArbService creates an ArbService with all required dependencies.
func NewArbService(deps ArbDeps, cfg ArbConfig, logger *slog.Logger) *ArbService {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 10 * time.Minute
	}
	return &ArbService{
		pools:    deps.Pools,
		detector: deps.Detector,
		sizer:    deps.Sizer,
		exec:     deps.Exec,
		dedup:    executor.NewDedup(cfg.DedupWindow),
		opps:     deps.Opps,
		execs:    deps.Execs,
		audit:    deps.Audit,
		locks:    deps.Locks,
		bus:      deps.Bus,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "arb_service")),
	}
}

// Run executes a cycle immediately and then every cfg.Interval until ctx is
// cancelled. Cycle errors are logged; they do not stop the loop.
func (s *ArbService) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		stats, err := s.RunCycle(ctx)
		if err != nil && ctx.Err() == nil {
			s.logger.ErrorContext(ctx, "scan cycle failed", slog.String("error", err.Error()))
		} else if err == nil {
			s.logger.InfoContext(ctx, "scan cycle complete",
				slog.Int("markets", stats.Markets),
				slog.Int("detected", stats.Detected),
				slog.Int("recorded", stats.Recorded),
				slog.Int("executed", stats.Executed),
				slog.Int("failed", stats.Failed),
			)
		}
		s.dedup.Cleanup()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunCycle evaluates every listed market with a bounded worker pool. Each
// snapshot is owned by exactly one worker.
func (s *ArbService) RunCycle(ctx context.Context) (CycleStats, error) {
	ids, err := s.pools.ListMarkets(ctx, s.cfg.Filter)
	if err != nil {
		return CycleStats{}, fmt.Errorf("arb_service: %w", err)
	}

	var (
		mu    sync.Mutex
		stats = CycleStats{Markets: len(ids)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, id := range ids {
		g.Go(func() error {
			res := s.evaluateMarket(gctx, id)
			mu.Lock()
			stats.add(res)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}
	return stats, ctx.Err()
}

type marketResult struct {
	skipped, detected, recorded, truncated, executed, failed bool
}

func (c *CycleStats) add(r marketResult) {
	if r.skipped {
		c.Skipped++
	}
	if r.detected {
		c.Detected++
	}
	if r.recorded {
		c.Recorded++
	}
	if r.truncated {
		c.Truncated++
	}
	if r.executed {
		c.Executed++
	}
	if r.failed {
		c.Failed++
	}
}

func (s *ArbService) evaluateMarket(ctx context.Context, marketID string) marketResult {
	var res marketResult
	log := s.logger.With(slog.String("market", marketID))

	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, "market:"+marketID, s.cfg.LockTTL)
		if err != nil {
			if !errors.Is(err, domain.ErrLockHeld) {
				log.WarnContext(ctx, "market lock failed", slog.String("error", err.Error()))
			}
			res.skipped = true
			return res
		}
		defer unlock()
	}

	pool, err := s.pools.GetPool(ctx, marketID)
	if err != nil {
		log.WarnContext(ctx, "snapshot unavailable", slog.String("error", err.Error()))
		res.skipped = true
		return res
	}
	if !pool.Open {
		res.skipped = true
		return res
	}

	opp, ok, err := s.detector.Inspect(ctx, pool)
	if err != nil {
		res.skipped = true
		return res
	}
	if !ok {
		return res
	}
	res.detected = true

	if err := s.sizer.Size(ctx, pool, &opp, s.detector.Epsilon()); err != nil {
		log.WarnContext(ctx, "sizing failed", slog.String("error", err.Error()))
		res.failed = true
		return res
	}
	res.truncated = opp.Size.Truncated
	if opp.Size.Sets < s.cfg.MinSets || opp.ExpectedProfit < s.cfg.MinProfit {
		log.DebugContext(ctx, "opportunity below thresholds",
			slog.Int("sets", opp.Size.Sets),
			slog.Float64("expected_profit", opp.ExpectedProfit),
		)
		return res
	}

	opp.ID = uuid.New().String()
	if err := s.Record(ctx, opp); err != nil {
		log.WarnContext(ctx, "record failed", slog.String("error", err.Error()))
		res.failed = true
		return res
	}
	res.recorded = true

	if !s.cfg.AutoExecute || s.exec == nil {
		return res
	}
	key := executor.OpportunityKey(opp)
	if s.dedup.IsDuplicate(key) {
		log.DebugContext(ctx, "opportunity executed recently, skipping")
		return res
	}

	// Execute against a fresh snapshot; the cached one may be stale.
	fresh, err := s.pools.Refresh(ctx, marketID)
	if err != nil {
		s.dedup.Forget(key)
		log.WarnContext(ctx, "refresh before execution failed", slog.String("error", err.Error()))
		res.failed = true
		return res
	}
	exec, err := s.exec.Execute(ctx, fresh, opp)
	if exec.Committed == 0 {
		s.dedup.Forget(key)
	}
	if recErr := s.RecordExecution(ctx, exec); recErr != nil {
		log.WarnContext(ctx, "record execution failed", slog.String("error", recErr.Error()))
	}
	if err != nil {
		log.ErrorContext(ctx, "execution aborted",
			slog.String("opp_id", opp.ID),
			slog.Int("committed", exec.Committed),
			slog.String("error", err.Error()),
		)
		res.failed = true
		return res
	}
	res.executed = exec.Committed > 0
	return res
}

// Record persists an opportunity and publishes it to the signal bus.
func (s *ArbService) Record(ctx context.Context, opp domain.Opportunity) error {
	if err := s.opps.Insert(ctx, opp); err != nil {
		return fmt.Errorf("arb_service: insert opportunity: %w", err)
	}

	s.publish(ctx, ChannelOpportunities, map[string]any{
		"event":           "opportunity",
		"opp_id":          opp.ID,
		"market_id":       opp.MarketID,
		"classification":  opp.Classification,
		"deviation":       opp.Deviation,
		"sets":            opp.Size.Sets,
		"truncated":       opp.Size.Truncated,
		"expected_profit": opp.ExpectedProfit,
	})

	if auditErr := s.audit.Log(ctx, "opportunity_recorded", map[string]any{
		"opp_id":          opp.ID,
		"market_id":       opp.MarketID,
		"classification":  string(opp.Classification),
		"deviation":       opp.Deviation,
		"sets":            opp.Size.Sets,
		"expected_profit": opp.ExpectedProfit,
	}); auditErr != nil {
		s.logger.WarnContext(ctx, "arb_service: audit log failed",
			slog.String("opp_id", opp.ID),
			slog.String("error", auditErr.Error()),
		)
	}

	s.logger.InfoContext(ctx, "arb_service: opportunity recorded",
		slog.String("opp_id", opp.ID),
		slog.String("classification", string(opp.Classification)),
		slog.Float64("deviation", opp.Deviation),
		slog.Int("sets", opp.Size.Sets),
	)
	return nil
}

// RecordExecution persists an execution, marks its opportunity executed when
// any leg committed, and publishes it.
func (s *ArbService) RecordExecution(ctx context.Context, exec domain.Execution) error {
	if err := s.execs.Create(ctx, exec); err != nil {
		return fmt.Errorf("arb_service: create execution: %w", err)
	}
	if exec.Committed > 0 && exec.OpportunityID != "" {
		if err := s.opps.MarkExecuted(ctx, exec.OpportunityID); err != nil {
			return fmt.Errorf("arb_service: mark executed %q: %w", exec.OpportunityID, err)
		}
	}

	s.publish(ctx, ChannelExecutions, map[string]any{
		"event":     "execution",
		"exec_id":   exec.ID,
		"opp_id":    exec.OpportunityID,
		"market_id": exec.MarketID,
		"status":    exec.Status,
		"committed": exec.Committed,
	})
	if auditErr := s.audit.Log(ctx, "execution_recorded", map[string]any{
		"exec_id":       exec.ID,
		"opp_id":        exec.OpportunityID,
		"status":        string(exec.Status),
		"committed":     exec.Committed,
		"justification": exec.Justification,
		"error":         exec.Error,
	}); auditErr != nil {
		s.logger.WarnContext(ctx, "arb_service: audit log failed",
			slog.String("exec_id", exec.ID),
			slog.String("error", auditErr.Error()),
		)
	}
	return nil
}

// ListRecent returns the most recent opportunities.
func (s *ArbService) ListRecent(ctx context.Context, limit int) ([]domain.Opportunity, error) {
	opps, err := s.opps.ListRecent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("arb_service: list recent: %w", err)
	}
	return opps, nil
}

// ListExecutions returns the most recent executions.
func (s *ArbService) ListExecutions(ctx context.Context, limit int) ([]domain.Execution, error) {
	execs, err := s.execs.ListRecent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("arb_service: list executions: %w", err)
	}
	return execs, nil
}

// GetExecution returns one execution with its placed trades.
func (s *ArbService) GetExecution(ctx context.Context, id string) (domain.Execution, error) {
	exec, err := s.execs.GetByID(ctx, id)
	if err != nil {
		return domain.Execution{}, fmt.Errorf("arb_service: get execution %q: %w", id, err)
	}
	return exec, nil
}

func (s *ArbService) publish(ctx context.Context, channel string, evt map[string]any) {
	if s.bus == nil {
		return
	}
	payload, _ := json.Marshal(evt)
	if err := s.bus.Publish(ctx, channel, payload); err != nil {
		s.logger.WarnContext(ctx, "arb_service: publish event failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}
