package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/omenarb/internal/amm"
	"github.com/alanyoungcy/omenarb/internal/arbitrage"
	"github.com/alanyoungcy/omenarb/internal/domain"
	"github.com/alanyoungcy/omenarb/internal/executor"
	"github.com/alanyoungcy/omenarb/internal/platform/omen"
	"github.com/alanyoungcy/omenarb/internal/server"
	"github.com/alanyoungcy/omenarb/internal/server/handler"
	"github.com/alanyoungcy/omenarb/internal/server/ws"
	"github.com/alanyoungcy/omenarb/internal/service"
)

// hubChannels are the bus channels relayed to WebSocket clients.
var hubChannels = []string{
	service.ChannelOpportunities,
	service.ChannelExecutions,
	service.ChannelReports,
	service.ChannelPairs,
}

// engine holds the services built on top of Dependencies for one run.
type engine struct {
	oracle    string
	arb       *service.ArbService
	pairs     *service.PairService
	sizing    *service.SizingService
	archive   *service.ArchiveService // nil unless archiving is enabled
	executing bool
	startedAt time.Time
}

// buildEngine assembles the detection, sizing and execution services.
// executeArb and executePairs select whether trades are actually placed.
func (a *App) buildEngine(ctx context.Context, deps *Dependencies, executeArb, executePairs bool) (*engine, error) {
	sink := service.MultiSink{
		service.NewLogSink(a.logger),
		service.NewBusSink(deps.SignalBus, a.logger),
		deps.Notifier,
	}

	pools := service.NewPoolService(deps.Subgraph, deps.PoolCache, a.cfg.Omen.CacheTTL.Duration, a.logger)

	oracles := arbitrage.NewRegistry()
	oracles.Register("fpmm", amm.NewFPMM())
	oracles.Register("linear", amm.NewLinear())
	if deps.Eth != nil {
		oracles.Register("router", omen.NewRouterOracle(deps.Eth, a.cfg.Sizing.RouterIterations))
	}
	oracleName := strings.ToLower(a.cfg.Sizing.Oracle)
	oracle, err := oracles.Get(oracleName)
	if err != nil {
		return nil, fmt.Errorf("app: select oracle: %w", err)
	}
	a.logger.InfoContext(ctx, "price-impact oracle selected",
		slog.String("oracle", oracleName),
		slog.Any("available", oracles.List()),
	)

	detector := arbitrage.NewDetector(a.cfg.Arbitrage.Epsilon, sink, a.logger)
	sizer := arbitrage.NewSizer(oracle, a.cfg.Sizing.MaxIterations, sink, a.logger)

	var (
		opExec  service.OpportunityExecutor
		placer  service.PairPlacer
		chainEx *omen.ChainExecutor
	)
	if executeArb || executePairs {
		if deps.Eth == nil || deps.Key == nil {
			return nil, errors.New("app: execution requires a chain connection and wallet")
		}
		chainEx, err = omen.NewChainExecutor(deps.Eth, deps.Key, pools, omen.ChainConfig{
			Collateral:        a.cfg.Chain.Collateral,
			ConditionalTokens: a.cfg.Chain.ConditionalTokens,
			Decimals:          deps.Decimals,
			GasLimit:          a.cfg.Chain.GasLimit,
			GasMultiplier:     a.cfg.Chain.GasMultiplier,
			ApproveMax:        a.cfg.Chain.ApproveMax,
			MaxRetries:        a.cfg.Chain.MaxRetries,
			RetryBackoff:      a.cfg.Chain.RetryBackoff.Duration,
			ReceiptPoll:       a.cfg.Chain.ReceiptPoll.Duration,
			ReceiptTimeout:    a.cfg.Chain.ReceiptTimeout.Duration,
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("app: chain executor: %w", err)
		}
		seqCfg := executor.SequencerConfig{
			Account:           chainEx.Account(),
			ConditionalTokens: a.cfg.Chain.ConditionalTokens,
			SlippageTolerance: a.cfg.Arbitrage.SlippageTolerance,
			OutcomeTolerance:  a.cfg.Arbitrage.OutcomeTolerance,
		}
		if executeArb {
			opExec = executor.NewSequencer(chainEx, oracle, sink, seqCfg, a.logger)
		}
		if executePairs {
			placer = executor.NewPairExecutor(chainEx, deps.Subgraph, oracle, sink, seqCfg, a.logger)
		}
		a.logger.InfoContext(ctx, "execution enabled",
			slog.String("account", chainEx.Account()),
			slog.Bool("arbitrage", executeArb),
			slog.Bool("pairs", executePairs),
		)
	}

	arbSvc := service.NewArbService(service.ArbDeps{
		Pools:    pools,
		Detector: detector,
		Sizer:    sizer,
		Exec:     opExec,
		Opps:     deps.Opportunities,
		Execs:    deps.Executions,
		Audit:    deps.Audit,
		Locks:    deps.LockManager,
		Bus:      deps.SignalBus,
	}, service.ArbConfig{
		Epsilon:     a.cfg.Arbitrage.Epsilon,
		MinSets:     a.cfg.Arbitrage.MinSets,
		MinProfit:   a.cfg.Arbitrage.MinProfit,
		Workers:     a.cfg.Arbitrage.Workers,
		Interval:    a.cfg.Arbitrage.ScanInterval.Duration,
		LockTTL:     a.cfg.Redis.LockTTL.Duration,
		DedupWindow: a.cfg.Arbitrage.DedupWindow.Duration,
		AutoExecute: executeArb,
		Filter: domain.MarketFilter{
			MinLiquidity: a.cfg.Omen.MinLiquidity,
			MaxOutcomes:  a.cfg.Omen.MaxOutcomes,
			Collateral:   a.cfg.Omen.Collateral,
			Limit:        a.cfg.Omen.MarketLimit,
			OpenOnly:     a.cfg.Omen.OpenOnly,
		},
	}, a.logger)

	pairSvc := service.NewPairService(deps.Pairs, pools, placer, arbSvc, sink, deps.SignalBus, service.PairConfig{
		StakePerPair:     a.cfg.Pairs.StakePerPair,
		MinProfitPerUnit: a.cfg.Pairs.MinProfitPerUnit,
		Interval:         a.cfg.Pairs.Interval.Duration,
		AutoExecute:      executePairs,
	}, a.logger)

	sizingSvc := service.NewSizingService(pools, deps.Decimals[strings.ToLower(a.cfg.Chain.Collateral)], amm.MarketMoveConfig{
		MaxIterations:      a.cfg.Sizing.MarketMoveIterations,
		Tolerance:          a.cfg.Sizing.MarketMoveTolerance,
		InvariantTolerance: a.cfg.Sizing.InvariantTolerance,
		BracketMultiple:    a.cfg.Sizing.BracketMultiple,
	}, a.logger)

	var archiveSvc *service.ArchiveService
	if deps.Archiver != nil {
		archiveSvc = service.NewArchiveService(deps.Archiver, a.cfg.Archive.RetentionDays, a.cfg.Archive.Interval.Duration, a.logger)
	}

	return &engine{
		oracle:    oracleName,
		arb:       arbSvc,
		pairs:     pairSvc,
		sizing:    sizingSvc,
		archive:   archiveSvc,
		executing: executeArb || executePairs,
		startedAt: time.Now().UTC(),
	}, nil
}

// ScanMode detects, sizes and records complete-set opportunities without
// trading.
func (a *App) ScanMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting scan mode")

	eng, err := a.buildEngine(ctx, deps, false, false)
	if err != nil {
		return fmt.Errorf("scan mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.arb.Run(ctx) })
	a.startArchiver(ctx, g, eng)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, eng)
	}
	return g.Wait()
}

// ArbitrageMode runs the complete-set scan and executes every opportunity
// that clears the profit floor.
func (a *App) ArbitrageMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting arbitrage mode")

	eng, err := a.buildEngine(ctx, deps, true, false)
	if err != nil {
		return fmt.Errorf("arbitrage mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.arb.Run(ctx) })
	a.startArchiver(ctx, g, eng)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, eng)
	}
	return g.Wait()
}

// PairsMode evaluates the registered correlated pairs on an interval and
// places the hedged legs when pairs.auto_execute is set.
func (a *App) PairsMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting pairs mode",
		slog.Bool("auto_execute", a.cfg.Pairs.AutoExecute),
	)

	eng, err := a.buildEngine(ctx, deps, false, a.cfg.Pairs.AutoExecute)
	if err != nil {
		return fmt.Errorf("pairs mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.pairs.Run(ctx) })
	a.startArchiver(ctx, g, eng)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, eng)
	}
	return g.Wait()
}

// ServerMode serves the HTTP API only. Scans and pair cycles run on demand
// through the API; nothing trades.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	eng, err := a.buildEngine(ctx, deps, false, false)
	if err != nil {
		return fmt.Errorf("server mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startArchiver(ctx, g, eng)
	// HTTP server is always started in server mode.
	a.startHTTPServer(ctx, g, deps, eng)
	return g.Wait()
}

// FullMode runs the complete-set scan, the pair loop, the archiver and the
// HTTP server together. Each loop executes only when its auto_execute flag
// is set.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode",
		slog.Bool("arbitrage_auto_execute", a.cfg.Arbitrage.AutoExecute),
		slog.Bool("pairs_auto_execute", a.cfg.Pairs.AutoExecute),
	)

	eng, err := a.buildEngine(ctx, deps, a.cfg.Arbitrage.AutoExecute, a.cfg.Pairs.AutoExecute)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.arb.Run(ctx) })
	g.Go(func() error { return eng.pairs.Run(ctx) })
	a.startArchiver(ctx, g, eng)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, eng)
	}
	return g.Wait()
}

// startArchiver runs the cold-storage export loop when archiving is enabled.
func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, eng *engine) {
	if eng.archive == nil {
		return
	}
	g.Go(func() error { return eng.archive.Run(ctx) })
}

// startHTTPServer registers the API handlers and the WebSocket hub and runs
// the server until ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, eng *engine) {
	health := handler.NewHealthHandler(a.logger)
	for name, check := range deps.Checks {
		health.WithCheck(name, check)
	}

	handlers := server.Handlers{
		Health: health,
		Status: handler.NewStatusHandler(a.cfg.Mode, eng.oracle, eng.executing),
		Arb:    handler.NewArbHandler(eng.arb, a.logger),
		Pairs:  handler.NewPairHandler(eng.pairs, a.logger),
		Sizing: handler.NewSizingHandler(eng.sizing, a.logger),
	}
	if deps.BlobReader != nil {
		// A nil *ArchiveService must not become a non-nil interface.
		var runner handler.ArchiveRunner
		if eng.archive != nil {
			runner = eng.archive
		}
		handlers.Archive = handler.NewArchiveHandler(deps.BlobReader, runner, a.logger)
	}

	hub := ws.NewHub(deps.SignalBus, hubChannels, ws.Config{
		Mode:      a.cfg.Mode,
		Oracle:    eng.oracle,
		StartedAt: eng.startedAt,
	}, a.logger)
	g.Go(func() error {
		if err := hub.Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	})

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", a.cfg.Server.Port)),
		)
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
