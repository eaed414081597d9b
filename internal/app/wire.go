package app

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/ethclient"

	s3blob "github.com/alanyoungcy/omenarb/internal/blob/s3"
	"github.com/alanyoungcy/omenarb/internal/cache/redis"
	"github.com/alanyoungcy/omenarb/internal/config"
	"github.com/alanyoungcy/omenarb/internal/crypto"
	"github.com/alanyoungcy/omenarb/internal/domain"
	"github.com/alanyoungcy/omenarb/internal/notify"
	"github.com/alanyoungcy/omenarb/internal/platform/omen"
	"github.com/alanyoungcy/omenarb/internal/server/handler"
	"github.com/alanyoungcy/omenarb/internal/store/postgres"
)

// Dependencies bundles every infrastructure dependency the application modes
// need. It is constructed by Wire and torn down by the returned cleanup
// function.
type Dependencies struct {
	// Stores
	Opportunities *postgres.OpportunityStore
	Executions    *postgres.ExecutionStore
	Pairs         *postgres.PairStore
	Audit         *postgres.AuditStore

	// Caches
	PoolCache   domain.PoolCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage (nil unless archiving is enabled)
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	// Market data and chain access
	Subgraph *omen.SubgraphClient
	Decimals map[string]int32  // token precision keyed by lowercased address
	Eth      *ethclient.Client // nil unless a wallet or the router oracle needs it
	Key      *ecdsa.PrivateKey // nil unless the mode can trade

	// Notifications
	Notifier *notify.Notifier

	// Checks are the dependency probes reported by /api/health.
	Checks map[string]handler.CheckFunc
}

// needsChain returns true when the process must talk to the JSON-RPC node.
func needsChain(cfg *config.Config) bool {
	return cfg.NeedsWallet() || strings.EqualFold(cfg.Sizing.Oracle, "router")
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(step string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", step, err)
	}

	deps := &Dependencies{Checks: make(map[string]handler.CheckFunc)}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		return fail("postgres", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			return fail("postgres migrations", err)
		}
	}

	pool := pgClient.Pool()
	deps.Opportunities = postgres.NewOpportunityStore(pool)
	deps.Executions = postgres.NewExecutionStore(pool)
	deps.Pairs = postgres.NewPairStore(pool)
	deps.Audit = postgres.NewAuditStore(pool)
	deps.Checks["postgres"] = pgClient.Ping

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
		Prefix:     cfg.Redis.Prefix,
	})
	if err != nil {
		return fail("redis", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.PoolCache = redis.NewPoolCache(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)
	deps.Checks["redis"] = redisClient.Ping

	// --- S3 blob storage (only when archiving is enabled) ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("s3", err)
		}

		writer := s3blob.NewWriter(s3Client)
		reader := s3blob.NewReader(s3Client)
		deps.BlobWriter = writer
		deps.BlobReader = reader
		deps.Archiver = s3blob.NewArchiver(writer, reader, deps.Opportunities, deps.Executions, deps.Audit)
		deps.Checks["s3"] = s3Client.Health
	}

	// --- Omen subgraph ---
	deps.Decimals = lowerDecimals(cfg.Omen.Decimals)
	deps.Subgraph = omen.NewSubgraphClient(omen.SubgraphConfig{
		URL:             cfg.Omen.SubgraphURL,
		APIKey:          cfg.Omen.APIKey,
		Decimals:        deps.Decimals,
		CollateralRates: lowerRates(cfg.Omen.CollateralRates),
		Timeout:         cfg.Omen.Timeout.Duration,
		RateLimit:       cfg.Omen.RateLimit,
		RateWindow:      cfg.Omen.RateWindow.Duration,
	}, deps.RateLimiter)

	// --- Chain ---
	if needsChain(cfg) {
		eth, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
		if err != nil {
			return fail("rpc dial", err)
		}
		closers = append(closers, eth.Close)

		chainID, err := eth.ChainID(ctx)
		if err != nil {
			return fail("rpc chain id", err)
		}
		if want := big.NewInt(int64(cfg.Chain.ChainID)); chainID.Cmp(want) != 0 {
			return fail("rpc chain id", fmt.Errorf("node reports %s, config expects %s", chainID, want))
		}
		deps.Eth = eth
		deps.Checks["rpc"] = func(ctx context.Context) error {
			_, err := eth.BlockNumber(ctx)
			return err
		}
	}

	if cfg.NeedsWallet() {
		key, err := crypto.LoadKey(crypto.KeyConfig{
			RawPrivateKey:    cfg.Wallet.PrivateKey,
			EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
			KeyPassword:      cfg.Wallet.KeyPassword,
		})
		if err != nil {
			return fail("wallet", err)
		}
		deps.Key = key
		logger.Info("wire: wallet loaded", slog.String("address", crypto.Address(key)))
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		tg, err := notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID)
		if err != nil {
			return fail("telegram", err)
		}
		senders = append(senders, tg)
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

func lowerDecimals(in map[string]int) map[string]int32 {
	out := make(map[string]int32, len(in))
	for token, d := range in {
		out[strings.ToLower(token)] = int32(d)
	}
	return out
}

func lowerRates(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for token, r := range in {
		out[strings.ToLower(token)] = r
	}
	return out
}
