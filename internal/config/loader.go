package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies OMENARB_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known OMENARB_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "OMENARB_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "OMENARB_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "OMENARB_WALLET_KEY_PASSWORD")

	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "OMENARB_CHAIN_RPC_URL")
	setInt(&cfg.Chain.ChainID, "OMENARB_CHAIN_CHAIN_ID")
	setStr(&cfg.Chain.ConditionalTokens, "OMENARB_CHAIN_CONDITIONAL_TOKENS")
	setStr(&cfg.Chain.Collateral, "OMENARB_CHAIN_COLLATERAL")
	setUint64(&cfg.Chain.GasLimit, "OMENARB_CHAIN_GAS_LIMIT")
	setFloat64(&cfg.Chain.GasMultiplier, "OMENARB_CHAIN_GAS_MULTIPLIER")
	setBool(&cfg.Chain.ApproveMax, "OMENARB_CHAIN_APPROVE_MAX")
	setInt(&cfg.Chain.MaxRetries, "OMENARB_CHAIN_MAX_RETRIES")
	setDuration(&cfg.Chain.RetryBackoff, "OMENARB_CHAIN_RETRY_BACKOFF")
	setDuration(&cfg.Chain.ReceiptPoll, "OMENARB_CHAIN_RECEIPT_POLL")
	setDuration(&cfg.Chain.ReceiptTimeout, "OMENARB_CHAIN_RECEIPT_TIMEOUT")

	// ── Omen ──
	setStr(&cfg.Omen.SubgraphURL, "OMENARB_OMEN_SUBGRAPH_URL")
	setStr(&cfg.Omen.APIKey, "OMENARB_OMEN_API_KEY")
	setDuration(&cfg.Omen.Timeout, "OMENARB_OMEN_TIMEOUT")
	setInt(&cfg.Omen.RateLimit, "OMENARB_OMEN_RATE_LIMIT")
	setDuration(&cfg.Omen.RateWindow, "OMENARB_OMEN_RATE_WINDOW")
	setDuration(&cfg.Omen.CacheTTL, "OMENARB_OMEN_CACHE_TTL")
	setFloat64(&cfg.Omen.MinLiquidity, "OMENARB_OMEN_MIN_LIQUIDITY")
	setInt(&cfg.Omen.MaxOutcomes, "OMENARB_OMEN_MAX_OUTCOMES")
	setInt(&cfg.Omen.MarketLimit, "OMENARB_OMEN_MARKET_LIMIT")
	setBool(&cfg.Omen.OpenOnly, "OMENARB_OMEN_OPEN_ONLY")
	setStr(&cfg.Omen.Collateral, "OMENARB_OMEN_COLLATERAL")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "OMENARB_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "OMENARB_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "OMENARB_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "OMENARB_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "OMENARB_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "OMENARB_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "OMENARB_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "OMENARB_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "OMENARB_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "OMENARB_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "OMENARB_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "OMENARB_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "OMENARB_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "OMENARB_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "OMENARB_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "OMENARB_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.Prefix, "OMENARB_REDIS_PREFIX")
	setDuration(&cfg.Redis.LockTTL, "OMENARB_REDIS_LOCK_TTL")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "OMENARB_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "OMENARB_S3_REGION")
	setStr(&cfg.S3.Bucket, "OMENARB_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "OMENARB_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "OMENARB_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "OMENARB_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "OMENARB_S3_FORCE_PATH_STYLE")

	// ── Arbitrage ──
	setBool(&cfg.Arbitrage.AutoExecute, "OMENARB_ARBITRAGE_AUTO_EXECUTE")
	setFloat64(&cfg.Arbitrage.Epsilon, "OMENARB_ARBITRAGE_EPSILON")
	setInt(&cfg.Arbitrage.MinSets, "OMENARB_ARBITRAGE_MIN_SETS")
	setFloat64(&cfg.Arbitrage.MinProfit, "OMENARB_ARBITRAGE_MIN_PROFIT")
	setInt(&cfg.Arbitrage.Workers, "OMENARB_ARBITRAGE_WORKERS")
	setDuration(&cfg.Arbitrage.ScanInterval, "OMENARB_ARBITRAGE_SCAN_INTERVAL")
	setDuration(&cfg.Arbitrage.DedupWindow, "OMENARB_ARBITRAGE_DEDUP_WINDOW")
	setFloat64(&cfg.Arbitrage.SlippageTolerance, "OMENARB_ARBITRAGE_SLIPPAGE_TOLERANCE")

	// ── Sizing ──
	setStr(&cfg.Sizing.Oracle, "OMENARB_SIZING_ORACLE")
	setInt(&cfg.Sizing.MaxIterations, "OMENARB_SIZING_MAX_ITERATIONS")
	setInt(&cfg.Sizing.RouterIterations, "OMENARB_SIZING_ROUTER_ITERATIONS")
	setInt(&cfg.Sizing.MarketMoveIterations, "OMENARB_SIZING_MARKET_MOVE_ITERATIONS")
	setFloat64(&cfg.Sizing.MarketMoveTolerance, "OMENARB_SIZING_MARKET_MOVE_TOLERANCE")

	// ── Pairs ──
	setBool(&cfg.Pairs.AutoExecute, "OMENARB_PAIRS_AUTO_EXECUTE")
	setFloat64(&cfg.Pairs.StakePerPair, "OMENARB_PAIRS_STAKE_PER_PAIR")
	setFloat64(&cfg.Pairs.MinProfitPerUnit, "OMENARB_PAIRS_MIN_PROFIT_PER_UNIT")
	setDuration(&cfg.Pairs.Interval, "OMENARB_PAIRS_INTERVAL")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "OMENARB_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "OMENARB_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Archive.Interval, "OMENARB_ARCHIVE_INTERVAL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "OMENARB_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "OMENARB_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "OMENARB_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "OMENARB_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "OMENARB_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "OMENARB_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "OMENARB_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "OMENARB_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "OMENARB_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "OMENARB_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "OMENARB_MODE")
	setStr(&cfg.LogLevel, "OMENARB_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
