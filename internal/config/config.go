// Package config defines the top-level configuration for the arbitrage
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by OMENARB_* environment variables.
type Config struct {
	Wallet    WalletConfig    `toml:"wallet"`
	Chain     ChainConfig     `toml:"chain"`
	Omen      OmenConfig      `toml:"omen"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Arbitrage ArbitrageConfig `toml:"arbitrage"`
	Sizing    SizingConfig    `toml:"sizing"`
	Pairs     PairsConfig     `toml:"pairs"`
	Archive   ArchiveConfig   `toml:"archive"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// WalletConfig holds the trading key.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// ChainConfig holds the JSON-RPC endpoint, contract addresses and
// transaction settings for Gnosis Chain.
type ChainConfig struct {
	RPCURL            string   `toml:"rpc_url"`
	ChainID           int      `toml:"chain_id"`
	ConditionalTokens string   `toml:"conditional_tokens"`
	Collateral        string   `toml:"collateral"`
	GasLimit          uint64   `toml:"gas_limit"`
	GasMultiplier     float64  `toml:"gas_multiplier"`
	ApproveMax        bool     `toml:"approve_max"`
	MaxRetries        int      `toml:"max_retries"`
	RetryBackoff      duration `toml:"retry_backoff"`
	ReceiptPoll       duration `toml:"receipt_poll"`
	ReceiptTimeout    duration `toml:"receipt_timeout"`
}

// OmenConfig holds the subgraph endpoint and market selection.
type OmenConfig struct {
	SubgraphURL string   `toml:"subgraph_url"`
	APIKey      string   `toml:"api_key"`
	Timeout     duration `toml:"timeout"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
	CacheTTL    duration `toml:"cache_ttl"`

	MinLiquidity float64 `toml:"min_liquidity"`
	MaxOutcomes  int     `toml:"max_outcomes"`
	MarketLimit  int     `toml:"market_limit"`
	OpenOnly     bool    `toml:"open_only"`
	// Collateral restricts scanning to markets in this token. Empty scans all.
	Collateral string `toml:"collateral"`

	// Decimals and CollateralRates are keyed by collateral token address.
	Decimals        map[string]int     `toml:"decimals"`
	CollateralRates map[string]float64 `toml:"collateral_rates"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	Prefix     string   `toml:"prefix"` // key, channel and stream namespace
	LockTTL    duration `toml:"lock_ttl"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArbitrageConfig holds the complete-set scan and sequencing parameters.
type ArbitrageConfig struct {
	AutoExecute  bool     `toml:"auto_execute"`
	Epsilon      float64  `toml:"epsilon"`
	MinSets      int      `toml:"min_sets"`
	MinProfit    float64  `toml:"min_profit"`
	Workers      int      `toml:"workers"`
	ScanInterval duration `toml:"scan_interval"`
	DedupWindow  duration `toml:"dedup_window"`
	// SlippageTolerance is the default per-leg tolerance; OutcomeTolerance
	// overrides it by outcome label.
	SlippageTolerance float64            `toml:"slippage_tolerance"`
	OutcomeTolerance  map[string]float64 `toml:"outcome_tolerance"`
}

// SizingConfig selects the price impact oracle and bounds the searches.
type SizingConfig struct {
	Oracle           string `toml:"oracle"` // fpmm, linear or router
	MaxIterations    int    `toml:"max_iterations"`
	RouterIterations int    `toml:"router_iterations"`

	MarketMoveIterations int     `toml:"market_move_iterations"`
	MarketMoveTolerance  float64 `toml:"market_move_tolerance"`
	InvariantTolerance   float64 `toml:"invariant_tolerance"`
	BracketMultiple      float64 `toml:"bracket_multiple"`
}

// PairsConfig holds the correlated-pair parameters.
type PairsConfig struct {
	AutoExecute      bool     `toml:"auto_execute"`
	StakePerPair     float64  `toml:"stake_per_pair"`
	MinProfitPerUnit float64  `toml:"min_profit_per_unit"`
	Interval         duration `toml:"interval"`
}

// ArchiveConfig schedules the cold-storage export.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days"`
	Interval      duration `toml:"interval"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey guards mutating endpoints. Empty disables auth.
	APIKey string `toml:"api_key"`
	// RateLimit is requests per RateWindow per client IP. Zero disables it.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values for
// Omen on Gnosis Chain. These match config.example.toml.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			RPCURL:            "https://rpc.gnosischain.com",
			ChainID:           100,
			ConditionalTokens: "0xCeAfDD6bc0bEF976fdCd1112955828E00543c0Ce",
			Collateral:        "0xe91D153E0b41518A2Ce8Dd3D7944Fa863463a97d", // wxDAI
			GasMultiplier:     1.2,
			MaxRetries:        3,
			RetryBackoff:      duration{2 * time.Second},
			ReceiptPoll:       duration{2 * time.Second},
			ReceiptTimeout:    duration{2 * time.Minute},
		},
		Omen: OmenConfig{
			SubgraphURL: "https://api.thegraph.com/subgraphs/name/protofire/omen-xdai",
			Timeout:     duration{30 * time.Second},
			RateLimit:   10,
			RateWindow:  duration{time.Second},
			CacheTTL:    duration{15 * time.Second},
			MaxOutcomes: 8,
			MarketLimit: 500,
			OpenOnly:    true,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "omenarb",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			Prefix:     "omenarb",
			LockTTL:    duration{2 * time.Minute},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "omenarb-archive",
			ForcePathStyle: true,
		},
		Arbitrage: ArbitrageConfig{
			AutoExecute:       false,
			Epsilon:           0.01,
			MinSets:           1,
			MinProfit:         0,
			Workers:           4,
			ScanInterval:      duration{30 * time.Second},
			DedupWindow:       duration{10 * time.Minute},
			SlippageTolerance: 0.01,
			OutcomeTolerance:  map[string]float64{},
		},
		Sizing: SizingConfig{
			Oracle:               "fpmm",
			MaxIterations:        1000,
			RouterIterations:     48,
			MarketMoveIterations: 100,
			MarketMoveTolerance:  0.01,
			InvariantTolerance:   1e-9,
			BracketMultiple:      100,
		},
		Pairs: PairsConfig{
			AutoExecute:      false,
			StakePerPair:     10,
			MinProfitPerUnit: 0.02,
			Interval:         duration{time.Minute},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 90,
			Interval:      duration{24 * time.Hour},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"opportunity", "execution", "execution_failed", "pair"},
		},
		Mode:     "scan",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"scan":      true,
	"arbitrage": true,
	"pairs":     true,
	"server":    true,
	"full":      true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validOracles enumerates the accepted values for Sizing.Oracle.
var validOracles = map[string]bool{
	"fpmm":   true,
	"linear": true,
	"router": true,
}

// NeedsWallet reports whether the configured mode may place trades.
func (c *Config) NeedsWallet() bool {
	switch strings.ToLower(c.Mode) {
	case "arbitrage":
		return true
	case "pairs":
		return c.Pairs.AutoExecute
	case "full":
		return c.Arbitrage.AutoExecute || c.Pairs.AutoExecute
	}
	return false
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: scan, arbitrage, pairs, server, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Wallet
	if c.NeedsWallet() {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for mode "+c.Mode)
		}
	}
	if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
		errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
	}

	// Chain
	if c.NeedsWallet() || c.Sizing.Oracle == "router" {
		if c.Chain.RPCURL == "" {
			errs = append(errs, "chain: rpc_url must not be empty")
		}
	}
	if c.Chain.ChainID <= 0 {
		errs = append(errs, "chain: chain_id must be positive")
	}
	if !common.IsHexAddress(c.Chain.ConditionalTokens) {
		errs = append(errs, fmt.Sprintf("chain: conditional_tokens %q is not an address", c.Chain.ConditionalTokens))
	}
	if !common.IsHexAddress(c.Chain.Collateral) {
		errs = append(errs, fmt.Sprintf("chain: collateral %q is not an address", c.Chain.Collateral))
	}
	if c.Chain.MaxRetries < 0 {
		errs = append(errs, "chain: max_retries must be >= 0")
	}

	// Omen
	if c.Omen.SubgraphURL == "" {
		errs = append(errs, "omen: subgraph_url must not be empty")
	}
	if c.Omen.RateLimit < 0 {
		errs = append(errs, "omen: rate_limit must be >= 0")
	}
	for token, d := range c.Omen.Decimals {
		if d < 0 || d > 36 {
			errs = append(errs, fmt.Sprintf("omen: decimals for %s must be 0-36, got %d", token, d))
		}
	}
	for token, r := range c.Omen.CollateralRates {
		if r <= 0 {
			errs = append(errs, fmt.Sprintf("omen: collateral rate for %s must be > 0", token))
		}
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 is only required when archiving.
	if c.Archive.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty when archive is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	// Arbitrage
	if c.Arbitrage.Epsilon < 0 || c.Arbitrage.Epsilon >= 1 {
		errs = append(errs, fmt.Sprintf("arbitrage: epsilon must be in [0, 1), got %v", c.Arbitrage.Epsilon))
	}
	if c.Arbitrage.MinSets < 0 {
		errs = append(errs, "arbitrage: min_sets must be >= 0")
	}
	if c.Arbitrage.Workers < 1 {
		errs = append(errs, "arbitrage: workers must be >= 1")
	}
	if c.Arbitrage.SlippageTolerance < 0 || c.Arbitrage.SlippageTolerance >= 1 {
		errs = append(errs, "arbitrage: slippage_tolerance must be in [0, 1)")
	}
	for outcome, tol := range c.Arbitrage.OutcomeTolerance {
		if tol < 0 || tol >= 1 {
			errs = append(errs, fmt.Sprintf("arbitrage: outcome_tolerance[%s] must be in [0, 1)", outcome))
		}
	}

	// Sizing
	if !validOracles[c.Sizing.Oracle] {
		errs = append(errs, fmt.Sprintf("sizing: unknown oracle %q (valid: fpmm, linear, router)", c.Sizing.Oracle))
	}
	if c.Sizing.MaxIterations < 1 {
		errs = append(errs, "sizing: max_iterations must be >= 1")
	}
	if c.Sizing.MarketMoveIterations < 1 {
		errs = append(errs, "sizing: market_move_iterations must be >= 1")
	}
	if c.Sizing.MarketMoveTolerance <= 0 {
		errs = append(errs, "sizing: market_move_tolerance must be > 0")
	}

	// Pairs
	if c.Pairs.StakePerPair < 0 {
		errs = append(errs, "pairs: stake_per_pair must be >= 0")
	}
	if c.Pairs.AutoExecute && c.Pairs.StakePerPair == 0 {
		errs = append(errs, "pairs: stake_per_pair must be > 0 when auto_execute is set")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
