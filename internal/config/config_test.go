package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := writeTOML(t, `
mode = "arbitrage"

[wallet]
private_key = "0xabc"

[arbitrage]
epsilon = 0.02
scan_interval = "5s"

[arbitrage.outcome_tolerance]
Yes = 0.05

[omen.decimals]
"0xddafbb505ad214d7b80b1f830fccc89b60fb7a83" = 6
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != "arbitrage" || cfg.Arbitrage.Epsilon != 0.02 {
		t.Errorf("mode=%q epsilon=%v", cfg.Mode, cfg.Arbitrage.Epsilon)
	}
	if cfg.Arbitrage.ScanInterval.Duration != 5*time.Second {
		t.Errorf("scan_interval = %v", cfg.Arbitrage.ScanInterval.Duration)
	}
	if cfg.Arbitrage.OutcomeTolerance["Yes"] != 0.05 {
		t.Errorf("outcome_tolerance = %v", cfg.Arbitrage.OutcomeTolerance)
	}
	if cfg.Omen.Decimals["0xddafbb505ad214d7b80b1f830fccc89b60fb7a83"] != 6 {
		t.Errorf("decimals = %v", cfg.Omen.Decimals)
	}
	// Untouched sections keep their defaults.
	if cfg.Sizing.MaxIterations != 1000 || cfg.Chain.ChainID != 100 {
		t.Errorf("defaults lost: sizing=%d chain=%d", cfg.Sizing.MaxIterations, cfg.Chain.ChainID)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadBadDuration(t *testing.T) {
	path := writeTOML(t, `
[pairs]
interval = "soon"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for bad duration")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OMENARB_MODE", "full")
	t.Setenv("OMENARB_ARBITRAGE_WORKERS", "9")
	t.Setenv("OMENARB_ARBITRAGE_AUTO_EXECUTE", "true")
	t.Setenv("OMENARB_CHAIN_GAS_LIMIT", "300000")
	t.Setenv("OMENARB_PAIRS_INTERVAL", "90s")
	t.Setenv("OMENARB_SERVER_CORS_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("OMENARB_REDIS_DB", "not-a-number")

	cfg := Defaults()
	applyEnvOverrides(&cfg)

	if cfg.Mode != "full" || cfg.Arbitrage.Workers != 9 || !cfg.Arbitrage.AutoExecute {
		t.Errorf("mode=%q workers=%d auto=%v", cfg.Mode, cfg.Arbitrage.Workers, cfg.Arbitrage.AutoExecute)
	}
	if cfg.Chain.GasLimit != 300000 {
		t.Errorf("gas_limit = %d", cfg.Chain.GasLimit)
	}
	if cfg.Pairs.Interval.Duration != 90*time.Second {
		t.Errorf("pairs interval = %v", cfg.Pairs.Interval.Duration)
	}
	if strings.Join(cfg.Server.CORSOrigins, "|") != "https://a.example|https://b.example" {
		t.Errorf("cors = %v", cfg.Server.CORSOrigins)
	}
	if cfg.Redis.DB != 0 {
		t.Errorf("unparseable override should be ignored, got db=%d", cfg.Redis.DB)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad mode", func(c *Config) { c.Mode = "yolo" }, "unknown mode"},
		{"bad log level", func(c *Config) { c.LogLevel = "trace" }, "unknown log_level"},
		{"wallet for arbitrage", func(c *Config) { c.Mode = "arbitrage" }, "wallet: either private_key"},
		{"wallet for auto pairs", func(c *Config) { c.Mode = "pairs"; c.Pairs.AutoExecute = true }, "wallet: either private_key"},
		{"key password", func(c *Config) { c.Wallet.EncryptedKeyPath = "/k.json" }, "key_password is required"},
		{"epsilon", func(c *Config) { c.Arbitrage.Epsilon = 1 }, "epsilon must be in [0, 1)"},
		{"workers", func(c *Config) { c.Arbitrage.Workers = 0 }, "workers must be >= 1"},
		{"oracle", func(c *Config) { c.Sizing.Oracle = "cpmm" }, "unknown oracle"},
		{"collateral address", func(c *Config) { c.Chain.Collateral = "wxdai" }, "is not an address"},
		{"collateral rate", func(c *Config) { c.Omen.CollateralRates = map[string]float64{"0x1": 0} }, "collateral rate"},
		{"archive bucket", func(c *Config) { c.Archive.Enabled = true; c.S3.Bucket = "" }, "s3: bucket"},
		{"pool sizes", func(c *Config) { c.Postgres.PoolMinConns = 20 }, "pool_min_conns must not exceed"},
		{"stake", func(c *Config) { c.Pairs.AutoExecute = true; c.Pairs.StakePerPair = 0 }, "stake_per_pair must be > 0"},
		{"server port", func(c *Config) { c.Server.Port = 70000 }, "server: port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestValidateDSNSkipsHostChecks(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.DSN = "postgres://u:p@db/omenarb"
	cfg.Postgres.Host = ""
	cfg.Postgres.Port = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Wallet.PrivateKey = "0xsecret"
	cfg.Postgres.Password = "pw"
	cfg.Chain.RPCURL = "https://gnosis.example.com/v2/abc123"
	cfg.Notify.Events = []string{"opportunity"}
	cfg.Arbitrage.OutcomeTolerance = map[string]float64{"Yes": 0.1}

	out := RedactedConfig(&cfg)
	if out.Wallet.PrivateKey != "***" || out.Postgres.Password != "***" {
		t.Errorf("secrets not redacted: %+v %+v", out.Wallet, out.Postgres)
	}
	if out.Redis.Password != "" {
		t.Errorf("empty secret should stay empty, got %q", out.Redis.Password)
	}
	if out.Chain.RPCURL != "https://gnosis.example.com/***" {
		t.Errorf("rpc url = %q", out.Chain.RPCURL)
	}
	if cfg.Wallet.PrivateKey != "0xsecret" {
		t.Error("original config was mutated")
	}

	out.Notify.Events[0] = "changed"
	out.Arbitrage.OutcomeTolerance["Yes"] = 0.9
	if cfg.Notify.Events[0] != "opportunity" || cfg.Arbitrage.OutcomeTolerance["Yes"] != 0.1 {
		t.Error("redacted copy shares slices or maps with the original")
	}
}
