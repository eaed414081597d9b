package config

import (
	"maps"
	"strings"
)

// RedactedConfig returns a shallow copy of cfg with sensitive fields replaced
// by the redaction placeholder "***". Use this when logging or printing the
// active configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg // shallow copy of the top-level struct

	// Wallet
	redact(&out.Wallet.PrivateKey)
	redact(&out.Wallet.KeyPassword)

	// Chain endpoints often embed provider keys in the path.
	redactURL(&out.Chain.RPCURL)

	// Omen
	redact(&out.Omen.APIKey)

	// Postgres
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)

	// Redis
	redact(&out.Redis.Password)

	// S3
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	// Server
	redact(&out.Server.APIKey)

	// Notify
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	if cfg.Notify.Events != nil {
		out.Notify.Events = make([]string, len(cfg.Notify.Events))
		copy(out.Notify.Events, cfg.Notify.Events)
	}
	if cfg.Server.CORSOrigins != nil {
		out.Server.CORSOrigins = make([]string, len(cfg.Server.CORSOrigins))
		copy(out.Server.CORSOrigins, cfg.Server.CORSOrigins)
	}

	// Copy maps so mutations to the redacted copy do not affect the original.
	out.Omen.Decimals = maps.Clone(cfg.Omen.Decimals)
	out.Omen.CollateralRates = maps.Clone(cfg.Omen.CollateralRates)
	out.Arbitrage.OutcomeTolerance = maps.Clone(cfg.Arbitrage.OutcomeTolerance)

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

// redactURL keeps the scheme and host of a URL and drops the path.
func redactURL(s *string) {
	if *s == "" {
		return
	}
	scheme, rest, ok := strings.Cut(*s, "://")
	if !ok {
		*s = redacted
		return
	}
	if host, _, hasPath := strings.Cut(rest, "/"); hasPath {
		*s = scheme + "://" + host + "/" + redacted
	}
}
