// Package config loads the service configuration from a TOML file with
// environment-variable overrides. Missing required values fail fast at
// startup rather than at first use.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config captures runtime configuration for the escrow coordination service.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	Environment   string `toml:"Environment"`
	LogLevel      string `toml:"LogLevel"`

	// DatabaseDSN selects the datastore. A postgres URL targets the
	// production driver; anything else is treated as a sqlite path, which is
	// the local-mode default.
	DatabaseDSN string `toml:"DatabaseDSN"`

	LedgerURL       string        `toml:"LedgerURL"`
	LedgerAuthToken string        `toml:"LedgerAuthToken"`
	LedgerTimeout   time.Duration `toml:"-"`
	LedgerTimeoutMS int64         `toml:"LedgerTimeoutMillis"`

	RetryBackoff   time.Duration `toml:"-"`
	RetryBackoffMS int64         `toml:"RetryBackoffMillis"`

	RateLimitPerMinute int `toml:"RateLimitPerMinute"`
	RateLimitBurst     int `toml:"RateLimitBurst"`

	OTLPEndpoint string `toml:"OTLPEndpoint"`
	OTLPInsecure bool   `toml:"OTLPInsecure"`
	OTLPHeaders  string `toml:"OTLPHeaders"`
	TracesOn     bool   `toml:"TracesEnabled"`
}

// Load reads the file at path (when it exists), applies environment
// overrides and validates the result. An empty path skips the file and uses
// environment variables over the defaults alone.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("config: decode %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: stat %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	cfg.LedgerTimeout = durationFromMillis(cfg.LedgerTimeoutMS, 10*time.Second)
	cfg.RetryBackoff = durationFromMillis(cfg.RetryBackoffMS, 500*time.Millisecond)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		ListenAddress:      ":8080",
		Environment:        "local",
		LogLevel:           "info",
		DatabaseDSN:        "gigvault.db",
		RateLimitPerMinute: 120,
		RateLimitBurst:     30,
	}
}

func applyEnv(cfg *Config) error {
	setString := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setString("GIGVAULT_LISTEN", &cfg.ListenAddress)
	setString("GIGVAULT_ENV", &cfg.Environment)
	setString("GIGVAULT_LOG_LEVEL", &cfg.LogLevel)
	setString("GIGVAULT_DB_DSN", &cfg.DatabaseDSN)
	setString("GIGVAULT_LEDGER_URL", &cfg.LedgerURL)
	setString("GIGVAULT_LEDGER_TOKEN", &cfg.LedgerAuthToken)
	setString("GIGVAULT_OTLP_ENDPOINT", &cfg.OTLPEndpoint)
	setString("GIGVAULT_OTLP_HEADERS", &cfg.OTLPHeaders)

	if raw := strings.TrimSpace(os.Getenv("GIGVAULT_LEDGER_TIMEOUT_MS")); raw != "" {
		val, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("config: parse GIGVAULT_LEDGER_TIMEOUT_MS: %w", err)
		}
		cfg.LedgerTimeoutMS = val
	}
	if raw := strings.TrimSpace(os.Getenv("GIGVAULT_RETRY_BACKOFF_MS")); raw != "" {
		val, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("config: parse GIGVAULT_RETRY_BACKOFF_MS: %w", err)
		}
		cfg.RetryBackoffMS = val
	}
	if raw := strings.TrimSpace(os.Getenv("GIGVAULT_RATE_LIMIT_PER_MINUTE")); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("config: parse GIGVAULT_RATE_LIMIT_PER_MINUTE: %w", err)
		}
		cfg.RateLimitPerMinute = val
	}
	if raw := strings.TrimSpace(os.Getenv("GIGVAULT_TRACES_ENABLED")); raw != "" {
		val, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("config: parse GIGVAULT_TRACES_ENABLED: %w", err)
		}
		cfg.TracesOn = val
	}
	if raw := strings.TrimSpace(os.Getenv("GIGVAULT_OTLP_INSECURE")); raw != "" {
		val, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("config: parse GIGVAULT_OTLP_INSECURE: %w", err)
		}
		cfg.OTLPInsecure = val
	}
	return nil
}

// Validate checks the configuration invariants the daemon relies on.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return errors.New("config: listen address required")
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return errors.New("config: database DSN required")
	}
	if strings.TrimSpace(c.LedgerURL) == "" {
		return errors.New("config: ledger URL required")
	}
	if c.RateLimitPerMinute <= 0 {
		return errors.New("config: rate limit must be positive")
	}
	if c.RateLimitBurst <= 0 {
		return errors.New("config: rate limit burst must be positive")
	}
	return nil
}

// PostgresDSN reports whether the DSN targets the postgres driver.
func (c *Config) PostgresDSN() bool {
	dsn := strings.ToLower(strings.TrimSpace(c.DatabaseDSN))
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=")
}

func durationFromMillis(ms int64, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
