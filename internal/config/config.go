package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// FileConfig models the optional TOML file named by CORE_CONFIG_FILE.
// Environment variables override every value it sets.
type FileConfig struct {
	Ledger struct {
		URL     string `toml:"url"`
		Network string `toml:"network"`
		DryRun  bool   `toml:"dry_run"`
	} `toml:"ledger"`
	Custody struct {
		Address              string `toml:"address"`
		DefaultEscrowAddress string `toml:"default_escrow_address"`
		SerializeSubmits     *bool  `toml:"serialize_submits"`
	} `toml:"custody"`
	Service struct {
		HTTPPort             int    `toml:"http_port"`
		HMACClockSkewSecs    int    `toml:"hmac_clock_skew_seconds"`
		IdempotencyWindowSec int    `toml:"idempotency_window_seconds"`
		IdempotencyStore     string `toml:"idempotency_store"`
		IdempotencyStorePath string `toml:"idempotency_store_path"`
		MaxBodyBytes         int64  `toml:"max_body_bytes"`
	} `toml:"service"`
	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"log"`
}

// AppConfig ties together every setting the process needs.
type AppConfig struct {
	Ledger  LedgerConfig
	Custody CustodyConfig
	Service ServiceConfig
	Log     LogConfig
}

type LedgerConfig struct {
	URL     string
	Network string
	// DryRun swaps the XRPL connection for the in-memory fake gateway.
	DryRun bool
}

// CustodyConfig holds the custodial wallet settings. The secret is never
// written to logs; it is kept here only so the wallet resolver can derive a
// signer per operation.
type CustodyConfig struct {
	Secret               string
	Address              string
	DefaultEscrowAddress string
	SerializeSubmits     bool
}

type ServiceConfig struct {
	HTTPPort             int
	HMACSecret           string
	HMACClockSkew        time.Duration
	IdempotencyWindow    time.Duration
	IdempotencyStore     string
	IdempotencyStorePath string
	DatabaseURL          string
	MaxBodyBytes         int64
}

type LogConfig struct {
	Level  string
	Format string
}

const (
	DefaultLedgerURL    = "wss://s.altnet.rippletest.net:51233"
	DefaultNetwork      = "testnet"
	DefaultHTTPPort     = 3000
	DefaultMaxBodyBytes = 1 << 20

	StoreMemory   = "memory"
	StoreFile     = "file"
	StorePostgres = "postgres"
)

// Load aggregates configuration from .env, the optional TOML file and the
// environment, in increasing order of precedence.
func Load() (*AppConfig, error) {
	_ = godotenv.Load()

	var file FileConfig
	if path := envOr("CORE_CONFIG_FILE", ""); path != "" {
		loaded, err := loadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
		file = *loaded
	}

	cfg := fromFile(file)
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string) (*FileConfig, error) {
	var cfg FileConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func fromFile(file FileConfig) *AppConfig {
	serialize := true
	if file.Custody.SerializeSubmits != nil {
		serialize = *file.Custody.SerializeSubmits
	}
	return &AppConfig{
		Ledger: LedgerConfig{
			URL:     orDefault(file.Ledger.URL, DefaultLedgerURL),
			Network: orDefault(file.Ledger.Network, DefaultNetwork),
			DryRun:  file.Ledger.DryRun,
		},
		Custody: CustodyConfig{
			Address:              file.Custody.Address,
			DefaultEscrowAddress: file.Custody.DefaultEscrowAddress,
			SerializeSubmits:     serialize,
		},
		Service: ServiceConfig{
			HTTPPort:             intOrDefault(file.Service.HTTPPort, DefaultHTTPPort),
			HMACClockSkew:        time.Duration(intOrDefault(file.Service.HMACClockSkewSecs, 60)) * time.Second,
			IdempotencyWindow:    time.Duration(intOrDefault(file.Service.IdempotencyWindowSec, 86400)) * time.Second,
			IdempotencyStore:     orDefault(file.Service.IdempotencyStore, StoreMemory),
			IdempotencyStorePath: orDefault(file.Service.IdempotencyStorePath, filepath.Join(os.TempDir(), "escrowcore-idem.json")),
			MaxBodyBytes:         int64OrDefault(file.Service.MaxBodyBytes, DefaultMaxBodyBytes),
		},
		Log: LogConfig{
			Level:  orDefault(file.Log.Level, "info"),
			Format: orDefault(file.Log.Format, "json"),
		},
	}
}

func applyEnv(cfg *AppConfig) {
	cfg.Ledger.URL = envOr("XRPL_WSS_URL", cfg.Ledger.URL)
	cfg.Ledger.Network = envOr("XRPL_NETWORK", cfg.Ledger.Network)
	cfg.Ledger.DryRun = envOrBool("LEDGER_DRY_RUN", cfg.Ledger.DryRun)

	cfg.Custody.Secret = envOr("ESCROW_WALLET_SECRET", cfg.Custody.Secret)
	cfg.Custody.Address = envOr("ESCROW_WALLET_ADDRESS", cfg.Custody.Address)
	cfg.Custody.DefaultEscrowAddress = envOr("ESCROW_DEFAULT_ADDRESS", cfg.Custody.DefaultEscrowAddress)
	cfg.Custody.SerializeSubmits = envOrBool("ESCROW_SERIALIZE_SUBMITS", cfg.Custody.SerializeSubmits)

	cfg.Service.HTTPPort = envOrInt("PORT", cfg.Service.HTTPPort)
	cfg.Service.HMACSecret = envOr("CORE_HMAC_SECRET", cfg.Service.HMACSecret)
	cfg.Service.HMACClockSkew = envOrSeconds("HMAC_CLOCK_SKEW_SECONDS", cfg.Service.HMACClockSkew)
	cfg.Service.IdempotencyWindow = envOrSeconds("IDEMPOTENCY_WINDOW_SECONDS", cfg.Service.IdempotencyWindow)
	cfg.Service.IdempotencyStore = envOr("IDEMPOTENCY_STORE", cfg.Service.IdempotencyStore)
	cfg.Service.IdempotencyStorePath = envOr("IDEMPOTENCY_STORE_PATH", cfg.Service.IdempotencyStorePath)
	cfg.Service.DatabaseURL = envOr("DATABASE_URL", cfg.Service.DatabaseURL)

	cfg.Log.Level = envOr("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = envOr("LOG_FORMAT", cfg.Log.Format)
}

// Validate checks settings without which the process cannot serve at all.
// A missing custodial secret is not one of them: the summary path works from
// the address alone, and signing paths report ErrConfiguration per call.
func (c *AppConfig) Validate() error {
	if strings.TrimSpace(c.Ledger.URL) == "" && !c.Ledger.DryRun {
		return fmt.Errorf("XRPL_WSS_URL is required")
	}
	if c.Service.HTTPPort < 0 || c.Service.HTTPPort > 65535 {
		return fmt.Errorf("PORT out of range: %d", c.Service.HTTPPort)
	}
	switch c.Service.IdempotencyStore {
	case StoreMemory, StoreFile:
	case StorePostgres:
		if c.Service.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres idempotency store")
		}
	default:
		return fmt.Errorf("unknown IDEMPOTENCY_STORE %q", c.Service.IdempotencyStore)
	}
	return nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrSeconds(key string, fallback time.Duration) time.Duration {
	secs := envOrInt(key, -1)
	if secs < 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}

func orDefault(val, fallback string) string {
	if strings.TrimSpace(val) == "" {
		return fallback
	}
	return val
}

func intOrDefault(val, fallback int) int {
	if val == 0 {
		return fallback
	}
	return val
}

func int64OrDefault(val, fallback int64) int64 {
	if val == 0 {
		return fallback
	}
	return val
}
