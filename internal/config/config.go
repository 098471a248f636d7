// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"github.com/genexchange/settlement/internal/amount"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Role keys. Each is a single account; rotation happens at runtime
	// through /v1/admin/keys and these only seed an empty authority table.
	EscrowKey   string
	TreasuryKey string
	WorkflowKey string
	SudoKey     string

	// Settlement
	EscrowHoldWindow    time.Duration
	MonitorInterval     time.Duration
	CancelPolicy        string // "auto_refund" or "reject_paid"
	ExistentialDeposit  string
	RequireWorkflow     bool
	SeedFile            string
	MaxAssetDiscoveryID uint32

	// Edge
	RateLimitRPS int
	TrustGateway bool // accept X-Account from an authenticating gateway

	// Observability
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultHoldWindow         = 7 * 24 * time.Hour
	DefaultMonitorInterval    = time.Minute
	DefaultCancelPolicy       = "auto_refund"
	DefaultExistentialDeposit = "0.010000"
	DefaultRateLimit          = 100
	DefaultMaxAssetID         = 1000
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		EscrowKey:           normalizeAccount(os.Getenv("ESCROW_KEY")),
		TreasuryKey:         normalizeAccount(os.Getenv("TREASURY_KEY")),
		WorkflowKey:         normalizeAccount(os.Getenv("WORKFLOW_KEY")),
		SudoKey:             normalizeAccount(os.Getenv("SUDO_KEY")),
		EscrowHoldWindow:    getEnvDuration("ESCROW_HOLD_WINDOW", DefaultHoldWindow),
		MonitorInterval:     getEnvDuration("ESCROW_MONITOR_INTERVAL", DefaultMonitorInterval),
		CancelPolicy:        strings.ToLower(getEnv("CANCEL_POLICY", DefaultCancelPolicy)),
		ExistentialDeposit:  getEnv("EXISTENTIAL_DEPOSIT", DefaultExistentialDeposit),
		RequireWorkflow:     getEnvBool("REQUIRE_WORKFLOW", false),
		SeedFile:            os.Getenv("SEED_FILE"),
		MaxAssetDiscoveryID: uint32(getEnvInt64("MAX_ASSET_DISCOVERY_ID", DefaultMaxAssetID)), //nolint:gosec // bounded by Validate
		RateLimitRPS:        int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		TrustGateway:        getEnvBool("TRUST_GATEWAY", false),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	keys := []struct{ name, value string }{
		{"ESCROW_KEY", c.EscrowKey},
		{"TREASURY_KEY", c.TreasuryKey},
		{"WORKFLOW_KEY", c.WorkflowKey},
		{"SUDO_KEY", c.SudoKey},
	}
	for _, k := range keys {
		if k.value == "" {
			if k.name == "SUDO_KEY" {
				continue
			}
			return fmt.Errorf("%s is required", k.name)
		}
		if !common.IsHexAddress(k.value) {
			return fmt.Errorf("%s must be a 0x-prefixed 20-byte hex address", k.name)
		}
	}
	if c.EscrowKey == c.TreasuryKey {
		return fmt.Errorf("ESCROW_KEY and TREASURY_KEY must differ")
	}

	if c.EscrowHoldWindow <= 0 {
		return fmt.Errorf("ESCROW_HOLD_WINDOW must be positive")
	}
	if c.MonitorInterval <= 0 {
		return fmt.Errorf("ESCROW_MONITOR_INTERVAL must be positive")
	}
	switch c.CancelPolicy {
	case "auto_refund", "reject_paid":
	default:
		return fmt.Errorf("CANCEL_POLICY must be auto_refund or reject_paid")
	}
	if v, ok := amount.Parse(c.ExistentialDeposit); !ok || v.Sign() <= 0 {
		return fmt.Errorf("EXISTENTIAL_DEPOSIT must be a positive amount")
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must not be negative")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("36h") or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func normalizeAccount(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
