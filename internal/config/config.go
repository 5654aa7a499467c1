// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/nkolo/marketpay/internal/money"
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

	// Escrow policy
	CommissionRate  string // Decimal string, e.g. "0.10"
	AutoReleaseDays int    // 0 disables auto-release
	ScanInterval    time.Duration
	DefaultCurrency string
	ArbiterIDs      []string // Users allowed to resolve disputes

	// Draft orders
	DraftOrderTTL time.Duration // Unpaid drafts expire after this

	// Payment gateway
	StripeSecretKey     string // Empty = sandbox adapter (development mode)
	StripeWebhookSecret string
	GatewayTimeout      time.Duration

	// Observability
	OTLPEndpoint string // Empty = tracing disabled
}

// Defaults
const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultCommissionRate  = "0.10"
	DefaultAutoReleaseDays = 7
	DefaultScanInterval    = time.Minute
	DefaultCurrency        = "XAF"
	DefaultDraftOrderTTL   = 48 * time.Hour
	DefaultGatewayTimeout  = 30 * time.Second
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", "text"),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		CommissionRate:      getEnv("COMMISSION_RATE", DefaultCommissionRate),
		AutoReleaseDays:     getEnvInt("AUTO_RELEASE_DAYS", DefaultAutoReleaseDays),
		ScanInterval:        getEnvDuration("SCAN_INTERVAL", DefaultScanInterval),
		DefaultCurrency:     getEnv("DEFAULT_CURRENCY", DefaultCurrency),
		ArbiterIDs:          getEnvList("ARBITER_IDS"),
		DraftOrderTTL:       getEnvDuration("DRAFT_ORDER_TTL", DefaultDraftOrderTTL),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		GatewayTimeout:      getEnvDuration("GATEWAY_TIMEOUT", DefaultGatewayTimeout),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and well-formed.
func (c *Config) Validate() error {
	if _, err := money.ParseRate(c.CommissionRate); err != nil {
		return fmt.Errorf("COMMISSION_RATE must be a decimal in [0,1]: %w", err)
	}
	if c.AutoReleaseDays < 0 {
		return fmt.Errorf("AUTO_RELEASE_DAYS must be >= 0")
	}
	if !money.ValidCurrency(c.DefaultCurrency) {
		return fmt.Errorf("DEFAULT_CURRENCY must be an ISO 4217 code, got %q", c.DefaultCurrency)
	}
	if c.ScanInterval < time.Second {
		return fmt.Errorf("SCAN_INTERVAL must be at least 1s")
	}
	if c.IsProduction() && c.StripeSecretKey == "" {
		return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
	}
	return nil
}

// Rate returns the parsed commission rate. Validate must have passed.
func (c *Config) Rate() money.Rate {
	return money.MustRate(c.CommissionRate)
}

// AutoRelease returns the auto-release window, or 0 if disabled.
func (c *Config) AutoRelease() time.Duration {
	return time.Duration(c.AutoReleaseDays) * 24 * time.Hour
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
