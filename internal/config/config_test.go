package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Port:            "8080",
		Env:             "development",
		LogLevel:        "info",
		CommissionRate:  "0.10",
		AutoReleaseDays: 7,
		ScanInterval:    time.Minute,
		DefaultCurrency: "XAF",
		DraftOrderTTL:   48 * time.Hour,
		GatewayTimeout:  30 * time.Second,
	}
}

func TestValidate_OK(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidate_BadCommissionRate(t *testing.T) {
	cfg := validConfig()
	cfg.CommissionRate = "1.5"
	assert.Error(t, cfg.Validate())

	cfg.CommissionRate = "ten percent"
	assert.Error(t, cfg.Validate())
}

func TestValidate_NegativeAutoRelease(t *testing.T) {
	cfg := validConfig()
	cfg.AutoReleaseDays = -1
	assert.Error(t, cfg.Validate())
}

func TestValidate_BadCurrency(t *testing.T) {
	cfg := validConfig()
	cfg.DefaultCurrency = "francs"
	assert.Error(t, cfg.Validate())
}

func TestValidate_ProductionRequiresStripeKey(t *testing.T) {
	cfg := validConfig()
	cfg.Env = "production"
	assert.Error(t, cfg.Validate())

	cfg.StripeSecretKey = "sk_live_xxx"
	assert.NoError(t, cfg.Validate())
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("COMMISSION_RATE", "")
	t.Setenv("ENV", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultCommissionRate, cfg.CommissionRate)
	assert.Equal(t, DefaultAutoReleaseDays, cfg.AutoReleaseDays)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("COMMISSION_RATE", "0.05")
	t.Setenv("AUTO_RELEASE_DAYS", "14")
	t.Setenv("SCAN_INTERVAL", "30s")
	t.Setenv("DEFAULT_CURRENCY", "XOF")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "0.05", cfg.CommissionRate)
	assert.Equal(t, 14, cfg.AutoReleaseDays)
	assert.Equal(t, 30*time.Second, cfg.ScanInterval)
	assert.Equal(t, "XOF", cfg.DefaultCurrency)
	assert.Equal(t, 14*24*time.Hour, cfg.AutoRelease())
}
