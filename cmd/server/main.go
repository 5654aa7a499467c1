// Marketpay - escrow-backed checkout for marketplace orders
package main

import (
	"context"
	"os"

	"github.com/nkolo/marketpay/internal/config"
	"github.com/nkolo/marketpay/internal/logging"
	"github.com/nkolo/marketpay/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Create logger
	logger := logging.New("info", "text")

	logger.Info("starting marketpay",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"commission_rate", cfg.CommissionRate,
		"auto_release_days", cfg.AutoReleaseDays,
		"currency", cfg.DefaultCurrency,
	)

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
