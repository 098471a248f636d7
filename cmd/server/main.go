// Command server runs the genexchange settlement API.
package main

import (
	"context"
	"os"
	"time"

	"github.com/genexchange/settlement/internal/config"
	"github.com/genexchange/settlement/internal/logging"
	"github.com/genexchange/settlement/internal/server"
	"github.com/genexchange/settlement/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger until config tells us the real level and format
	logger := logging.New("info", "text")

	logger.Info("starting genexchange settlement",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"hold_window", cfg.EscrowHoldWindow.String(),
		"cancel_policy", cfg.CancelPolicy,
		"require_workflow", cfg.RequireWorkflow,
	)

	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, logger)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Error("tracing shutdown error", "error", err)
		}
	}()

	server.Version = Version
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1) //nolint:gocritic // tracing flush is best effort on fatal errors
	}
}
