// Skywalker - Real-time intelligence pipeline for operational telemetry
package main

import (
	"context"
	"os"

	"github.com/iscgrou/skywalker/internal/config"
	"github.com/iscgrou/skywalker/internal/logging"
	"github.com/iscgrou/skywalker/internal/server"
	"github.com/iscgrou/skywalker/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Create logger
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	logger.Info("starting skywalker",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"bus_max_queue", cfg.BusMaxQueue,
		"bus_overflow_policy", cfg.BusOverflowPolicy,
	)

	ctx := context.Background()

	// Initialize tracing (no-op when OTLP_ENDPOINT unset)
	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTraces(context.Background()) }()

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
