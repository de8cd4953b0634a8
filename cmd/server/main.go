// ProctorGrid Engine - trust scoring for remote exam proctoring
package main

import (
	"context"
	"os"

	"github.com/proctorgrid/engine/internal/config"
	"github.com/proctorgrid/engine/internal/logging"
	"github.com/proctorgrid/engine/internal/server"
	"github.com/proctorgrid/engine/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting proctorgrid engine",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"stream_url", cfg.StreamURL,
		"disconnect_timeout", cfg.DisconnectTimeout,
	)

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	} else {
		defer func() { _ = shutdown(context.Background()) }()
	}

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
