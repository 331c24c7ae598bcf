// Genmeter - metered gateway for AI generation workers
package main

import (
	"context"
	"os"

	"github.com/mbd888/genmeter/internal/config"
	"github.com/mbd888/genmeter/internal/logging"
	"github.com/mbd888/genmeter/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting genmeter",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Switch to the configured level and format now that we have them.
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"catalog", cfg.CatalogPath,
		"postgres", cfg.DatabaseURL != "",
		"redis", cfg.RedisURL != "",
	)

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
