// LandLink - aid distribution backend for verification kiosks
package main

import (
	"context"
	"os"

	"github.com/landlink/landlink/internal/config"
	"github.com/landlink/landlink/internal/logging"
	"github.com/landlink/landlink/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Load configuration first so the logger honours LOG_LEVEL/LOG_FORMAT
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting landlink",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	storage := "memory"
	if cfg.DatabaseURL != "" {
		storage = "postgres"
	}
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"storage", storage,
		"max_program_violations", cfg.MaxProgramViolations,
		"expiry_schedule", cfg.ProgramExpirySchedule,
	)

	server.Version = Version

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
