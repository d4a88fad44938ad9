// Command seed fills an empty development database with generated clients,
// kiosks, staff, programs, tokens, redemptions, pool tokens, verification
// logs and alerts. It writes through the same services as the API server.
//
// Usage:
//
//	go run ./cmd/seed                 # default sizes
//	go run ./cmd/seed -tokens 500     # more tokens
//	go run ./cmd/seed -seed 42        # different random data
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"

	"github.com/landlink/landlink/internal/config"
	"github.com/landlink/landlink/internal/logging"
	"github.com/landlink/landlink/internal/seed"
	"github.com/landlink/landlink/internal/server"
)

func main() {
	defaults := seed.DefaultOptions()
	opts := defaults
	flag.Uint64Var(&opts.RandomSeed, "seed", defaults.RandomSeed, "random seed")
	flag.IntVar(&opts.Organizations, "organizations", defaults.Organizations, "organizations to create")
	flag.IntVar(&opts.Clients, "clients", defaults.Clients, "clients to create")
	flag.IntVar(&opts.Kiosks, "kiosks", defaults.Kiosks, "kiosks to create")
	flag.IntVar(&opts.Programs, "programs", defaults.Programs, "programs to create")
	flag.IntVar(&opts.Tokens, "tokens", defaults.Tokens, "tokens to issue")
	flag.IntVar(&opts.Suspensions, "suspensions", defaults.Suspensions, "programs to suspend into the pool")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	if cfg.IsProduction() {
		logger.Error("refusing to seed a production environment")
		os.Exit(1)
	}
	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required; in-memory data would be lost on exit")
		os.Exit(1)
	}

	srv, err := server.New(cfg, server.WithLogger(logger), server.WithDrainDelay(0))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := logging.WithLogger(context.Background(), logger)
	summary, err := seed.New(srv.SeedServices(), opts).Run(ctx)
	if shutdownErr := srv.Shutdown(); shutdownErr != nil {
		logger.Error("shutdown error", "error", shutdownErr)
	}
	if err != nil {
		logger.Error("seeding failed", "error", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(summary)
}
