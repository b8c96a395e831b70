// Package main implements a service that signs requests to the project
// information API, searches for a timestamp the server accepts, and caches
// the daily report datasets fetched with the winning credential.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"projectinfo-sync/cache"
	"projectinfo-sync/config"
	"projectinfo-sync/resolver"
	"projectinfo-sync/server"
	"projectinfo-sync/syncer"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	os.Exit(run(ctx, os.Args[1:], os.Stdout, logger))
}

// run returns the process exit code.
func run(ctx context.Context, args []string, stdout io.Writer, logger *slog.Logger) int {
	flags := flag.NewFlagSet("projectinfo-sync", flag.ContinueOnError)
	once := flags.Bool("once", false, "run a single sync, print the report as JSON and exit")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error("Invalid configuration", "error", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("Missing required configuration", "error", err)
		return 1
	}

	if !cfg.VerifyTLS {
		logger.Warn("TLS certificate verification disabled", "host", cfg.Host)
	}

	client := resolver.NewHTTPClient(cfg.Timeout, cfg.VerifyTLS)
	snapshots := cache.New()
	sync := syncer.New(
		resolver.New(client, cfg.Resolver(), logger),
		client,
		snapshots,
		cfg.Syncer(),
		logger,
	)

	if *once {
		rep := sync.Run(ctx)
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			logger.Error("Failed to write report", "error", err)
			return 1
		}
		if err := rep.Err(); err != nil {
			logger.Error("Sync failed", "outcome", rep.Outcome, "error", err)
			return 1
		}
		return 0
	}

	srv := server.New(&server.Config{
		Syncer:    sync,
		Snapshots: snapshots,
		Logger:    logger,
	})
	if err := srv.ListenAndServe(ctx, cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server failed", "error", err)
		return 1
	}
	return 0
}
