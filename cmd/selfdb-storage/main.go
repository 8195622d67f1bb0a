package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/selfdb-io/selfdb/internal/auth"
	"github.com/selfdb-io/selfdb/internal/config"
	"github.com/selfdb-io/selfdb/internal/objstore"
	"github.com/selfdb-io/selfdb/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("SELFDB_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

// run starts the storage service: a DB-less file server that authorizes
// requests from ticket claims and sidecar metadata alone.
func run(ctx context.Context, logger *slog.Logger) error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("selfdb-storage starting", "version", version, "port", cfg.StoragePort, "root", cfg.StorageRoot)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName+"-storage", version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	store, err := objstore.NewStore(cfg.StorageRoot, logger)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}

	// Tickets are validated with the same SECRET_KEY the control plane
	// signs with; that shared secret is the whole trust relationship.
	tickets, err := auth.NewTicketManager(cfg.SecretKey, cfg.AccessTokenExpire)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	srv := objstore.NewServer(&cfg, store, tickets, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	slog.Info("selfdb-storage shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	slog.Info("selfdb-storage stopped")
	return nil
}
