// Package selfdb is the public API for embedding the SelfDB backend.
//
// Consumers import this package to construct and extend the control
// plane without forking it:
//
//	app, err := selfdb.New(
//	    selfdb.WithVersion(version),
//	    selfdb.WithLogger(logger),
//	    selfdb.WithExtraRoutes(myRoutes),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: selfdb (root)
// imports internal/*, but internal/* never imports selfdb (root).
package selfdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/selfdb-io/selfdb/api"
	"github.com/selfdb-io/selfdb/internal/auth"
	"github.com/selfdb-io/selfdb/internal/config"
	"github.com/selfdb-io/selfdb/internal/objstore"
	"github.com/selfdb-io/selfdb/internal/policy"
	"github.com/selfdb-io/selfdb/internal/ratelimit"
	"github.com/selfdb-io/selfdb/internal/realtime"
	"github.com/selfdb-io/selfdb/internal/server"
	"github.com/selfdb-io/selfdb/internal/storage"
	"github.com/selfdb-io/selfdb/internal/telemetry"
	"github.com/selfdb-io/selfdb/migrations"
	"github.com/selfdb-io/selfdb/ui"
)

// App is a configured SelfDB control plane, ready to Run.
type App struct {
	opts resolvedOptions
}

// New builds an App from options. Configuration is read from the
// environment at Run time; options override it.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{
		version:     "dev",
		openAPISpec: api.OpenAPISpec,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return &App{opts: o}, nil
}

// Run starts the control plane and blocks until ctx is cancelled or the
// server fails. It loads configuration, migrates the schema, installs
// the change triggers, and wires the realtime bridge, the policy cache,
// and the storage service client before serving HTTP.
func (a *App) Run(ctx context.Context) error {
	logger := a.opts.logger

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if a.opts.port != 0 {
		cfg.Port = a.opts.port
	}
	if a.opts.databaseURL != "" {
		cfg.DatabaseURL = a.opts.databaseURL
	}

	logger.Info("selfdb starting", "version", a.opts.version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, a.opts.version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// The database container often comes up after us; retry briefly
	// before treating it as fatal.
	db, err := storage.NewWithRetry(ctx, cfg.DatabaseURL, logger, 5)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	// RunMigrations tracks applied files in schema_migrations and skips
	// duplicates, so errors here indicate real failures.
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	for _, extra := range a.opts.extraMigrations {
		if err := db.RunMigrations(ctx, extra); err != nil {
			return fmt.Errorf("extra migrations: %w", err)
		}
	}

	// Idempotent; also repairs triggers dropped by out-of-band schema
	// changes.
	if err := db.EnsureChangeTriggers(ctx); err != nil {
		return fmt.Errorf("change triggers: %w", err)
	}

	tickets, err := auth.NewTicketManager(cfg.SecretKey, cfg.AccessTokenExpire)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	policyCache := policy.New(db, cfg.CORSAllowedOrigins, policy.DefaultTTL, logger)
	if err := policyCache.Refresh(ctx); err != nil {
		logger.Warn("initial policy refresh failed, starting with env origins only", "error", err)
	}

	// Expired refresh tokens are dead weight; sweep them hourly, keeping
	// a day of grace for post-mortem inspection.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := db.PruneExpiredRefreshTokens(ctx, 24*time.Hour)
				if err != nil {
					logger.Warn("refresh token sweep failed", "error", err)
				} else if n > 0 {
					logger.Info("pruned expired refresh tokens", "count", n)
				}
			}
		}
	}()

	// Realtime: WebSocket router plus the LISTEN bridge feeding it.
	router := realtime.NewRouter(server.NewRealtimeAuthenticator(db, tickets), logger)
	bridge := realtime.NewBridge(db, router, logger)
	go bridge.Start(ctx)

	// Storage service client (control plane side of the file pipeline).
	store := objstore.NewClient(cfg.StorageServiceURL, cfg.StorageServiceExternalURL, tickets)

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		defer func() { _ = limiter.Close() }()
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	// Embedded dashboard filesystem (non-nil only when built with -tags ui).
	uiFS, err := ui.DistFS()
	if err != nil {
		return fmt.Errorf("ui: %w", err)
	}
	if uiFS != nil {
		logger.Info("ui: embedded dashboard loaded")
	}

	var extraRoutes []func(mux *http.ServeMux)
	for _, rr := range a.opts.routeRegistrars {
		extraRoutes = append(extraRoutes, rr.RegisterRoutes)
	}

	srv := server.New(server.ServerConfig{
		Cfg:         &cfg,
		DB:          db,
		Tickets:     tickets,
		Store:       store,
		Policy:      policyCache,
		Router:      router,
		Logger:      logger,
		Limiter:     limiter,
		OpenAPISpec: a.opts.openAPISpec,
		Version:     a.opts.version,
		UIFS:        uiFS,
		ExtraRoutes: extraRoutes,
	})

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

	// Graceful shutdown: stop accepting HTTP requests and drain
	// in-flight ones, then close remaining realtime sessions. The
	// LISTEN bridge goroutines exit with ctx.
	logger.Info("selfdb shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	router.CloseAll()

	logger.Info("selfdb stopped")
	return nil
}
