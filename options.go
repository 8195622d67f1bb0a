package selfdb

import (
	"io/fs"
	"log/slog"
	"net/http"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port            int
	databaseURL     string
	logger          *slog.Logger
	version         string
	openAPISpec     []byte
	extraMigrations []fs.FS
	routeRegistrars []RouteRegistrar
}

// WithPort overrides the TCP port from config (SELFDB_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config
// (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithLogger replaces the default JSON stdout logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported by /api/v1/health.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithOpenAPISpec replaces the embedded OpenAPI document served at
// /api/v1/openapi.json. Embedders that add routes via WithExtraRoutes
// typically serve a merged spec instead.
func WithOpenAPISpec(spec []byte) Option {
	return func(o *resolvedOptions) { o.openAPISpec = spec }
}

// WithExtraMigrations appends migration filesystems applied after the
// built-in ones. Each FS follows the same NNN_name.sql convention; file
// names must not collide with the built-in set.
func WithExtraMigrations(migrationFS fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, migrationFS) }
}

// RouteRegistrar mounts additional handlers on the API mux. Routes are
// registered before the middleware chain is assembled, so they sit
// behind the same anon-key gate and CORS arbiter as the built-in API.
type RouteRegistrar interface {
	RegisterRoutes(mux *http.ServeMux)
}

// WithExtraRoutes registers a RouteRegistrar. May be given multiple times.
func WithExtraRoutes(rr RouteRegistrar) Option {
	return func(o *resolvedOptions) { o.routeRegistrars = append(o.routeRegistrars, rr) }
}
