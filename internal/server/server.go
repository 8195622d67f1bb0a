package server

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/selfdb-io/selfdb/internal/auth"
	"github.com/selfdb-io/selfdb/internal/config"
	"github.com/selfdb-io/selfdb/internal/httpapi"
	"github.com/selfdb-io/selfdb/internal/objstore"
	"github.com/selfdb-io/selfdb/internal/policy"
	"github.com/selfdb-io/selfdb/internal/ratelimit"
	"github.com/selfdb-io/selfdb/internal/realtime"
	"github.com/selfdb-io/selfdb/internal/storage"
)

// Server is the SelfDB control-plane HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// ServerConfig holds all dependencies for creating a Server.
// Optional (nil-safe): Limiter, OpenAPISpec.
type ServerConfig struct {
	Cfg     *config.Config
	DB      *storage.DB
	Tickets *auth.TicketManager
	Store   *objstore.Client
	Policy  *policy.Cache
	Router  *realtime.Router
	Logger  *slog.Logger

	Limiter     ratelimit.Limiter
	OpenAPISpec []byte
	Version     string

	// UIFS, when non-nil, is the embedded dashboard SPA served at /.
	UIFS fs.FS
	// ExtraRoutes lets embedders mount additional handlers on the mux
	// before the middleware chain is assembled.
	ExtraRoutes []func(mux *http.ServeMux)
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db      *storage.DB
	tickets *auth.TicketManager
	store   *objstore.Client
	policy  *policy.Cache
	logger  *slog.Logger

	anonKey         string
	refreshExpire   time.Duration
	anonPublicWrite bool

	startedAt   time.Time
	version     string
	openapiSpec []byte
}

// New creates the HTTP server with all routes configured.
func New(sc ServerConfig) *Server {
	h := &Handlers{
		db:              sc.DB,
		tickets:         sc.Tickets,
		store:           sc.Store,
		policy:          sc.Policy,
		logger:          sc.Logger,
		anonKey:         sc.Cfg.AnonKey,
		refreshExpire:   sc.Cfg.RefreshTokenExpire,
		anonPublicWrite: sc.Cfg.AnonPublicWrite,
		startedAt:       time.Now(),
		version:         sc.Version,
		openapiSpec:     sc.OpenAPISpec,
	}

	reqIDFunc := func(r *http.Request) string {
		return httpapi.RequestIDFromContext(r.Context())
	}
	authRL := ratelimit.Middleware(sc.Limiter, ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Auth (anon key required, rate limited by IP).
	mux.Handle("POST /api/v1/auth/register", authRL(http.HandlerFunc(h.HandleRegister)))
	mux.Handle("POST /api/v1/auth/login", authRL(http.HandlerFunc(h.HandleLogin)))
	mux.Handle("POST /api/v1/auth/refresh", authRL(http.HandlerFunc(h.HandleRefresh)))

	// Current user.
	mux.HandleFunc("GET /api/v1/users/me", h.HandleGetMe)
	mux.HandleFunc("PUT /api/v1/users/me", h.HandleUpdateMe)
	mux.HandleFunc("PUT /api/v1/users/me/password", h.HandleChangePassword)
	mux.HandleFunc("DELETE /api/v1/users/me", h.HandleDeleteMe)
	mux.HandleFunc("GET /api/v1/users/me/anon-key", h.HandleAnonKey)

	// User administration. Count before {id} so the literal wins.
	mux.HandleFunc("GET /api/v1/users/count", h.HandleCountUsers)
	mux.HandleFunc("GET /api/v1/users", h.HandleListUsers)
	mux.HandleFunc("POST /api/v1/users", h.HandleCreateUser)
	mux.HandleFunc("GET /api/v1/users/{id}", h.HandleGetUser)
	mux.HandleFunc("PUT /api/v1/users/{id}", h.HandleUpdateUser)
	mux.HandleFunc("DELETE /api/v1/users/{id}", h.HandleDeleteUser)

	// Buckets.
	mux.HandleFunc("GET /api/v1/buckets", h.HandleListBuckets)
	mux.HandleFunc("POST /api/v1/buckets", h.HandleCreateBucket)
	mux.HandleFunc("GET /api/v1/buckets/public", h.HandleListPublicBuckets)
	mux.HandleFunc("GET /api/v1/buckets/{id}", h.HandleGetBucket)
	mux.HandleFunc("PUT /api/v1/buckets/{id}", h.HandleUpdateBucket)
	mux.HandleFunc("DELETE /api/v1/buckets/{id}", h.HandleDeleteBucket)
	mux.HandleFunc("GET /api/v1/buckets/{id}/files", h.HandleListBucketFiles)

	// Files.
	mux.HandleFunc("GET /api/v1/files", h.HandleListFiles)
	mux.HandleFunc("POST /api/v1/files/initiate-upload", h.HandleInitiateUpload)
	mux.HandleFunc("GET /api/v1/files/{id}/download-info", h.HandleDownloadInfo)
	mux.HandleFunc("GET /api/v1/files/{id}/view-info", h.HandleViewInfo)
	mux.HandleFunc("GET /api/v1/files/public/{id}/download-info", h.HandlePublicDownloadInfo)
	mux.HandleFunc("GET /api/v1/files/public/{id}/view-info", h.HandlePublicViewInfo)
	mux.HandleFunc("DELETE /api/v1/files/{id}", h.HandleDeleteFile)

	// CORS origin administration.
	mux.HandleFunc("GET /api/v1/cors/origins", h.HandleListCORSOrigins)
	mux.HandleFunc("POST /api/v1/cors/origins", h.HandleCreateCORSOrigin)
	mux.HandleFunc("GET /api/v1/cors/origins/{id}", h.HandleGetCORSOrigin)
	mux.HandleFunc("PUT /api/v1/cors/origins/{id}", h.HandleUpdateCORSOrigin)
	mux.HandleFunc("DELETE /api/v1/cors/origins/{id}", h.HandleDeleteCORSOrigin)
	mux.HandleFunc("POST /api/v1/cors/validate", h.HandleValidateCORSOrigin)
	mux.HandleFunc("POST /api/v1/cors/refresh-cache", h.HandleRefreshCORSCache)

	// Cloud functions registry.
	mux.HandleFunc("GET /api/v1/functions", h.HandleListFunctions)
	mux.HandleFunc("POST /api/v1/functions", h.HandleCreateFunction)
	mux.HandleFunc("GET /api/v1/functions/{id}", h.HandleGetFunction)
	mux.HandleFunc("PUT /api/v1/functions/{id}", h.HandleUpdateFunction)
	mux.HandleFunc("DELETE /api/v1/functions/{id}", h.HandleDeleteFunction)

	// Realtime WebSocket; authentication happens inside the session via
	// the first frame, the gate only checks the anon key.
	if sc.Router != nil {
		mux.Handle("GET /api/v1/realtime/ws", sc.Router)
		mux.Handle("GET /realtime/ws", sc.Router)
	}

	// Health and docs (public allow-list).
	mux.HandleFunc("GET /api/v1/health", h.HandleHealth)
	mux.HandleFunc("GET /api/v1/health/db", h.HandleHealthDB)
	mux.HandleFunc("GET /api/v1/openapi.json", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /api/v1/docs", h.HandleDocs)

	for _, register := range sc.ExtraRoutes {
		register(mux)
	}

	// Embedded dashboard SPA (only when built with -tags ui).
	if sc.UIFS != nil {
		mux.Handle("/", spaHandler(sc.UIFS))
	}

	// Middleware chain (outermost executes first): request ID →
	// security headers → tracing → logging → CORS arbiter → anon-key
	// gate → recovery → handler.
	var handler http.Handler = mux
	handler = httpapi.Recover(sc.Logger, handler)
	handler = authMiddleware(sc.DB, sc.Tickets, sc.Cfg.AnonKey, handler)
	handler = corsMiddleware(sc.Policy, sc.Cfg.CORSAllowCreds, handler)
	handler = httpapi.Logging(sc.Logger, handler)
	handler = httpapi.Tracing(handler)
	handler = httpapi.SecurityHeaders(handler)
	handler = httpapi.RequestID(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", sc.Cfg.Port),
			Handler:      handler,
			ReadTimeout:  sc.Cfg.ReadTimeout,
			WriteTimeout: sc.Cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   sc.Logger,
	}
}

// spaHandler serves the embedded dashboard: real files as-is, anything
// else falls back to index.html so client-side routes deep-link.
func spaHandler(dist fs.FS) http.Handler {
	fileServer := http.FileServer(http.FS(dist))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/")
		if name != "" {
			if _, err := fs.Stat(dist, name); err == nil {
				fileServer.ServeHTTP(w, r)
				return
			}
		}
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/"
		fileServer.ServeHTTP(w, r2)
	})
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: serve: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
