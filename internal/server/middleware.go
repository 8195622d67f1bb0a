// Package server implements the SelfDB control-plane HTTP API.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/selfdb-io/selfdb/internal/auth"
	"github.com/selfdb-io/selfdb/internal/httpapi"
	"github.com/selfdb-io/selfdb/internal/model"
	"github.com/selfdb-io/selfdb/internal/realtime"
	"github.com/selfdb-io/selfdb/internal/storage"
)

type contextKey string

const contextKeyPrincipal contextKey = "principal"

// PrincipalFromContext extracts the request principal. The zero value
// (PrincipalNone) means the request came in on a public path.
func PrincipalFromContext(ctx context.Context) model.Principal {
	if v, ok := ctx.Value(contextKeyPrincipal).(model.Principal); ok {
		return v
	}
	return model.Principal{}
}

// publicPath reports whether p is on the unauthenticated allow-list.
// Everything outside the API surface (the dashboard SPA and its assets)
// is public too.
func publicPath(p string) bool {
	if !strings.HasPrefix(p, "/api/v1/") && !strings.HasPrefix(p, "/realtime/") {
		return true
	}
	switch p {
	case "/api/v1/health", "/api/v1/health/db", "/api/v1/docs", "/api/v1/openapi.json":
		return true
	}
	return strings.HasPrefix(p, "/api/v1/files/public/")
}

// unauthorized writes the 401 envelope with the WWW-Authenticate
// challenge the status requires.
func unauthorized(w http.ResponseWriter, r *http.Request, message string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	httpapi.WriteError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, message)
}

// apiKeyFrom reads the project anon key from the apikey header or, for
// browser contexts that cannot set headers (WebSocket dial, media
// tags), the apikey query parameter.
func apiKeyFrom(r *http.Request) string {
	if k := r.Header.Get("apikey"); k != "" {
		return k
	}
	return r.URL.Query().Get("apikey")
}

// bearerToken extracts the Bearer token, or "" when absent.
func bearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", nil
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization format")
	}
	return parts[1], nil
}

// authMiddleware is the anon-key gate plus ticket resolution. Every
// request outside the public allow-list must carry the project anon
// key; a Bearer ticket upgrades the principal from anonymous to the
// resolved user. CORS preflights pass through untouched so the arbiter
// can answer them.
func authMiddleware(db *storage.DB, tickets *auth.TicketManager, anonKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || publicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		if apiKeyFrom(r) != anonKey {
			unauthorized(w, r, "missing or invalid api key")
			return
		}

		principal := model.Principal{Kind: model.PrincipalAnonymous}
		token, err := bearerToken(r)
		if err != nil {
			unauthorized(w, r, err.Error())
			return
		}
		if token != "" {
			user, err := resolveTicket(r.Context(), db, tickets, token)
			if err != nil {
				unauthorized(w, r, "invalid or expired token")
				return
			}
			principal = model.Principal{Kind: model.PrincipalUser, User: &user}
		}

		ctx := context.WithValue(r.Context(), contextKeyPrincipal, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// resolveTicket validates a ticket and loads its live user row. The
// subject claim is a user id, with an email fallback for tokens minted
// by older releases. Tickets of deleted or deactivated users are
// rejected even before expiry.
func resolveTicket(ctx context.Context, db *storage.DB, tickets *auth.TicketManager, token string) (model.User, error) {
	claims, err := tickets.Validate(token)
	if err != nil {
		return model.User{}, err
	}

	var user model.User
	if id, err := uuid.Parse(claims.Subject); err == nil {
		user, err = db.GetUser(ctx, id)
		if err != nil {
			return model.User{}, err
		}
	} else {
		user, err = db.GetUserByEmail(ctx, claims.Subject)
		if err != nil {
			return model.User{}, err
		}
	}
	if !user.IsActive {
		return model.User{}, errors.New("user deactivated")
	}
	return user, nil
}

// requireUser is the handler-side guard for endpoints that need an
// authenticated user. Writes the error response itself.
func requireUser(w http.ResponseWriter, r *http.Request) (model.Principal, bool) {
	p := PrincipalFromContext(r.Context())
	if !p.IsUser() {
		unauthorized(w, r, "authentication required")
		return model.Principal{}, false
	}
	return p, true
}

// requireSuperuser guards superuser-only endpoints.
func requireSuperuser(w http.ResponseWriter, r *http.Request) (model.Principal, bool) {
	p, ok := requireUser(w, r)
	if !ok {
		return model.Principal{}, false
	}
	if !p.IsSuperuser() {
		httpapi.WriteError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "superuser required")
		return model.Principal{}, false
	}
	return p, true
}

// ticketAuthenticator adapts the DB-backed ticket resolution to the
// realtime Authenticator contract.
type ticketAuthenticator struct {
	db      *storage.DB
	tickets *auth.TicketManager
}

// NewRealtimeAuthenticator returns the authenticator realtime sessions
// use to resolve their first-frame ticket to a live user.
func NewRealtimeAuthenticator(db *storage.DB, tickets *auth.TicketManager) realtime.Authenticator {
	return &ticketAuthenticator{db: db, tickets: tickets}
}

func (a *ticketAuthenticator) Authenticate(ctx context.Context, token string) (model.Principal, error) {
	user, err := resolveTicket(ctx, a.db, a.tickets, token)
	if err != nil {
		return model.Principal{}, err
	}
	return model.Principal{Kind: model.PrincipalUser, User: &user}, nil
}
