package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selfdb-io/selfdb/internal/model"
	"github.com/selfdb-io/selfdb/internal/policy"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

const testAnonKey = "anon-key-for-tests"

// okHandler answers 200 and records that it ran.
func okHandler(called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if called != nil {
			*called = true
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestPublicPath(t *testing.T) {
	for _, p := range []string{
		"/api/v1/health",
		"/api/v1/health/db",
		"/api/v1/docs",
		"/api/v1/openapi.json",
		"/api/v1/files/public/123/download-info",
		"/",
		"/assets/index-abc123.js",
	} {
		assert.True(t, publicPath(p), "expected %s to be public", p)
	}
	for _, p := range []string{
		"/api/v1/users/me",
		"/api/v1/buckets",
		"/api/v1/files/123/download-info",
		"/api/v1/healthz",
	} {
		assert.False(t, publicPath(p), "expected %s to be gated", p)
	}
}

func TestAnonKeyGate(t *testing.T) {
	var called bool
	gate := authMiddleware(nil, nil, testAnonKey, okHandler(&called))

	t.Run("missing key is rejected", func(t *testing.T) {
		called = false
		req := httptest.NewRequest(http.MethodGet, "/api/v1/buckets/public", nil)
		rec := httptest.NewRecorder()
		gate.ServeHTTP(rec, req)

		require.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
		assert.False(t, called)

		var apiErr model.APIError
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
		assert.Equal(t, model.ErrCodeUnauthorized, apiErr.Error.Code)
	})

	t.Run("header key passes as anonymous", func(t *testing.T) {
		called = false
		req := httptest.NewRequest(http.MethodGet, "/api/v1/buckets/public", nil)
		req.Header.Set("apikey", testAnonKey)
		rec := httptest.NewRecorder()
		gate.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, called)
	})

	t.Run("query key passes for websocket-style dials", func(t *testing.T) {
		called = false
		req := httptest.NewRequest(http.MethodGet, "/api/v1/realtime/ws?apikey="+testAnonKey, nil)
		rec := httptest.NewRecorder()
		gate.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, called)
	})

	t.Run("wrong key is rejected", func(t *testing.T) {
		called = false
		req := httptest.NewRequest(http.MethodGet, "/api/v1/buckets/public", nil)
		req.Header.Set("apikey", "wrong")
		rec := httptest.NewRecorder()
		gate.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.False(t, called)
	})

	t.Run("public path needs no key", func(t *testing.T) {
		called = false
		req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
		rec := httptest.NewRecorder()
		gate.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, called)
	})

	t.Run("preflight bypasses the gate", func(t *testing.T) {
		called = false
		req := httptest.NewRequest(http.MethodOptions, "/api/v1/buckets", nil)
		rec := httptest.NewRecorder()
		gate.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, called)
	})

	t.Run("malformed authorization is rejected", func(t *testing.T) {
		called = false
		req := httptest.NewRequest(http.MethodGet, "/api/v1/buckets/public", nil)
		req.Header.Set("apikey", testAnonKey)
		req.Header.Set("Authorization", "NotBearer xyz")
		rec := httptest.NewRecorder()
		gate.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
		assert.False(t, called)
	})
}

// Every 401 carries the WWW-Authenticate challenge, whichever guard
// produced it.
func TestUnauthorizedChallengeHeader(t *testing.T) {
	t.Run("anon-key gate", func(t *testing.T) {
		gate := authMiddleware(nil, nil, testAnonKey, okHandler(nil))
		req := httptest.NewRequest(http.MethodGet, "/api/v1/buckets", nil)
		req.Header.Set("apikey", "wrong")
		rec := httptest.NewRecorder()
		gate.ServeHTTP(rec, req)

		require.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
	})

	t.Run("requireUser guard", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/users/me", nil)
		rec := httptest.NewRecorder()
		_, ok := requireUser(rec, req)

		assert.False(t, ok)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
	})
}

func TestPrincipalFromContextDefault(t *testing.T) {
	p := PrincipalFromContext(context.Background())
	assert.Equal(t, model.PrincipalNone, p.Kind)
	assert.False(t, p.IsUser())
	assert.False(t, p.IsSuperuser())
}

type staticOrigins struct{ origins []string }

func (s staticOrigins) ActiveCORSOrigins(context.Context) ([]string, error) {
	return s.origins, nil
}

func newTestPolicy(origins ...string) *policy.Cache {
	return policy.New(staticOrigins{origins: origins}, nil, time.Minute, testLogger())
}

func TestCORSPreflight(t *testing.T) {
	cache := newTestPolicy("https://app.example.com")
	handler := corsMiddleware(cache, true, okHandler(nil))

	t.Run("allowed origin gets headers", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/api/v1/buckets", nil)
		req.Header.Set("Origin", "https://app.example.com")
		req.Header.Set("Access-Control-Request-Method", "POST")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
		assert.Equal(t, "600", rec.Header().Get("Access-Control-Max-Age"))
		assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
	})

	t.Run("disallowed origin gets 403 and empty body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/api/v1/buckets", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		req.Header.Set("Access-Control-Request-Method", "POST")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		require.Equal(t, http.StatusForbidden, rec.Code)
		assert.Empty(t, rec.Body.String())
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestCORSActualRequest(t *testing.T) {
	cache := newTestPolicy("https://app.example.com")
	handler := corsMiddleware(cache, false, okHandler(nil))

	t.Run("allowed origin gets response headers", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
		req.Header.Set("Origin", "https://app.example.com")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Credentials"))
	})

	t.Run("disallowed origin still reaches the handler, no headers", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("no origin header passes through untouched", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestCORSDefaultLocalhostAllowed(t *testing.T) {
	cache := newTestPolicy()
	handler := corsMiddleware(cache, false, okHandler(nil))

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/buckets", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPagination(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/files?limit=10&offset=30", nil)
	limit, offset := pagination(req)
	assert.Equal(t, 10, limit)
	assert.Equal(t, 30, offset)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/files", nil)
	limit, offset = pagination(req)
	assert.Equal(t, 50, limit)
	assert.Equal(t, 0, offset)

	// Out-of-range values fall back to defaults.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/files?limit=9999&offset=-2", nil)
	limit, offset = pagination(req)
	assert.Equal(t, 50, limit)
	assert.Equal(t, 0, offset)
}
