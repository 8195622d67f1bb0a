package ratelimit_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selfdb-io/selfdb/internal/model"
	"github.com/selfdb-io/selfdb/internal/ratelimit"
)

func TestMemoryLimiterBurstThenDeny(t *testing.T) {
	m := ratelimit.NewMemoryLimiter(1, 3)
	defer m.Close()
	ctx := context.Background()

	for i := range 3 {
		ok, err := m.Allow(ctx, "ip")
		require.NoError(t, err)
		assert.True(t, ok, "request %d inside burst should pass", i)
	}
	ok, err := m.Allow(ctx, "ip")
	require.NoError(t, err)
	assert.False(t, ok, "request beyond burst should be limited")
}

func TestMemoryLimiterKeysIndependent(t *testing.T) {
	m := ratelimit.NewMemoryLimiter(1, 1)
	defer m.Close()
	ctx := context.Background()

	ok, _ := m.Allow(ctx, "a")
	assert.True(t, ok)
	ok, _ = m.Allow(ctx, "a")
	assert.False(t, ok)

	// A different key still has its full bucket.
	ok, _ = m.Allow(ctx, "b")
	assert.True(t, ok)
}

func TestNoopLimiterAlwaysAllows(t *testing.T) {
	var l ratelimit.NoopLimiter
	for range 100 {
		ok, err := l.Allow(context.Background(), "x")
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestMiddlewareLimitsByIP(t *testing.T) {
	m := ratelimit.NewMemoryLimiter(0.001, 2)
	defer m.Close()

	handler := ratelimit.Middleware(m, ratelimit.IPKeyFunc, nil)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	do := func(remoteAddr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
		req.RemoteAddr = remoteAddr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, do("10.0.0.1:1000").Code)
	assert.Equal(t, http.StatusOK, do("10.0.0.1:1001").Code)

	rec := do("10.0.0.1:1002")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var apiErr model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, model.ErrCodeRateLimited, apiErr.Error.Code)

	// A different source IP is unaffected.
	assert.Equal(t, http.StatusOK, do("10.0.0.2:1000").Code)
}

func TestMiddlewareNilLimiterPassesThrough(t *testing.T) {
	handler := ratelimit.Middleware(nil, ratelimit.IPKeyFunc, nil)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	for range 50 {
		req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestIPKeyFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:5123"
	assert.Equal(t, "192.0.2.7", ratelimit.IPKeyFunc(req))
}
