// Package ratelimit guards the authentication endpoints with a
// per-client-IP token bucket. The Limiter interface is the contract; a
// shared-store implementation can replace the in-memory one when SelfDB
// runs more than one backend instance.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed. The key is
	// opaque to the limiter; callers construct it (here: client IP).
	// An error signals a limiter malfunction; callers treat errors as
	// fail-open rather than blocking traffic.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
