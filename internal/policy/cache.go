// Package policy maintains the dynamic allowed-origin set used by the
// CORS arbiter: a bounded-staleness cache over the cors_origins table,
// merged with env-configured and built-in defaults.
package policy

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultTTL bounds how stale the DB portion of the allow-set may get.
const DefaultTTL = 5 * time.Minute

// defaultOrigins are always allowed regardless of configuration, so a
// fresh deployment's local dashboard works before any policy rows exist.
var defaultOrigins = []string{
	"http://localhost:3000",
	"http://localhost:8000",
}

// OriginSource supplies the active DB origins. *storage.DB satisfies it;
// tests substitute a fake.
type OriginSource interface {
	ActiveCORSOrigins(ctx context.Context) ([]string, error)
}

// Cache is the bounded-staleness origin cache. Reads are an RLock and a
// map lookup; the DB is only touched when the cached portion is older
// than ttl or has been explicitly invalidated. At most one refresh is in
// flight; callers that lose the race serve the previous value.
type Cache struct {
	source OriginSource
	logger *slog.Logger
	ttl    time.Duration
	static []string // env-configured ∪ defaults, fixed at construction

	mu        sync.RWMutex
	merged    map[string]struct{}
	fetchedAt time.Time
	dirty     bool

	refreshing atomic.Bool
	group      singleflight.Group
}

// New creates a Cache. envOrigins is the CORS_ALLOWED_ORIGINS list.
// The DB portion is empty until the first Refresh or read.
func New(source OriginSource, envOrigins []string, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	static := make([]string, 0, len(envOrigins)+len(defaultOrigins))
	static = append(static, defaultOrigins...)
	static = append(static, envOrigins...)

	c := &Cache{
		source: source,
		logger: logger,
		ttl:    ttl,
		static: static,
		dirty:  true,
	}
	c.merged = c.mergeWith(nil)
	return c
}

// Allowed reports whether origin is in the effective allow-set.
// A stored wildcard entry admits every origin.
func (c *Cache) Allowed(ctx context.Context, origin string) bool {
	set := c.Origins(ctx)
	if _, ok := set["*"]; ok {
		return true
	}
	_, ok := set[origin]
	return ok
}

// Origins returns the effective allow-set: env ∪ defaults ∪ active DB
// entries. The returned map is shared and must not be mutated. When the
// DB portion is stale, the first caller refreshes synchronously;
// concurrent callers observe the previous value.
func (c *Cache) Origins(ctx context.Context) map[string]struct{} {
	c.mu.RLock()
	fresh := !c.dirty && time.Since(c.fetchedAt) < c.ttl
	merged := c.merged
	c.mu.RUnlock()

	if fresh {
		return merged
	}

	if c.refreshing.CompareAndSwap(false, true) {
		defer c.refreshing.Store(false)
		if err := c.Refresh(ctx); err != nil {
			c.logger.Warn("policy: origin refresh failed, serving stale set", "error", err)
		}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.merged
}

// Invalidate forces the next read to refresh the DB portion.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.dirty = true
	c.mu.Unlock()
}

// Refresh synchronously reloads the DB portion. Concurrent calls are
// coalesced into one query. On failure the previous value is retained.
func (c *Cache) Refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("refresh", func() (any, error) {
		dbOrigins, err := c.source.ActiveCORSOrigins(ctx)
		if err != nil {
			return nil, err
		}
		merged := c.mergeWith(dbOrigins)
		c.mu.Lock()
		c.merged = merged
		c.fetchedAt = time.Now()
		c.dirty = false
		c.mu.Unlock()
		return nil, nil
	})
	return err
}

func (c *Cache) mergeWith(dbOrigins []string) map[string]struct{} {
	merged := make(map[string]struct{}, len(c.static)+len(dbOrigins))
	for _, o := range c.static {
		merged[o] = struct{}{}
	}
	for _, o := range dbOrigins {
		merged[o] = struct{}{}
	}
	return merged
}
