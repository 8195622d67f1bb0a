// Package storage provides the PostgreSQL storage layer for SelfDB.
//
// It manages the shared connection pool, dedicated connections for
// LISTEN/NOTIFY (one per realtime channel, owned by the bridge), the
// forward-only migration runner, change-trigger provisioning, and query
// methods for all tables.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a pgxpool.Pool for request handlers and dials dedicated
// connections for the notification bridge.
type DB struct {
	pool   *pgxpool.Pool
	dsn    string
	logger *slog.Logger
}

// New creates a new DB with a connection pool and verifies connectivity.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	return &DB{pool: pool, dsn: dsn, logger: logger}, nil
}

// NewWithRetry dials like New, retrying transient failures with a short
// linear backoff so startup survives a database that is still booting.
func NewWithRetry(ctx context.Context, dsn string, logger *slog.Logger, attempts int) (*DB, error) {
	return newWithRetry(ctx, dsn, logger, attempts, time.Second, New)
}

func newWithRetry(ctx context.Context, dsn string, logger *slog.Logger, attempts int, backoff time.Duration,
	dial func(context.Context, string, *slog.Logger) (*DB, error)) (*DB, error) {
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		var db *DB
		db, err = dial(ctx, dsn, logger)
		if err == nil {
			return db, nil
		}
		if attempt == attempts {
			break
		}
		logger.Warn("storage: database unreachable, retrying",
			"attempt", attempt, "of", attempts, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff * time.Duration(attempt)):
		}
	}
	return nil, err
}

// Pool returns the underlying connection pool for use by other packages.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// NewListenConn dials a dedicated connection for LISTEN. Each realtime
// channel gets its own connection so one channel's failure never stalls
// another; request handlers must never borrow these.
func (db *DB) NewListenConn(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, db.dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: connect listen conn: %w", err)
	}
	return conn, nil
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}
