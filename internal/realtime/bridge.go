// Package realtime bridges Postgres row-change notifications to
// authenticated WebSocket subscribers.
//
// The Bridge owns one LISTEN connection per channel and feeds parsed
// change events to the Router; the Router fans them out to matching
// session subscriptions. Channels are isolated: a dropped connection on
// one channel reconnects with capped backoff while the others keep
// flowing.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/selfdb-io/selfdb/internal/model"
	"github.com/selfdb-io/selfdb/internal/storage"
)

const (
	reconnectBase = time.Second
	reconnectCap  = 30 * time.Second
)

// Bridge maintains the LISTEN connections for every managed channel.
type Bridge struct {
	db     *storage.DB
	router *Router
	logger *slog.Logger
}

// NewBridge creates a Bridge feeding events into router.
func NewBridge(db *storage.DB, router *Router, logger *slog.Logger) *Bridge {
	return &Bridge{db: db, router: router, logger: logger}
}

// Start launches one listener goroutine per managed table channel and
// blocks until ctx is cancelled and all listeners have stopped.
func (b *Bridge) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for _, table := range storage.ManagedTables {
		channel := model.ChannelForTable(table)
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.listenChannel(ctx, channel)
		}()
	}
	wg.Wait()
}

// listenChannel runs the connect → LISTEN → receive loop for one channel,
// reconnecting with jittered exponential backoff on any failure.
func (b *Bridge) listenChannel(ctx context.Context, channel string) {
	backoff := reconnectBase
	for {
		if ctx.Err() != nil {
			return
		}

		err := b.receiveLoop(ctx, channel)
		if ctx.Err() != nil {
			return
		}
		b.logger.Warn("bridge: listener lost, reconnecting",
			"channel", channel, "backoff", backoff, "error", err)

		jitter := time.Duration(rand.Int64N(int64(backoff / 2))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff + jitter):
		}
		backoff = min(backoff*2, reconnectCap)
	}
}

// receiveLoop dials a dedicated connection, subscribes, and delivers
// notifications until the connection or ctx fails. Events on one healthy
// connection arrive in database-commit order and are dispatched in that
// order.
func (b *Bridge) receiveLoop(ctx context.Context, channel string) error {
	conn, err := b.db.NewListenConn(ctx)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return err
	}
	b.logger.Info("bridge: listening", "channel", channel)

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}

		var ev model.ChangeEvent
		if err := json.Unmarshal([]byte(n.Payload), &ev); err != nil {
			b.logger.Warn("bridge: unparseable notification payload",
				"channel", n.Channel, "error", err)
			continue
		}
		ev.Channel = n.Channel
		b.router.Dispatch(ev)
	}
}
