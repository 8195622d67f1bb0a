package storage

import (
	"context"
	"fmt"
)

// Notify sends a payload on the specified channel via pg_notify. Used for
// synthetic change events (e.g. buckets_changes after a cross-tier
// mutation) so that delivery goes through the same bridge as trigger
// events.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	_, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	if err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}
