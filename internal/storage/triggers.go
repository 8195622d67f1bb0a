package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ManagedTables is the set of tables provisioned with change triggers at
// startup. Each table publishes on its own "<table>_changes" channel.
var ManagedTables = []string{
	"users",
	"buckets",
	"files",
	"cors_origins",
	"functions",
}

// EnsureChangeTrigger installs the row-change trigger for one table.
// The trigger function is table-specific so the channel name is a literal
// inside the function body (pg_notify takes a value, not an identifier).
// DROP IF EXISTS + CREATE makes provisioning idempotent.
//
// password_hash is stripped from the payload; the operator is a no-op for
// tables without that column.
func (db *DB) EnsureChangeTrigger(ctx context.Context, table string) error {
	channel := table + "_changes"
	fnName := pgx.Identifier{"notify_" + channel}.Sanitize()
	tableIdent := pgx.Identifier{table}.Sanitize()
	triggerName := pgx.Identifier{channel + "_trigger"}.Sanitize()

	createFn := fmt.Sprintf(`
CREATE OR REPLACE FUNCTION %s() RETURNS trigger AS $fn$
DECLARE
	payload jsonb;
BEGIN
	IF TG_OP = 'INSERT' THEN
		payload := jsonb_build_object(
			'operation', TG_OP, 'table', TG_TABLE_NAME,
			'data', to_jsonb(NEW) - 'password_hash');
	ELSIF TG_OP = 'UPDATE' THEN
		payload := jsonb_build_object(
			'operation', TG_OP, 'table', TG_TABLE_NAME,
			'data', to_jsonb(NEW) - 'password_hash',
			'old_data', to_jsonb(OLD) - 'password_hash');
	ELSE
		payload := jsonb_build_object(
			'operation', TG_OP, 'table', TG_TABLE_NAME,
			'old_data', to_jsonb(OLD) - 'password_hash');
	END IF;
	PERFORM pg_notify('%s', payload::text);
	RETURN NULL;
END;
$fn$ LANGUAGE plpgsql`, fnName, channel)

	// Several instances provisioning the same table at once can deadlock
	// on the DROP/CREATE pair, so the DDL runs under the retry helper.
	return WithRetry(ctx, 3, 100*time.Millisecond, func() error {
		if _, err := db.pool.Exec(ctx, createFn); err != nil {
			return fmt.Errorf("storage: create trigger function for %s: %w", table, err)
		}

		if _, err := db.pool.Exec(ctx,
			fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", triggerName, tableIdent),
		); err != nil {
			return fmt.Errorf("storage: drop trigger for %s: %w", table, err)
		}

		if _, err := db.pool.Exec(ctx, fmt.Sprintf(
			"CREATE TRIGGER %s AFTER INSERT OR UPDATE OR DELETE ON %s FOR EACH ROW EXECUTE FUNCTION %s()",
			triggerName, tableIdent, fnName,
		)); err != nil {
			return fmt.Errorf("storage: create trigger for %s: %w", table, err)
		}

		return nil
	})
}

// EnsureChangeTriggers provisions all managed tables. One table failing
// does not abort the others; the first error is returned after the loop.
func (db *DB) EnsureChangeTriggers(ctx context.Context) error {
	var firstErr error
	for _, table := range ManagedTables {
		if err := db.EnsureChangeTrigger(ctx, table); err != nil {
			db.logger.Warn("trigger provisioning failed", "table", table, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
