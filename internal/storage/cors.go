package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/selfdb-io/selfdb/internal/model"
)

const corsColumns = `id, origin, description, is_active, created_by, created_at, updated_at`

func scanCORSOrigin(row pgx.Row) (model.CORSOrigin, error) {
	var o model.CORSOrigin
	err := row.Scan(&o.ID, &o.Origin, &o.Description, &o.IsActive, &o.CreatedBy, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.CORSOrigin{}, ErrNotFound
	}
	if err != nil {
		return model.CORSOrigin{}, err
	}
	return o, nil
}

// CreateCORSOrigin inserts a policy entry. Duplicate origins return ErrConflict.
func (db *DB) CreateCORSOrigin(ctx context.Context, o model.CORSOrigin) (model.CORSOrigin, error) {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO cors_origins (id, origin, description, is_active, created_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		o.ID, o.Origin, o.Description, o.IsActive, o.CreatedBy, o.CreatedAt, o.UpdatedAt,
	)
	if IsUniqueViolation(err) {
		return model.CORSOrigin{}, ErrConflict
	}
	if err != nil {
		return model.CORSOrigin{}, fmt.Errorf("storage: create cors origin: %w", err)
	}
	return o, nil
}

// GetCORSOrigin returns one policy entry by id.
func (db *DB) GetCORSOrigin(ctx context.Context, id uuid.UUID) (model.CORSOrigin, error) {
	o, err := scanCORSOrigin(db.pool.QueryRow(ctx,
		`SELECT `+corsColumns+` FROM cors_origins WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return model.CORSOrigin{}, fmt.Errorf("storage: get cors origin: %w", err)
	}
	return o, err
}

// ListCORSOrigins returns all policy entries, newest first.
func (db *DB) ListCORSOrigins(ctx context.Context) ([]model.CORSOrigin, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+corsColumns+` FROM cors_origins ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("storage: list cors origins: %w", err)
	}
	defer rows.Close()

	origins := []model.CORSOrigin{}
	for rows.Next() {
		o, err := scanCORSOrigin(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan cors origin: %w", err)
		}
		origins = append(origins, o)
	}
	return origins, rows.Err()
}

// ActiveCORSOrigins returns the active origin URLs for the policy cache.
func (db *DB) ActiveCORSOrigins(ctx context.Context) ([]string, error) {
	rows, err := db.pool.Query(ctx, `SELECT origin FROM cors_origins WHERE is_active`)
	if err != nil {
		return nil, fmt.Errorf("storage: active cors origins: %w", err)
	}
	defer rows.Close()

	var origins []string
	for rows.Next() {
		var o string
		if err := rows.Scan(&o); err != nil {
			return nil, fmt.Errorf("storage: scan active origin: %w", err)
		}
		origins = append(origins, o)
	}
	return origins, rows.Err()
}

// UpdateCORSOrigin applies the non-nil fields of req and returns the
// updated entry.
func (db *DB) UpdateCORSOrigin(ctx context.Context, id uuid.UUID, req model.UpdateCORSOriginRequest) (model.CORSOrigin, error) {
	o, err := scanCORSOrigin(db.pool.QueryRow(ctx,
		`UPDATE cors_origins SET
			origin = COALESCE($2, origin),
			description = COALESCE($3, description),
			is_active = COALESCE($4, is_active),
			updated_at = now()
		 WHERE id = $1
		 RETURNING `+corsColumns,
		id, req.Origin, req.Description, req.IsActive))
	if IsUniqueViolation(err) {
		return model.CORSOrigin{}, ErrConflict
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return model.CORSOrigin{}, fmt.Errorf("storage: update cors origin: %w", err)
	}
	return o, err
}

// DeactivateCORSOrigin soft-deletes an entry by clearing is_active.
func (db *DB) DeactivateCORSOrigin(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE cors_origins SET is_active = false, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: deactivate cors origin: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteCORSOrigin hard-deletes an entry.
func (db *DB) DeleteCORSOrigin(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM cors_origins WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete cors origin: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
