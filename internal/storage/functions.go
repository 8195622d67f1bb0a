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

const functionColumns = `id, name, description, code, is_active, owner_id, created_at, updated_at`

func scanFunction(row pgx.Row) (model.Function, error) {
	var f model.Function
	err := row.Scan(&f.ID, &f.Name, &f.Description, &f.Code, &f.IsActive, &f.OwnerID, &f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Function{}, ErrNotFound
	}
	if err != nil {
		return model.Function{}, err
	}
	return f, nil
}

// CreateFunction inserts a function row. Duplicate names return ErrConflict.
func (db *DB) CreateFunction(ctx context.Context, f model.Function) (model.Function, error) {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	now := time.Now().UTC()
	f.CreatedAt = now
	f.UpdatedAt = now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO functions (id, name, description, code, is_active, owner_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		f.ID, f.Name, f.Description, f.Code, f.IsActive, f.OwnerID, f.CreatedAt, f.UpdatedAt,
	)
	if IsUniqueViolation(err) {
		return model.Function{}, ErrConflict
	}
	if err != nil {
		return model.Function{}, fmt.Errorf("storage: create function: %w", err)
	}
	return f, nil
}

// GetFunction returns a function row by id.
func (db *DB) GetFunction(ctx context.Context, id uuid.UUID) (model.Function, error) {
	f, err := scanFunction(db.pool.QueryRow(ctx,
		`SELECT `+functionColumns+` FROM functions WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return model.Function{}, fmt.Errorf("storage: get function: %w", err)
	}
	return f, err
}

// ListFunctionsForOwner returns a user's functions, newest first.
func (db *DB) ListFunctionsForOwner(ctx context.Context, ownerID uuid.UUID) ([]model.Function, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+functionColumns+` FROM functions WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("storage: list functions: %w", err)
	}
	defer rows.Close()

	funcs := []model.Function{}
	for rows.Next() {
		f, err := scanFunction(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan function: %w", err)
		}
		funcs = append(funcs, f)
	}
	return funcs, rows.Err()
}

// UpdateFunction applies the non-nil fields of req and returns the updated row.
func (db *DB) UpdateFunction(ctx context.Context, id uuid.UUID, req model.UpdateFunctionRequest) (model.Function, error) {
	f, err := scanFunction(db.pool.QueryRow(ctx,
		`UPDATE functions SET
			description = COALESCE($2, description),
			code = COALESCE($3, code),
			is_active = COALESCE($4, is_active),
			updated_at = now()
		 WHERE id = $1
		 RETURNING `+functionColumns,
		id, req.Description, req.Code, req.IsActive))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return model.Function{}, fmt.Errorf("storage: update function: %w", err)
	}
	return f, err
}

// DeleteFunction removes a function row.
func (db *DB) DeleteFunction(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM functions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete function: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
