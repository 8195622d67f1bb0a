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

const userColumns = `id, email, password_hash, is_active, is_superuser, created_at, updated_at`

func scanUser(row pgx.Row) (model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.IsActive, &u.IsSuperuser, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.User{}, ErrNotFound
	}
	if err != nil {
		return model.User{}, err
	}
	return u, nil
}

// CreateUser inserts a new user. A duplicate email returns ErrConflict.
func (db *DB) CreateUser(ctx context.Context, user model.User) (model.User, error) {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO users (id, email, password_hash, is_active, is_superuser, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		user.ID, user.Email, user.PasswordHash, user.IsActive, user.IsSuperuser, user.CreatedAt, user.UpdatedAt,
	)
	if IsUniqueViolation(err) {
		return model.User{}, ErrConflict
	}
	if err != nil {
		return model.User{}, fmt.Errorf("storage: create user: %w", err)
	}
	return user, nil
}

// GetUser returns a user by id.
func (db *DB) GetUser(ctx context.Context, id uuid.UUID) (model.User, error) {
	u, err := scanUser(db.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return model.User{}, fmt.Errorf("storage: get user: %w", err)
	}
	return u, err
}

// GetUserByEmail returns a user by email.
func (db *DB) GetUserByEmail(ctx context.Context, email string) (model.User, error) {
	u, err := scanUser(db.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`, email))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return model.User{}, fmt.Errorf("storage: get user by email: %w", err)
	}
	return u, err
}

// ListUsers returns users ordered by creation time, newest first.
func (db *DB) ListUsers(ctx context.Context, limit, offset int) ([]model.User, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("storage: list users: %w", err)
	}
	defer rows.Close()

	users := []model.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// CountUsers returns the total number of users.
func (db *DB) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx, `SELECT count(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count users: %w", err)
	}
	return n, nil
}

// UpdateUser applies the non-nil fields of req to the user and returns the
// updated row.
func (db *DB) UpdateUser(ctx context.Context, id uuid.UUID, req model.UpdateUserRequest) (model.User, error) {
	u, err := scanUser(db.pool.QueryRow(ctx,
		`UPDATE users SET
			email = COALESCE($2, email),
			is_active = COALESCE($3, is_active),
			is_superuser = COALESCE($4, is_superuser),
			updated_at = now()
		 WHERE id = $1
		 RETURNING `+userColumns,
		id, req.Email, req.IsActive, req.IsSuperuser))
	if IsUniqueViolation(err) {
		return model.User{}, ErrConflict
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return model.User{}, fmt.Errorf("storage: update user: %w", err)
	}
	return u, err
}

// UpdateUserPassword replaces the stored password hash.
func (db *DB) UpdateUserPassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1`,
		id, passwordHash)
	if err != nil {
		return fmt.Errorf("storage: update password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteUser removes a user. Refresh tokens go with it via FK cascade.
func (db *DB) DeleteUser(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
