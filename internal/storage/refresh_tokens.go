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

// CreateRefreshToken stores the digest of a newly-issued refresh token.
func (db *DB) CreateRefreshToken(ctx context.Context, t model.RefreshToken) (model.RefreshToken, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.CreatedAt = time.Now().UTC()

	_, err := db.pool.Exec(ctx,
		`INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at, revoked, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.UserID, t.TokenHash, t.ExpiresAt, t.Revoked, t.CreatedAt,
	)
	if err != nil {
		return model.RefreshToken{}, fmt.Errorf("storage: create refresh token: %w", err)
	}
	return t, nil
}

// GetValidRefreshToken looks up an unrevoked, unexpired token by digest.
func (db *DB) GetValidRefreshToken(ctx context.Context, tokenHash string) (model.RefreshToken, error) {
	var t model.RefreshToken
	err := db.pool.QueryRow(ctx,
		`SELECT id, user_id, token_hash, expires_at, revoked, created_at
		 FROM refresh_tokens
		 WHERE token_hash = $1 AND NOT revoked AND expires_at > now()`,
		tokenHash,
	).Scan(&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &t.Revoked, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.RefreshToken{}, ErrNotFound
	}
	if err != nil {
		return model.RefreshToken{}, fmt.Errorf("storage: get refresh token: %w", err)
	}
	return t, nil
}

// RevokeRefreshToken marks one token revoked. Revoking an already-revoked
// or unknown token is not an error.
func (db *DB) RevokeRefreshToken(ctx context.Context, id uuid.UUID) error {
	if _, err := db.pool.Exec(ctx,
		`UPDATE refresh_tokens SET revoked = true WHERE id = $1`, id); err != nil {
		return fmt.Errorf("storage: revoke refresh token: %w", err)
	}
	return nil
}

// RevokeRefreshTokensForUser revokes every live session of one user
// (password change, account deletion).
func (db *DB) RevokeRefreshTokensForUser(ctx context.Context, userID uuid.UUID) error {
	if _, err := db.pool.Exec(ctx,
		`UPDATE refresh_tokens SET revoked = true WHERE user_id = $1 AND NOT revoked`, userID); err != nil {
		return fmt.Errorf("storage: revoke refresh tokens for user: %w", err)
	}
	return nil
}

// PruneExpiredRefreshTokens deletes rows that expired more than gracePeriod ago.
func (db *DB) PruneExpiredRefreshTokens(ctx context.Context, gracePeriod time.Duration) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM refresh_tokens WHERE expires_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int(gracePeriod.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("storage: prune refresh tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}
