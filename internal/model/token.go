package model

import (
	"time"

	"github.com/google/uuid"
)

// TokenResponse is the wire shape returned by login and refresh.
type TokenResponse struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	RefreshToken string    `json:"refresh_token"`
	IsSuperuser  bool      `json:"is_superuser"`
	Email        string    `json:"email"`
	UserID       uuid.UUID `json:"user_id"`
}

// RefreshToken is a server-side revocable session row. TokenHash is the
// SHA-256 digest of the opaque token handed to the client; the raw value
// is never stored.
type RefreshToken struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	TokenHash string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
	CreatedAt time.Time `json:"created_at"`
}

// RefreshRequest is the body for POST /api/v1/auth/refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}
