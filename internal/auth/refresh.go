package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// refreshTokenLen is the entropy of an opaque refresh token in bytes.
const refreshTokenLen = 64

// NewRefreshToken generates an opaque refresh token and the digest stored
// server-side. The raw token goes to the client; only the digest touches
// the database, so a leaked refresh_tokens table cannot mint sessions.
func NewRefreshToken() (raw, digest string, err error) {
	buf := make([]byte, refreshTokenLen)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("auth: generate refresh token: %w", err)
	}
	raw = base64.RawURLEncoding.EncodeToString(buf)
	return raw, HashRefreshToken(raw), nil
}

// HashRefreshToken returns the hex SHA-256 digest used for lookups.
func HashRefreshToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
