// Package auth provides ticket (JWT) issuance and validation, refresh
// token generation, and password hashing for SelfDB.
//
// Tickets are HS256-signed with the deployment's SECRET_KEY. A ticket is
// only half of a valid session: callers must also check that the
// referenced user is still active.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/selfdb-io/selfdb/internal/model"
)

// Claims extends jwt.RegisteredClaims with SelfDB-specific fields.
// Subject is the user id (UUID) for tokens we issue; tokens minted by
// earlier deployments may carry the email instead, so validators resolve
// id-then-email.
type Claims struct {
	jwt.RegisteredClaims
	IsSuperuser bool `json:"is_superuser"`
}

// TicketManager issues and validates access tickets.
type TicketManager struct {
	secret     []byte
	expiration time.Duration
}

// NewTicketManager creates a TicketManager signing with secret.
func NewTicketManager(secret string, expiration time.Duration) (*TicketManager, error) {
	if secret == "" {
		return nil, fmt.Errorf("auth: secret key is required")
	}
	return &TicketManager{secret: []byte(secret), expiration: expiration}, nil
}

// Issue creates a signed ticket for the given user.
func (m *TicketManager) Issue(user model.User) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(m.expiration)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		IsSuperuser: user.IsSuperuser,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign ticket: %w", err)
	}
	return signed, exp, nil
}

// Validate parses and verifies a ticket, returning its claims.
// Expiry is enforced here; the caller checks the user is active.
func (m *TicketManager) Validate(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return m.secret, nil
		},
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: validate ticket: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid ticket claims")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("auth: ticket has no subject")
	}
	return claims, nil
}
