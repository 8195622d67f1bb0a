// Package model defines the SelfDB domain entities, API request/response
// types, and shared validation helpers.
package model

import (
	"time"

	"github.com/google/uuid"
)

// User is a registered account. PasswordHash never leaves the storage layer;
// the json tag keeps it out of API responses even if a User is serialized
// directly.
type User struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	IsActive     bool      `json:"is_active"`
	IsSuperuser  bool      `json:"is_superuser"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Principal is the identity bound to a request: an authenticated user,
// the shared anonymous role, or nothing at all (public paths only).
type Principal struct {
	Kind PrincipalKind
	User *User // Set only when Kind == PrincipalUser.
}

// PrincipalKind discriminates the Principal variants.
type PrincipalKind int

const (
	PrincipalNone PrincipalKind = iota
	PrincipalAnonymous
	PrincipalUser
)

// IsUser reports whether the principal is an authenticated user.
func (p Principal) IsUser() bool { return p.Kind == PrincipalUser && p.User != nil }

// IsSuperuser reports whether the principal is an authenticated superuser.
func (p Principal) IsSuperuser() bool { return p.IsUser() && p.User.IsSuperuser }

// UserID returns the authenticated user's id, or uuid.Nil for anon/none.
func (p Principal) UserID() uuid.UUID {
	if p.IsUser() {
		return p.User.ID
	}
	return uuid.Nil
}

// RegisterRequest is the body for POST /api/v1/auth/register.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// CreateUserRequest is the body for the superuser POST /api/v1/users.
type CreateUserRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	IsActive    *bool  `json:"is_active,omitempty"`
	IsSuperuser *bool  `json:"is_superuser,omitempty"`
}

// UpdateUserRequest is the body for PUT /api/v1/users/{id} and
// PUT /api/v1/users/me. Superuser-only fields are ignored on /me.
type UpdateUserRequest struct {
	Email       *string `json:"email,omitempty"`
	IsActive    *bool   `json:"is_active,omitempty"`
	IsSuperuser *bool   `json:"is_superuser,omitempty"`
}

// ChangePasswordRequest is the body for PUT /api/v1/users/me/password.
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}
