package model

import (
	"time"

	"github.com/google/uuid"
)

// CORSOrigin is one row of the dynamic allowed-origin policy. Soft-deleted
// entries keep their row with IsActive=false so the audit trail survives.
type CORSOrigin struct {
	ID          uuid.UUID  `json:"id"`
	Origin      string     `json:"origin"`
	Description *string    `json:"description,omitempty"`
	IsActive    bool       `json:"is_active"`
	CreatedBy   *uuid.UUID `json:"created_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// CreateCORSOriginRequest is the body for POST /api/v1/cors/origins.
type CreateCORSOriginRequest struct {
	Origin      string  `json:"origin"`
	Description *string `json:"description,omitempty"`
	IsActive    *bool   `json:"is_active,omitempty"`
}

// UpdateCORSOriginRequest is the body for PUT /api/v1/cors/origins/{id}.
type UpdateCORSOriginRequest struct {
	Origin      *string `json:"origin,omitempty"`
	Description *string `json:"description,omitempty"`
	IsActive    *bool   `json:"is_active,omitempty"`
}

// ValidateOriginRequest is the body for POST /api/v1/cors/origins/validate.
type ValidateOriginRequest struct {
	Origin string `json:"origin"`
}

// ValidateOriginResponse reports whether an origin is currently allowed.
type ValidateOriginResponse struct {
	Origin  string `json:"origin"`
	Allowed bool   `json:"allowed"`
}
