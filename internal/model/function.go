package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Function is a registered user-defined function. SelfDB stores and
// versions the source; execution happens in a separate runtime that
// follows the functions_changes channel.
type Function struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description *string   `json:"description,omitempty"`
	Code        string    `json:"code"`
	IsActive    bool      `json:"is_active"`
	OwnerID     uuid.UUID `json:"owner_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CreateFunctionRequest is the body for POST /api/v1/functions.
type CreateFunctionRequest struct {
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
	Code        string  `json:"code"`
}

// UpdateFunctionRequest is the body for PUT /api/v1/functions/{id}.
type UpdateFunctionRequest struct {
	Description *string `json:"description,omitempty"`
	Code        *string `json:"code,omitempty"`
	IsActive    *bool   `json:"is_active,omitempty"`
}

// MaxFunctionCodeLen bounds stored function source.
const MaxFunctionCodeLen = 256 * 1024

// ValidateFunction checks name and code limits on create/update input.
func ValidateFunction(name, code string) error {
	if name == "" {
		return fmt.Errorf("function name is required")
	}
	if len(name) > 128 {
		return fmt.Errorf("function name exceeds maximum length of 128 characters")
	}
	if code == "" {
		return fmt.Errorf("function code is required")
	}
	if len(code) > MaxFunctionCodeLen {
		return fmt.Errorf("function code exceeds maximum length of %d bytes", MaxFunctionCodeLen)
	}
	return nil
}
