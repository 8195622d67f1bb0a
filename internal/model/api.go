package model

import (
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// APIResponse is the standard envelope for single-object responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   *int         `json:"total,omitempty"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeUpstream      = "UPSTREAM_UNAVAILABLE"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// Field length limits for caller-supplied strings that land in Postgres
// TEXT columns or on-disk paths.
const (
	MaxEmailLen       = 320
	MaxBucketNameLen  = 63 // DNS label limit; the storage-name must fit it too.
	MaxFilenameLen    = 512
	MaxDescriptionLen = 4 * 1024
	MinPasswordLen    = 8
)

// ValidateEmail checks that s parses as a single RFC 5322 address.
func ValidateEmail(s string) error {
	if s == "" {
		return fmt.Errorf("email is required")
	}
	if len(s) > MaxEmailLen {
		return fmt.Errorf("email exceeds maximum length of %d characters", MaxEmailLen)
	}
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return fmt.Errorf("invalid email address")
	}
	return nil
}

// ValidatePassword enforces the minimum password length.
func ValidatePassword(s string) error {
	if len(s) < MinPasswordLen {
		return fmt.Errorf("password must be at least %d characters", MinPasswordLen)
	}
	return nil
}

// ValidateOriginURL checks that s looks like a CORS origin: scheme://host[:port]
// with no path, query, or fragment. The wildcard "*" is accepted.
func ValidateOriginURL(s string) error {
	if s == "*" {
		return nil
	}
	if s == "" {
		return fmt.Errorf("origin is required")
	}
	rest, ok := strings.CutPrefix(s, "https://")
	if !ok {
		rest, ok = strings.CutPrefix(s, "http://")
	}
	if !ok {
		return fmt.Errorf("origin must use http or https scheme")
	}
	if rest == "" || strings.ContainsAny(rest, "/?#") || strings.Contains(rest, " ") {
		return fmt.Errorf("origin must be scheme://host[:port] with no path")
	}
	return nil
}
