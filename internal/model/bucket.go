package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Bucket is a file container. Name is the user-facing display name;
// StorageName is the DNS-safe slug used as the directory name in the
// storage service. Both are unique.
type Bucket struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	StorageName string    `json:"storage_name"`
	Description *string   `json:"description,omitempty"`
	IsPublic    bool      `json:"is_public"`
	OwnerID     uuid.UUID `json:"owner_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// BucketWithStats is a bucket plus file aggregates for list/read responses.
type BucketWithStats struct {
	Bucket
	FileCount int64  `json:"file_count"`
	TotalSize uint64 `json:"total_size"`
}

// CreateBucketRequest is the body for POST /api/v1/buckets.
type CreateBucketRequest struct {
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
	IsPublic    bool    `json:"is_public"`
}

// UpdateBucketRequest is the body for PUT /api/v1/buckets/{id}.
// Only description and is_public are mutable.
type UpdateBucketRequest struct {
	Description *string `json:"description,omitempty"`
	IsPublic    *bool   `json:"is_public,omitempty"`
}

// Slugify derives the storage-name from a bucket display name: lowercase,
// non-alphanumeric runs collapsed to single hyphens, trimmed to a valid
// DNS label. The mapping is deterministic so duplicate display names
// produce duplicate slugs and fail the unique constraint.
func Slugify(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	lastHyphen := true // suppress a leading hyphen
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	s := strings.TrimRight(b.String(), "-")
	if len(s) > MaxBucketNameLen {
		s = strings.TrimRight(s[:MaxBucketNameLen], "-")
	}
	return s
}

// ValidateBucketName checks a display name produces a usable storage-name.
func ValidateBucketName(name string) error {
	if name == "" {
		return fmt.Errorf("bucket name is required")
	}
	if len(name) > MaxBucketNameLen {
		return fmt.Errorf("bucket name exceeds maximum length of %d characters", MaxBucketNameLen)
	}
	if Slugify(name) == "" {
		return fmt.Errorf("bucket name must contain at least one alphanumeric character")
	}
	return nil
}
