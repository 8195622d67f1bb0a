package selfdb

import (
	"time"

	"github.com/google/uuid"
)

// User is a SelfDB account.
type User struct {
	ID          uuid.UUID `json:"id"`
	Email       string    `json:"email"`
	IsActive    bool      `json:"is_active"`
	IsSuperuser bool      `json:"is_superuser"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TokenPair is the result of login, register-then-login, or refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

// Bucket is a file container. Name is the display name; StorageName is
// the slug used by the storage service.
type Bucket struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	StorageName string    `json:"storage_name"`
	Description *string   `json:"description,omitempty"`
	IsPublic    bool      `json:"is_public"`
	OwnerID     uuid.UUID `json:"owner_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	FileCount   int64     `json:"file_count"`
	TotalSize   uint64    `json:"total_size"`
}

// CreateBucketRequest is the body for creating a bucket.
type CreateBucketRequest struct {
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
	IsPublic    bool    `json:"is_public"`
}

// UpdateBucketRequest mutates a bucket. Only description and is_public
// are mutable.
type UpdateBucketRequest struct {
	Description *string `json:"description,omitempty"`
	IsPublic    *bool   `json:"is_public,omitempty"`
}

// File is the metadata for one stored object.
type File struct {
	ID          uuid.UUID `json:"id"`
	Filename    string    `json:"filename"`
	ObjectKey   string    `json:"object_key"`
	BucketID    uuid.UUID `json:"bucket_id"`
	ContentType *string   `json:"content_type,omitempty"`
	Size        uint64    `json:"size"`
	OwnerID     uuid.UUID `json:"owner_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// presignedUploadInfo is the direct-PUT target returned by initiate-upload.
type presignedUploadInfo struct {
	UploadURL string `json:"upload_url"`
	Method    string `json:"method"`
}

// initiateUploadResponse pairs the created file row with its upload target.
type initiateUploadResponse struct {
	FileMetadata        File                `json:"file_metadata"`
	PresignedUploadInfo presignedUploadInfo `json:"presigned_upload_info"`
}

// fileURLResponse is returned by the download-info and view-info endpoints.
type fileURLResponse struct {
	FileMetadata File   `json:"file_metadata"`
	URL          string `json:"url"`
}

// HealthResponse reports server liveness.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int    `json:"uptime_seconds"`
}
