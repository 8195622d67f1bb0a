package model

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// File is the metadata row for one stored object. ObjectKey is the key
// inside the bucket (no "bucket/" prefix); Size is the client-declared
// byte count, trusted until a finalize step exists.
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

// InitiateUploadRequest is the body for POST /api/v1/files/initiate-upload.
type InitiateUploadRequest struct {
	Filename    string    `json:"filename"`
	ContentType *string   `json:"content_type,omitempty"`
	Size        uint64    `json:"size,omitempty"`
	BucketID    uuid.UUID `json:"bucket_id"`
}

// PresignedUploadInfo is the direct-PUT target returned by initiate-upload.
// ExpiresIn is advisory (seconds): the URL itself is not cryptographically
// bound, the ticket presented on the PUT carries the authorization.
type PresignedUploadInfo struct {
	UploadURL string `json:"upload_url"`
	Method    string `json:"method"`
	ExpiresIn int    `json:"expires_in"`
}

// InitiateUploadResponse pairs the created file row with its upload target.
type InitiateUploadResponse struct {
	FileMetadata        File                `json:"file_metadata"`
	PresignedUploadInfo PresignedUploadInfo `json:"presigned_upload_info"`
}

// FileURLResponse is returned by the download-info and view-info endpoints.
type FileURLResponse struct {
	FileMetadata File   `json:"file_metadata"`
	URL          string `json:"url"`
}

// NewObjectKey generates an opaque object key preserving the filename's
// extension so storage-side content-type inference keeps working.
func NewObjectKey(filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	return uuid.New().String() + ext
}

// NormalizeObjectKey strips a legacy "bucket/" prefix from an object key.
// Early rows stored the key as "<storage-name>/<key>"; the in-bucket key is
// the canonical form.
func NormalizeObjectKey(key, bucketStorageName string) string {
	return strings.TrimPrefix(key, bucketStorageName+"/")
}

// ValidateFilename rejects empty names, path traversal, and oversized names.
func ValidateFilename(name string) error {
	if name == "" {
		return fmt.Errorf("filename is required")
	}
	if len(name) > MaxFilenameLen {
		return fmt.Errorf("filename exceeds maximum length of %d characters", MaxFilenameLen)
	}
	if strings.Contains(name, "/") || strings.Contains(name, "\\") || strings.Contains(name, "..") {
		return fmt.Errorf("filename must not contain path separators")
	}
	return nil
}
