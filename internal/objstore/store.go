// Package objstore implements the object-storage tier: a
// filesystem-backed store (bucket directory plus a metadata sidecar),
// the HTTP service exposing it, and the client the control plane uses
// to talk to that service.
package objstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for store and client operations.
var (
	ErrNotFound       = errors.New("objstore: not found")
	ErrExists         = errors.New("objstore: already exists")
	ErrUnsafePath     = errors.New("objstore: unsafe path")
	ErrBucketNotEmpty = errors.New("objstore: bucket not empty")
	ErrUpstream       = errors.New("objstore: storage service unavailable")
)

// metadataFile is the per-bucket sidecar; a leading dot keeps it out of
// object listings and off the object-key namespace.
const metadataFile = ".metadata.json"

// BucketMeta is the sidecar payload describing a bucket directory.
type BucketMeta struct {
	Name      string    `json:"name"`
	IsPublic  bool      `json:"is_public"`
	OwnerID   uuid.UUID `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Size    int64
	ModTime time.Time
}

// Store is a filesystem object store rooted at a single directory:
// <root>/<bucket>/<key> with a .metadata.json sidecar per bucket.
type Store struct {
	root   string
	logger *slog.Logger
}

// NewStore creates the root directory if needed and returns a Store.
func NewStore(root string, logger *slog.Logger) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("objstore: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("objstore: create root: %w", err)
	}
	return &Store{root: abs, logger: logger}, nil
}

// safePath joins root/bucket[/key] and rejects anything that could
// escape the bucket directory.
func (s *Store) safePath(bucket string, key ...string) (string, error) {
	parts := append([]string{bucket}, key...)
	for _, p := range parts {
		if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "..") || strings.Contains(p, "\x00") {
			return "", ErrUnsafePath
		}
	}
	joined := filepath.Join(append([]string{s.root}, parts...)...)
	if joined != s.root && !strings.HasPrefix(joined, s.root+string(filepath.Separator)) {
		return "", ErrUnsafePath
	}
	return joined, nil
}

// CreateBucket makes the bucket directory and writes its sidecar.
func (s *Store) CreateBucket(meta BucketMeta) error {
	dir, err := s.safePath(meta.Name)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); err == nil {
		return ErrExists
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("objstore: create bucket: %w", err)
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}
	if err := s.writeSidecar(dir, meta); err != nil {
		_ = os.RemoveAll(dir)
		return err
	}
	return nil
}

// GetBucket reads a bucket's sidecar.
func (s *Store) GetBucket(name string) (BucketMeta, error) {
	dir, err := s.safePath(name)
	if err != nil {
		return BucketMeta{}, err
	}
	return s.readSidecar(dir)
}

// ListBuckets returns the sidecar of every bucket directory under root.
// Directories without a readable sidecar are skipped with a log line.
func (s *Store) ListBuckets() ([]BucketMeta, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("objstore: list buckets: %w", err)
	}
	metas := []BucketMeta{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		meta, err := s.readSidecar(filepath.Join(s.root, e.Name()))
		if err != nil {
			s.logger.Warn("objstore: skipping bucket without sidecar", "bucket", e.Name(), "error", err)
			continue
		}
		metas = append(metas, meta)
	}
	return metas, nil
}

// UpdateBucket rewrites mutable sidecar fields. Only is_public can change.
func (s *Store) UpdateBucket(name string, isPublic *bool) (BucketMeta, error) {
	dir, err := s.safePath(name)
	if err != nil {
		return BucketMeta{}, err
	}
	meta, err := s.readSidecar(dir)
	if err != nil {
		return BucketMeta{}, err
	}
	if isPublic != nil {
		meta.IsPublic = *isPublic
	}
	if err := s.writeSidecar(dir, meta); err != nil {
		return BucketMeta{}, err
	}
	return meta, nil
}

// DeleteBucket removes a bucket directory. A non-empty bucket is only
// removed when recursive is set; otherwise ErrBucketNotEmpty.
func (s *Store) DeleteBucket(name string, recursive bool) error {
	dir, err := s.safePath(name)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("objstore: stat bucket: %w", err)
	}
	if !recursive {
		empty, err := s.bucketEmpty(dir)
		if err != nil {
			return err
		}
		if !empty {
			return ErrBucketNotEmpty
		}
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("objstore: delete bucket: %w", err)
	}
	return nil
}

// PurgeBucket removes every object in a bucket but keeps the bucket.
func (s *Store) PurgeBucket(name string) (removed int, err error) {
	dir, err := s.safePath(name)
	if err != nil {
		return 0, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("objstore: purge bucket: %w", err)
	}
	for _, e := range entries {
		if e.Name() == metadataFile {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return removed, fmt.Errorf("objstore: purge object %s: %w", e.Name(), err)
		}
		removed++
	}
	return removed, nil
}

// pngMagic and jpegMagic are the signatures checked on upload; a
// mismatch against the key's extension is logged, never rejected.
var (
	pngMagic  = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}
	jpegMagic = []byte{0xFF, 0xD8, 0xFF}
)

// Put streams r to <bucket>/<key>, creating or replacing the object.
// A write failure removes the partial file. Returns bytes written.
func (s *Store) Put(bucket, key string, r io.Reader) (int64, error) {
	if _, err := s.GetBucket(bucket); err != nil {
		return 0, err
	}
	path, err := s.safePath(bucket, key)
	if err != nil {
		return 0, err
	}

	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("objstore: create object: %w", err)
	}

	// Peek at the head for the signature check, then stream the rest in
	// bounded chunks.
	head := make([]byte, 512)
	n, rerr := io.ReadFull(r, head)
	head = head[:n]
	if rerr != nil && rerr != io.EOF && rerr != io.ErrUnexpectedEOF {
		_ = f.Close()
		_ = os.Remove(path)
		return 0, fmt.Errorf("objstore: read body: %w", rerr)
	}
	s.checkSignature(bucket, key, head)

	written := int64(0)
	if n > 0 {
		if _, err := f.Write(head); err != nil {
			_ = f.Close()
			_ = os.Remove(path)
			return 0, fmt.Errorf("objstore: write object: %w", err)
		}
		written += int64(n)
	}
	if rerr == nil {
		buf := make([]byte, 1<<20)
		copied, err := io.CopyBuffer(f, r, buf)
		written += copied
		if err != nil {
			_ = f.Close()
			_ = os.Remove(path)
			return 0, fmt.Errorf("objstore: write object: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return 0, fmt.Errorf("objstore: close object: %w", err)
	}
	return written, nil
}

func (s *Store) checkSignature(bucket, key string, head []byte) {
	switch strings.ToLower(filepath.Ext(key)) {
	case ".png":
		if !bytes.HasPrefix(head, pngMagic) {
			s.logger.Warn("objstore: png extension without png signature", "bucket", bucket, "key", key)
		}
	case ".jpg", ".jpeg":
		if !bytes.HasPrefix(head, jpegMagic) {
			s.logger.Warn("objstore: jpeg extension without jpeg signature", "bucket", bucket, "key", key)
		}
	}
}

// Open returns a reader over a stored object plus its info. The caller
// closes the file.
func (s *Store) Open(bucket, key string) (*os.File, ObjectInfo, error) {
	path, err := s.safePath(bucket, key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ObjectInfo{}, ErrNotFound
		}
		return nil, ObjectInfo{}, fmt.Errorf("objstore: open object: %w", err)
	}
	st, err := f.Stat()
	if err != nil || st.IsDir() {
		_ = f.Close()
		if st != nil && st.IsDir() {
			return nil, ObjectInfo{}, ErrNotFound
		}
		return nil, ObjectInfo{}, fmt.Errorf("objstore: stat object: %w", err)
	}
	return f, ObjectInfo{Size: st.Size(), ModTime: st.ModTime()}, nil
}

// DeleteObject removes one object. Missing objects return ErrNotFound.
func (s *Store) DeleteObject(bucket, key string) error {
	path, err := s.safePath(bucket, key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("objstore: delete object: %w", err)
	}
	return nil
}

func (s *Store) bucketEmpty(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, fmt.Errorf("objstore: read bucket: %w", err)
	}
	for _, e := range entries {
		if e.Name() != metadataFile {
			return false, nil
		}
	}
	return true, nil
}

func (s *Store) readSidecar(dir string) (BucketMeta, error) {
	raw, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		if os.IsNotExist(err) {
			return BucketMeta{}, ErrNotFound
		}
		return BucketMeta{}, fmt.Errorf("objstore: read sidecar: %w", err)
	}
	var meta BucketMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return BucketMeta{}, fmt.Errorf("objstore: decode sidecar: %w", err)
	}
	return meta, nil
}

func (s *Store) writeSidecar(dir string, meta BucketMeta) error {
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("objstore: encode sidecar: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metadataFile), raw, 0o644); err != nil {
		return fmt.Errorf("objstore: write sidecar: %w", err)
	}
	return nil
}

// Streaming chunk sizes. Small files go out whole; larger ones lead
// with a 16 KB chunk for fast first byte, then switch to a size picked
// by total length.
const (
	smallObjectLimit = 1 << 20
	headChunkSize    = 16 << 10
)

func bodyChunkSize(total int64) int {
	switch {
	case total < 100<<20:
		return 1 << 20
	case total < 1<<30:
		return 4 << 20
	default:
		return 8 << 20
	}
}
