package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/selfdb-io/selfdb/internal/model"
)

const fileColumns = `id, filename, object_key, bucket_id, content_type, size, owner_id, created_at, updated_at`

func scanFile(row pgx.Row) (model.File, error) {
	var f model.File
	var size int64
	err := row.Scan(&f.ID, &f.Filename, &f.ObjectKey, &f.BucketID, &f.ContentType,
		&size, &f.OwnerID, &f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.File{}, ErrNotFound
	}
	if err != nil {
		return model.File{}, err
	}
	f.Size = uint64(size)
	return f, nil
}

// CreateFile inserts a file metadata row. A duplicate object key within
// the bucket returns ErrConflict.
func (db *DB) CreateFile(ctx context.Context, f model.File) (model.File, error) {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	now := time.Now().UTC()
	f.CreatedAt = now
	f.UpdatedAt = now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO files (id, filename, object_key, bucket_id, content_type, size, owner_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		f.ID, f.Filename, f.ObjectKey, f.BucketID, f.ContentType, int64(f.Size), f.OwnerID, f.CreatedAt, f.UpdatedAt,
	)
	if IsUniqueViolation(err) {
		return model.File{}, ErrConflict
	}
	if err != nil {
		return model.File{}, fmt.Errorf("storage: create file: %w", err)
	}
	return f, nil
}

// GetFile returns a file row by id.
func (db *DB) GetFile(ctx context.Context, id uuid.UUID) (model.File, error) {
	f, err := scanFile(db.pool.QueryRow(ctx,
		`SELECT `+fileColumns+` FROM files WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return model.File{}, fmt.Errorf("storage: get file: %w", err)
	}
	return f, err
}

// ListFilesForOwner returns a user's files, newest first.
func (db *DB) ListFilesForOwner(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]model.File, error) {
	return db.listFiles(ctx,
		`SELECT `+fileColumns+` FROM files WHERE owner_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		ownerID, limit, offset)
}

// ListFilesInBucket returns the files of one bucket, newest first.
func (db *DB) ListFilesInBucket(ctx context.Context, bucketID uuid.UUID, limit, offset int) ([]model.File, error) {
	return db.listFiles(ctx,
		`SELECT `+fileColumns+` FROM files WHERE bucket_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		bucketID, limit, offset)
}

func (db *DB) listFiles(ctx context.Context, query string, args ...any) ([]model.File, error) {
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list files: %w", err)
	}
	defer rows.Close()

	files := []model.File{}
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// DeleteFile removes a file row.
func (db *DB) DeleteFile(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM files WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete file: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
