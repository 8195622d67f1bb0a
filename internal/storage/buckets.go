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

const bucketColumns = `b.id, b.name, b.storage_name, b.description, b.is_public, b.owner_id, b.created_at, b.updated_at`

// bucketStatsQuery joins file aggregates onto each bucket row. COALESCE
// keeps empty buckets at zero instead of NULL.
const bucketStatsQuery = `
	SELECT ` + bucketColumns + `,
	       COALESCE(s.file_count, 0), COALESCE(s.total_size, 0)
	FROM buckets b
	LEFT JOIN (
		SELECT bucket_id, count(*) AS file_count, sum(size)::bigint AS total_size
		FROM files GROUP BY bucket_id
	) s ON s.bucket_id = b.id`

func scanBucketWithStats(row pgx.Row) (model.BucketWithStats, error) {
	var b model.BucketWithStats
	var totalSize int64
	err := row.Scan(&b.ID, &b.Name, &b.StorageName, &b.Description, &b.IsPublic,
		&b.OwnerID, &b.CreatedAt, &b.UpdatedAt, &b.FileCount, &totalSize)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.BucketWithStats{}, ErrNotFound
	}
	if err != nil {
		return model.BucketWithStats{}, err
	}
	b.TotalSize = uint64(totalSize)
	return b, nil
}

// CreateBucket inserts a bucket row. Duplicate display or storage names
// return ErrConflict.
func (db *DB) CreateBucket(ctx context.Context, b model.Bucket) (model.Bucket, error) {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO buckets (id, name, storage_name, description, is_public, owner_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		b.ID, b.Name, b.StorageName, b.Description, b.IsPublic, b.OwnerID, b.CreatedAt, b.UpdatedAt,
	)
	if IsUniqueViolation(err) {
		return model.Bucket{}, ErrConflict
	}
	if err != nil {
		return model.Bucket{}, fmt.Errorf("storage: create bucket: %w", err)
	}
	return b, nil
}

// GetBucket returns one bucket with file aggregates.
func (db *DB) GetBucket(ctx context.Context, id uuid.UUID) (model.BucketWithStats, error) {
	b, err := scanBucketWithStats(db.pool.QueryRow(ctx, bucketStatsQuery+` WHERE b.id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return model.BucketWithStats{}, fmt.Errorf("storage: get bucket: %w", err)
	}
	return b, err
}

// GetBucketByStorageName returns one bucket by its storage slug.
func (db *DB) GetBucketByStorageName(ctx context.Context, storageName string) (model.BucketWithStats, error) {
	b, err := scanBucketWithStats(db.pool.QueryRow(ctx, bucketStatsQuery+` WHERE b.storage_name = $1`, storageName))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return model.BucketWithStats{}, fmt.Errorf("storage: get bucket by storage name: %w", err)
	}
	return b, err
}

// ListBucketsForOwner returns a user's buckets with aggregates.
func (db *DB) ListBucketsForOwner(ctx context.Context, ownerID uuid.UUID) ([]model.BucketWithStats, error) {
	return db.listBuckets(ctx, bucketStatsQuery+` WHERE b.owner_id = $1 ORDER BY b.created_at DESC`, ownerID)
}

// ListAllBuckets returns every bucket with aggregates (superuser listing).
func (db *DB) ListAllBuckets(ctx context.Context) ([]model.BucketWithStats, error) {
	return db.listBuckets(ctx, bucketStatsQuery+` ORDER BY b.created_at DESC`)
}

// ListPublicBuckets returns buckets readable without authentication.
func (db *DB) ListPublicBuckets(ctx context.Context) ([]model.BucketWithStats, error) {
	return db.listBuckets(ctx, bucketStatsQuery+` WHERE b.is_public ORDER BY b.created_at DESC`)
}

func (db *DB) listBuckets(ctx context.Context, query string, args ...any) ([]model.BucketWithStats, error) {
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list buckets: %w", err)
	}
	defer rows.Close()

	buckets := []model.BucketWithStats{}
	for rows.Next() {
		b, err := scanBucketWithStats(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan bucket: %w", err)
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

// UpdateBucket applies the mutable fields (description, is_public) and
// returns the updated row with aggregates.
func (db *DB) UpdateBucket(ctx context.Context, id uuid.UUID, req model.UpdateBucketRequest) (model.BucketWithStats, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE buckets SET
			description = COALESCE($2, description),
			is_public = COALESCE($3, is_public),
			updated_at = now()
		 WHERE id = $1`,
		id, req.Description, req.IsPublic)
	if err != nil {
		return model.BucketWithStats{}, fmt.Errorf("storage: update bucket: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.BucketWithStats{}, ErrNotFound
	}
	return db.GetBucket(ctx, id)
}

// DeleteBucket removes the bucket row; file rows cascade. The cascade
// can deadlock against concurrent file-row writes, so the delete runs
// under the retry helper.
func (db *DB) DeleteBucket(ctx context.Context, id uuid.UUID) error {
	return WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		tag, err := db.pool.Exec(ctx, `DELETE FROM buckets WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("storage: delete bucket: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}
