package storage_test

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selfdb-io/selfdb/internal/model"
	"github.com/selfdb-io/selfdb/internal/storage"
	"github.com/selfdb-io/selfdb/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		// These tests need Docker for the Postgres container.
		os.Exit(0)
	}

	tc := testutil.MustStartPostgres()

	db, err := tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}
	testDB = db

	code := m.Run()

	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func mustCreateUser(t *testing.T, email string) model.User {
	t.Helper()
	user, err := testDB.CreateUser(context.Background(), model.User{
		Email:        email,
		PasswordHash: "x",
		IsActive:     true,
	})
	require.NoError(t, err)
	return user
}

func TestUserLifecycle(t *testing.T) {
	ctx := context.Background()

	user := mustCreateUser(t, "alice@example.com")
	assert.NotEqual(t, uuid.Nil, user.ID)
	assert.True(t, user.IsActive)

	got, err := testDB.GetUserByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	_, err = testDB.CreateUser(ctx, model.User{Email: "alice@example.com", PasswordHash: "y"})
	assert.ErrorIs(t, err, storage.ErrConflict)

	newEmail := "alice2@example.com"
	updated, err := testDB.UpdateUser(ctx, user.ID, model.UpdateUserRequest{Email: &newEmail})
	require.NoError(t, err)
	assert.Equal(t, newEmail, updated.Email)

	require.NoError(t, testDB.DeleteUser(ctx, user.ID))
	_, err = testDB.GetUser(ctx, user.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRefreshTokenLifecycle(t *testing.T) {
	ctx := context.Background()
	user := mustCreateUser(t, "tokens@example.com")

	tok, err := testDB.CreateRefreshToken(ctx, model.RefreshToken{
		UserID:    user.ID,
		TokenHash: "digest-1",
		ExpiresAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	got, err := testDB.GetValidRefreshToken(ctx, "digest-1")
	require.NoError(t, err)
	assert.Equal(t, tok.ID, got.ID)

	require.NoError(t, testDB.RevokeRefreshToken(ctx, tok.ID))
	_, err = testDB.GetValidRefreshToken(ctx, "digest-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Expired tokens are never valid, revoked or not.
	_, err = testDB.CreateRefreshToken(ctx, model.RefreshToken{
		UserID:    user.ID,
		TokenHash: "digest-2",
		ExpiresAt: time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)
	_, err = testDB.GetValidRefreshToken(ctx, "digest-2")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	pruned, err := testDB.PruneExpiredRefreshTokens(ctx, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, pruned, int64(1))
}

func TestBucketLifecycle(t *testing.T) {
	ctx := context.Background()
	owner := mustCreateUser(t, "buckets@example.com")

	bucket, err := testDB.CreateBucket(ctx, model.Bucket{
		Name:        "Team Media",
		StorageName: "team-media",
		IsPublic:    false,
		OwnerID:     owner.ID,
	})
	require.NoError(t, err)

	_, err = testDB.CreateBucket(ctx, model.Bucket{
		Name:        "Team Media",
		StorageName: "team-media",
		OwnerID:     owner.ID,
	})
	assert.ErrorIs(t, err, storage.ErrConflict)

	byName, err := testDB.GetBucketByStorageName(ctx, "team-media")
	require.NoError(t, err)
	assert.Equal(t, bucket.ID, byName.ID)
	assert.Zero(t, byName.FileCount)

	isPublic := true
	updated, err := testDB.UpdateBucket(ctx, bucket.ID, model.UpdateBucketRequest{IsPublic: &isPublic})
	require.NoError(t, err)
	assert.True(t, updated.IsPublic)

	public, err := testDB.ListPublicBuckets(ctx)
	require.NoError(t, err)
	found := false
	for _, b := range public {
		if b.ID == bucket.ID {
			found = true
		}
	}
	assert.True(t, found, "expected bucket in public list")

	require.NoError(t, testDB.DeleteBucket(ctx, bucket.ID))
	_, err = testDB.GetBucket(ctx, bucket.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFileRowsAndBucketStats(t *testing.T) {
	ctx := context.Background()
	owner := mustCreateUser(t, "files@example.com")

	bucket, err := testDB.CreateBucket(ctx, model.Bucket{
		Name:        "file-stats",
		StorageName: "file-stats",
		OwnerID:     owner.ID,
	})
	require.NoError(t, err)

	file, err := testDB.CreateFile(ctx, model.File{
		Filename:  "report.pdf",
		ObjectKey: model.NewObjectKey("report.pdf"),
		BucketID:  bucket.ID,
		Size:      2048,
		OwnerID:   owner.ID,
	})
	require.NoError(t, err)

	stats, err := testDB.GetBucket(ctx, bucket.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.FileCount)
	assert.Equal(t, uint64(2048), stats.TotalSize)

	inBucket, err := testDB.ListFilesInBucket(ctx, bucket.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, inBucket, 1)
	assert.Equal(t, file.ID, inBucket[0].ID)

	forOwner, err := testDB.ListFilesForOwner(ctx, owner.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, forOwner, 1)

	// Deleting the bucket cascades to its file rows.
	require.NoError(t, testDB.DeleteBucket(ctx, bucket.ID))
	_, err = testDB.GetFile(ctx, file.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCORSOrigins(t *testing.T) {
	ctx := context.Background()

	origin, err := testDB.CreateCORSOrigin(ctx, model.CORSOrigin{
		Origin:   "https://app.example.com",
		IsActive: true,
	})
	require.NoError(t, err)

	_, err = testDB.CreateCORSOrigin(ctx, model.CORSOrigin{Origin: "https://app.example.com"})
	assert.ErrorIs(t, err, storage.ErrConflict)

	active, err := testDB.ActiveCORSOrigins(ctx)
	require.NoError(t, err)
	assert.Contains(t, active, "https://app.example.com")

	require.NoError(t, testDB.DeactivateCORSOrigin(ctx, origin.ID))
	active, err = testDB.ActiveCORSOrigins(ctx)
	require.NoError(t, err)
	assert.NotContains(t, active, "https://app.example.com")

	// Soft-deleted rows are still listable for the admin UI.
	all, err := testDB.ListCORSOrigins(ctx)
	require.NoError(t, err)
	seen := false
	for _, o := range all {
		if o.ID == origin.ID {
			seen = true
			assert.False(t, o.IsActive)
		}
	}
	assert.True(t, seen)

	require.NoError(t, testDB.DeleteCORSOrigin(ctx, origin.ID))
	_, err = testDB.GetCORSOrigin(ctx, origin.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFunctionsRegistry(t *testing.T) {
	ctx := context.Background()
	owner := mustCreateUser(t, "fn@example.com")

	fn, err := testDB.CreateFunction(ctx, model.Function{
		Name:     "resize-images",
		Code:     "export default () => {}",
		IsActive: true,
		OwnerID:  owner.ID,
	})
	require.NoError(t, err)

	_, err = testDB.CreateFunction(ctx, model.Function{
		Name:    "resize-images",
		Code:    "export default () => {}",
		OwnerID: owner.ID,
	})
	assert.ErrorIs(t, err, storage.ErrConflict)

	newCode := "export default async () => {}"
	updated, err := testDB.UpdateFunction(ctx, fn.ID, model.UpdateFunctionRequest{Code: &newCode})
	require.NoError(t, err)
	assert.Equal(t, newCode, updated.Code)

	require.NoError(t, testDB.DeleteFunction(ctx, fn.ID))
	_, err = testDB.GetFunction(ctx, fn.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// TestChangeTriggerPublishes verifies the installed trigger turns a row
// insert into a LISTEN notification with the full-row payload.
func TestChangeTriggerPublishes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, err := testDB.NewListenConn(ctx)
	require.NoError(t, err)
	defer func() { _ = conn.Close(context.Background()) }()

	channel := model.ChannelForTable("users")
	_, err = conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize())
	require.NoError(t, err)

	user := mustCreateUser(t, "notify@example.com")

	n, err := conn.WaitForNotification(ctx)
	require.NoError(t, err)
	assert.Equal(t, channel, n.Channel)

	var ev model.ChangeEvent
	require.NoError(t, json.Unmarshal([]byte(n.Payload), &ev))
	assert.Equal(t, model.OpInsert, ev.Operation)
	assert.Equal(t, "users", ev.Table)

	var row struct {
		ID    uuid.UUID `json:"id"`
		Email string    `json:"email"`
	}
	require.NoError(t, json.Unmarshal(ev.Data, &row))
	assert.Equal(t, user.ID, row.ID)
	assert.Equal(t, "notify@example.com", row.Email)
}

// TestSyntheticNotify covers the pg_notify path used for cross-service
// bucket events that do not originate from a row trigger.
func TestSyntheticNotify(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, err := testDB.NewListenConn(ctx)
	require.NoError(t, err)
	defer func() { _ = conn.Close(context.Background()) }()

	channel := model.ChannelForTable("buckets")
	_, err = conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize())
	require.NoError(t, err)

	payload, err := json.Marshal(model.ChangeEvent{
		Operation: model.OpInsert,
		Table:     "buckets",
		Data:      json.RawMessage(`{"id":"00000000-0000-0000-0000-000000000042"}`),
	})
	require.NoError(t, err)
	require.NoError(t, testDB.Notify(ctx, channel, string(payload)))

	n, err := conn.WaitForNotification(ctx)
	require.NoError(t, err)

	var ev model.ChangeEvent
	require.NoError(t, json.Unmarshal([]byte(n.Payload), &ev))
	assert.Equal(t, model.OpInsert, ev.Operation)
	assert.Equal(t, "buckets", ev.Table)
}
