package objstore

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), testLogger())
	require.NoError(t, err)
	return s
}

func TestBucketLifecycle(t *testing.T) {
	s := newTestStore(t)
	owner := uuid.New()

	meta := BucketMeta{Name: "photos", IsPublic: false, OwnerID: owner}
	require.NoError(t, s.CreateBucket(meta))

	// Duplicate create conflicts.
	assert.ErrorIs(t, s.CreateBucket(meta), ErrExists)

	got, err := s.GetBucket("photos")
	require.NoError(t, err)
	assert.Equal(t, "photos", got.Name)
	assert.Equal(t, owner, got.OwnerID)
	assert.False(t, got.IsPublic)
	assert.False(t, got.CreatedAt.IsZero())

	public := true
	updated, err := s.UpdateBucket("photos", &public)
	require.NoError(t, err)
	assert.True(t, updated.IsPublic)

	list, err := s.ListBuckets()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "photos", list[0].Name)

	require.NoError(t, s.DeleteBucket("photos", false))
	_, err = s.GetBucket("photos")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteBucketNonEmpty(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateBucket(BucketMeta{Name: "b", OwnerID: uuid.New()}))
	_, err := s.Put("b", "obj.txt", strings.NewReader("hello"))
	require.NoError(t, err)

	assert.ErrorIs(t, s.DeleteBucket("b", false), ErrBucketNotEmpty)
	require.NoError(t, s.DeleteBucket("b", true))
	_, err = s.GetBucket("b")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutOpenRoundtrip(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateBucket(BucketMeta{Name: "b", OwnerID: uuid.New()}))

	content := bytes.Repeat([]byte("selfdb"), 1000)
	n, err := s.Put("b", "big.bin", bytes.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), n)

	f, info, err := s.Open("b", "big.bin")
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, int64(len(content)), info.Size)

	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestPutIntoMissingBucket(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Put("nope", "k", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPathSafety(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateBucket(BucketMeta{Name: "b", OwnerID: uuid.New()}))

	for _, key := range []string{"../escape", "..", "/abs", "a/../../b", ""} {
		t.Run(key, func(t *testing.T) {
			_, err := s.Put("b", key, strings.NewReader("x"))
			assert.ErrorIs(t, err, ErrUnsafePath)
			_, _, err = s.Open("b", key)
			assert.ErrorIs(t, err, ErrUnsafePath)
			assert.ErrorIs(t, s.DeleteObject("b", key), ErrUnsafePath)
		})
	}

	// Bucket names are constrained too.
	assert.ErrorIs(t, s.CreateBucket(BucketMeta{Name: "../evil"}), ErrUnsafePath)
}

func TestSidecarInvisibleAsObject(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateBucket(BucketMeta{Name: "b", OwnerID: uuid.New()}))

	// The sidecar exists on disk but an empty bucket deletes cleanly,
	// so it does not count as an object.
	_, err := os.Stat(filepath.Join(s.root, "b", metadataFile))
	require.NoError(t, err)
	require.NoError(t, s.DeleteBucket("b", false))
}

func TestDeleteObjectIdempotencySignal(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateBucket(BucketMeta{Name: "b", OwnerID: uuid.New()}))

	_, err := s.Put("b", "k.txt", strings.NewReader("x"))
	require.NoError(t, err)
	require.NoError(t, s.DeleteObject("b", "k.txt"))
	assert.ErrorIs(t, s.DeleteObject("b", "k.txt"), ErrNotFound)
}

func TestPurgeBucketKeepsBucket(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateBucket(BucketMeta{Name: "b", OwnerID: uuid.New()}))
	for _, k := range []string{"a.txt", "b.txt", "c.txt"} {
		_, err := s.Put("b", k, strings.NewReader("x"))
		require.NoError(t, err)
	}

	removed, err := s.PurgeBucket("b")
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	_, err = s.GetBucket("b")
	require.NoError(t, err)
	_, _, err = s.Open("b", "a.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPngSignatureMismatchIsNotRejected(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateBucket(BucketMeta{Name: "b", OwnerID: uuid.New()}))

	// Not a real PNG; stored anyway.
	n, err := s.Put("b", "fake.png", strings.NewReader("plain text"))
	require.NoError(t, err)
	assert.Equal(t, int64(len("plain text")), n)
}

func TestBodyChunkSize(t *testing.T) {
	assert.Equal(t, 1<<20, bodyChunkSize(5<<20))
	assert.Equal(t, 1<<20, bodyChunkSize(99<<20))
	assert.Equal(t, 4<<20, bodyChunkSize(100<<20))
	assert.Equal(t, 4<<20, bodyChunkSize(1023<<20))
	assert.Equal(t, 8<<20, bodyChunkSize(2<<30))
}

func TestParseRange(t *testing.T) {
	const size = 1000

	tests := []struct {
		name    string
		header  string
		start   int64
		length  int64
		partial bool
		ok      bool
	}{
		{"no header", "", 0, size, false, true},
		{"prefix", "bytes=0-499", 0, 500, true, true},
		{"middle", "bytes=500-599", 500, 100, true, true},
		{"open end", "bytes=900-", 900, 100, true, true},
		{"suffix", "bytes=-100", 900, 100, true, true},
		{"end clamped", "bytes=990-2000", 990, 10, true, true},
		{"start past end", "bytes=1000-", 0, 0, false, false},
		{"inverted", "bytes=500-400", 0, 0, false, false},
		{"garbage", "bytes=abc-def", 0, 0, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, length, partial, ok := parseRange(tt.header, size)
			assert.Equal(t, tt.ok, ok)
			if !tt.ok {
				return
			}
			assert.Equal(t, tt.start, start)
			assert.Equal(t, tt.length, length)
			assert.Equal(t, tt.partial, partial)
		})
	}
}

func TestListBucketsSkipsStrayDirs(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateBucket(BucketMeta{Name: "good", OwnerID: uuid.New()}))
	require.NoError(t, os.MkdirAll(filepath.Join(s.root, "stray"), 0o755))

	list, err := s.ListBuckets()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "good", list[0].Name)
}

func TestOpenDirectoryIsNotFound(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateBucket(BucketMeta{Name: "b", OwnerID: uuid.New()}))
	require.NoError(t, os.MkdirAll(filepath.Join(s.root, "b", "subdir"), 0o755))

	_, _, err := s.Open("b", "subdir")
	assert.True(t, errors.Is(err, ErrNotFound))
}
