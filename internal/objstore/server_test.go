package objstore

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selfdb-io/selfdb/internal/auth"
	"github.com/selfdb-io/selfdb/internal/config"
	"github.com/selfdb-io/selfdb/internal/model"
)

const testAnonKey = "anon-test-key"

type serverFixture struct {
	store   *Store
	tickets *auth.TicketManager
	srv     *httptest.Server
	client  *Client
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	store, err := NewStore(t.TempDir(), testLogger())
	require.NoError(t, err)

	tickets, err := auth.NewTicketManager("test-secret-at-least-32-characters!!", time.Hour)
	require.NoError(t, err)

	cfg := &config.Config{
		AnonKey:         testAnonKey,
		PresignedURLTTL: time.Hour,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
	}
	s := NewServer(cfg, store, tickets, testLogger())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	// Both the internal and external base point at the test server.
	s.externalURL = srv.URL
	client := NewClient(srv.URL, srv.URL, tickets)

	return &serverFixture{store: store, tickets: tickets, srv: srv, client: client}
}

func (f *serverFixture) tokenFor(t *testing.T, u model.User) string {
	t.Helper()
	token, _, err := f.tickets.Issue(u)
	require.NoError(t, err)
	return token
}

func TestClientBucketLifecycle(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()
	owner := uuid.New()

	meta := BucketMeta{Name: "assets", IsPublic: false, OwnerID: owner}
	require.NoError(t, f.client.CreateBucket(ctx, meta))

	got, err := f.client.GetBucket(ctx, "assets")
	require.NoError(t, err)
	assert.Equal(t, owner, got.OwnerID)

	public := true
	require.NoError(t, f.client.UpdateBucket(ctx, "assets", &public))
	got, err = f.client.GetBucket(ctx, "assets")
	require.NoError(t, err)
	assert.True(t, got.IsPublic)

	require.NoError(t, f.client.DeleteBucket(ctx, "assets", true))
	_, err = f.client.GetBucket(ctx, "assets")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClientUpstreamDown(t *testing.T) {
	tickets, err := auth.NewTicketManager("test-secret-at-least-32-characters!!", time.Hour)
	require.NoError(t, err)
	// Nothing listens on this port.
	c := NewClient("http://127.0.0.1:1", "http://127.0.0.1:1", tickets)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = c.CreateBucket(ctx, BucketMeta{Name: "b", OwnerID: uuid.New()})
	assert.ErrorIs(t, err, ErrUpstream)
}

func TestUploadDownloadRoundtrip(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()
	owner := model.User{ID: uuid.New(), Email: "o@x.io", IsActive: true}

	require.NoError(t, f.client.CreateBucket(ctx, BucketMeta{Name: "media", OwnerID: owner.ID}))

	info, err := f.client.GenerateUploadURL(ctx, "media", "clip.bin")
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, info.Method)
	assert.Contains(t, info.UploadURL, "/files/upload-direct/media/clip.bin")
	assert.Equal(t, 3600, info.ExpiresIn, "expiry mirrors the configured presigned-URL TTL")

	content := bytes.Repeat([]byte{0xAB}, 4096)
	req, err := http.NewRequest(http.MethodPut, info.UploadURL, bytes.NewReader(content))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.tokenFor(t, owner))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Owner downloads the exact bytes back.
	req, err = http.NewRequest(http.MethodGet, f.client.DownloadURL("media", "clip.bin"), nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.tokenFor(t, owner))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestMultipartUpload(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()
	owner := model.User{ID: uuid.New(), IsActive: true}

	require.NoError(t, f.client.CreateBucket(ctx, BucketMeta{Name: "docs", OwnerID: owner.ID}))

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "report.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte("quarterly numbers"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPut, f.srv.URL+"/files/upload-direct/docs/report.txt", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+f.tokenFor(t, owner))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	fh, info, err := f.store.Open("docs", "report.txt")
	require.NoError(t, err)
	defer fh.Close()
	assert.Equal(t, int64(len("quarterly numbers")), info.Size)
}

func TestDownloadAuthorization(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()
	owner := model.User{ID: uuid.New(), IsActive: true}
	stranger := model.User{ID: uuid.New(), IsActive: true}
	admin := model.User{ID: uuid.New(), IsActive: true, IsSuperuser: true}

	require.NoError(t, f.client.CreateBucket(ctx, BucketMeta{Name: "priv", OwnerID: owner.ID}))
	_, err := f.store.Put("priv", "secret.txt", strings.NewReader("hush"))
	require.NoError(t, err)

	get := func(token string) int {
		req, err := http.NewRequest(http.MethodGet, f.client.DownloadURL("priv", "secret.txt"), nil)
		require.NoError(t, err)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusForbidden, get(""))
	assert.Equal(t, http.StatusForbidden, get(f.tokenFor(t, stranger)))
	assert.Equal(t, http.StatusOK, get(f.tokenFor(t, owner)))
	assert.Equal(t, http.StatusOK, get(f.tokenFor(t, admin)))

	// Making the bucket public opens anonymous reads.
	public := true
	require.NoError(t, f.client.UpdateBucket(ctx, "priv", &public))
	assert.Equal(t, http.StatusOK, get(""))
}

func TestRangeDownload(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()
	owner := model.User{ID: uuid.New(), IsActive: true}

	require.NoError(t, f.client.CreateBucket(ctx, BucketMeta{Name: "b", IsPublic: true, OwnerID: owner.ID}))
	_, err := f.store.Put("b", "abc.txt", strings.NewReader("0123456789"))
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, f.client.DownloadURL("b", "abc.txt"), nil)
	require.NoError(t, err)
	req.Header.Set("Range", "bytes=2-5")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "bytes 2-5/10", resp.Header.Get("Content-Range"))
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "2345", string(got))
}

func TestViewInfersContentType(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.client.CreateBucket(ctx, BucketMeta{Name: "b", IsPublic: true, OwnerID: uuid.New()}))
	_, err := f.store.Put("b", "page.html", strings.NewReader("<html></html>"))
	require.NoError(t, err)

	resp, err := http.Get(f.client.ViewURL("b", "page.html", ""))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Equal(t, "inline", resp.Header.Get("Content-Disposition"))
}

func TestDeleteObjectViaClient(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.client.CreateBucket(ctx, BucketMeta{Name: "b", OwnerID: serviceID}))
	_, err := f.store.Put("b", "gone.txt", strings.NewReader("x"))
	require.NoError(t, err)

	require.NoError(t, f.client.DeleteObject(ctx, "b", "gone.txt"))
	// Second delete reports not-found for the caller's idempotency logic.
	assert.ErrorIs(t, f.client.DeleteObject(ctx, "b", "gone.txt"), ErrNotFound)
}

func TestUnsafeKeyRejectedOverHTTP(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()
	owner := model.User{ID: uuid.New(), IsActive: true}

	require.NoError(t, f.client.CreateBucket(ctx, BucketMeta{Name: "b", OwnerID: owner.ID}))

	req, err := http.NewRequest(http.MethodPut, f.srv.URL+"/files/upload-direct/b/..%2Fescape", strings.NewReader("x"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.tokenFor(t, owner))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestManagementRequiresTicket(t *testing.T) {
	f := newServerFixture(t)

	resp, err := http.Get(f.srv.URL + "/buckets")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
