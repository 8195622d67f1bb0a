package objstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/selfdb-io/selfdb/internal/auth"
	"github.com/selfdb-io/selfdb/internal/model"
)

// serviceID identifies the control plane when it calls the storage
// service. It never appears in the users table; the storage service
// only inspects the ticket claims.
var serviceID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

// Client is the control plane's view of the storage service. Transport
// failures and 5xx responses surface as ErrUpstream so handlers can
// answer 503; a storage-side 404 maps to ErrNotFound for idempotent
// deletes.
type Client struct {
	baseURL     string
	externalURL string
	tickets     *auth.TicketManager
	httpc       *http.Client

	mu          sync.Mutex
	cachedToken string
	tokenExp    time.Time
}

// NewClient builds a Client for the storage service at baseURL.
// externalURL is the base embedded into client-facing object URLs.
func NewClient(baseURL, externalURL string, tickets *auth.TicketManager) *Client {
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		externalURL: strings.TrimRight(externalURL, "/"),
		tickets:     tickets,
		httpc:       &http.Client{Timeout: 30 * time.Second},
	}
}

// serviceToken returns a cached superuser ticket for the service
// identity, reissuing when it nears expiry.
func (c *Client) serviceToken() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cachedToken != "" && time.Until(c.tokenExp) > time.Minute {
		return c.cachedToken, nil
	}
	token, exp, err := c.tickets.Issue(model.User{
		ID:          serviceID,
		Email:       "backend@selfdb.internal",
		IsActive:    true,
		IsSuperuser: true,
	})
	if err != nil {
		return "", fmt.Errorf("objstore: issue service ticket: %w", err)
	}
	c.cachedToken, c.tokenExp = token, exp
	return token, nil
}

// do issues one JSON request against the storage service. A nil out
// skips response decoding.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("objstore: encode request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("objstore: build request: %w", err)
	}
	token, err := c.serviceToken()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusConflict:
		return ErrExists
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	case resp.StatusCode >= 400:
		var apiErr model.APIError
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("objstore: storage service: %s", apiErr.Error.Message)
		}
		return fmt.Errorf("objstore: storage service: status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("objstore: decode response: %w", err)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("objstore: decode response data: %w", err)
	}
	return nil
}

// CreateBucket creates the bucket directory on the storage tier.
func (c *Client) CreateBucket(ctx context.Context, meta BucketMeta) error {
	return c.do(ctx, http.MethodPost, "/buckets", meta, nil)
}

// GetBucket probes the storage tier for a bucket.
func (c *Client) GetBucket(ctx context.Context, name string) (BucketMeta, error) {
	var meta BucketMeta
	err := c.do(ctx, http.MethodGet, "/buckets/"+url.PathEscape(name), nil, &meta)
	return meta, err
}

// UpdateBucket pushes a visibility change to the storage tier.
func (c *Client) UpdateBucket(ctx context.Context, name string, isPublic *bool) error {
	body := struct {
		IsPublic *bool `json:"is_public,omitempty"`
	}{IsPublic: isPublic}
	return c.do(ctx, http.MethodPut, "/buckets/"+url.PathEscape(name), body, nil)
}

// DeleteBucket removes the bucket and, when recursive, its objects.
func (c *Client) DeleteBucket(ctx context.Context, name string, recursive bool) error {
	path := "/buckets/" + url.PathEscape(name)
	if recursive {
		path += "?recursive=true"
	}
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// GenerateUploadURL asks the storage service for a direct-PUT target.
func (c *Client) GenerateUploadURL(ctx context.Context, bucket, key string) (model.PresignedUploadInfo, error) {
	var info model.PresignedUploadInfo
	err := c.do(ctx, http.MethodPost,
		fmt.Sprintf("/files/presigned-url/upload/%s/%s", url.PathEscape(bucket), url.PathEscape(key)),
		nil, &info)
	return info, err
}

// DeleteObject removes one object from the storage tier.
func (c *Client) DeleteObject(ctx context.Context, bucket, key string) error {
	return c.do(ctx, http.MethodDelete,
		fmt.Sprintf("/files/%s/%s", url.PathEscape(bucket), url.PathEscape(key)), nil, nil)
}

// DownloadURL builds the client-facing download URL for an object.
func (c *Client) DownloadURL(bucket, key string) string {
	return fmt.Sprintf("%s/files/download/%s/%s", c.externalURL, url.PathEscape(bucket), url.PathEscape(key))
}

// ViewURL builds the client-facing inline-view URL for an object.
func (c *Client) ViewURL(bucket, key, contentType string) string {
	u := fmt.Sprintf("%s/files/view/%s/%s", c.externalURL, url.PathEscape(bucket), url.PathEscape(key))
	if contentType != "" {
		u += "?content_type=" + url.QueryEscape(contentType)
	}
	return u
}
