package selfdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the SelfDB server (e.g. "http://localhost:8000").
	BaseURL string

	// AnonKey is the project anon key sent with every request.
	AnonKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default
	// client with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the SelfDB API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	anonKey string
	client  *http.Client

	mu           sync.Mutex
	accessToken  string
	refreshToken string
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL or AnonKey is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("selfdb: BaseURL is required")
	}
	if cfg.AnonKey == "" {
		return nil, fmt.Errorf("selfdb: AnonKey is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		anonKey: cfg.AnonKey,
		client:  httpClient,
	}, nil
}

// ---------------------------------------------------------------------------
// Auth
// ---------------------------------------------------------------------------

// Register creates a new account. The client is not logged in afterwards;
// call Login to obtain tokens.
func (c *Client) Register(ctx context.Context, email, password string) (*User, error) {
	body := map[string]string{"email": email, "password": password}
	var user User
	if err := c.post(ctx, "/api/v1/auth/register", body, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// Login exchanges credentials for a token pair and stores it on the
// client; subsequent requests carry the access token.
func (c *Client) Login(ctx context.Context, email, password string) (*TokenPair, error) {
	form := url.Values{}
	form.Set("username", email)
	form.Set("password", password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/auth/login",
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("selfdb: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("apikey", c.anonKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("selfdb: POST /api/v1/auth/login: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var pair TokenPair
	if err := handleResponse(resp, &pair); err != nil {
		return nil, err
	}
	c.setTokens(pair)
	return &pair, nil
}

// Refresh rotates the stored refresh token for a new token pair.
func (c *Client) Refresh(ctx context.Context) (*TokenPair, error) {
	c.mu.Lock()
	refresh := c.refreshToken
	c.mu.Unlock()
	if refresh == "" {
		return nil, fmt.Errorf("selfdb: no refresh token; call Login first")
	}

	body := map[string]string{"refresh_token": refresh}
	var pair TokenPair
	if err := c.post(ctx, "/api/v1/auth/refresh", body, &pair); err != nil {
		return nil, err
	}
	c.setTokens(pair)
	return &pair, nil
}

// Logout discards the stored tokens. Purely client-side.
func (c *Client) Logout() {
	c.mu.Lock()
	c.accessToken = ""
	c.refreshToken = ""
	c.mu.Unlock()
}

// Me returns the authenticated user's profile.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var user User
	if err := c.get(ctx, "/api/v1/users/me", &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (c *Client) setTokens(pair TokenPair) {
	c.mu.Lock()
	c.accessToken = pair.AccessToken
	c.refreshToken = pair.RefreshToken
	c.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Buckets
// ---------------------------------------------------------------------------

// CreateBucket creates a bucket in both the catalog and the storage service.
func (c *Client) CreateBucket(ctx context.Context, req CreateBucketRequest) (*Bucket, error) {
	var bucket Bucket
	if err := c.post(ctx, "/api/v1/buckets", req, &bucket); err != nil {
		return nil, err
	}
	return &bucket, nil
}

// ListBuckets returns the caller's buckets (all buckets for superusers).
func (c *Client) ListBuckets(ctx context.Context) ([]Bucket, error) {
	var buckets []Bucket
	if err := c.get(ctx, "/api/v1/buckets", &buckets); err != nil {
		return nil, err
	}
	return buckets, nil
}

// ListPublicBuckets returns every public bucket. Works without a login.
func (c *Client) ListPublicBuckets(ctx context.Context) ([]Bucket, error) {
	var buckets []Bucket
	if err := c.get(ctx, "/api/v1/buckets/public", &buckets); err != nil {
		return nil, err
	}
	return buckets, nil
}

// GetBucket returns one bucket by ID.
func (c *Client) GetBucket(ctx context.Context, id uuid.UUID) (*Bucket, error) {
	var bucket Bucket
	if err := c.get(ctx, "/api/v1/buckets/"+id.String(), &bucket); err != nil {
		return nil, err
	}
	return &bucket, nil
}

// UpdateBucket changes a bucket's description or visibility.
func (c *Client) UpdateBucket(ctx context.Context, id uuid.UUID, req UpdateBucketRequest) (*Bucket, error) {
	var bucket Bucket
	if err := c.put(ctx, "/api/v1/buckets/"+id.String(), req, &bucket); err != nil {
		return nil, err
	}
	return &bucket, nil
}

// DeleteBucket removes a bucket, its file rows, and its stored objects.
func (c *Client) DeleteBucket(ctx context.Context, id uuid.UUID) error {
	return c.doDelete(ctx, "/api/v1/buckets/"+id.String())
}

// ---------------------------------------------------------------------------
// Files
// ---------------------------------------------------------------------------

// ListFiles returns the caller's files with offset pagination.
func (c *Client) ListFiles(ctx context.Context, limit, offset int) ([]File, error) {
	var files []File
	if err := c.get(ctx, "/api/v1/files?"+pageQuery(limit, offset), &files); err != nil {
		return nil, err
	}
	return files, nil
}

// ListBucketFiles returns the files in one bucket.
func (c *Client) ListBucketFiles(ctx context.Context, bucketID uuid.UUID, limit, offset int) ([]File, error) {
	path := "/api/v1/buckets/" + bucketID.String() + "/files?" + pageQuery(limit, offset)
	var files []File
	if err := c.get(ctx, path, &files); err != nil {
		return nil, err
	}
	return files, nil
}

// UploadFile registers file metadata, then streams body to the presigned
// upload URL the server hands back. contentType may be empty.
func (c *Client) UploadFile(ctx context.Context, bucketID uuid.UUID, filename, contentType string, body io.Reader, size uint64) (*File, error) {
	initReq := map[string]any{
		"filename":  filename,
		"bucket_id": bucketID,
		"size":      size,
	}
	if contentType != "" {
		initReq["content_type"] = contentType
	}
	var initResp initiateUploadResponse
	if err := c.post(ctx, "/api/v1/files/initiate-upload", initReq, &initResp); err != nil {
		return nil, err
	}

	method := initResp.PresignedUploadInfo.Method
	if method == "" {
		method = http.MethodPut
	}
	req, err := http.NewRequestWithContext(ctx, method, initResp.PresignedUploadInfo.UploadURL, body)
	if err != nil {
		return nil, fmt.Errorf("selfdb: create upload request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	c.decorate(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("selfdb: upload: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		return nil, parseErrorResponse(resp.StatusCode, raw)
	}

	return &initResp.FileMetadata, nil
}

// DownloadFile fetches a file's bytes. The caller must close the reader.
func (c *Client) DownloadFile(ctx context.Context, fileID uuid.UUID) (io.ReadCloser, *File, error) {
	var info fileURLResponse
	if err := c.get(ctx, "/api/v1/files/"+fileID.String()+"/download-info", &info); err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, info.URL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("selfdb: create download request: %w", err)
	}
	c.decorate(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("selfdb: download: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer func() { _ = resp.Body.Close() }()
		raw, _ := io.ReadAll(resp.Body)
		return nil, nil, parseErrorResponse(resp.StatusCode, raw)
	}

	return resp.Body, &info.FileMetadata, nil
}

// DeleteFile removes a file's bytes and metadata.
func (c *Client) DeleteFile(ctx context.Context, fileID uuid.UUID) error {
	return c.doDelete(ctx, "/api/v1/files/"+fileID.String())
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

// Health checks the server's health status. Works without the anon key.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.get(ctx, "/api/v1/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func pageQuery(limit, offset int) string {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		params.Set("offset", strconv.Itoa(offset))
	}
	return params.Encode()
}

// decorate attaches the anon key and, when logged in, the access token.
func (c *Client) decorate(req *http.Request) {
	req.Header.Set("apikey", c.anonKey)
	c.mu.Lock()
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}
	c.mu.Unlock()
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("selfdb: marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("selfdb: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doRequest(req, dest)
}

func (c *Client) put(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("selfdb: marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("selfdb: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doRequest(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("selfdb: create request: %w", err)
	}
	return c.doRequest(req, dest)
}

func (c *Client) doDelete(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("selfdb: create request: %w", err)
	}
	return c.doRequest(req, nil)
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	c.decorate(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("selfdb: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("selfdb: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	// 204 No Content — nothing to decode.
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("selfdb: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}
	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}
	return apiErr
}
