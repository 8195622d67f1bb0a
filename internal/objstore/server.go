package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/selfdb-io/selfdb/internal/auth"
	"github.com/selfdb-io/selfdb/internal/config"
	"github.com/selfdb-io/selfdb/internal/httpapi"
	"github.com/selfdb-io/selfdb/internal/model"
)

// caller is the identity presented to the storage service. The service
// has no database; everything it knows comes from the ticket claims.
type caller struct {
	userID    uuid.UUID
	superuser bool
}

func (c caller) authenticated() bool { return c.userID != uuid.Nil }

// Server is the storage-service HTTP surface: bucket directories,
// direct upload, streamed download, and the simplified presigned-URL
// scheme.
type Server struct {
	store       *Store
	tickets     *auth.TicketManager
	anonKey     string
	externalURL string
	urlTTL      time.Duration
	logger      *slog.Logger

	httpServer *http.Server
}

// NewServer wires the storage service against cfg.
func NewServer(cfg *config.Config, store *Store, tickets *auth.TicketManager, logger *slog.Logger) *Server {
	s := &Server{
		store:       store,
		tickets:     tickets,
		anonKey:     cfg.AnonKey,
		externalURL: strings.TrimRight(cfg.StorageServiceExternalURL, "/"),
		urlTTL:      cfg.PresignedURLTTL,
		logger:      logger,
	}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.StoragePort),
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler builds the route table wrapped in the shared middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /buckets", s.handleCreateBucket)
	mux.HandleFunc("GET /buckets", s.handleListBuckets)
	mux.HandleFunc("GET /buckets/{name}", s.handleGetBucket)
	mux.HandleFunc("PUT /buckets/{name}", s.handleUpdateBucket)
	mux.HandleFunc("DELETE /buckets/{name}", s.handleDeleteBucket)
	mux.HandleFunc("DELETE /buckets/{name}/objects", s.handlePurgeBucket)

	mux.HandleFunc("POST /files/presigned-url/upload/{bucket}/{key...}", s.handlePresignUpload)
	mux.HandleFunc("PUT /files/upload-direct/{bucket}/{key...}", s.handleUploadDirect)
	mux.HandleFunc("GET /files/download/{bucket}/{key...}", s.handleDownload)
	mux.HandleFunc("GET /files/view/{bucket}/{key...}", s.handleView)
	mux.HandleFunc("DELETE /files/{bucket}/{key...}", s.handleDeleteObject)

	var handler http.Handler = mux
	handler = httpapi.Recover(s.logger, handler)
	handler = httpapi.Logging(s.logger, handler)
	handler = httpapi.Tracing(handler)
	handler = httpapi.SecurityHeaders(handler)
	handler = httpapi.RequestID(handler)
	return handler
}

// Start runs the HTTP server until it is shut down.
func (s *Server) Start() error {
	s.logger.Info("storage service listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("objstore: serve: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// callerFrom resolves the request's ticket, from the Authorization
// header or a token query parameter (download URLs are opened by
// browsers that cannot set headers).
func (s *Server) callerFrom(r *http.Request) (caller, error) {
	token := ""
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return caller{}, errors.New("invalid authorization format")
		}
		token = parts[1]
	} else if q := r.URL.Query().Get("token"); q != "" {
		token = q
	}
	if token == "" {
		return caller{}, nil
	}

	claims, err := s.tickets.Validate(token)
	if err != nil {
		return caller{}, err
	}
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return caller{}, fmt.Errorf("malformed subject claim: %w", err)
	}
	return caller{userID: id, superuser: claims.IsSuperuser}, nil
}

// hasAnonKey reports whether the request carries the project anon key,
// as a header or query parameter.
func (s *Server) hasAnonKey(r *http.Request) bool {
	if k := r.Header.Get("apikey"); k != "" {
		return k == s.anonKey
	}
	return r.URL.Query().Get("apikey") == s.anonKey
}

// unauthorized writes the 401 envelope with the WWW-Authenticate
// challenge the status requires.
func unauthorized(w http.ResponseWriter, r *http.Request, message string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	httpapi.WriteError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, message)
}

// requireCaller authenticates the management endpoints: a valid ticket
// is mandatory.
func (s *Server) requireCaller(w http.ResponseWriter, r *http.Request) (caller, bool) {
	c, err := s.callerFrom(r)
	if err != nil {
		unauthorized(w, r, "invalid or expired token")
		return caller{}, false
	}
	if !c.authenticated() {
		unauthorized(w, r, "authentication required")
		return caller{}, false
	}
	return c, true
}

// canManage reports whether c may mutate bucket meta or objects.
func canManage(c caller, meta BucketMeta) bool {
	return c.superuser || (c.authenticated() && c.userID == meta.OwnerID)
}

// canRead reports whether c may read objects in the bucket.
func canRead(c caller, meta BucketMeta) bool {
	return meta.IsPublic || canManage(c, meta)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpapi.WriteJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateBucket(w http.ResponseWriter, r *http.Request) {
	c, ok := s.requireCaller(w, r)
	if !ok {
		return
	}

	var meta BucketMeta
	if err := httpapi.DecodeJSON(r, &meta); err != nil {
		httpapi.WriteError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if err := model.ValidateBucketName(meta.Name); err != nil {
		httpapi.WriteError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	// Non-superusers always own the buckets they create.
	if !c.superuser || meta.OwnerID == uuid.Nil {
		meta.OwnerID = c.userID
	}

	if err := s.store.CreateBucket(meta); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	httpapi.WriteJSON(w, r, http.StatusCreated, meta)
}

func (s *Server) handleListBuckets(w http.ResponseWriter, r *http.Request) {
	c, ok := s.requireCaller(w, r)
	if !ok {
		return
	}

	all, err := s.store.ListBuckets()
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	visible := []BucketMeta{}
	for _, meta := range all {
		if canRead(c, meta) {
			visible = append(visible, meta)
		}
	}
	httpapi.WriteJSON(w, r, http.StatusOK, visible)
}

func (s *Server) handleGetBucket(w http.ResponseWriter, r *http.Request) {
	c, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	meta, err := s.store.GetBucket(r.PathValue("name"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if !canRead(c, meta) {
		httpapi.WriteError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "not your bucket")
		return
	}
	httpapi.WriteJSON(w, r, http.StatusOK, meta)
}

func (s *Server) handleUpdateBucket(w http.ResponseWriter, r *http.Request) {
	c, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	name := r.PathValue("name")
	meta, err := s.store.GetBucket(name)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if !canManage(c, meta) {
		httpapi.WriteError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "not your bucket")
		return
	}

	var req struct {
		IsPublic *bool `json:"is_public,omitempty"`
	}
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	updated, err := s.store.UpdateBucket(name, req.IsPublic)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	httpapi.WriteJSON(w, r, http.StatusOK, updated)
}

func (s *Server) handleDeleteBucket(w http.ResponseWriter, r *http.Request) {
	c, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	name := r.PathValue("name")
	meta, err := s.store.GetBucket(name)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if !canManage(c, meta) {
		httpapi.WriteError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "not your bucket")
		return
	}

	// Only superusers may recursively delete a non-empty bucket.
	recursive := c.superuser && r.URL.Query().Get("recursive") == "true"
	if err := s.store.DeleteBucket(name, recursive); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePurgeBucket(w http.ResponseWriter, r *http.Request) {
	c, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	name := r.PathValue("name")
	meta, err := s.store.GetBucket(name)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if !canManage(c, meta) {
		httpapi.WriteError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "not your bucket")
		return
	}
	removed, err := s.store.PurgeBucket(name)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	httpapi.WriteJSON(w, r, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handlePresignUpload(w http.ResponseWriter, r *http.Request) {
	c, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	bucket, key := r.PathValue("bucket"), r.PathValue("key")
	meta, err := s.store.GetBucket(bucket)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if !canManage(c, meta) && !meta.IsPublic {
		httpapi.WriteError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "not your bucket")
		return
	}
	if _, err := s.store.safePath(bucket, key); err != nil {
		httpapi.WriteError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unsafe object key")
		return
	}

	// The URL is not cryptographically bound to a TTL or content type;
	// the ticket presented on the PUT carries the authorization. The
	// expiry is advisory, surfaced so clients can schedule retries.
	info := model.PresignedUploadInfo{
		UploadURL: fmt.Sprintf("%s/files/upload-direct/%s/%s", s.externalURL, bucket, key),
		Method:    http.MethodPut,
		ExpiresIn: int(s.urlTTL.Seconds()),
	}
	httpapi.WriteJSON(w, r, http.StatusOK, info)
}

func (s *Server) handleUploadDirect(w http.ResponseWriter, r *http.Request) {
	bucket, key := r.PathValue("bucket"), r.PathValue("key")
	meta, err := s.store.GetBucket(bucket)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	c, err := s.callerFrom(r)
	if err != nil {
		unauthorized(w, r, "invalid or expired token")
		return
	}
	// Writes need bucket ownership, superuser, or a public bucket with
	// the project anon key.
	if !canManage(c, meta) && !(meta.IsPublic && s.hasAnonKey(r)) {
		httpapi.WriteError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "upload not permitted")
		return
	}

	body, err := uploadBody(r)
	if err != nil {
		httpapi.WriteError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	defer body.Close()

	written, err := s.store.Put(bucket, key, body)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	httpapi.WriteJSON(w, r, http.StatusOK, map[string]any{"bucket": bucket, "key": key, "size": written})
}

// uploadBody returns the object bytes: a single multipart "file" field
// when the request is multipart, the raw body otherwise.
func uploadBody(r *http.Request) (io.ReadCloser, error) {
	ct := r.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "multipart/") {
		return r.Body, nil
	}
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("invalid multipart body: %w", err)
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, errors.New("multipart body has no file field")
		}
		if err != nil {
			return nil, fmt.Errorf("invalid multipart body: %w", err)
		}
		if part.FormName() == "file" {
			return part, nil
		}
		_ = part.Close()
	}
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	s.serveObject(w, r, true)
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	s.serveObject(w, r, false)
}

// serveObject streams an object. attachment picks the disposition:
// download forces a save dialog, view renders inline.
func (s *Server) serveObject(w http.ResponseWriter, r *http.Request, attachment bool) {
	bucket, key := r.PathValue("bucket"), r.PathValue("key")
	meta, err := s.store.GetBucket(bucket)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	c, err := s.callerFrom(r)
	if err != nil {
		unauthorized(w, r, "invalid or expired token")
		return
	}
	if !canRead(c, meta) {
		httpapi.WriteError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "not your bucket")
		return
	}

	f, info, err := s.store.Open(bucket, key)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	defer f.Close()

	contentType := r.URL.Query().Get("content_type")
	if contentType == "" || contentType == "application/octet-stream" {
		if byExt := mime.TypeByExtension(filepath.Ext(key)); byExt != "" {
			contentType = byExt
		}
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	if attachment {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", key))
	} else {
		w.Header().Set("Content-Disposition", "inline")
	}
	w.Header().Set("Accept-Ranges", "bytes")

	streamObject(w, r, f, info.Size)
}

// streamObject writes the object body honoring a single-range Range
// header, leading with a small chunk so the first byte goes out fast.
func streamObject(w http.ResponseWriter, r *http.Request, f io.ReadSeeker, size int64) {
	start, length, partial, ok := parseRange(r.Header.Get("Range"), size)
	if !ok {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}
	if partial {
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, start+length-1, size))
		w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
	}

	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	remaining := length
	if remaining <= smallObjectLimit {
		_, _ = io.CopyN(w, f, remaining)
		flush()
		return
	}

	// 16 KB head chunk, flushed immediately, then adaptive chunks.
	if _, err := io.CopyN(w, f, headChunkSize); err != nil {
		return
	}
	flush()
	remaining -= headChunkSize

	chunk := int64(bodyChunkSize(length))
	for remaining > 0 {
		n := min(chunk, remaining)
		if _, err := io.CopyN(w, f, n); err != nil {
			return
		}
		flush()
		remaining -= n
	}
}

// parseRange handles the single-range form "bytes=start-end". partial
// is false when no Range header is present; ok is false for an
// unsatisfiable range.
func parseRange(header string, size int64) (start, length int64, partial, ok bool) {
	if header == "" {
		return 0, size, false, true
	}
	spec, found := strings.CutPrefix(header, "bytes=")
	if !found || strings.Contains(spec, ",") {
		return 0, size, false, true // unsupported form: serve the whole object
	}
	first, last, found := strings.Cut(spec, "-")
	if !found {
		return 0, 0, false, false
	}

	if first == "" {
		// Suffix form: last N bytes.
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, false, false
		}
		n = min(n, size)
		return size - n, n, true, true
	}

	s, err := strconv.ParseInt(first, 10, 64)
	if err != nil || s < 0 || s >= size {
		return 0, 0, false, false
	}
	e := size - 1
	if last != "" {
		e, err = strconv.ParseInt(last, 10, 64)
		if err != nil || e < s {
			return 0, 0, false, false
		}
		e = min(e, size-1)
	}
	return s, e - s + 1, true, true
}

func (s *Server) handleDeleteObject(w http.ResponseWriter, r *http.Request) {
	c, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	bucket, key := r.PathValue("bucket"), r.PathValue("key")
	meta, err := s.store.GetBucket(bucket)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if !canManage(c, meta) {
		httpapi.WriteError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "not your bucket")
		return
	}
	if err := s.store.DeleteObject(bucket, key); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeStoreError maps store sentinels onto the error envelope.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpapi.WriteError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
	case errors.Is(err, ErrExists):
		httpapi.WriteError(w, r, http.StatusConflict, model.ErrCodeConflict, "already exists")
	case errors.Is(err, ErrUnsafePath):
		httpapi.WriteError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unsafe path")
	case errors.Is(err, ErrBucketNotEmpty):
		httpapi.WriteError(w, r, http.StatusConflict, model.ErrCodeConflict, "bucket not empty")
	default:
		s.logger.Error("storage operation failed", "error", err,
			"request_id", httpapi.RequestIDFromContext(r.Context()))
		httpapi.WriteError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
	}
}
