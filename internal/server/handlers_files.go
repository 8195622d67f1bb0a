package server

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/selfdb-io/selfdb/internal/httpapi"
	"github.com/selfdb-io/selfdb/internal/model"
	"github.com/selfdb-io/selfdb/internal/objstore"
	"github.com/selfdb-io/selfdb/internal/storage"
)

// HandleListFiles handles GET /api/v1/files: the caller's file rows.
func (h *Handlers) HandleListFiles(w http.ResponseWriter, r *http.Request) {
	p, ok := requireUser(w, r)
	if !ok {
		return
	}
	limit, offset := pagination(r)
	files, err := h.db.ListFilesForOwner(r.Context(), p.UserID(), limit+1, offset)
	if err != nil {
		h.internalError(w, r, "list files", err)
		return
	}
	hasMore := len(files) > limit
	if hasMore {
		files = files[:limit]
	}
	httpapi.WriteList(w, r, model.ListResponse{
		Data: files, HasMore: hasMore, Limit: limit, Offset: offset,
	})
}

// canWriteBucket applies the upload policy: owner, superuser, or — for
// public buckets — any principal when anonymous public writes are
// enabled.
func (h *Handlers) canWriteBucket(p model.Principal, bucket model.BucketWithStats) bool {
	if p.IsSuperuser() || (p.IsUser() && bucket.OwnerID == p.UserID()) {
		return true
	}
	return bucket.IsPublic && h.anonPublicWrite
}

// HandleInitiateUpload handles POST /api/v1/files/initiate-upload:
// authorize, mint an object key, insert the row, then fetch the upload
// URL — deleting the row again when the URL cannot be obtained.
func (h *Handlers) HandleInitiateUpload(w http.ResponseWriter, r *http.Request) {
	var req model.InitiateUploadRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if err := model.ValidateFilename(req.Filename); err != nil {
		httpapi.WriteError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if req.BucketID == uuid.Nil {
		httpapi.WriteError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "bucket_id is required")
		return
	}

	bucket, err := h.db.GetBucket(r.Context(), req.BucketID)
	if errors.Is(err, storage.ErrNotFound) {
		httpapi.WriteError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "bucket not found")
		return
	}
	if err != nil {
		h.internalError(w, r, "get bucket", err)
		return
	}

	p := PrincipalFromContext(r.Context())
	if !h.canWriteBucket(p, bucket) {
		httpapi.WriteError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "upload not permitted")
		return
	}
	// Anonymous public-write uploads are owned by the bucket owner.
	ownerID := p.UserID()
	if ownerID == uuid.Nil {
		ownerID = bucket.OwnerID
	}

	file, err := h.db.CreateFile(r.Context(), model.File{
		Filename:    req.Filename,
		ObjectKey:   model.NewObjectKey(req.Filename),
		BucketID:    bucket.ID,
		ContentType: req.ContentType,
		Size:        req.Size,
		OwnerID:     ownerID,
	})
	if err != nil {
		h.internalError(w, r, "create file row", err)
		return
	}

	info, err := h.store.GenerateUploadURL(r.Context(), bucket.StorageName, file.ObjectKey)
	if err != nil {
		if delErr := h.db.DeleteFile(r.Context(), file.ID); delErr != nil {
			h.logger.Error("file row compensation failed", "file_id", file.ID, "error", delErr)
		}
		if errors.Is(err, objstore.ErrUpstream) {
			httpapi.WriteError(w, r, http.StatusServiceUnavailable, model.ErrCodeUpstream, "storage service unavailable")
			return
		}
		h.internalError(w, r, "generate upload url", err)
		return
	}

	httpapi.WriteJSON(w, r, http.StatusCreated, model.InitiateUploadResponse{
		FileMetadata:        file,
		PresignedUploadInfo: info,
	})
}

// fileWithBucket loads a file row plus its bucket, normalizing legacy
// object keys at the boundary.
func (h *Handlers) fileWithBucket(w http.ResponseWriter, r *http.Request) (model.File, model.BucketWithStats, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpapi.WriteError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid file id")
		return model.File{}, model.BucketWithStats{}, false
	}
	file, err := h.db.GetFile(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		httpapi.WriteError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "file not found")
		return model.File{}, model.BucketWithStats{}, false
	}
	if err != nil {
		h.internalError(w, r, "get file", err)
		return model.File{}, model.BucketWithStats{}, false
	}
	bucket, err := h.db.GetBucket(r.Context(), file.BucketID)
	if err != nil {
		h.internalError(w, r, "get bucket", err)
		return model.File{}, model.BucketWithStats{}, false
	}
	file.ObjectKey = model.NormalizeObjectKey(file.ObjectKey, bucket.StorageName)
	return file, bucket, true
}

// canReadFile applies read authorization: file owner, bucket owner,
// superuser, or public bucket.
func canReadFile(p model.Principal, file model.File, bucket model.BucketWithStats) bool {
	if bucket.IsPublic || p.IsSuperuser() {
		return true
	}
	return p.IsUser() && (file.OwnerID == p.UserID() || bucket.OwnerID == p.UserID())
}

// HandleDownloadInfo handles GET /api/v1/files/{id}/download-info.
func (h *Handlers) HandleDownloadInfo(w http.ResponseWriter, r *http.Request) {
	h.fileInfo(w, r, true, false)
}

// HandleViewInfo handles GET /api/v1/files/{id}/view-info.
func (h *Handlers) HandleViewInfo(w http.ResponseWriter, r *http.Request) {
	h.fileInfo(w, r, false, false)
}

// HandlePublicDownloadInfo handles GET /api/v1/files/public/{id}/download-info.
func (h *Handlers) HandlePublicDownloadInfo(w http.ResponseWriter, r *http.Request) {
	h.fileInfo(w, r, true, true)
}

// HandlePublicViewInfo handles GET /api/v1/files/public/{id}/view-info.
func (h *Handlers) HandlePublicViewInfo(w http.ResponseWriter, r *http.Request) {
	h.fileInfo(w, r, false, true)
}

// fileInfo builds the {file_metadata, url} response. The public
// variants only require the bucket to be public; the private ones run
// full read authorization.
func (h *Handlers) fileInfo(w http.ResponseWriter, r *http.Request, download, publicOnly bool) {
	file, bucket, ok := h.fileWithBucket(w, r)
	if !ok {
		return
	}

	if publicOnly {
		if !bucket.IsPublic {
			httpapi.WriteError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "bucket is not public")
			return
		}
	} else if !canReadFile(PrincipalFromContext(r.Context()), file, bucket) {
		httpapi.WriteError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "not permitted")
		return
	}

	var url string
	if download {
		url = h.store.DownloadURL(bucket.StorageName, file.ObjectKey)
	} else {
		contentType := ""
		if file.ContentType != nil {
			contentType = *file.ContentType
		}
		url = h.store.ViewURL(bucket.StorageName, file.ObjectKey, contentType)
	}
	httpapi.WriteJSON(w, r, http.StatusOK, model.FileURLResponse{
		FileMetadata: file,
		URL:          url,
	})
}

// HandleDeleteFile handles DELETE /api/v1/files/{id}: storage-tier
// object first, DB row second. A missing object counts as deleted.
func (h *Handlers) HandleDeleteFile(w http.ResponseWriter, r *http.Request) {
	p, ok := requireUser(w, r)
	if !ok {
		return
	}
	file, bucket, ok := h.fileWithBucket(w, r)
	if !ok {
		return
	}
	if !p.IsSuperuser() && file.OwnerID != p.UserID() && bucket.OwnerID != p.UserID() {
		httpapi.WriteError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "not permitted")
		return
	}

	err := h.store.DeleteObject(r.Context(), bucket.StorageName, file.ObjectKey)
	if err != nil && !errors.Is(err, objstore.ErrNotFound) {
		if errors.Is(err, objstore.ErrUpstream) {
			httpapi.WriteError(w, r, http.StatusServiceUnavailable, model.ErrCodeUpstream, "storage service unavailable")
			return
		}
		h.internalError(w, r, "delete object", err)
		return
	}

	if err := h.db.DeleteFile(r.Context(), file.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		h.internalError(w, r, "delete file row", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
