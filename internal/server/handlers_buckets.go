package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/selfdb-io/selfdb/internal/httpapi"
	"github.com/selfdb-io/selfdb/internal/model"
	"github.com/selfdb-io/selfdb/internal/objstore"
	"github.com/selfdb-io/selfdb/internal/storage"
)

// HandleListBuckets handles GET /api/v1/buckets: the caller's buckets,
// or every bucket for superusers.
func (h *Handlers) HandleListBuckets(w http.ResponseWriter, r *http.Request) {
	p, ok := requireUser(w, r)
	if !ok {
		return
	}
	var (
		buckets []model.BucketWithStats
		err     error
	)
	if p.IsSuperuser() {
		buckets, err = h.db.ListAllBuckets(r.Context())
	} else {
		buckets, err = h.db.ListBucketsForOwner(r.Context(), p.UserID())
	}
	if err != nil {
		h.internalError(w, r, "list buckets", err)
		return
	}
	httpapi.WriteJSON(w, r, http.StatusOK, buckets)
}

// HandleListPublicBuckets handles GET /api/v1/buckets/public, readable
// by the anonymous principal.
func (h *Handlers) HandleListPublicBuckets(w http.ResponseWriter, r *http.Request) {
	buckets, err := h.db.ListPublicBuckets(r.Context())
	if err != nil {
		h.internalError(w, r, "list public buckets", err)
		return
	}
	httpapi.WriteJSON(w, r, http.StatusOK, buckets)
}

// HandleCreateBucket handles POST /api/v1/buckets: DB row first, then
// the storage-tier directory, compensating the row when the tier call
// fails.
func (h *Handlers) HandleCreateBucket(w http.ResponseWriter, r *http.Request) {
	p, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req model.CreateBucketRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if err := model.ValidateBucketName(req.Name); err != nil {
		httpapi.WriteError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	// Distinct display names can collapse to the same storage slug;
	// check up front so the caller gets a clear conflict instead of a
	// bare constraint violation. The unique index still backs this up.
	slug := model.Slugify(req.Name)
	if _, err := h.db.GetBucketByStorageName(r.Context(), slug); err == nil {
		httpapi.WriteError(w, r, http.StatusConflict, model.ErrCodeConflict, "bucket name already taken")
		return
	} else if !errors.Is(err, storage.ErrNotFound) {
		h.internalError(w, r, "check bucket name", err)
		return
	}

	bucket, err := h.db.CreateBucket(r.Context(), model.Bucket{
		Name:        req.Name,
		StorageName: slug,
		Description: req.Description,
		IsPublic:    req.IsPublic,
		OwnerID:     p.UserID(),
	})
	if errors.Is(err, storage.ErrConflict) {
		httpapi.WriteError(w, r, http.StatusConflict, model.ErrCodeConflict, "bucket name already taken")
		return
	}
	if err != nil {
		h.internalError(w, r, "create bucket", err)
		return
	}

	if err := h.store.CreateBucket(r.Context(), objstore.BucketMeta{
		Name:     bucket.StorageName,
		IsPublic: bucket.IsPublic,
		OwnerID:  bucket.OwnerID,
	}); err != nil && !errors.Is(err, objstore.ErrExists) {
		// Compensate the DB row; a failed compensation leaves a DB-only
		// bucket that a later delete treats as already gone store-side.
		if delErr := h.db.DeleteBucket(r.Context(), bucket.ID); delErr != nil {
			h.logger.Error("bucket compensation failed, row left DB-only",
				"bucket_id", bucket.ID, "error", delErr)
		}
		if errors.Is(err, objstore.ErrUpstream) {
			httpapi.WriteError(w, r, http.StatusServiceUnavailable, model.ErrCodeUpstream, "storage service unavailable")
			return
		}
		h.internalError(w, r, "create storage bucket", err)
		return
	}

	h.notifyBucketChange(r, model.OpInsert, bucket, nil)
	httpapi.WriteJSON(w, r, http.StatusCreated, bucket)
}

// getAuthorizedBucket loads a bucket and checks the caller may read it.
func (h *Handlers) getAuthorizedBucket(w http.ResponseWriter, r *http.Request) (model.BucketWithStats, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpapi.WriteError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid bucket id")
		return model.BucketWithStats{}, false
	}
	bucket, err := h.db.GetBucket(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		httpapi.WriteError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "bucket not found")
		return model.BucketWithStats{}, false
	}
	if err != nil {
		h.internalError(w, r, "get bucket", err)
		return model.BucketWithStats{}, false
	}

	p := PrincipalFromContext(r.Context())
	if !bucket.IsPublic && !p.IsSuperuser() && bucket.OwnerID != p.UserID() {
		httpapi.WriteError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "not your bucket")
		return model.BucketWithStats{}, false
	}
	return bucket, true
}

// HandleGetBucket handles GET /api/v1/buckets/{id}.
func (h *Handlers) HandleGetBucket(w http.ResponseWriter, r *http.Request) {
	bucket, ok := h.getAuthorizedBucket(w, r)
	if !ok {
		return
	}
	httpapi.WriteJSON(w, r, http.StatusOK, bucket)
}

// requireOwnedBucket loads a bucket and checks owner-or-superuser.
func (h *Handlers) requireOwnedBucket(w http.ResponseWriter, r *http.Request) (model.BucketWithStats, bool) {
	p, ok := requireUser(w, r)
	if !ok {
		return model.BucketWithStats{}, false
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpapi.WriteError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid bucket id")
		return model.BucketWithStats{}, false
	}
	bucket, err := h.db.GetBucket(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		httpapi.WriteError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "bucket not found")
		return model.BucketWithStats{}, false
	}
	if err != nil {
		h.internalError(w, r, "get bucket", err)
		return model.BucketWithStats{}, false
	}
	if !p.IsSuperuser() && bucket.OwnerID != p.UserID() {
		httpapi.WriteError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "not your bucket")
		return model.BucketWithStats{}, false
	}
	return bucket, true
}

// HandleUpdateBucket handles PUT /api/v1/buckets/{id}. A visibility
// change is mirrored to the storage tier best-effort.
func (h *Handlers) HandleUpdateBucket(w http.ResponseWriter, r *http.Request) {
	bucket, ok := h.requireOwnedBucket(w, r)
	if !ok {
		return
	}
	var req model.UpdateBucketRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	updated, err := h.db.UpdateBucket(r.Context(), bucket.ID, req)
	if err != nil {
		h.internalError(w, r, "update bucket", err)
		return
	}

	if req.IsPublic != nil {
		if err := h.store.UpdateBucket(r.Context(), updated.StorageName, req.IsPublic); err != nil {
			h.logger.Warn("mirroring bucket visibility to storage failed",
				"bucket", updated.StorageName, "error", err)
		}
	}

	h.notifyBucketChange(r, model.OpUpdate, updated.Bucket, &bucket.Bucket)
	httpapi.WriteJSON(w, r, http.StatusOK, updated)
}

// HandleDeleteBucket handles DELETE /api/v1/buckets/{id}: probe the
// storage tier, delete there when present, then drop the DB row (which
// cascades to file rows).
func (h *Handlers) HandleDeleteBucket(w http.ResponseWriter, r *http.Request) {
	bucket, ok := h.requireOwnedBucket(w, r)
	if !ok {
		return
	}

	_, err := h.store.GetBucket(r.Context(), bucket.StorageName)
	switch {
	case errors.Is(err, objstore.ErrNotFound):
		// DB-only bucket: nothing to remove store-side.
	case errors.Is(err, objstore.ErrUpstream):
		httpapi.WriteError(w, r, http.StatusServiceUnavailable, model.ErrCodeUpstream, "storage service unavailable")
		return
	case err != nil:
		h.internalError(w, r, "probe storage bucket", err)
		return
	default:
		if err := h.store.DeleteBucket(r.Context(), bucket.StorageName, true); err != nil && !errors.Is(err, objstore.ErrNotFound) {
			if errors.Is(err, objstore.ErrUpstream) {
				httpapi.WriteError(w, r, http.StatusServiceUnavailable, model.ErrCodeUpstream, "storage service unavailable")
				return
			}
			h.internalError(w, r, "delete storage bucket", err)
			return
		}
	}

	if err := h.db.DeleteBucket(r.Context(), bucket.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		h.internalError(w, r, "delete bucket", err)
		return
	}

	h.notifyBucketChange(r, model.OpDelete, model.Bucket{}, &bucket.Bucket)
	w.WriteHeader(http.StatusNoContent)
}

// HandleListBucketFiles handles GET /api/v1/buckets/{id}/files.
func (h *Handlers) HandleListBucketFiles(w http.ResponseWriter, r *http.Request) {
	bucket, ok := h.getAuthorizedBucket(w, r)
	if !ok {
		return
	}
	limit, offset := pagination(r)
	files, err := h.db.ListFilesInBucket(r.Context(), bucket.ID, limit+1, offset)
	if err != nil {
		h.internalError(w, r, "list bucket files", err)
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

// notifyBucketChange publishes a synthetic change event on
// buckets_changes via pg_notify, so bucket mutations reach realtime
// subscribers through the same pipe as trigger-emitted events.
func (h *Handlers) notifyBucketChange(r *http.Request, op model.ChangeOp, data model.Bucket, old *model.Bucket) {
	ev := model.ChangeEvent{Operation: op, Table: "buckets"}
	if op != model.OpDelete {
		if raw, err := json.Marshal(data); err == nil {
			ev.Data = raw
		}
	}
	if old != nil {
		if raw, err := json.Marshal(old); err == nil {
			ev.OldData = raw
		}
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := h.db.Notify(r.Context(), model.ChannelForTable("buckets"), string(payload)); err != nil {
		h.logger.Warn("bucket change notify failed", "error", err)
	}
}
