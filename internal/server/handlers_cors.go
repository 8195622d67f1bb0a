package server

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/selfdb-io/selfdb/internal/httpapi"
	"github.com/selfdb-io/selfdb/internal/model"
	"github.com/selfdb-io/selfdb/internal/storage"
)

// HandleListCORSOrigins handles GET /api/v1/cors/origins (superuser).
func (h *Handlers) HandleListCORSOrigins(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireSuperuser(w, r); !ok {
		return
	}
	origins, err := h.db.ListCORSOrigins(r.Context())
	if err != nil {
		h.internalError(w, r, "list cors origins", err)
		return
	}
	httpapi.WriteJSON(w, r, http.StatusOK, origins)
}

// HandleCreateCORSOrigin handles POST /api/v1/cors/origins (superuser).
// The policy cache is invalidated so the new origin takes effect on the
// next request rather than after the TTL.
func (h *Handlers) HandleCreateCORSOrigin(w http.ResponseWriter, r *http.Request) {
	p, ok := requireSuperuser(w, r)
	if !ok {
		return
	}
	var req model.CreateCORSOriginRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if err := model.ValidateOriginURL(req.Origin); err != nil {
		httpapi.WriteError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	userID := p.UserID()
	origin := model.CORSOrigin{
		Origin:      req.Origin,
		Description: req.Description,
		IsActive:    true,
		CreatedBy:   &userID,
	}
	if req.IsActive != nil {
		origin.IsActive = *req.IsActive
	}

	created, err := h.db.CreateCORSOrigin(r.Context(), origin)
	if errors.Is(err, storage.ErrConflict) {
		httpapi.WriteError(w, r, http.StatusConflict, model.ErrCodeConflict, "origin already registered")
		return
	}
	if err != nil {
		h.internalError(w, r, "create cors origin", err)
		return
	}

	h.policy.Invalidate()
	httpapi.WriteJSON(w, r, http.StatusCreated, created)
}

// HandleGetCORSOrigin handles GET /api/v1/cors/origins/{id} (superuser).
func (h *Handlers) HandleGetCORSOrigin(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireSuperuser(w, r); !ok {
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpapi.WriteError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid origin id")
		return
	}
	origin, err := h.db.GetCORSOrigin(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		httpapi.WriteError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "origin not found")
		return
	}
	if err != nil {
		h.internalError(w, r, "get cors origin", err)
		return
	}
	httpapi.WriteJSON(w, r, http.StatusOK, origin)
}

// HandleUpdateCORSOrigin handles PUT /api/v1/cors/origins/{id} (superuser).
func (h *Handlers) HandleUpdateCORSOrigin(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireSuperuser(w, r); !ok {
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpapi.WriteError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid origin id")
		return
	}
	var req model.UpdateCORSOriginRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.Origin != nil {
		if err := model.ValidateOriginURL(*req.Origin); err != nil {
			httpapi.WriteError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
	}

	updated, err := h.db.UpdateCORSOrigin(r.Context(), id, req)
	if errors.Is(err, storage.ErrNotFound) {
		httpapi.WriteError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "origin not found")
		return
	}
	if errors.Is(err, storage.ErrConflict) {
		httpapi.WriteError(w, r, http.StatusConflict, model.ErrCodeConflict, "origin already registered")
		return
	}
	if err != nil {
		h.internalError(w, r, "update cors origin", err)
		return
	}

	h.policy.Invalidate()
	httpapi.WriteJSON(w, r, http.StatusOK, updated)
}

// HandleDeleteCORSOrigin handles DELETE /api/v1/cors/origins/{id}
// (superuser). Default is a soft delete (is_active=false);
// ?hard_delete=true drops the row.
func (h *Handlers) HandleDeleteCORSOrigin(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireSuperuser(w, r); !ok {
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpapi.WriteError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid origin id")
		return
	}

	if r.URL.Query().Get("hard_delete") == "true" {
		err = h.db.DeleteCORSOrigin(r.Context(), id)
	} else {
		err = h.db.DeactivateCORSOrigin(r.Context(), id)
	}
	if errors.Is(err, storage.ErrNotFound) {
		httpapi.WriteError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "origin not found")
		return
	}
	if err != nil {
		h.internalError(w, r, "delete cors origin", err)
		return
	}

	h.policy.Invalidate()
	w.WriteHeader(http.StatusNoContent)
}

// HandleValidateCORSOrigin handles POST /api/v1/cors/validate: reports
// whether an origin is currently in the effective allow-set.
func (h *Handlers) HandleValidateCORSOrigin(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUser(w, r); !ok {
		return
	}
	var req model.ValidateOriginRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil || req.Origin == "" {
		httpapi.WriteError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "origin is required")
		return
	}
	httpapi.WriteJSON(w, r, http.StatusOK, model.ValidateOriginResponse{
		Origin:  req.Origin,
		Allowed: h.policy.Allowed(r.Context(), req.Origin),
	})
}

// HandleRefreshCORSCache handles POST /api/v1/cors/refresh-cache
// (superuser): forces a synchronous reload of the policy cache.
func (h *Handlers) HandleRefreshCORSCache(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireSuperuser(w, r); !ok {
		return
	}
	h.policy.Invalidate()
	if err := h.policy.Refresh(r.Context()); err != nil {
		h.internalError(w, r, "refresh policy cache", err)
		return
	}
	httpapi.WriteJSON(w, r, http.StatusOK, map[string]string{"status": "refreshed"})
}
