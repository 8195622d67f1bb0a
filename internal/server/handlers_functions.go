package server

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/selfdb-io/selfdb/internal/httpapi"
	"github.com/selfdb-io/selfdb/internal/model"
	"github.com/selfdb-io/selfdb/internal/storage"
)

// The functions registry stores source and metadata only; execution
// lives in a separate runtime that follows the functions_changes
// channel for deploy/update/undeploy signals.

// HandleListFunctions handles GET /api/v1/functions.
func (h *Handlers) HandleListFunctions(w http.ResponseWriter, r *http.Request) {
	p, ok := requireUser(w, r)
	if !ok {
		return
	}
	funcs, err := h.db.ListFunctionsForOwner(r.Context(), p.UserID())
	if err != nil {
		h.internalError(w, r, "list functions", err)
		return
	}
	httpapi.WriteJSON(w, r, http.StatusOK, funcs)
}

// HandleCreateFunction handles POST /api/v1/functions.
func (h *Handlers) HandleCreateFunction(w http.ResponseWriter, r *http.Request) {
	p, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req model.CreateFunctionRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if err := model.ValidateFunction(req.Name, req.Code); err != nil {
		httpapi.WriteError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	fn, err := h.db.CreateFunction(r.Context(), model.Function{
		Name:        req.Name,
		Description: req.Description,
		Code:        req.Code,
		IsActive:    true,
		OwnerID:     p.UserID(),
	})
	if errors.Is(err, storage.ErrConflict) {
		httpapi.WriteError(w, r, http.StatusConflict, model.ErrCodeConflict, "function name already taken")
		return
	}
	if err != nil {
		h.internalError(w, r, "create function", err)
		return
	}
	httpapi.WriteJSON(w, r, http.StatusCreated, fn)
}

// requireOwnedFunction loads a function and checks owner-or-superuser.
func (h *Handlers) requireOwnedFunction(w http.ResponseWriter, r *http.Request) (model.Function, bool) {
	p, ok := requireUser(w, r)
	if !ok {
		return model.Function{}, false
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpapi.WriteError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid function id")
		return model.Function{}, false
	}
	fn, err := h.db.GetFunction(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		httpapi.WriteError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "function not found")
		return model.Function{}, false
	}
	if err != nil {
		h.internalError(w, r, "get function", err)
		return model.Function{}, false
	}
	if !p.IsSuperuser() && fn.OwnerID != p.UserID() {
		httpapi.WriteError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "not your function")
		return model.Function{}, false
	}
	return fn, true
}

// HandleGetFunction handles GET /api/v1/functions/{id}.
func (h *Handlers) HandleGetFunction(w http.ResponseWriter, r *http.Request) {
	fn, ok := h.requireOwnedFunction(w, r)
	if !ok {
		return
	}
	httpapi.WriteJSON(w, r, http.StatusOK, fn)
}

// HandleUpdateFunction handles PUT /api/v1/functions/{id}.
func (h *Handlers) HandleUpdateFunction(w http.ResponseWriter, r *http.Request) {
	fn, ok := h.requireOwnedFunction(w, r)
	if !ok {
		return
	}
	var req model.UpdateFunctionRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.Code != nil {
		if err := model.ValidateFunction(fn.Name, *req.Code); err != nil {
			httpapi.WriteError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
	}

	updated, err := h.db.UpdateFunction(r.Context(), fn.ID, req)
	if err != nil {
		h.internalError(w, r, "update function", err)
		return
	}
	httpapi.WriteJSON(w, r, http.StatusOK, updated)
}

// HandleDeleteFunction handles DELETE /api/v1/functions/{id}.
func (h *Handlers) HandleDeleteFunction(w http.ResponseWriter, r *http.Request) {
	fn, ok := h.requireOwnedFunction(w, r)
	if !ok {
		return
	}
	if err := h.db.DeleteFunction(r.Context(), fn.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		h.internalError(w, r, "delete function", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
