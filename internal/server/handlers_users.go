package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/selfdb-io/selfdb/internal/auth"
	"github.com/selfdb-io/selfdb/internal/httpapi"
	"github.com/selfdb-io/selfdb/internal/model"
	"github.com/selfdb-io/selfdb/internal/storage"
)

// HandleGetMe handles GET /api/v1/users/me.
func (h *Handlers) HandleGetMe(w http.ResponseWriter, r *http.Request) {
	p, ok := requireUser(w, r)
	if !ok {
		return
	}
	httpapi.WriteJSON(w, r, http.StatusOK, p.User)
}

// HandleUpdateMe handles PUT /api/v1/users/me. Only the email is
// self-service; active and superuser flags are ignored here.
func (h *Handlers) HandleUpdateMe(w http.ResponseWriter, r *http.Request) {
	p, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req model.UpdateUserRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	req.IsActive, req.IsSuperuser = nil, nil
	if req.Email != nil {
		if err := model.ValidateEmail(*req.Email); err != nil {
			httpapi.WriteError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
	}

	user, err := h.db.UpdateUser(r.Context(), p.UserID(), req)
	if errors.Is(err, storage.ErrConflict) {
		httpapi.WriteError(w, r, http.StatusConflict, model.ErrCodeConflict, "email already in use")
		return
	}
	if err != nil {
		h.internalError(w, r, "update user", err)
		return
	}
	httpapi.WriteJSON(w, r, http.StatusOK, user)
}

// HandleChangePassword handles PUT /api/v1/users/me/password. The
// current password must verify; all refresh tokens are revoked so
// other sessions die with the old credential.
func (h *Handlers) HandleChangePassword(w http.ResponseWriter, r *http.Request) {
	p, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req model.ChangePasswordRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if err := model.ValidatePassword(req.NewPassword); err != nil {
		httpapi.WriteError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	ok2, err := auth.VerifyPassword(req.CurrentPassword, p.User.PasswordHash)
	if err != nil || !ok2 {
		unauthorized(w, r, "current password is incorrect")
		return
	}

	hash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		h.internalError(w, r, "hash password", err)
		return
	}
	if err := h.db.UpdateUserPassword(r.Context(), p.UserID(), hash); err != nil {
		h.internalError(w, r, "update password", err)
		return
	}
	if err := h.db.RevokeRefreshTokensForUser(r.Context(), p.UserID()); err != nil {
		h.logger.Warn("revoking sessions after password change failed", "error", err)
	}
	httpapi.WriteJSON(w, r, http.StatusOK, map[string]string{"status": "password updated"})
}

// HandleDeleteMe handles DELETE /api/v1/users/me.
func (h *Handlers) HandleDeleteMe(w http.ResponseWriter, r *http.Request) {
	p, ok := requireUser(w, r)
	if !ok {
		return
	}
	if err := h.db.DeleteUser(r.Context(), p.UserID()); err != nil {
		h.internalError(w, r, "delete user", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleAnonKey handles GET /api/v1/users/me/anon-key. The anon key is
// not a secret from authenticated users; dashboards surface it for
// client-app configuration.
func (h *Handlers) HandleAnonKey(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUser(w, r); !ok {
		return
	}
	httpapi.WriteJSON(w, r, http.StatusOK, map[string]string{"anon_key": h.anonKey})
}

// HandleListUsers handles GET /api/v1/users (superuser).
func (h *Handlers) HandleListUsers(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireSuperuser(w, r); !ok {
		return
	}
	limit, offset := pagination(r)
	users, err := h.db.ListUsers(r.Context(), limit+1, offset)
	if err != nil {
		h.internalError(w, r, "list users", err)
		return
	}
	hasMore := len(users) > limit
	if hasMore {
		users = users[:limit]
	}
	httpapi.WriteList(w, r, model.ListResponse{
		Data: users, HasMore: hasMore, Limit: limit, Offset: offset,
	})
}

// HandleCountUsers handles GET /api/v1/users/count.
func (h *Handlers) HandleCountUsers(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUser(w, r); !ok {
		return
	}
	n, err := h.db.CountUsers(r.Context())
	if err != nil {
		h.internalError(w, r, "count users", err)
		return
	}
	httpapi.WriteJSON(w, r, http.StatusOK, map[string]int{"count": n})
}

// HandleCreateUser handles POST /api/v1/users (superuser).
func (h *Handlers) HandleCreateUser(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireSuperuser(w, r); !ok {
		return
	}
	var req model.CreateUserRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if err := model.ValidateEmail(req.Email); err != nil {
		httpapi.WriteError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if err := model.ValidatePassword(req.Password); err != nil {
		httpapi.WriteError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		h.internalError(w, r, "hash password", err)
		return
	}
	u := model.User{Email: req.Email, PasswordHash: hash, IsActive: true}
	if req.IsActive != nil {
		u.IsActive = *req.IsActive
	}
	if req.IsSuperuser != nil {
		u.IsSuperuser = *req.IsSuperuser
	}

	user, err := h.db.CreateUser(r.Context(), u)
	if errors.Is(err, storage.ErrConflict) {
		httpapi.WriteError(w, r, http.StatusConflict, model.ErrCodeConflict, "email already registered")
		return
	}
	if err != nil {
		h.internalError(w, r, "create user", err)
		return
	}
	httpapi.WriteJSON(w, r, http.StatusCreated, user)
}

// HandleGetUser handles GET /api/v1/users/{id}. Users may read their
// own row; anything else needs superuser.
func (h *Handlers) HandleGetUser(w http.ResponseWriter, r *http.Request) {
	p, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpapi.WriteError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid user id")
		return
	}
	if id != p.UserID() && !p.IsSuperuser() {
		httpapi.WriteError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "superuser required")
		return
	}

	user, err := h.db.GetUser(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		httpapi.WriteError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "user not found")
		return
	}
	if err != nil {
		h.internalError(w, r, "get user", err)
		return
	}
	httpapi.WriteJSON(w, r, http.StatusOK, user)
}

// HandleUpdateUser handles PUT /api/v1/users/{id} (superuser).
func (h *Handlers) HandleUpdateUser(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireSuperuser(w, r); !ok {
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpapi.WriteError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid user id")
		return
	}
	var req model.UpdateUserRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.Email != nil {
		if err := model.ValidateEmail(*req.Email); err != nil {
			httpapi.WriteError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
	}

	user, err := h.db.UpdateUser(r.Context(), id, req)
	if errors.Is(err, storage.ErrNotFound) {
		httpapi.WriteError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "user not found")
		return
	}
	if errors.Is(err, storage.ErrConflict) {
		httpapi.WriteError(w, r, http.StatusConflict, model.ErrCodeConflict, "email already in use")
		return
	}
	if err != nil {
		h.internalError(w, r, "update user", err)
		return
	}
	httpapi.WriteJSON(w, r, http.StatusOK, user)
}

// HandleDeleteUser handles DELETE /api/v1/users/{id} (superuser).
func (h *Handlers) HandleDeleteUser(w http.ResponseWriter, r *http.Request) {
	p, ok := requireSuperuser(w, r)
	if !ok {
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpapi.WriteError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid user id")
		return
	}
	if id == p.UserID() {
		httpapi.WriteError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "use DELETE /users/me to remove your own account")
		return
	}
	err = h.db.DeleteUser(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		httpapi.WriteError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "user not found")
		return
	}
	if err != nil {
		h.internalError(w, r, "delete user", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// pagination parses limit/offset query params with sane bounds.
func pagination(r *http.Request) (limit, offset int) {
	limit = 50
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 500 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v >= 0 {
		offset = v
	}
	return limit, offset
}
