package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/selfdb-io/selfdb/internal/auth"
	"github.com/selfdb-io/selfdb/internal/httpapi"
	"github.com/selfdb-io/selfdb/internal/model"
	"github.com/selfdb-io/selfdb/internal/storage"
)

// HandleRegister handles POST /api/v1/auth/register. Anyone holding
// the anon key may register; new accounts are active non-superusers.
func (h *Handlers) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req model.RegisterRequest
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
	user, err := h.db.CreateUser(r.Context(), model.User{
		Email:        req.Email,
		PasswordHash: hash,
		IsActive:     true,
	})
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

// HandleLogin handles POST /api/v1/auth/login. The body is
// form-encoded with username (the email) and password fields.
func (h *Handlers) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		httpapi.WriteError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid form body")
		return
	}
	email := r.PostFormValue("username")
	password := r.PostFormValue("password")
	if email == "" || password == "" {
		httpapi.WriteError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "username and password are required")
		return
	}

	user, err := h.db.GetUserByEmail(r.Context(), email)
	if err != nil {
		// Burn the same hashing cost whether or not the email exists.
		auth.DummyVerify()
		unauthorized(w, r, "invalid credentials")
		return
	}
	ok, err := auth.VerifyPassword(password, user.PasswordHash)
	if err != nil || !ok || !user.IsActive {
		unauthorized(w, r, "invalid credentials")
		return
	}

	h.issueTokens(w, r, user)
}

// HandleRefresh handles POST /api/v1/auth/refresh: single-use rotation
// of the opaque refresh token.
func (h *Handlers) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req model.RefreshRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil || req.RefreshToken == "" {
		httpapi.WriteError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "refresh_token is required")
		return
	}

	row, err := h.db.GetValidRefreshToken(r.Context(), auth.HashRefreshToken(req.RefreshToken))
	if err != nil {
		unauthorized(w, r, "invalid or expired refresh token")
		return
	}
	user, err := h.db.GetUser(r.Context(), row.UserID)
	if err != nil || !user.IsActive {
		unauthorized(w, r, "invalid or expired refresh token")
		return
	}

	// Rotate: the presented token is dead from here on.
	if err := h.db.RevokeRefreshToken(r.Context(), row.ID); err != nil {
		h.internalError(w, r, "revoke refresh token", err)
		return
	}
	h.issueTokens(w, r, user)
}

// issueTokens writes the token response: a fresh access ticket plus a
// fresh refresh token row.
func (h *Handlers) issueTokens(w http.ResponseWriter, r *http.Request, user model.User) {
	access, _, err := h.tickets.Issue(user)
	if err != nil {
		h.internalError(w, r, "issue ticket", err)
		return
	}
	raw, digest, err := auth.NewRefreshToken()
	if err != nil {
		h.internalError(w, r, "generate refresh token", err)
		return
	}
	if _, err := h.db.CreateRefreshToken(r.Context(), model.RefreshToken{
		UserID:    user.ID,
		TokenHash: digest,
		ExpiresAt: time.Now().UTC().Add(h.refreshExpire),
	}); err != nil {
		h.internalError(w, r, "store refresh token", err)
		return
	}

	httpapi.WriteJSON(w, r, http.StatusOK, model.TokenResponse{
		AccessToken:  access,
		TokenType:    "bearer",
		RefreshToken: raw,
		IsSuperuser:  user.IsSuperuser,
		Email:        user.Email,
		UserID:       user.ID,
	})
}

// internalError logs the cause and answers with the opaque 500 envelope.
func (h *Handlers) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.logger.Error(op+" failed", "error", err,
		"request_id", httpapi.RequestIDFromContext(r.Context()))
	httpapi.WriteError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
}
