package server

import (
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/render"
)

const maxNameLength = 100

type healthResponse struct {
	Status string `json:"status"`
}

type updateUserRequest struct {
	Name string `json:"name"`
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := a.Store.Ping(r.Context()); err != nil {
		a.Logger.Error("health check failed", "error", err)
		render.Status(r, http.StatusServiceUnavailable)
		render.JSON(w, r, healthResponse{Status: "unavailable"})
		return
	}
	render.JSON(w, r, healthResponse{Status: "ok"})
}

// handleGetUser returns the signed-in user or null.
func (a *App) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	if user == nil {
		render.JSON(w, r, nil)
		return
	}
	render.JSON(w, r, user)
}

func (a *App) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	var req updateUserRequest
	if err := render.DecodeJSON(http.MaxBytesReader(w, r.Body, 4<<10), &req); err != nil {
		a.Logger.Error("update user request invalid", "error", err)
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" || utf8.RuneCountInString(name) > maxNameLength {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	updated, err := a.Store.UpdateUserName(r.Context(), user.ID, name)
	if err != nil {
		a.Logger.Error("user update failed", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	render.JSON(w, r, updated)
}

// handleRefreshUser redeems the stored refresh token and re-synchronizes the
// profile from userinfo.
func (a *App) handleRefreshUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := UserFromContext(ctx)

	if user.RefreshToken == nil || (user.RefreshTokenExpiresAt != nil && !time.Now().Before(*user.RefreshTokenExpiresAt)) {
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		return
	}

	tokens, err := a.OIDC.RefreshAccessToken(ctx, *user.RefreshToken)
	if err != nil {
		a.Logger.Error("token refresh failed", "error", err, "user_id", user.ID)
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}
	profile, err := a.OIDC.GetUserProfile(ctx, tokens.AccessToken, user.Sub)
	if err != nil {
		a.Logger.Error("user profile retrieval failed", "error", err, "user_id", user.ID)
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}

	next := User{
		Sub:                   user.Sub,
		Name:                  profile.Name,
		Email:                 profile.Email,
		Role:                  ParseRole(profile.Role),
		RefreshToken:          user.RefreshToken,
		RefreshTokenExpiresAt: user.RefreshTokenExpiresAt,
	}
	switch {
	case tokens.RefreshToken != nil && *tokens.RefreshToken != *user.RefreshToken:
		next.RefreshToken = tokens.RefreshToken
		next.RefreshTokenExpiresAt = tokens.RefreshTokenExpiresAt
	case tokens.RefreshTokenExpiresAt != nil:
		next.RefreshTokenExpiresAt = tokens.RefreshTokenExpiresAt
	}
	updated, err := a.Store.UpsertUser(ctx, next)
	if err != nil {
		a.Logger.Error("user upsert failed", "error", err, "user_id", user.ID)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	render.JSON(w, r, updated)
}
