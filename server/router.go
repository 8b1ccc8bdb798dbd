package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

const hstsMaxAge = 63072000

// Routes constructs the HTTP router with the login flow and user API.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(hstsMaxAge))
	}

	r.Get("/api/healthz", a.handleHealth)

	// Provider-to-server; authenticated by the logout token only.
	r.Post("/logout/backchannel", a.handleBackchannelLogout)

	r.Group(func(r chi.Router) {
		r.Use(SessionMiddleware(a.Sessions, a.Logger))

		r.Get("/login", a.handleLogin)
		r.Get("/login/callback", a.handleCallback)
		r.Get("/logout", a.handleLogout)

		r.Get("/api/user", a.handleGetUser)
		r.With(RequireUser).Patch("/api/user", a.handleUpdateUser)
		r.With(RequireUser).Post("/api/user/refresh", a.handleRefreshUser)
	})

	return r
}
