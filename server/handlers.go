package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"

	"oidcrp/client"
)

const maxLogoutBodyBytes = 64 << 10

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Store    Store
	Sessions *SessionManager
	OIDC     *client.Client
}

// NewApp wires together the application state from configuration. The OIDC
// client and session manager are built once here and shared by all requests.
func NewApp(ctx context.Context, cfg Config, store Store, logger *slog.Logger) (*App, error) {
	if cfg.OIDC.Discovery {
		if err := discoverEndpoints(ctx, &cfg.OIDC); err != nil {
			return nil, err
		}
	}

	oidcClient, err := client.New(ctx, cfg.ClientConfig())
	if err != nil {
		return nil, fmt.Errorf("init oidc client: %w", err)
	}
	logger.Info("oidc client ready", "issuer", oidcClient.Issuer(), "client_id", oidcClient.ClientID(), "redirect_uri", oidcClient.RedirectURI())

	return &App{
		Config:   cfg,
		Logger:   logger,
		Store:    store,
		Sessions: NewSessionManager(cfg, store, logger),
		OIDC:     oidcClient,
	}, nil
}

func discoverEndpoints(ctx context.Context, o *OIDCConfig) error {
	md, err := client.Discover(ctx, o.Issuer, nil)
	if err != nil {
		return err
	}
	fill := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	fill(&o.AuthorizationEndpoint, md.AuthorizationEndpoint)
	fill(&o.TokenEndpoint, md.TokenEndpoint)
	fill(&o.UserinfoEndpoint, md.UserInfoEndpoint)
	fill(&o.EndSessionEndpoint, md.EndSessionEndpoint)
	fill(&o.JWKSURI, md.JWKSURI)
	return nil
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	redirect, err := a.OIDC.ResolveRedirect(r.URL.Query().Get("redirect"))
	if err != nil {
		a.Logger.Error("login request validation failed", "error", err)
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	codeVerifier := client.GenerateCodeVerifier()
	nonce := client.GenerateNonce()
	state, err := a.OIDC.GenerateState(client.StatePayload{Redirect: redirect.RequestURI()})
	if err != nil {
		a.Logger.Error("state generation failed", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	authURL, err := a.OIDC.CreateAuthorizationURL(codeVerifier, state, nonce)
	if err != nil {
		a.Logger.Error("authorization url failed", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	a.setTransactionCookie(w, a.Config.OIDC.CodeVerifierCookieName, codeVerifier)
	a.setTransactionCookie(w, a.Config.OIDC.StateCookieName, state)
	a.setTransactionCookie(w, a.Config.OIDC.NonceCookieName, nonce)

	http.Redirect(w, r, authURL.String(), http.StatusFound)
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	codeVerifier := a.readCookie(r, a.Config.OIDC.CodeVerifierCookieName)
	state := a.readCookie(r, a.Config.OIDC.StateCookieName)
	nonce := a.readCookie(r, a.Config.OIDC.NonceCookieName)
	a.clearTransactionCookies(w)
	if codeVerifier == "" || state == "" || nonce == "" {
		a.Logger.Error("missing cookies in authorization callback request")
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	tokens, claims, err := a.OIDC.ValidateAuthorizationCallback(ctx, a.callbackURL(r), codeVerifier, state, nonce)
	if err != nil {
		a.Logger.Error("authorization code validation failed", "error", err)
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	profile, err := a.OIDC.GetUserProfile(ctx, tokens.AccessToken, claims.Subject)
	if err != nil {
		a.Logger.Error("user profile retrieval failed", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	user, err := a.Store.UpsertUser(ctx, User{
		Sub:                   profile.Subject,
		Name:                  profile.Name,
		Email:                 profile.Email,
		Role:                  ParseRole(profile.Role),
		RefreshToken:          tokens.RefreshToken,
		RefreshTokenExpiresAt: tokens.RefreshTokenExpiresAt,
	})
	if err != nil {
		a.Logger.Error("user upsert failed", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	sess, err := a.Sessions.CreateSession(ctx, user.ID, SessionAttributes{SID: claims.SessionID, IDToken: tokens.IDToken})
	if err != nil {
		a.Logger.Error("session creation failed", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, a.Sessions.SessionCookie(sess.ID))
	a.Logger.Info("user logged in", "user_id", user.ID, "user_sub", user.Sub)

	target := a.OIDC.RootURL() + "/"
	if payload, err := a.OIDC.ParseState(state); err != nil {
		a.Logger.Warn("state payload unreadable", "error", err)
	} else if resolved, err := a.OIDC.ResolveRedirect(payload.Redirect); err == nil {
		target = resolved.String()
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	if !a.sameOriginReferer(r) {
		a.Logger.Error("logout request validation failed", "reason", "referer does not match root origin", "referer", r.Header.Get("Referer"))
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	sess := SessionFromContext(r.Context())
	if sess == nil {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	if err := a.Sessions.InvalidateSession(r.Context(), sess.ID); err != nil {
		a.Logger.Error("session invalidation failed", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, a.Sessions.BlankSessionCookie())

	target := a.OIDC.RootURL()
	if end := a.OIDC.CreateEndSessionURL(sess.IDToken); end != nil {
		target = end.String()
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (a *App) handleBackchannelLogout(w http.ResponseWriter, r *http.Request) {
	token, err := readLogoutToken(w, r)
	if err != nil {
		a.Logger.Error("backchannel logout request invalid", "error", err)
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	claims, err := a.OIDC.ValidateBackchannelLogoutToken(ctx, token)
	if err != nil {
		a.Logger.Error("logout token validation failed", "error", err)
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var n int64
	switch {
	case claims.SessionID != "":
		n, err = a.Sessions.InvalidateProviderSession(ctx, claims.SessionID)
	default:
		var user User
		user, err = a.Store.GetUserBySub(ctx, claims.Subject)
		if errors.Is(err, ErrNotFound) {
			err = nil
			break
		}
		if err == nil {
			n, err = a.Sessions.InvalidateUserSessions(ctx, user.ID)
		}
	}
	if err != nil {
		a.Logger.Error("backchannel logout failed", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	a.Logger.Info("backchannel logout", "sid", claims.SessionID, "user_sub", claims.Subject, "sessions", n)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusNoContent)
}

func readLogoutToken(w http.ResponseWriter, r *http.Request) (string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxLogoutBodyBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var body struct {
			LogoutToken string `json:"logout_token"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return "", fmt.Errorf("decode body: %w", err)
		}
		if body.LogoutToken == "" {
			return "", errors.New("logout_token missing")
		}
		return body.LogoutToken, nil
	}

	if err := r.ParseForm(); err != nil {
		return "", fmt.Errorf("parse form: %w", err)
	}
	token := r.PostFormValue("logout_token")
	if token == "" {
		return "", errors.New("logout_token missing")
	}
	return token, nil
}

// callbackURL rebuilds the public URL the provider redirected to.
func (a *App) callbackURL(r *http.Request) *url.URL {
	u, err := url.Parse(a.OIDC.RedirectURI())
	if err != nil {
		return r.URL
	}
	u.RawQuery = r.URL.RawQuery
	return u
}

func (a *App) sameOriginReferer(r *http.Request) bool {
	ref, err := url.Parse(r.Header.Get("Referer"))
	if err != nil || ref.Host == "" {
		return false
	}
	root, err := url.Parse(a.OIDC.RootURL())
	if err != nil {
		return false
	}
	return ref.Scheme == root.Scheme && ref.Host == root.Host
}

func (a *App) readCookie(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

func (a *App) setTransactionCookie(w http.ResponseWriter, name, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   !a.Config.Server.DevMode,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   transactionCookieMaxAge,
	})
}

func (a *App) clearTransactionCookies(w http.ResponseWriter) {
	for _, name := range []string{a.Config.OIDC.CodeVerifierCookieName, a.Config.OIDC.StateCookieName, a.Config.OIDC.NonceCookieName} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			HttpOnly: true,
			Secure:   !a.Config.Server.DevMode,
			SameSite: http.SameSiteLaxMode,
			MaxAge:   -1,
		})
	}
}
