package server

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

var sessionIDEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// SessionAttributes are stored with a new session.
type SessionAttributes struct {
	SID     string
	IDToken string
}

// SessionManager issues, validates, renews and revokes sessions. Sessions
// past the first half of their lifetime are renewed on validation.
type SessionManager struct {
	store      Store
	logger     *slog.Logger
	ttl        time.Duration
	cookieName string
	secure     bool
	now        func() time.Time
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, store Store, logger *slog.Logger) *SessionManager {
	return &SessionManager{
		store:      store,
		logger:     logger,
		ttl:        cfg.SessionLifetime(),
		cookieName: cfg.Session.CookieName,
		secure:     !cfg.Server.DevMode,
		now:        time.Now,
	}
}

// CookieName is the name of the session cookie.
func (sm *SessionManager) CookieName() string { return sm.cookieName }

// CreateSession stores a new fresh session for userID.
func (sm *SessionManager) CreateSession(ctx context.Context, userID string, attrs SessionAttributes) (*Session, error) {
	id, err := newSessionID()
	if err != nil {
		return nil, err
	}
	sess := Session{
		ID:        id,
		UserID:    userID,
		SID:       attrs.SID,
		IDToken:   attrs.IDToken,
		ExpiresAt: sm.now().Add(sm.ttl),
	}
	if err := sm.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	sess.Fresh = true
	return &sess, nil
}

// ValidateSession resolves id to a live session and its user. Unknown or
// expired ids yield nil without error; expired rows are removed.
func (sm *SessionManager) ValidateSession(ctx context.Context, id string) (*Session, *User, error) {
	if id == "" {
		return nil, nil, nil
	}
	sess, user, err := sm.store.GetSessionAndUser(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("validate session: %w", err)
	}

	now := sm.now()
	if !now.Before(sess.ExpiresAt) {
		if err := sm.store.DeleteSession(ctx, sess.ID); err != nil {
			sm.logger.Warn("failed to delete expired session", "error", err)
		}
		return nil, nil, nil
	}

	if sess.ExpiresAt.Sub(now) < sm.ttl/2 {
		next := now.Add(sm.ttl)
		ok, err := sm.store.ExtendSession(ctx, sess.ID, sess.ExpiresAt, next)
		if err != nil {
			return nil, nil, fmt.Errorf("renew session: %w", err)
		}
		if !ok {
			// Another request renewed or revoked the row first.
			return sm.reload(ctx, sess.ID)
		}
		sess.ExpiresAt = next
		sess.Fresh = true
	}
	return &sess, &user, nil
}

func (sm *SessionManager) reload(ctx context.Context, id string) (*Session, *User, error) {
	sess, user, err := sm.store.GetSessionAndUser(ctx, id)
	if errors.Is(err, ErrNotFound) {
		sm.logger.Debug("session revoked during renewal")
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("renew session: %w", err)
	}
	if !sm.now().Before(sess.ExpiresAt) {
		return nil, nil, nil
	}
	sess.Fresh = true
	return &sess, &user, nil
}

// InvalidateSession deletes one session. Unknown ids are not an error.
func (sm *SessionManager) InvalidateSession(ctx context.Context, id string) error {
	if err := sm.store.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("invalidate session: %w", err)
	}
	return nil
}

// InvalidateUserSessions deletes every session of userID.
func (sm *SessionManager) InvalidateUserSessions(ctx context.Context, userID string) (int64, error) {
	n, err := sm.store.DeleteUserSessions(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("invalidate user sessions: %w", err)
	}
	return n, nil
}

// InvalidateProviderSession deletes every session created for provider
// session sid.
func (sm *SessionManager) InvalidateProviderSession(ctx context.Context, sid string) (int64, error) {
	n, err := sm.store.DeleteSessionsBySID(ctx, sid)
	if err != nil {
		return 0, fmt.Errorf("invalidate provider session: %w", err)
	}
	return n, nil
}

// DeleteExpiredSessions removes sessions whose expiry has passed.
func (sm *SessionManager) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	return sm.store.DeleteExpiredSessions(ctx, sm.now())
}

// SessionCookie returns the cookie carrying id.
func (sm *SessionManager) SessionCookie(id string) *http.Cookie {
	return &http.Cookie{
		Name:     sm.cookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(sm.ttl.Seconds()),
	}
}

// BlankSessionCookie returns a cookie that clears the session cookie.
func (sm *SessionManager) BlankSessionCookie() *http.Cookie {
	return &http.Cookie{
		Name:     sm.cookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	}
}

// ReadSessionCookie returns the session id on r, or "".
func (sm *SessionManager) ReadSessionCookie(r *http.Request) string {
	cookie, err := r.Cookie(sm.cookieName)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}

// StartSweep periodically deletes expired sessions until stop is closed.
func (sm *SessionManager) StartSweep(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sm.sweep()
			case <-stop:
				return
			}
		}
	}()
}

func (sm *SessionManager) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := sm.DeleteExpiredSessions(ctx)
	if err != nil {
		sm.logger.Error("session sweep", "error", err)
		return
	}
	sm.logger.Info("session sweep", "deleted", n)
}

// newSessionID returns 25 random bytes in unpadded base32 (40 characters).
func newSessionID() (string, error) {
	buf := make([]byte, 25)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return strings.ToLower(sessionIDEncoding.EncodeToString(buf)), nil
}
