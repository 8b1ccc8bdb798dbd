package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type brokenSessionStore struct {
	*InMemoryStore
}

func (brokenSessionStore) GetSessionAndUser(context.Context, string) (Session, User, error) {
	return Session{}, User{}, errors.New("connection refused")
}

func whoami(w http.ResponseWriter, r *http.Request) {
	if u := UserFromContext(r.Context()); u != nil {
		_, _ = w.Write([]byte(u.Sub))
		return
	}
	_, _ = w.Write([]byte("anonymous"))
}

func serveWithSession(sm *SessionManager, cookie *http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	SessionMiddleware(sm, discardLogger())(http.HandlerFunc(whoami)).ServeHTTP(rec, req)
	return rec
}

func TestSessionMiddlewareWithoutCookie(t *testing.T) {
	sm, _, _ := newTestSessionManager(t, time.Hour)

	rec := serveWithSession(sm, nil)
	if rec.Body.String() != "anonymous" {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
	if got := rec.Header().Values("Set-Cookie"); len(got) != 0 {
		t.Fatalf("expected no cookies, got %v", got)
	}
}

func TestSessionMiddlewareClearsUnknownSession(t *testing.T) {
	sm, _, _ := newTestSessionManager(t, time.Hour)

	rec := serveWithSession(sm, &http.Cookie{Name: sm.CookieName(), Value: "does-not-exist"})
	if rec.Body.String() != "anonymous" {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != sm.CookieName() || cookies[0].MaxAge >= 0 {
		t.Fatalf("expected blank session cookie, got %+v", cookies)
	}
}

func TestSessionMiddlewareAttachesUser(t *testing.T) {
	sm, _, user := newTestSessionManager(t, time.Hour)
	sess, err := sm.CreateSession(context.Background(), user.ID, SessionAttributes{})
	if err != nil {
		t.Fatalf("CreateSession returned error: %v", err)
	}

	rec := serveWithSession(sm, sm.SessionCookie(sess.ID))
	if rec.Body.String() != "u1" {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
	if got := rec.Header().Values("Set-Cookie"); len(got) != 0 {
		t.Fatalf("session far from expiry must not be reissued, got %v", got)
	}
}

func TestSessionMiddlewareReissuesRenewedSession(t *testing.T) {
	sm, store, user := newTestSessionManager(t, time.Hour)
	err := store.CreateSession(context.Background(), Session{
		ID:        "renew-me",
		UserID:    user.ID,
		ExpiresAt: time.Now().Add(10 * time.Minute),
	})
	if err != nil {
		t.Fatalf("CreateSession returned error: %v", err)
	}

	rec := serveWithSession(sm, &http.Cookie{Name: sm.CookieName(), Value: "renew-me"})
	if rec.Body.String() != "u1" {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("expected exactly one cookie, got %+v", cookies)
	}
	if cookies[0].Value != "renew-me" || cookies[0].MaxAge != 3600 {
		t.Fatalf("unexpected renewed cookie %+v", cookies[0])
	}
}

func TestSessionMiddlewareStorageFailure(t *testing.T) {
	cfg := DefaultConfig()
	sm := NewSessionManager(cfg, brokenSessionStore{NewInMemoryStore()}, discardLogger())

	rec := serveWithSession(sm, &http.Cookie{Name: sm.CookieName(), Value: "anything"})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestRequireUser(t *testing.T) {
	handler := RequireUser(http.HandlerFunc(whoami))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(context.WithValue(req.Context(), userKey{}, &User{Sub: "u1"}))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "u1" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
	}
}

func TestLoggingMiddlewareRecordsSubject(t *testing.T) {
	sm, _, user := newTestSessionManager(t, time.Hour)
	sess, err := sm.CreateSession(context.Background(), user.ID, SessionAttributes{})
	if err != nil {
		t.Fatalf("CreateSession returned error: %v", err)
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	handler := RequestIDMiddleware(LoggingMiddleware(logger)(SessionMiddleware(sm, logger)(http.HandlerFunc(whoami))))

	req := httptest.NewRequest(http.MethodGet, "/api/user", nil)
	req.Header.Set("X-Request-ID", "req-42")
	req.AddCookie(sm.SessionCookie(sess.ID))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Header().Get("X-Request-ID") != "req-42" {
		t.Fatalf("request id not echoed")
	}
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, buf.String())
	}
	if entry["msg"] != "http_request" || entry["user_sub"] != "u1" || entry["request_id"] != "req-42" {
		t.Fatalf("unexpected log entry %v", entry)
	}
	if entry["status"] != float64(http.StatusOK) {
		t.Fatalf("unexpected status %v", entry["status"])
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := RecoveryMiddleware(discardLogger())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	handler := SecurityHeadersMiddleware(600)(http.HandlerFunc(whoami))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Header().Get("Strict-Transport-Security") != "" {
		t.Fatalf("HSTS must only be sent over TLS")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("missing nosniff header")
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "https://app.test/", nil))
	if got := rec.Header().Get("Strict-Transport-Security"); got != "max-age=600; includeSubDomains" {
		t.Fatalf("unexpected HSTS header %q", got)
	}
}
