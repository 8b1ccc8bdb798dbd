package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSessionManager(t *testing.T, maxAge time.Duration) (*SessionManager, *InMemoryStore, User) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Session.MaxAge = int(maxAge.Seconds())

	store := NewInMemoryStore()
	user, err := store.UpsertUser(context.Background(), User{Sub: "u1", Name: "User", Role: RoleViewer})
	if err != nil {
		t.Fatalf("UpsertUser returned error: %v", err)
	}
	return NewSessionManager(cfg, store, discardLogger()), store, user
}

func TestSessionManagerCreateSession(t *testing.T) {
	sm, _, user := newTestSessionManager(t, time.Hour)
	ctx := context.Background()

	sess, err := sm.CreateSession(ctx, user.ID, SessionAttributes{SID: "op-sid", IDToken: "raw"})
	if err != nil {
		t.Fatalf("CreateSession returned error: %v", err)
	}
	if !sess.Fresh {
		t.Fatalf("new session must be fresh")
	}
	if len(sess.ID) != 40 {
		t.Fatalf("unexpected session id length %d", len(sess.ID))
	}
	if sess.SID != "op-sid" || sess.IDToken != "raw" {
		t.Fatalf("attributes not stored: %+v", sess)
	}

	other, err := sm.CreateSession(ctx, user.ID, SessionAttributes{})
	if err != nil {
		t.Fatalf("CreateSession returned error: %v", err)
	}
	if other.ID == sess.ID {
		t.Fatalf("session ids must be unique")
	}

	got, gotUser, err := sm.ValidateSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ValidateSession returned error: %v", err)
	}
	if got == nil || gotUser == nil || gotUser.Sub != "u1" {
		t.Fatalf("expected session for u1, got %+v %+v", got, gotUser)
	}
	if got.Fresh {
		t.Fatalf("session well inside its lifetime must not be fresh")
	}
}

func TestSessionManagerRenewsPastHalfLife(t *testing.T) {
	sm, store, user := newTestSessionManager(t, time.Hour)
	ctx := context.Background()

	now := time.Now()
	sm.now = func() time.Time { return now }
	old := now.Add(29 * time.Minute)
	if err := store.CreateSession(ctx, Session{ID: "s1", UserID: user.ID, ExpiresAt: old}); err != nil {
		t.Fatalf("CreateSession returned error: %v", err)
	}

	sess, _, err := sm.ValidateSession(ctx, "s1")
	if err != nil || sess == nil {
		t.Fatalf("ValidateSession = %+v, %v", sess, err)
	}
	if !sess.Fresh {
		t.Fatalf("expected renewal")
	}
	if !sess.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("expiry = %s, want %s", sess.ExpiresAt, now.Add(time.Hour))
	}

	stored, _, err := store.GetSessionAndUser(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSessionAndUser returned error: %v", err)
	}
	if !stored.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("renewal not persisted: %s", stored.ExpiresAt)
	}
}

// interleavedStore runs before ahead of every ExtendSession, standing in
// for a concurrent request that touches the row first.
type interleavedStore struct {
	*InMemoryStore
	before func(id string)
}

func (s interleavedStore) ExtendSession(ctx context.Context, id string, prev, next time.Time) (bool, error) {
	s.before(id)
	return s.InMemoryStore.ExtendSession(ctx, id, prev, next)
}

func TestSessionManagerRenewalLosesToRevocation(t *testing.T) {
	sm, mem, user := newTestSessionManager(t, time.Hour)
	ctx := context.Background()

	now := time.Now()
	sm.now = func() time.Time { return now }
	if err := mem.CreateSession(ctx, Session{ID: "s1", UserID: user.ID, ExpiresAt: now.Add(10 * time.Minute)}); err != nil {
		t.Fatalf("CreateSession returned error: %v", err)
	}
	sm.store = interleavedStore{mem, func(id string) {
		if err := mem.DeleteSession(ctx, id); err != nil {
			t.Errorf("DeleteSession returned error: %v", err)
		}
	}}

	sess, u, err := sm.ValidateSession(ctx, "s1")
	if err != nil {
		t.Fatalf("ValidateSession returned error: %v", err)
	}
	if sess != nil || u != nil {
		t.Fatalf("revoked session must not validate, got %+v", sess)
	}
}

func TestSessionManagerRenewalLosesToConcurrentRenewal(t *testing.T) {
	sm, mem, user := newTestSessionManager(t, time.Hour)
	ctx := context.Background()

	now := time.Now()
	sm.now = func() time.Time { return now }
	if err := mem.CreateSession(ctx, Session{ID: "s1", UserID: user.ID, ExpiresAt: now.Add(10 * time.Minute)}); err != nil {
		t.Fatalf("CreateSession returned error: %v", err)
	}
	winner := now.Add(time.Hour - time.Second)
	sm.store = interleavedStore{mem, func(id string) {
		if ok, err := mem.ExtendSession(ctx, id, now.Add(10*time.Minute), winner); err != nil || !ok {
			t.Errorf("ExtendSession = %v, %v", ok, err)
		}
	}}

	sess, u, err := sm.ValidateSession(ctx, "s1")
	if err != nil {
		t.Fatalf("ValidateSession returned error: %v", err)
	}
	if sess == nil || u == nil || u.Sub != "u1" {
		t.Fatalf("expected surviving session for u1, got %+v %+v", sess, u)
	}
	if !sess.Fresh {
		t.Fatalf("renewed session must be fresh")
	}
	if !sess.ExpiresAt.Equal(winner) {
		t.Fatalf("expiry = %s, want stored %s", sess.ExpiresAt, winner)
	}
}

func TestSessionManagerExpiredSession(t *testing.T) {
	sm, store, user := newTestSessionManager(t, time.Hour)
	ctx := context.Background()

	if err := store.CreateSession(ctx, Session{ID: "s1", UserID: user.ID, ExpiresAt: time.Now().Add(-time.Second)}); err != nil {
		t.Fatalf("CreateSession returned error: %v", err)
	}

	sess, u, err := sm.ValidateSession(ctx, "s1")
	if err != nil {
		t.Fatalf("ValidateSession returned error: %v", err)
	}
	if sess != nil || u != nil {
		t.Fatalf("expired session must not validate")
	}
	if _, _, err := store.GetSessionAndUser(ctx, "s1"); err != ErrNotFound {
		t.Fatalf("expired session should be deleted, got %v", err)
	}

	sess, _, err = sm.ValidateSession(ctx, "unknown")
	if err != nil || sess != nil {
		t.Fatalf("unknown session = %+v, %v", sess, err)
	}
}

func TestSessionManagerInvalidate(t *testing.T) {
	sm, _, user := newTestSessionManager(t, time.Hour)
	ctx := context.Background()

	a, _ := sm.CreateSession(ctx, user.ID, SessionAttributes{SID: "op"})
	b, _ := sm.CreateSession(ctx, user.ID, SessionAttributes{SID: "op"})
	c, _ := sm.CreateSession(ctx, user.ID, SessionAttributes{})

	if err := sm.InvalidateSession(ctx, a.ID); err != nil {
		t.Fatalf("InvalidateSession returned error: %v", err)
	}
	if n, err := sm.InvalidateProviderSession(ctx, "op"); err != nil || n != 1 {
		t.Fatalf("InvalidateProviderSession = %d, %v", n, err)
	}
	if s, _, _ := sm.ValidateSession(ctx, b.ID); s != nil {
		t.Fatalf("session sharing sid should be gone")
	}
	if s, _, _ := sm.ValidateSession(ctx, c.ID); s == nil {
		t.Fatalf("unrelated session should survive")
	}
	if n, err := sm.InvalidateUserSessions(ctx, user.ID); err != nil || n != 1 {
		t.Fatalf("InvalidateUserSessions = %d, %v", n, err)
	}
}

func TestSessionCookies(t *testing.T) {
	sm, _, _ := newTestSessionManager(t, 2*time.Hour)

	c := sm.SessionCookie("abc")
	if c.Name != DefaultSessionCookieName || c.Value != "abc" || c.Path != "/" {
		t.Fatalf("unexpected cookie: %+v", c)
	}
	if !c.HttpOnly || c.SameSite != http.SameSiteStrictMode || c.MaxAge != 7200 {
		t.Fatalf("unexpected cookie attributes: %+v", c)
	}
	if c.Secure {
		t.Fatalf("dev mode cookie must not be Secure")
	}

	blank := sm.BlankSessionCookie()
	if blank.Value != "" || blank.MaxAge >= 0 {
		t.Fatalf("blank cookie must expire immediately: %+v", blank)
	}

	cfg := DefaultConfig()
	cfg.Server.DevMode = false
	if !NewSessionManager(cfg, NewInMemoryStore(), discardLogger()).SessionCookie("x").Secure {
		t.Fatalf("production cookie must be Secure")
	}
}

func TestSessionSweep(t *testing.T) {
	sm, store, user := newTestSessionManager(t, time.Hour)
	ctx := context.Background()

	_ = store.CreateSession(ctx, Session{ID: "old", UserID: user.ID, ExpiresAt: time.Now().Add(-time.Minute)})
	_ = store.CreateSession(ctx, Session{ID: "live", UserID: user.ID, ExpiresAt: time.Now().Add(time.Minute)})

	stop := make(chan struct{})
	defer close(stop)
	sm.StartSweep(10*time.Millisecond, stop)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, _, err := store.GetSessionAndUser(ctx, "old"); err == ErrNotFound {
			if _, _, err := store.GetSessionAndUser(ctx, "live"); err != nil {
				t.Fatalf("live session swept: %v", err)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expired session was not swept")
}
