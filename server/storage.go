package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Store lookups that match nothing.
var ErrNotFound = errors.New("not found")

// Store persists users and sessions. Implementations must be safe for
// concurrent use.
type Store interface {
	// UpsertUser creates the user for u.Sub or updates its profile and
	// refresh token. The stored row is returned.
	UpsertUser(ctx context.Context, u User) (User, error)
	GetUser(ctx context.Context, id string) (User, error)
	GetUserBySub(ctx context.Context, sub string) (User, error)
	UpdateUserName(ctx context.Context, id, name string) (User, error)

	CreateSession(ctx context.Context, s Session) error
	GetSessionAndUser(ctx context.Context, id string) (Session, User, error)
	// ExtendSession moves expires_at from prev to next. It reports false
	// when the stored value no longer equals prev.
	ExtendSession(ctx context.Context, id string, prev, next time.Time) (bool, error)
	DeleteSession(ctx context.Context, id string) error
	DeleteUserSessions(ctx context.Context, userID string) (int64, error)
	DeleteSessionsBySID(ctx context.Context, sid string) (int64, error)
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close()
}

// InMemoryStore keeps users and sessions in process memory.
type InMemoryStore struct {
	mu       sync.RWMutex
	users    map[string]User
	bySub    map[string]string
	sessions map[string]Session
	now      func() time.Time
}

// NewInMemoryStore constructs the store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users:    make(map[string]User),
		bySub:    make(map[string]string),
		sessions: make(map[string]Session),
		now:      time.Now,
	}
}

func (s *InMemoryStore) UpsertUser(_ context.Context, u User) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if id, ok := s.bySub[u.Sub]; ok {
		existing := s.users[id]
		existing.Name = u.Name
		existing.Email = u.Email
		existing.Role = u.Role
		existing.RefreshToken = u.RefreshToken
		existing.RefreshTokenExpiresAt = u.RefreshTokenExpiresAt
		existing.UpdatedAt = now
		s.users[id] = existing
		return existing, nil
	}

	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.CreatedAt = now
	u.UpdatedAt = now
	s.users[u.ID] = u
	s.bySub[u.Sub] = u.ID
	return u, nil
}

func (s *InMemoryStore) GetUser(_ context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (s *InMemoryStore) GetUserBySub(_ context.Context, sub string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bySub[sub]
	if !ok {
		return User{}, ErrNotFound
	}
	return s.users[id], nil
}

func (s *InMemoryStore) UpdateUserName(_ context.Context, id, name string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	u.Name = name
	u.UpdatedAt = s.now()
	s.users[id] = u
	return u, nil
}

func (s *InMemoryStore) CreateSession(_ context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[sess.UserID]; !ok {
		return ErrNotFound
	}
	sess.Fresh = false
	s.sessions[sess.ID] = sess
	return nil
}

func (s *InMemoryStore) GetSessionAndUser(_ context.Context, id string) (Session, User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, User{}, ErrNotFound
	}
	u, ok := s.users[sess.UserID]
	if !ok {
		return Session{}, User{}, ErrNotFound
	}
	return sess, u, nil
}

func (s *InMemoryStore) ExtendSession(_ context.Context, id string, prev, next time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || !sess.ExpiresAt.Equal(prev) {
		return false, nil
	}
	sess.ExpiresAt = next
	s.sessions[id] = sess
	return true, nil
}

func (s *InMemoryStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *InMemoryStore) DeleteUserSessions(_ context.Context, userID string) (int64, error) {
	return s.deleteWhere(func(sess Session) bool { return sess.UserID == userID }), nil
}

func (s *InMemoryStore) DeleteSessionsBySID(_ context.Context, sid string) (int64, error) {
	if sid == "" {
		return 0, nil
	}
	return s.deleteWhere(func(sess Session) bool { return sess.SID == sid }), nil
}

func (s *InMemoryStore) DeleteExpiredSessions(_ context.Context, now time.Time) (int64, error) {
	return s.deleteWhere(func(sess Session) bool { return !now.Before(sess.ExpiresAt) }), nil
}

func (s *InMemoryStore) deleteWhere(match func(Session) bool) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, sess := range s.sessions {
		if match(sess) {
			delete(s.sessions, id)
			n++
		}
	}
	return n
}

func (s *InMemoryStore) Ping(context.Context) error { return nil }

func (s *InMemoryStore) Close() {}
