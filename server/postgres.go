package server

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

const userColumns = `id, sub, name, email, role, refresh_token, refresh_token_expires_at, created_at, updated_at`

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects a pool and verifies the connection.
func OpenPostgres(ctx context.Context, databaseURL string, maxConns int32) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return NewPostgresStore(pool), nil
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

func scanUser(row pgx.Row) (User, error) {
	var u User
	var role string
	err := row.Scan(&u.ID, &u.Sub, &u.Name, &u.Email, &role, &u.RefreshToken, &u.RefreshTokenExpiresAt, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	u.Role = ParseRole(role)
	return u, nil
}

func (s *PostgresStore) UpsertUser(ctx context.Context, u User) (User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	query := `
		INSERT INTO users (id, sub, name, email, role, refresh_token, refresh_token_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (sub) DO UPDATE SET
			name = EXCLUDED.name,
			email = EXCLUDED.email,
			role = EXCLUDED.role,
			refresh_token = EXCLUDED.refresh_token,
			refresh_token_expires_at = EXCLUDED.refresh_token_expires_at,
			updated_at = NOW()
		RETURNING ` + userColumns

	out, err := scanUser(s.pool.QueryRow(ctx, query,
		u.ID, u.Sub, u.Name, u.Email, string(ParseRole(string(u.Role))), u.RefreshToken, u.RefreshTokenExpiresAt,
	))
	if err != nil {
		return User{}, fmt.Errorf("failed to upsert user: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return User{}, fmt.Errorf("failed to get user: %w", err)
	}
	return u, err
}

func (s *PostgresStore) GetUserBySub(ctx context.Context, sub string) (User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE sub = $1`, sub))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return User{}, fmt.Errorf("failed to get user by sub: %w", err)
	}
	return u, err
}

func (s *PostgresStore) UpdateUserName(ctx context.Context, id, name string) (User, error) {
	query := `UPDATE users SET name = $2, updated_at = NOW() WHERE id = $1 RETURNING ` + userColumns
	u, err := scanUser(s.pool.QueryRow(ctx, query, id, name))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return User{}, fmt.Errorf("failed to update user: %w", err)
	}
	return u, err
}

func (s *PostgresStore) CreateSession(ctx context.Context, sess Session) error {
	query := `
		INSERT INTO sessions (id, user_id, sid, id_token, expires_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5)
	`
	if _, err := s.pool.Exec(ctx, query, sess.ID, sess.UserID, sess.SID, sess.IDToken, sess.ExpiresAt); err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSessionAndUser(ctx context.Context, id string) (Session, User, error) {
	query := `
		SELECT
			s.id, s.user_id, COALESCE(s.sid, ''), s.id_token, s.expires_at,
			u.id, u.sub, u.name, u.email, u.role, u.refresh_token, u.refresh_token_expires_at, u.created_at, u.updated_at
		FROM sessions s
		JOIN users u ON u.id = s.user_id
		WHERE s.id = $1
	`
	var sess Session
	var u User
	var role string
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&sess.ID, &sess.UserID, &sess.SID, &sess.IDToken, &sess.ExpiresAt,
		&u.ID, &u.Sub, &u.Name, &u.Email, &role, &u.RefreshToken, &u.RefreshTokenExpiresAt, &u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, User{}, ErrNotFound
	}
	if err != nil {
		return Session{}, User{}, fmt.Errorf("failed to get session: %w", err)
	}
	u.Role = ParseRole(role)
	return sess, u, nil
}

func (s *PostgresStore) ExtendSession(ctx context.Context, id string, prev, next time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE sessions SET expires_at = $3 WHERE id = $1 AND expires_at = $2`, id, prev, next)
	if err != nil {
		return false, fmt.Errorf("failed to extend session: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteUserSessions(ctx context.Context, userID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete user sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) DeleteSessionsBySID(ctx context.Context, sid string) (int64, error) {
	if sid == "" {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE sid = $1`, sid)
	if err != nil {
		return 0, fmt.Errorf("failed to delete sessions by sid: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}
