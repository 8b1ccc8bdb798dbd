package server

import "time"

// Role is the application authorization level derived from provider claims.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

// ParseRole maps an extracted role onto a known Role. Anything unknown is a
// viewer.
func ParseRole(s string) Role {
	switch Role(s) {
	case RoleAdmin, RoleEditor, RoleViewer:
		return Role(s)
	default:
		return RoleViewer
	}
}

// User is the local record of a provider account, keyed by sub.
type User struct {
	ID                    string     `json:"id"`
	Sub                   string     `json:"sub"`
	Name                  string     `json:"name"`
	Email                 string     `json:"email"`
	Role                  Role       `json:"role"`
	RefreshToken          *string    `json:"-"`
	RefreshTokenExpiresAt *time.Time `json:"-"`
	CreatedAt             time.Time  `json:"createdAt"`
	UpdatedAt             time.Time  `json:"updatedAt"`
}

// Session captures a logged-in browser session bound to a cookie.
type Session struct {
	ID     string
	UserID string
	// SID is the provider session id from the ID token, if any.
	SID       string
	IDToken   string
	ExpiresAt time.Time
	// Fresh is set when the session was created or renewed by the current
	// call; it is never stored.
	Fresh bool
}
