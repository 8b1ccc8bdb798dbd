package client

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrStateMismatch       = errors.New("state mismatch")
	ErrMissingCode         = errors.New("authorization code missing")
	ErrIssuerMismatch      = errors.New("authorization response issuer mismatch")
	ErrMissingIDToken      = errors.New("id_token missing in token response")
	ErrNonceMismatch       = errors.New("nonce mismatch")
	ErrSubjectMismatch     = errors.New("userinfo subject mismatch")
	ErrInvalidState        = errors.New("invalid state parameter")
	ErrInvalidLogoutToken  = errors.New("invalid logout token")
	ErrMissingRefreshToken = errors.New("refresh token missing")
)

// AuthorizationError is returned when the provider redirected back with an
// OAuth 2.0 error instead of a code.
type AuthorizationError struct {
	Code        string
	Description string
	URI         string
}

func (e *AuthorizationError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("authorization failed: %s: %s", e.Code, e.Description)
	}
	return "authorization failed: " + e.Code
}

// ChallengeError is returned when a provider response carried a
// WWW-Authenticate header.
type ChallengeError struct {
	StatusCode int
	Challenges []string
}

func (e *ChallengeError) Error() string {
	return fmt.Sprintf("provider responded with authentication challenge (%d): %s", e.StatusCode, strings.Join(e.Challenges, ", "))
}
