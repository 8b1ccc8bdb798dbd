package client

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"
)

// Tokens is the normalized result of a token endpoint response.
type Tokens struct {
	IDToken               string
	AccessToken           string
	AccessTokenExpiresAt  *time.Time
	RefreshToken          *string
	RefreshTokenExpiresAt *time.Time
}

// IDTokenClaims are the validated claims of an ID token.
type IDTokenClaims struct {
	Subject   string
	Issuer    string
	Audience  []string
	SessionID string
	Nonce     string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Raw       map[string]any
}

// ValidateAuthorizationCallback checks the redirect back from the provider,
// redeems the code and validates the ID token. Any failing step fails the
// whole callback.
func (c *Client) ValidateAuthorizationCallback(ctx context.Context, callbackURL *url.URL, codeVerifier, state, nonce string) (*Tokens, *IDTokenClaims, error) {
	params := callbackURL.Query()

	if got := params.Get("state"); got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(state)) != 1 {
		return nil, nil, ErrStateMismatch
	}
	if nonce == "" {
		// A nonce-less ID token would otherwise match.
		return nil, nil, ErrNonceMismatch
	}
	if iss := params.Get("iss"); iss != "" && iss != c.issuer {
		return nil, nil, ErrIssuerMismatch
	}
	if code := params.Get("error"); code != "" {
		return nil, nil, &AuthorizationError{
			Code:        code,
			Description: params.Get("error_description"),
			URI:         params.Get("error_uri"),
		}
	}
	code := params.Get("code")
	if code == "" {
		return nil, nil, ErrMissingCode
	}

	ctx = c.context(ctx)
	tok, err := c.oauth.Exchange(ctx, code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		return nil, nil, fmt.Errorf("exchange code: %w", err)
	}

	rawIDToken, _ := tok.Extra("id_token").(string)
	if rawIDToken == "" {
		return nil, nil, ErrMissingIDToken
	}
	idToken, err := c.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, nil, fmt.Errorf("verify id_token: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(idToken.Nonce), []byte(nonce)) != 1 {
		return nil, nil, ErrNonceMismatch
	}

	claims := &IDTokenClaims{
		Subject:   idToken.Subject,
		Issuer:    idToken.Issuer,
		Audience:  idToken.Audience,
		Nonce:     idToken.Nonce,
		ExpiresAt: idToken.Expiry,
		IssuedAt:  idToken.IssuedAt,
	}
	if err := idToken.Claims(&claims.Raw); err != nil {
		return nil, nil, fmt.Errorf("decode id_token claims: %w", err)
	}
	claims.SessionID, _ = claims.Raw["sid"].(string)

	tokens := normalizeTokens(tok)
	tokens.IDToken = rawIDToken
	return tokens, claims, nil
}

// RefreshAccessToken performs a refresh_token grant. The result carries no
// ID token. RefreshToken is nil unless the provider rotated it;
// RefreshTokenExpiresAt may still be set for an unrotated token.
func (c *Client) RefreshAccessToken(ctx context.Context, refreshToken string) (*Tokens, error) {
	if refreshToken == "" {
		return nil, ErrMissingRefreshToken
	}
	ctx = c.context(ctx)
	src := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	out := normalizeTokens(tok)
	if out.RefreshToken != nil && *out.RefreshToken == refreshToken {
		// oauth2 carries the presented token over when none is returned.
		out.RefreshToken = nil
	}
	return out, nil
}

func normalizeTokens(tok *oauth2.Token) *Tokens {
	out := &Tokens{AccessToken: tok.AccessToken}
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry
		out.AccessTokenExpiresAt = &exp
	}
	if tok.RefreshToken != "" {
		rt := tok.RefreshToken
		out.RefreshToken = &rt
		if secs, ok := extraSeconds(tok.Extra("refresh_expires_in")); ok && secs > 0 {
			exp := time.Now().Add(time.Duration(secs) * time.Second)
			out.RefreshTokenExpiresAt = &exp
		}
	}
	return out
}

func extraSeconds(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case int64:
		return t, true
	case int:
		return int64(t), true
	case json.Number:
		i, err := t.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(t, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}
