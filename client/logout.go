package client

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	backchannelLogoutEvent = "http://schemas.openid.net/event/backchannel-logout"
	maxLogoutTokenAge      = 2 * time.Minute
	clockLeeway            = 30 * time.Second
)

// LogoutClaims identify what a back-channel logout token ends. At least one
// of Subject and SessionID is set.
type LogoutClaims struct {
	Issuer    string
	Subject   string
	SessionID string
	TokenID   string
	IssuedAt  time.Time
}

// CreateEndSessionURL builds the RP-initiated logout URL. It returns nil when
// the provider has no end-session endpoint.
func (c *Client) CreateEndSessionURL(idToken string) *url.URL {
	if c.endSession == "" {
		return nil
	}
	u, err := url.Parse(c.endSession)
	if err != nil {
		return nil
	}
	q := u.Query()
	q.Set("client_id", c.clientID)
	q.Set("post_logout_redirect_uri", c.rootURL.String())
	if idToken != "" {
		q.Set("id_token_hint", idToken)
	}
	u.RawQuery = q.Encode()
	return u
}

// ValidateBackchannelLogoutToken verifies a logout token per OpenID Connect
// Back-Channel Logout 1.0. Every failure wraps ErrInvalidLogoutToken.
func (c *Client) ValidateBackchannelLogoutToken(ctx context.Context, raw string) (*LogoutClaims, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: token required", ErrInvalidLogoutToken)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(signingAlgorithms),
		jwt.WithIssuer(c.issuer),
		jwt.WithAudience(c.clientID),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(clockLeeway),
	)
	claims := jwt.MapClaims{}
	if _, err := parser.ParseWithClaims(raw, claims, c.keys.keyfunc(c.context(ctx))); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLogoutToken, err)
	}

	iat, err := claims.GetIssuedAt()
	if err != nil || iat == nil {
		return nil, fmt.Errorf("%w: iat required", ErrInvalidLogoutToken)
	}
	if time.Since(iat.Time) > maxLogoutTokenAge {
		return nil, fmt.Errorf("%w: token too old", ErrInvalidLogoutToken)
	}

	out := &LogoutClaims{IssuedAt: iat.Time}
	out.Issuer, _ = claims["iss"].(string)
	out.Subject, _ = claims["sub"].(string)
	out.SessionID, _ = claims["sid"].(string)
	out.TokenID, _ = claims["jti"].(string)
	if out.Subject == "" && out.SessionID == "" {
		return nil, fmt.Errorf("%w: sid or sub required", ErrInvalidLogoutToken)
	}

	events, _ := claims["events"].(map[string]any)
	if _, ok := events[backchannelLogoutEvent].(map[string]any); !ok {
		return nil, fmt.Errorf("%w: back-channel logout event missing", ErrInvalidLogoutToken)
	}
	if _, ok := claims["nonce"]; ok {
		return nil, fmt.Errorf("%w: nonce not allowed", ErrInvalidLogoutToken)
	}
	return out, nil
}
