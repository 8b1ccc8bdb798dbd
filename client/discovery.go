package client

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
)

// Metadata is the subset of the provider discovery document the relying
// party uses.
type Metadata struct {
	Issuer                string   `json:"issuer"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	UserInfoEndpoint      string   `json:"userinfo_endpoint"`
	EndSessionEndpoint    string   `json:"end_session_endpoint"`
	JWKSURI               string   `json:"jwks_uri"`
	ScopesSupported       []string `json:"scopes_supported"`
	BackchannelLogout     bool     `json:"backchannel_logout_supported"`
}

// Discover fetches {issuer}/.well-known/openid-configuration. The issuer in
// the document must match.
func Discover(ctx context.Context, issuer string, httpClient *http.Client) (*Metadata, error) {
	ctx = oidc.ClientContext(ctx, newHTTPClient(httpClient, 10*time.Second))
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", issuer, err)
	}
	var md Metadata
	if err := provider.Claims(&md); err != nil {
		return nil, fmt.Errorf("decode discovery document: %w", err)
	}
	return &md, nil
}
