// Package client implements the relying-party side of OpenID Connect: the
// authorization code flow with PKCE, token refresh, userinfo, RP-initiated
// logout and back-channel logout token validation.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/oauth2"

	"oidcrp/attrpath"
)

const (
	DefaultNamePath  = "name || preferred_username"
	DefaultEmailPath = "email"
	DefaultRolePath  = "contains(roles[*], 'admin') && 'admin' || contains(roles[*], 'editor') && 'editor' || 'viewer'"

	callbackPath = "/login/callback"
)

var signingAlgorithms = []string{
	oidc.RS256, oidc.RS384, oidc.RS512,
	oidc.ES256, oidc.ES384, oidc.ES512,
	oidc.PS256, oidc.PS384, oidc.PS512,
}

var (
	defaultName  = attrpath.MustCompile(DefaultNamePath)
	defaultEmail = attrpath.MustCompile(DefaultEmailPath)
	defaultRole  = attrpath.MustCompile(DefaultRolePath)
)

// DefaultScopes are requested when none are configured.
var DefaultScopes = []string{oidc.ScopeOpenID, "profile", "email", "roles"}

// Config describes the relying party and its provider. Endpoints are given
// explicitly; see Discover to fill them from the provider metadata.
type Config struct {
	RootURL      string
	ClientID     string
	ClientSecret string

	Issuer                string
	AuthorizationEndpoint string
	TokenEndpoint         string
	UserInfoEndpoint      string
	EndSessionEndpoint    string
	JWKSURI               string

	Scopes             []string
	NameAttributePath  string
	EmailAttributePath string
	RoleAttributePath  string

	// StateSecret, when set, makes GenerateState sign the state parameter.
	StateSecret string

	HTTPClient  *http.Client
	HTTPTimeout time.Duration
	JWKSTTL     time.Duration
}

func (c Config) validate() error {
	var result error
	required := []struct{ name, value string }{
		{"root url", c.RootURL},
		{"client id", c.ClientID},
		{"issuer", c.Issuer},
		{"authorization endpoint", c.AuthorizationEndpoint},
		{"token endpoint", c.TokenEndpoint},
		{"userinfo endpoint", c.UserInfoEndpoint},
		{"jwks uri", c.JWKSURI},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			result = multierror.Append(result, fmt.Errorf("%s is required", f.name))
		}
	}
	if c.RootURL != "" {
		if u, err := url.Parse(c.RootURL); err != nil || u.Scheme == "" || u.Host == "" {
			result = multierror.Append(result, fmt.Errorf("root url %q must be absolute", c.RootURL))
		}
	}
	return result
}

// Client is an immutable relying-party configuration. It is safe for
// concurrent use.
type Client struct {
	rootURL     *url.URL
	clientID    string
	issuer      string
	endSession  string
	stateSecret []byte

	oauth    *oauth2.Config
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
	httpc    *http.Client
	keys     *keySet

	name  *attrpath.Expression
	email *attrpath.Expression
	role  *attrpath.Expression
}

// New validates cfg and builds a Client.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	root, err := url.Parse(strings.TrimSuffix(cfg.RootURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse root url: %w", err)
	}

	c := &Client{
		rootURL:     root,
		clientID:    cfg.ClientID,
		issuer:      cfg.Issuer,
		endSession:  cfg.EndSessionEndpoint,
		stateSecret: []byte(cfg.StateSecret),
	}
	if c.name, err = compilePath("name", cfg.NameAttributePath, defaultName); err != nil {
		return nil, err
	}
	if c.email, err = compilePath("email", cfg.EmailAttributePath, defaultEmail); err != nil {
		return nil, err
	}
	if c.role, err = compilePath("role", cfg.RoleAttributePath, defaultRole); err != nil {
		return nil, err
	}

	c.httpc = newHTTPClient(cfg.HTTPClient, cfg.HTTPTimeout)
	ctx = oidc.ClientContext(ctx, c.httpc)

	c.provider = (&oidc.ProviderConfig{
		IssuerURL:   cfg.Issuer,
		AuthURL:     cfg.AuthorizationEndpoint,
		TokenURL:    cfg.TokenEndpoint,
		UserInfoURL: cfg.UserInfoEndpoint,
		JWKSURL:     cfg.JWKSURI,
		Algorithms:  signingAlgorithms,
	}).NewProvider(ctx)

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	endpoint := c.provider.Endpoint()
	endpoint.AuthStyle = oauth2.AuthStyleInHeader
	if cfg.ClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}
	c.oauth = &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  c.RedirectURI(),
		Endpoint:     endpoint,
		Scopes:       append([]string(nil), scopes...),
	}
	c.keys = newKeySet(cfg.JWKSURI, c.httpc, cfg.JWKSTTL)
	c.verifier = oidc.NewVerifier(cfg.Issuer, c.keys, &oidc.Config{
		ClientID:             cfg.ClientID,
		SupportedSigningAlgs: signingAlgorithms,
	})

	return c, nil
}

// RootURL is the application's public origin without a trailing slash.
func (c *Client) RootURL() string { return c.rootURL.String() }

// RedirectURI is the callback registered with the provider.
func (c *Client) RedirectURI() string { return c.rootURL.String() + callbackPath }

// ClientID is the client identifier registered with the provider.
func (c *Client) ClientID() string { return c.clientID }

// Issuer is the expected iss of ID tokens, logout tokens and callbacks.
func (c *Client) Issuer() string { return c.issuer }

func (c *Client) context(ctx context.Context) context.Context {
	return oidc.ClientContext(ctx, c.httpc)
}

func compilePath(attr, path string, fallback *attrpath.Expression) (*attrpath.Expression, error) {
	if strings.TrimSpace(path) == "" {
		return fallback, nil
	}
	expr, err := attrpath.Compile(path)
	if err != nil {
		return nil, fmt.Errorf("%s attribute path: %w", attr, err)
	}
	return expr, nil
}

func newHTTPClient(base *http.Client, timeout time.Duration) *http.Client {
	if base == nil {
		base = cleanhttp.DefaultPooledClient()
	}
	transport := base.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{
		Transport:     &challengeTransport{base: transport},
		CheckRedirect: base.CheckRedirect,
		Jar:           base.Jar,
		Timeout:       timeout,
	}
}

// challengeTransport fails any provider response that asks the client to
// authenticate differently.
type challengeTransport struct {
	base http.RoundTripper
}

func (t *challengeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if challenges := resp.Header.Values("WWW-Authenticate"); len(challenges) > 0 {
		resp.Body.Close()
		return nil, &ChallengeError{StatusCode: resp.StatusCode, Challenges: challenges}
	}
	return resp, nil
}

// IsChallenge reports whether err was caused by a WWW-Authenticate response.
func IsChallenge(err error) bool {
	var ce *ChallengeError
	return errors.As(err, &ce)
}
