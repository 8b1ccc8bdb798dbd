// Package oidctest runs an in-process OpenID Provider for tests. It supports
// the authorization code flow with PKCE, refresh, userinfo, JWKS and signing
// back-channel logout tokens.
package oidctest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

const BackchannelLogoutEvent = "http://schemas.openid.net/event/backchannel-logout"

// Identity is the account the provider signs in.
type Identity struct {
	Subject string
	// Claims are returned from userinfo next to sub.
	Claims map[string]any
}

type grant struct {
	clientID    string
	redirectURI string
	challenge   string
	nonce       string
	subject     string
}

// Provider is a fake OpenID Provider backed by an httptest.Server.
type Provider struct {
	Server       *httptest.Server
	ClientID     string
	ClientSecret string

	mu            sync.Mutex
	key           *rsa.PrivateKey
	kid           string
	identity      Identity
	sessionID     string
	codes         map[string]grant
	accessTokens  map[string]string
	refreshTokens map[string]string
	challenge     string
	userinfoSub   string
	omitIDToken   bool
	nonceOverride *string
	endSession    bool
	keepRefresh   bool
	refreshCount  int
	jwksFetches   int
}

// New starts a provider that accepts a single confidential client.
func New(clientID, clientSecret string) (*Provider, error) {
	p := &Provider{
		ClientID:      clientID,
		ClientSecret:  clientSecret,
		codes:         map[string]grant{},
		accessTokens:  map[string]string{},
		refreshTokens: map[string]string{},
		endSession:    true,
		identity: Identity{
			Subject: "u1",
			Claims: map[string]any{
				"name":  "Test User",
				"email": "test@example.com",
				"roles": []string{"editor"},
			},
		},
	}
	if err := p.RotateKey(); err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", p.handleDiscovery)
	mux.HandleFunc("/authorize", p.handleAuthorize)
	mux.HandleFunc("/token", p.handleToken)
	mux.HandleFunc("/userinfo", p.handleUserInfo)
	mux.HandleFunc("/jwks", p.handleJWKS)
	mux.HandleFunc("/logout", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	p.Server = httptest.NewServer(mux)
	return p, nil
}

func (p *Provider) Close() { p.Server.Close() }

func (p *Provider) Issuer() string                { return p.Server.URL }
func (p *Provider) AuthorizationEndpoint() string { return p.Server.URL + "/authorize" }
func (p *Provider) TokenEndpoint() string         { return p.Server.URL + "/token" }
func (p *Provider) UserInfoEndpoint() string      { return p.Server.URL + "/userinfo" }
func (p *Provider) JWKSURI() string               { return p.Server.URL + "/jwks" }

// EndSessionEndpoint is empty after DisableEndSession.
func (p *Provider) EndSessionEndpoint() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.endSession {
		return ""
	}
	return p.Server.URL + "/logout"
}

// SetIdentity changes the account signed in by subsequent authorizations.
func (p *Provider) SetIdentity(id Identity) {
	p.mu.Lock()
	p.identity = id
	p.mu.Unlock()
}

// SetSessionID sets the sid claim of issued ID tokens.
func (p *Provider) SetSessionID(sid string) {
	p.mu.Lock()
	p.sessionID = sid
	p.mu.Unlock()
}

// ChallengeTokenEndpoint makes the token endpoint answer with the given
// WWW-Authenticate header. An empty value turns it off.
func (p *Provider) ChallengeTokenEndpoint(header string) {
	p.mu.Lock()
	p.challenge = header
	p.mu.Unlock()
}

// SetUserInfoSubject makes userinfo report sub instead of the token owner.
func (p *Provider) SetUserInfoSubject(sub string) {
	p.mu.Lock()
	p.userinfoSub = sub
	p.mu.Unlock()
}

// OmitIDToken drops id_token from token responses.
func (p *Provider) OmitIDToken(omit bool) {
	p.mu.Lock()
	p.omitIDToken = omit
	p.mu.Unlock()
}

// OverrideNonce puts nonce into issued ID tokens regardless of the request.
func (p *Provider) OverrideNonce(nonce string) {
	p.mu.Lock()
	p.nonceOverride = &nonce
	p.mu.Unlock()
}

func (p *Provider) DisableEndSession() {
	p.mu.Lock()
	p.endSession = false
	p.mu.Unlock()
}

// KeepRefreshTokens makes refresh grants leave the presented refresh token
// valid and omit refresh_token and refresh_expires_in from the response.
func (p *Provider) KeepRefreshTokens(keep bool) {
	p.mu.Lock()
	p.keepRefresh = keep
	p.mu.Unlock()
}

// RefreshCount reports how many refresh grants were served.
func (p *Provider) RefreshCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshCount
}

// JWKSFetches reports how many times the key set was served.
func (p *Provider) JWKSFetches() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.jwksFetches
}

// RotateKey replaces the signing key. The JWKS only publishes the new key.
func (p *Provider) RotateKey() error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.key = key
	p.kid = randomString(8)
	p.mu.Unlock()
	return nil
}

// Authorize plays the browser: it follows authURL to the provider and returns
// the redirect back to the relying party.
func (p *Provider) Authorize(authURL string) (*url.URL, error) {
	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	resp, err := client.Get(authURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		return nil, fmt.Errorf("authorize: unexpected status %s", resp.Status)
	}
	return url.Parse(resp.Header.Get("Location"))
}

// LogoutClaims returns a valid logout token claim set for sub and sid.
// Empty values are omitted.
func (p *Provider) LogoutClaims(sub, sid string) jwt.MapClaims {
	claims := jwt.MapClaims{
		"iss":    p.Issuer(),
		"aud":    p.ClientID,
		"iat":    time.Now().Unix(),
		"jti":    randomString(16),
		"events": map[string]any{BackchannelLogoutEvent: map[string]any{}},
	}
	if sub != "" {
		claims["sub"] = sub
	}
	if sid != "" {
		claims["sid"] = sid
	}
	return claims
}

// Sign signs claims with the provider's current key.
func (p *Provider) Sign(claims jwt.MapClaims) (string, error) {
	p.mu.Lock()
	key, kid := p.key, p.kid
	p.mu.Unlock()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	return token.SignedString(key)
}

func (p *Provider) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	doc := map[string]any{
		"issuer":                                         p.Issuer(),
		"authorization_endpoint":                         p.AuthorizationEndpoint(),
		"token_endpoint":                                 p.TokenEndpoint(),
		"userinfo_endpoint":                              p.UserInfoEndpoint(),
		"jwks_uri":                                       p.JWKSURI(),
		"response_types_supported":                       []string{"code"},
		"grant_types_supported":                          []string{"authorization_code", "refresh_token"},
		"subject_types_supported":                        []string{"public"},
		"id_token_signing_alg_values_supported":          []string{"RS256"},
		"code_challenge_methods_supported":               []string{"S256"},
		"scopes_supported":                               []string{"openid", "profile", "email", "roles"},
		"backchannel_logout_supported":                   true,
		"backchannel_logout_session_supported":           true,
		"authorization_response_iss_parameter_supported": true,
	}
	if end := p.EndSessionEndpoint(); end != "" {
		doc["end_session_endpoint"] = end
	}
	writeJSON(w, http.StatusOK, doc)
}

func (p *Provider) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirectURI := q.Get("redirect_uri")
	if q.Get("client_id") != p.ClientID || redirectURI == "" {
		http.Error(w, "invalid client", http.StatusBadRequest)
		return
	}
	target, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}
	if q.Get("response_type") != "code" || q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	code := randomString(16)
	p.codes[code] = grant{
		clientID:    p.ClientID,
		redirectURI: redirectURI,
		challenge:   q.Get("code_challenge"),
		nonce:       q.Get("nonce"),
		subject:     p.identity.Subject,
	}
	p.mu.Unlock()

	params := target.Query()
	params.Set("code", code)
	params.Set("state", q.Get("state"))
	params.Set("iss", p.Issuer())
	target.RawQuery = params.Encode()
	w.Header().Set("Location", target.String())
	w.WriteHeader(http.StatusFound)
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		oauthError(w, "invalid_request", "invalid form")
		return
	}

	p.mu.Lock()
	challenge := p.challenge
	p.mu.Unlock()
	if challenge != "" {
		w.Header().Set("WWW-Authenticate", challenge)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		clientID, clientSecret = r.FormValue("client_id"), r.FormValue("client_secret")
	}
	if clientID != p.ClientID || clientSecret != p.ClientSecret {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_client"})
		return
	}

	switch r.FormValue("grant_type") {
	case "authorization_code":
		p.tokenAuthorizationCode(w, r)
	case "refresh_token":
		p.tokenRefresh(w, r)
	default:
		oauthError(w, "unsupported_grant_type", "")
	}
}

func (p *Provider) tokenAuthorizationCode(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	code := r.FormValue("code")
	g, ok := p.codes[code]
	if !ok {
		oauthError(w, "invalid_grant", "code invalid or expired")
		return
	}
	delete(p.codes, code)

	if g.redirectURI != r.FormValue("redirect_uri") {
		oauthError(w, "invalid_grant", "redirect_uri mismatch")
		return
	}
	sum := sha256.Sum256([]byte(r.FormValue("code_verifier")))
	if base64.RawURLEncoding.EncodeToString(sum[:]) != g.challenge {
		oauthError(w, "invalid_grant", "pkce verification failed")
		return
	}

	resp, err := p.issueLocked(g.subject)
	if err != nil {
		oauthError(w, "server_error", err.Error())
		return
	}
	if !p.omitIDToken {
		nonce := g.nonce
		if p.nonceOverride != nil {
			nonce = *p.nonceOverride
		}
		idToken, err := p.idTokenLocked(g.subject, nonce)
		if err != nil {
			oauthError(w, "server_error", err.Error())
			return
		}
		resp["id_token"] = idToken
	}
	writeJSON(w, http.StatusOK, resp)
}

func (p *Provider) tokenRefresh(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rt := r.FormValue("refresh_token")
	sub, ok := p.refreshTokens[rt]
	if !ok {
		oauthError(w, "invalid_grant", "refresh token invalid")
		return
	}
	p.refreshCount++

	resp, err := p.issueLocked(sub)
	if err != nil {
		oauthError(w, "server_error", err.Error())
		return
	}
	if p.keepRefresh {
		delete(p.refreshTokens, resp["refresh_token"].(string))
		delete(resp, "refresh_token")
		delete(resp, "refresh_expires_in")
	} else {
		delete(p.refreshTokens, rt)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (p *Provider) issueLocked(sub string) (map[string]any, error) {
	access := randomString(24)
	refresh := randomString(24)
	p.accessTokens[access] = sub
	p.refreshTokens[refresh] = sub
	return map[string]any{
		"access_token":       access,
		"token_type":         "Bearer",
		"expires_in":         3600,
		"refresh_token":      refresh,
		"refresh_expires_in": 1800,
		"scope":              "openid profile email roles",
	}, nil
}

func (p *Provider) idTokenLocked(sub, nonce string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": p.Issuer(),
		"sub": sub,
		"aud": p.ClientID,
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	if p.sessionID != "" {
		claims["sid"] = p.sessionID
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = p.kid
	return token.SignedString(p.key)
}

func (p *Provider) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	p.mu.Lock()
	sub, known := p.accessTokens[token]
	identity := p.identity
	override := p.userinfoSub
	p.mu.Unlock()

	if !ok || !known {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if override != "" {
		sub = override
	}

	resp := map[string]any{}
	for k, v := range identity.Claims {
		resp[k] = v
	}
	resp["sub"] = sub
	writeJSON(w, http.StatusOK, resp)
}

func (p *Provider) handleJWKS(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	jwk := jose.JSONWebKey{Key: &p.key.PublicKey, KeyID: p.kid, Algorithm: string(jose.RS256), Use: "sig"}
	p.jwksFetches++
	p.mu.Unlock()

	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func oauthError(w http.ResponseWriter, code, desc string) {
	body := map[string]string{"error": code}
	if desc != "" {
		body["error_description"] = desc
	}
	writeJSON(w, http.StatusBadRequest, body)
}

func randomString(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(errors.New("oidctest: entropy source failed"))
	}
	return hex.EncodeToString(b)
}
