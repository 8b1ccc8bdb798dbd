package client

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
)

// StatePayload is carried through the provider round trip inside the state
// parameter.
type StatePayload struct {
	Redirect string `json:"redirect,omitempty"`
}

type stateEnvelope struct {
	Data    StatePayload `json:"d"`
	Entropy string       `json:"e"`
}

// GenerateCodeVerifier returns a PKCE code verifier with 256 bits of entropy.
func GenerateCodeVerifier() string {
	return oauth2.GenerateVerifier()
}

// GenerateNonce returns a random nonce bound to the ID token.
func GenerateNonce() string {
	return oauth2.GenerateVerifier()
}

// GenerateState encodes payload with 128 bits of entropy. When the client has
// a state secret the result is signed.
func (c *Client) GenerateState(payload StatePayload) (string, error) {
	entropy := make([]byte, 16)
	if _, err := rand.Read(entropy); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	raw, err := json.Marshal(stateEnvelope{
		Data:    payload,
		Entropy: base64.RawURLEncoding.EncodeToString(entropy),
	})
	if err != nil {
		return "", fmt.Errorf("encode state: %w", err)
	}
	state := base64.RawURLEncoding.EncodeToString(raw)
	if len(c.stateSecret) > 0 {
		state += "." + c.signState(state)
	}
	return state, nil
}

// ParseState decodes a state produced by GenerateState.
func (c *Client) ParseState(state string) (StatePayload, error) {
	encoded := state
	if len(c.stateSecret) > 0 {
		var sig string
		var ok bool
		encoded, sig, ok = strings.Cut(state, ".")
		if !ok || !hmac.Equal([]byte(sig), []byte(c.signState(encoded))) {
			return StatePayload{}, ErrInvalidState
		}
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return StatePayload{}, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	var env stateEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return StatePayload{}, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	return env.Data, nil
}

func (c *Client) signState(encoded string) string {
	mac := hmac.New(sha256.New, c.stateSecret)
	mac.Write([]byte(encoded))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// CreateAuthorizationURL builds the authorization request with an S256 code
// challenge, the configured scopes and the nonce.
func (c *Client) CreateAuthorizationURL(codeVerifier, state, nonce string) (*url.URL, error) {
	opts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(codeVerifier)}
	if nonce != "" {
		opts = append(opts, oauth2.SetAuthURLParam("nonce", nonce))
	}
	u, err := url.Parse(c.oauth.AuthCodeURL(state, opts...))
	if err != nil {
		return nil, fmt.Errorf("build authorization url: %w", err)
	}
	return u, nil
}

// ResolveRedirect resolves target against the root URL. Targets on another
// origin are rejected.
func (c *Client) ResolveRedirect(target string) (*url.URL, error) {
	if target == "" {
		target = "/"
	}
	ref, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parse redirect: %w", err)
	}
	resolved := c.rootURL.ResolveReference(ref)
	if resolved.Scheme != c.rootURL.Scheme || resolved.Host != c.rootURL.Host {
		return nil, fmt.Errorf("redirect %q must be within the same origin", target)
	}
	return resolved, nil
}
