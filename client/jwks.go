package client

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultJWKSTTL = 10 * time.Minute
	// jwksCooldown bounds how often unknown kids may force a refetch.
	jwksCooldown = 30 * time.Second
)

// keySet caches the provider's JWKS. It verifies both ID tokens, as the
// go-oidc KeySet, and back-channel logout tokens.
// Concurrent refreshes may race; the last writer wins.
type keySet struct {
	url    string
	client *http.Client
	ttl    time.Duration
	now    func() time.Time

	mu         sync.RWMutex
	cache      jwksCache
	lastForced time.Time
}

type jwksCache struct {
	set     jose.JSONWebKeySet
	expires time.Time
	etag    string
}

var _ oidc.KeySet = (*keySet)(nil)

func newKeySet(url string, client *http.Client, ttl time.Duration) *keySet {
	if ttl <= 0 {
		ttl = defaultJWKSTTL
	}
	return &keySet{url: url, client: client, ttl: ttl, now: time.Now}
}

// VerifySignature checks the JWS signature of raw and returns its payload.
func (k *keySet) VerifySignature(ctx context.Context, raw string) ([]byte, error) {
	jws, err := jose.ParseSigned(raw)
	if err != nil {
		return nil, fmt.Errorf("malformed jwt: %w", err)
	}
	if len(jws.Signatures) != 1 {
		return nil, fmt.Errorf("expected one signature, got %d", len(jws.Signatures))
	}
	header := jws.Signatures[0].Header
	key, err := k.lookup(ctx, header.KeyID, header.Algorithm)
	if err != nil {
		return nil, err
	}
	payload, err := jws.Verify(key.Public().Key)
	if err != nil {
		return nil, fmt.Errorf("verify signature: %w", err)
	}
	return payload, nil
}

// keyfunc resolves the verification key for a golang-jwt token.
func (k *keySet) keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		key, err := k.lookup(ctx, kid, token.Method.Alg())
		if err != nil {
			return nil, err
		}
		return key.Public().Key, nil
	}
}

// lookup finds the key for kid and alg, refetching the set once when the
// kid is unknown.
func (k *keySet) lookup(ctx context.Context, kid, alg string) (*jose.JSONWebKey, error) {
	set, err := k.get(ctx, false)
	if err != nil {
		return nil, err
	}
	key := findKey(set, kid, alg)
	if key == nil {
		if set, err = k.get(ctx, true); err == nil {
			key = findKey(set, kid, alg)
		}
	}
	if key == nil {
		return nil, fmt.Errorf("signing key %q not found", kid)
	}
	return key, nil
}

// get returns the cached set, fetching it when stale. force refetches a
// fresh set unless another forced fetch ran within jwksCooldown.
func (k *keySet) get(ctx context.Context, force bool) (jose.JSONWebKeySet, error) {
	now := k.now()

	k.mu.Lock()
	cache := k.cache
	if cache.set.Keys != nil {
		if !force && now.Before(cache.expires) {
			k.mu.Unlock()
			return cache.set, nil
		}
		if force && now.Sub(k.lastForced) < jwksCooldown {
			k.mu.Unlock()
			return cache.set, nil
		}
	}
	if force {
		k.lastForced = now
	}
	k.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.url, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	req.Header.Set("Accept", "application/json, application/jwk-set+json")
	if cache.etag != "" {
		req.Header.Set("If-None-Match", cache.etag)
	}

	resp, err := k.client.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified && cache.set.Keys != nil {
		cache.expires = now.Add(maxCacheDuration(resp.Header.Get("Cache-Control"), k.ttl))
		k.store(cache)
		return cache.set, nil
	}
	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("fetch jwks: %s", resp.Status)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("decode jwks: %w", err)
	}
	if set.Keys == nil {
		set.Keys = []jose.JSONWebKey{}
	}

	cache = jwksCache{set: set, etag: resp.Header.Get("ETag")}
	cache.expires = now.Add(maxCacheDuration(resp.Header.Get("Cache-Control"), k.ttl))
	k.store(cache)

	return set, nil
}

func (k *keySet) store(cache jwksCache) {
	k.mu.Lock()
	k.cache = cache
	k.mu.Unlock()
}

// findKey picks a signing key by kid. Without a kid the set must hold
// exactly one candidate for alg.
func findKey(set jose.JSONWebKeySet, kid, alg string) *jose.JSONWebKey {
	var candidates []jose.JSONWebKey
	for _, k := range set.Keys {
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		if k.Algorithm != "" && k.Algorithm != alg {
			continue
		}
		if !keyTypeMatches(k, alg) {
			continue
		}
		if kid != "" && k.KeyID != kid {
			continue
		}
		candidates = append(candidates, k)
	}
	if len(candidates) == 0 || (kid == "" && len(candidates) > 1) {
		return nil
	}
	key := candidates[0]
	return &key
}

func keyTypeMatches(k jose.JSONWebKey, alg string) bool {
	switch k.Public().Key.(type) {
	case *rsa.PublicKey:
		return strings.HasPrefix(alg, "RS") || strings.HasPrefix(alg, "PS")
	case *ecdsa.PublicKey:
		return strings.HasPrefix(alg, "ES")
	default:
		return false
	}
}

func maxCacheDuration(header string, fallback time.Duration) time.Duration {
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) == 2 && strings.EqualFold(kv[0], "max-age") {
			if secs, err := strconv.Atoi(strings.TrimSpace(kv[1])); err == nil && secs > 0 {
				return time.Duration(secs) * time.Second
			}
		}
	}
	return fallback
}
