package client

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateBackchannelLogoutToken(t *testing.T) {
	op := newProvider(t)
	c := newTestClient(t, op)
	ctx := context.Background()

	token, err := op.Sign(op.LogoutClaims("u1", "sid-1"))
	require.NoError(t, err)
	claims, err := c.ValidateBackchannelLogoutToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject)
	assert.Equal(t, "sid-1", claims.SessionID)
	assert.Equal(t, op.Issuer(), claims.Issuer)

	token, err = op.Sign(op.LogoutClaims("", "sid-only"))
	require.NoError(t, err)
	claims, err = c.ValidateBackchannelLogoutToken(ctx, token)
	require.NoError(t, err)
	assert.Empty(t, claims.Subject)
	assert.Equal(t, "sid-only", claims.SessionID)
}

func TestValidateBackchannelLogoutTokenRejects(t *testing.T) {
	op := newProvider(t)
	rogue := newProvider(t)
	c := newTestClient(t, op)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(jwt.MapClaims)
		signer func(jwt.MapClaims) (string, error)
	}{
		{name: "no sid or sub", mutate: func(m jwt.MapClaims) { delete(m, "sub"); delete(m, "sid") }},
		{name: "missing events", mutate: func(m jwt.MapClaims) { delete(m, "events") }},
		{name: "wrong event", mutate: func(m jwt.MapClaims) {
			m["events"] = map[string]any{"http://schemas.openid.net/event/other": map[string]any{}}
		}},
		{name: "nonce present", mutate: func(m jwt.MapClaims) { m["nonce"] = "n" }},
		{name: "wrong audience", mutate: func(m jwt.MapClaims) { m["aud"] = "other-client" }},
		{name: "wrong issuer", mutate: func(m jwt.MapClaims) { m["iss"] = "https://evil.example.com" }},
		{name: "missing iat", mutate: func(m jwt.MapClaims) { delete(m, "iat") }},
		{name: "stale iat", mutate: func(m jwt.MapClaims) { m["iat"] = time.Now().Add(-3 * time.Minute).Unix() }},
		{name: "future iat", mutate: func(m jwt.MapClaims) { m["iat"] = time.Now().Add(5 * time.Minute).Unix() }},
		{name: "expired", mutate: func(m jwt.MapClaims) { m["exp"] = time.Now().Add(-time.Minute).Unix() }},
		{name: "foreign key", signer: rogue.Sign},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims := op.LogoutClaims("u1", "sid-1")
			if tt.mutate != nil {
				tt.mutate(claims)
			}
			sign := op.Sign
			if tt.signer != nil {
				sign = tt.signer
			}
			token, err := sign(claims)
			require.NoError(t, err)

			_, err = c.ValidateBackchannelLogoutToken(ctx, token)
			assert.ErrorIs(t, err, ErrInvalidLogoutToken)
		})
	}

	_, err := c.ValidateBackchannelLogoutToken(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidLogoutToken)
	_, err = c.ValidateBackchannelLogoutToken(ctx, "not.a.jwt")
	assert.ErrorIs(t, err, ErrInvalidLogoutToken)

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, op.LogoutClaims("u1", "sid-1"))
	raw, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = c.ValidateBackchannelLogoutToken(ctx, raw)
	assert.ErrorIs(t, err, ErrInvalidLogoutToken)
}

func TestBackchannelKeyRotation(t *testing.T) {
	op := newProvider(t)
	c := newTestClient(t, op)
	ctx := context.Background()

	sign := func() string {
		token, err := op.Sign(op.LogoutClaims("u1", ""))
		require.NoError(t, err)
		return token
	}

	_, err := c.ValidateBackchannelLogoutToken(ctx, sign())
	require.NoError(t, err)

	// A key rotated right after the scheduled fetch is picked up at once.
	require.NoError(t, op.RotateKey())
	_, err = c.ValidateBackchannelLogoutToken(ctx, sign())
	require.NoError(t, err)

	// A second unknown kid inside the cooldown does not refetch.
	require.NoError(t, op.RotateKey())
	fetches := op.JWKSFetches()
	_, err = c.ValidateBackchannelLogoutToken(ctx, sign())
	assert.ErrorIs(t, err, ErrInvalidLogoutToken)
	assert.Equal(t, fetches, op.JWKSFetches())

	c.keys.now = func() time.Time { return time.Now().Add(time.Minute) }
	_, err = c.ValidateBackchannelLogoutToken(ctx, sign())
	assert.NoError(t, err)
}

func TestIDTokensAndLogoutTokensShareKeys(t *testing.T) {
	op := newProvider(t)
	c := newTestClient(t, op)
	ctx := context.Background()

	tx, callback := beginLogin(t, c, op)
	_, _, err := c.ValidateAuthorizationCallback(ctx, callback, tx.verifier, tx.state, tx.nonce)
	require.NoError(t, err)
	assert.Equal(t, 1, op.JWKSFetches())

	token, err := op.Sign(op.LogoutClaims("u1", ""))
	require.NoError(t, err)
	_, err = c.ValidateBackchannelLogoutToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, 1, op.JWKSFetches())

	require.NoError(t, op.RotateKey())
	tx, callback = beginLogin(t, c, op)
	_, _, err = c.ValidateAuthorizationCallback(ctx, callback, tx.verifier, tx.state, tx.nonce)
	require.NoError(t, err)
	assert.Equal(t, 2, op.JWKSFetches())

	token, err = op.Sign(op.LogoutClaims("u1", ""))
	require.NoError(t, err)
	_, err = c.ValidateBackchannelLogoutToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, 2, op.JWKSFetches())
}

func TestMaxCacheDuration(t *testing.T) {
	assert.Equal(t, 120*time.Second, maxCacheDuration("public, max-age=120", time.Minute))
	assert.Equal(t, time.Minute, maxCacheDuration("no-store", time.Minute))
	assert.Equal(t, time.Minute, maxCacheDuration("max-age=abc", time.Minute))
}
