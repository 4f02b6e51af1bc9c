package federation

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/identra-io/identra/errors"
)

func testPrivateJWK(t *testing.T) (*jose.JSONWebKey, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return &jose.JSONWebKey{Key: key, KeyID: "rp-key-1", Algorithm: "RS256", Use: "sig"}, key
}

func parseWithKey(t *testing.T, raw string, key *rsa.PrivateKey) jwt.MapClaims {
	t.Helper()
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return key.Public(), nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	require.NoError(t, err)
	return claims
}

func TestBuildRequestObject(t *testing.T) {
	jwk, key := testPrivateJWK(t)

	params := &AuthorizationParams{
		ClientID:            "https://rp.example.com",
		RedirectURI:         "https://rp.example.com/callback",
		ResponseType:        "code",
		Scope:               "openid profile",
		State:               "state-1",
		Nonce:               "nonce-1",
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "S256",
		ACRValues:           "urn:acr:loa2",
		RequestedClaims:     []string{"name", "email"},
	}

	raw, err := BuildRequestObject(jwk, params, "https://op.example.com")
	require.NoError(t, err)

	claims := parseWithKey(t, raw, key)
	assert.Equal(t, "https://rp.example.com", claims["iss"])
	assert.Equal(t, "https://op.example.com", claims["aud"])
	assert.Equal(t, "code", claims["response_type"])
	assert.Equal(t, "openid profile", claims["scope"])
	assert.Equal(t, "challenge", claims["code_challenge"])
	assert.Equal(t, "S256", claims["code_challenge_method"])
	assert.Equal(t, "urn:acr:loa2", claims["acr_values"])
	assert.NotEmpty(t, claims["jti"])

	requested, ok := claims["claims"].(map[string]any)
	require.True(t, ok)
	idToken, ok := requested["id_token"].(map[string]any)
	require.True(t, ok)
	for _, name := range []string{"name", "email"} {
		entry, ok := idToken[name].(map[string]any)
		require.True(t, ok, "claim %s", name)
		assert.Equal(t, true, entry["essential"])
	}

	exp, err := claims.GetExpirationTime()
	require.NoError(t, err)
	iat, err := claims.GetIssuedAt()
	require.NoError(t, err)
	assert.Equal(t, requestObjectLifetime, exp.Sub(iat.Time))
}

func TestBuildRequestObjectCarriesKid(t *testing.T) {
	jwk, _ := testPrivateJWK(t)

	raw, err := BuildRequestObject(jwk, &AuthorizationParams{ClientID: "c", ResponseType: "code"}, "aud")
	require.NoError(t, err)

	header := jwt.MapClaims{}
	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(raw, header)
	require.NoError(t, err)
	assert.Equal(t, "rp-key-1", token.Header["kid"])
	assert.Equal(t, "RS256", token.Header["alg"])
}

func TestBuildRequestObjectWithoutKey(t *testing.T) {
	_, err := BuildRequestObject(nil, &AuthorizationParams{ClientID: "c"}, "aud")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrKeyUnavailable))
}

func TestBuildClientAssertion(t *testing.T) {
	jwk, key := testPrivateJWK(t)

	raw, err := BuildClientAssertion(jwk, "client-1", "https://op.example.com/token")
	require.NoError(t, err)

	claims := parseWithKey(t, raw, key)
	assert.Equal(t, "client-1", claims["iss"])
	assert.Equal(t, "client-1", claims["sub"])
	assert.Equal(t, "https://op.example.com/token", claims["aud"])
	assert.NotEmpty(t, claims["jti"])

	exp, err := claims.GetExpirationTime()
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(requestObjectLifetime), exp.Time, 5*time.Second)
}
