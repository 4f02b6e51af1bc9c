package federation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/identra-io/identra/domain"
	"github.com/identra-io/identra/errors"
	"github.com/identra-io/identra/internal/oidcflow"
)

// fakePeer is an httptest OP: entity statement, token endpoint, userinfo.
type fakePeer struct {
	srv *httptest.Server

	lastTokenForm url.Values
	tokenStatus   int
}

func newFakePeer(t *testing.T, nonce string) *fakePeer {
	t.Helper()
	key, set := testSigningKey(t)
	peer := &fakePeer{tokenStatus: http.StatusOK}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-federation", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", EntityStatementContentType)
		claims := statementClaims(peer.srv.URL, set, time.Hour)
		claims["metadata"] = map[string]any{
			"openid_provider": map[string]any{
				"issuer":                 peer.srv.URL,
				"authorization_endpoint": peer.srv.URL + "/authorize",
				"token_endpoint":         peer.srv.URL + "/token",
				"userinfo_endpoint":      peer.srv.URL + "/userinfo",
			},
		}
		_, _ = w.Write([]byte(signStatement(t, key, claims)))
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		peer.lastTokenForm = r.PostForm
		if peer.tokenStatus != http.StatusOK {
			w.WriteHeader(peer.tokenStatus)
			return
		}
		idToken := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
			"iss":            peer.srv.URL,
			"sub":            "upstream-subject-1",
			"aud":            "client-1",
			"nonce":          nonce,
			"email":          "jo@example.com",
			"email_verified": true,
			"iat":            time.Now().Unix(),
			"exp":            time.Now().Add(time.Minute).Unix(),
		})
		idToken.Header["kid"] = "fed-key-1"
		signed, err := idToken.SignedString(key)
		require.NoError(t, err)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at-1",
			"id_token":     signed,
			"token_type":   "Bearer",
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer at-1", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"preferred_username": "jo",
			"given_name":         "Jo",
		})
	})

	peer.srv = httptest.NewServer(mux)
	t.Cleanup(peer.srv.Close)
	return peer
}

func peerProviderConfig(entityID string) *domain.ProviderConfig {
	return &domain.ProviderConfig{
		Authority:  domain.AuthorityFederation,
		ProviderID: "peer-1",
		Realm:      "acme",
		Config: map[string]any{
			domain.ConfigKeyEntityID:    entityID,
			domain.ConfigKeyClientID:    "client-1",
			domain.ConfigKeyRedirectURI: "https://idp.example.com/callback",
			domain.ConfigKeyScopes:      []any{"openid", "profile"},
			domain.ConfigKeyClaims:      []any{"email"},
		},
		Enabled: true,
	}
}

func TestBeginLoginBuildsAuthorizationURL(t *testing.T) {
	flow, err := oidcflow.NewLoginFlow("acme", string(domain.AuthorityFederation), "peer-1", "https://idp.example.com/callback")
	require.NoError(t, err)

	peer := newFakePeer(t, flow.Nonce)
	jwk, key := testPrivateJWK(t)
	rp := NewRelyingParty(NewResolver(NewMemoryStatementCache(), nil, 0), jwk, 0)

	authURL, err := rp.BeginLogin(context.Background(), peerProviderConfig(peer.srv.URL), flow)
	require.NoError(t, err)

	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Equal(t, "/authorize", parsed.Path)

	q := parsed.Query()
	assert.Equal(t, "client-1", q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, flow.State, q.Get("state"))
	assert.Equal(t, flow.CodeChallenge(), q.Get("code_challenge"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))

	requestObject := q.Get("request")
	require.NotEmpty(t, requestObject)
	claims := parseWithKey(t, requestObject, key)
	assert.Equal(t, peer.srv.URL, claims["aud"])
	assert.Equal(t, flow.Nonce, claims["nonce"])
}

func TestBeginLoginWithoutSigningKeyOmitsRequestObject(t *testing.T) {
	flow, err := oidcflow.NewLoginFlow("acme", string(domain.AuthorityFederation), "peer-1", "https://idp.example.com/callback")
	require.NoError(t, err)

	peer := newFakePeer(t, flow.Nonce)
	rp := NewRelyingParty(NewResolver(NewMemoryStatementCache(), nil, 0), nil, 0)

	authURL, err := rp.BeginLogin(context.Background(), peerProviderConfig(peer.srv.URL), flow)
	require.NoError(t, err)

	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Empty(t, parsed.Query().Get("request"))
	assert.Equal(t, flow.State, parsed.Query().Get("state"))
}

func TestCompleteLogin(t *testing.T) {
	flow, err := oidcflow.NewLoginFlow("acme", string(domain.AuthorityFederation), "peer-1", "https://idp.example.com/callback")
	require.NoError(t, err)

	peer := newFakePeer(t, flow.Nonce)
	jwk, _ := testPrivateJWK(t)
	rp := NewRelyingParty(NewResolver(NewMemoryStatementCache(), nil, 0), jwk, 0)

	principal, err := rp.CompleteLogin(context.Background(), peerProviderConfig(peer.srv.URL), flow, "code-1")
	require.NoError(t, err)

	assert.Equal(t, domain.AuthorityFederation, principal.Authority)
	assert.Equal(t, "peer-1", principal.ProviderID)
	assert.Equal(t, "acme", principal.Realm)
	assert.Equal(t, "upstream-subject-1", principal.ExternalSubjectID)
	assert.Equal(t, "jo@example.com", principal.Email)
	assert.True(t, principal.EmailVerified)
	// Userinfo attributes are merged in.
	assert.Equal(t, "jo", principal.Username)
	assert.Equal(t, "Jo", principal.RawAttributes["given_name"])

	form := peer.lastTokenForm
	assert.Equal(t, "authorization_code", form.Get("grant_type"))
	assert.Equal(t, "code-1", form.Get("code"))
	assert.Equal(t, flow.PKCEVerifier, form.Get("code_verifier"))
	assert.Equal(t, clientAssertionType, form.Get("client_assertion_type"))

	assertion := form.Get("client_assertion")
	require.NotEmpty(t, assertion)
	assertionClaims := jwt.MapClaims{}
	parser := jwt.NewParser()
	_, _, err = parser.ParseUnverified(assertion, assertionClaims)
	require.NoError(t, err)
	assert.Equal(t, "client-1", assertionClaims["iss"])
	assert.Equal(t, peer.srv.URL+"/token", assertionClaims["aud"])
}

func TestCompleteLoginWithoutSigningKeyOmitsClientAssertion(t *testing.T) {
	flow, err := oidcflow.NewLoginFlow("acme", string(domain.AuthorityFederation), "peer-1", "https://idp.example.com/callback")
	require.NoError(t, err)

	peer := newFakePeer(t, flow.Nonce)
	rp := NewRelyingParty(NewResolver(NewMemoryStatementCache(), nil, 0), nil, 0)

	principal, err := rp.CompleteLogin(context.Background(), peerProviderConfig(peer.srv.URL), flow, "code-1")
	require.NoError(t, err)
	assert.Equal(t, "upstream-subject-1", principal.ExternalSubjectID)

	// The unsigned login completes as a plain public-client exchange.
	form := peer.lastTokenForm
	assert.Equal(t, "code-1", form.Get("code"))
	assert.Equal(t, "client-1", form.Get("client_id"))
	assert.Empty(t, form.Get("client_assertion_type"))
	assert.Empty(t, form.Get("client_assertion"))
}

func TestCompleteLoginNonceMismatch(t *testing.T) {
	flow, err := oidcflow.NewLoginFlow("acme", string(domain.AuthorityFederation), "peer-1", "https://idp.example.com/callback")
	require.NoError(t, err)

	peer := newFakePeer(t, "some-other-nonce")
	jwk, _ := testPrivateJWK(t)
	rp := NewRelyingParty(NewResolver(NewMemoryStatementCache(), nil, 0), jwk, 0)

	_, err = rp.CompleteLogin(context.Background(), peerProviderConfig(peer.srv.URL), flow, "code-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestCompleteLoginTokenEndpointDown(t *testing.T) {
	flow, err := oidcflow.NewLoginFlow("acme", string(domain.AuthorityFederation), "peer-1", "https://idp.example.com/callback")
	require.NoError(t, err)

	peer := newFakePeer(t, flow.Nonce)
	peer.tokenStatus = http.StatusServiceUnavailable
	jwk, _ := testPrivateJWK(t)
	rp := NewRelyingParty(NewResolver(NewMemoryStatementCache(), nil, 0), jwk, 0)

	_, err = rp.CompleteLogin(context.Background(), peerProviderConfig(peer.srv.URL), flow, "code-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUpstreamUnavailable))
}

func TestCompleteLoginMissingCode(t *testing.T) {
	flow, err := oidcflow.NewLoginFlow("acme", string(domain.AuthorityFederation), "peer-1", "https://idp.example.com/callback")
	require.NoError(t, err)

	jwk, _ := testPrivateJWK(t)
	rp := NewRelyingParty(NewResolver(NewMemoryStatementCache(), nil, 0), jwk, 0)

	_, err = rp.CompleteLogin(context.Background(), peerProviderConfig("https://unused.example.com"), flow, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}
