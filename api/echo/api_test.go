package echo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	josejwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/identra-io/identra/authn"
	"github.com/identra-io/identra/domain"
	"github.com/identra-io/identra/errors"
	"github.com/identra-io/identra/federation"
	"github.com/identra-io/identra/internal/oidcflow"
	"github.com/identra-io/identra/jwks"
	"github.com/identra-io/identra/keycache"
	"github.com/identra-io/identra/registry"
	"github.com/identra-io/identra/token"
)

const testIssuer = "https://idp.example.com"

type fakeClientStore struct {
	mu      sync.Mutex
	clients map[string]*domain.Client
}

func newFakeClientStore(clients ...*domain.Client) *fakeClientStore {
	s := &fakeClientStore{clients: make(map[string]*domain.Client)}
	for _, c := range clients {
		s.clients[c.ID] = c
	}
	return s
}

func (s *fakeClientStore) GetClient(_ context.Context, clientID string) (*domain.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[clientID]
	if !ok {
		return nil, errors.ErrClientNotFound
	}
	return c, nil
}

type memAccountStore struct {
	mu       sync.Mutex
	accounts map[string]*domain.UserAccount
}

func (s *memAccountStore) key(repositoryID, externalSubjectID string) string {
	return repositoryID + "/" + externalSubjectID
}

func (s *memAccountStore) FindAccount(_ context.Context, repositoryID, externalSubjectID string) (*domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[s.key(repositoryID, externalSubjectID)]
	if !ok {
		return nil, errors.ErrAccountNotFound
	}
	clone := *a
	return &clone, nil
}

func (s *memAccountStore) SaveAccount(_ context.Context, account *domain.UserAccount) (*domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.accounts == nil {
		s.accounts = make(map[string]*domain.UserAccount)
	}
	clone := *account
	s.accounts[s.key(account.RepositoryID, account.ExternalSubjectID)] = &clone
	return account, nil
}

func (s *memAccountStore) DeleteAccount(_ context.Context, repositoryID, externalSubjectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, s.key(repositoryID, externalSubjectID))
	return nil
}

func (s *memAccountStore) ListAccountsBySubject(_ context.Context, _ string) ([]*domain.UserAccount, error) {
	return nil, nil
}

type memSubjectStore struct {
	mu       sync.Mutex
	subjects map[string]*domain.Subject
}

func (s *memSubjectStore) FindSubject(_ context.Context, uuid string) (*domain.Subject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subject, ok := s.subjects[uuid]
	if !ok {
		return nil, errors.ErrSubjectNotFound
	}
	clone := *subject
	return &clone, nil
}

func (s *memSubjectStore) AddSubject(_ context.Context, subject *domain.Subject) (*domain.Subject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subjects == nil {
		s.subjects = make(map[string]*domain.Subject)
	}
	clone := *subject
	s.subjects[subject.SubjectID] = &clone
	return subject, nil
}

func (s *memSubjectStore) DeleteSubject(_ context.Context, uuid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subjects, uuid)
	return nil
}

type testServer struct {
	api      *ServerAPI
	echo     *echo.Echo
	keys     *jwks.Service
	clients  *fakeClientStore
	accounts *memAccountStore
	minter   *token.Minter
}

func newTestServer(t *testing.T, clients ...*domain.Client) *testServer {
	t.Helper()

	keys, err := jwks.New(0)
	require.NoError(t, err)
	t.Cleanup(keys.Stop)

	kc := keycache.New()
	t.Cleanup(kc.Stop)

	clientStore := newFakeClientStore(clients...)
	minter := token.NewMinter(clientStore, kc, keys, testIssuer, "")

	reg := registry.New()
	reg.Put(&domain.ProviderConfig{
		Authority:    domain.AuthorityInternal,
		ProviderID:   "local",
		RepositoryID: "local",
		Realm:        "acme",
		Enabled:      true,
	})

	accounts := &memAccountStore{}
	flows := oidcflow.NewFlowStore()
	t.Cleanup(flows.Stop)

	dispatcher := authn.NewDispatcher(reg, flows, authn.NewResolver(accounts, &memSubjectStore{}))
	dispatcher.RegisterDirect(domain.AuthorityInternal, authn.NewPasswordAuthenticator(accounts))

	metadata := federation.NewMetadataPublisher(testIssuer, testIssuer, keys)

	api := NewServerAPI(testIssuer, dispatcher, minter, keys, clientStore, metadata)
	e := echo.New()
	api.RegisterRoutes(e)

	return &testServer{api: api, echo: e, keys: keys, clients: clientStore, accounts: accounts, minter: minter}
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.echo.ServeHTTP(rec, req)
	return rec
}

func testClient() *domain.Client {
	return &domain.Client{
		ID:              "client-1",
		Realm:           "acme",
		Name:            "Test Client",
		RedirectURIs:    []string{"https://rp.example.com/callback"},
		PostLogoutURIs:  []string{"https://rp.example.com/bye"},
		IDTokenLifetime: 3600,
		Active:          true,
	}
}

func TestDiscoveryDocument(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/.well-known/openid-configuration", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, testIssuer, doc["issuer"])
	assert.Equal(t, testIssuer+"/jwk", doc["jwks_uri"])
	assert.Contains(t, doc["id_token_signing_alg_values_supported"], "RS256")
	assert.Contains(t, doc["id_token_signing_alg_values_supported"], "none")
	assert.Contains(t, doc["code_challenge_methods_supported"], "S256")
}

func TestDiscoveryDocumentInvalidatedOnRotation(t *testing.T) {
	ts := newTestServer(t)

	first := ts.api.discovery.document()
	again := ts.api.discovery.document()
	assert.Same(t, first, again)

	require.NoError(t, ts.keys.Rotate())
	rebuilt := ts.api.discovery.document()
	assert.NotSame(t, first, rebuilt)
}

func TestJWKSEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/jwk", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var set struct {
		Keys []map[string]any `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &set))
	require.NotEmpty(t, set.Keys)
	for _, key := range set.Keys {
		// Private parameters must never appear.
		assert.NotContains(t, key, "d")
		assert.NotContains(t, key, "p")
		assert.NotContains(t, key, "q")
		assert.NotEmpty(t, key["kid"])
	}
}

func TestEntityStatementEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/.well-known/openid-federation", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, federation.EntityStatementContentType, rec.Header().Get(echo.HeaderContentType))
	assert.Equal(t, 3, len(strings.Split(rec.Body.String(), ".")))
}

func seedLoginAccount(t *testing.T, ts *testServer) {
	t.Helper()
	hash, err := authn.HashPassword("hunter2!")
	require.NoError(t, err)
	_, err = ts.accounts.SaveAccount(context.Background(), &domain.UserAccount{
		RepositoryID:      "local",
		ExternalSubjectID: "jo",
		Realm:             "acme",
		Status:            domain.AccountStatusActive,
		Username:          "jo",
		PasswordHash:      hash,
	})
	require.NoError(t, err)
}

func TestLoginEndpointMintsIDToken(t *testing.T) {
	ts := newTestServer(t, testClient())
	seedLoginAccount(t, ts)

	form := "username=jo&password=hunter2%21&client_id=client-1&nonce=n-1"
	req := httptest.NewRequest(http.MethodPost, "/realms/acme/login", strings.NewReader(form))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)

	rec := ts.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		SubjectID string `json:"subject_id"`
		Realm     string `json:"realm"`
		IDToken   string `json:"id_token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "acme", resp.Realm)
	require.NotEmpty(t, resp.IDToken)

	parsed, err := josejwt.ParseSigned(resp.IDToken, endSessionSigAlgs)
	require.NoError(t, err)
	set := ts.keys.PublicKeys()
	claims := josejwt.Claims{}
	require.NoError(t, parsed.Claims(&set, &claims))
	assert.Equal(t, testIssuer, claims.Issuer)
	assert.Equal(t, resp.SubjectID, claims.Subject)
	assert.Contains(t, claims.Audience, "client-1")
}

func TestLoginEndpointRejectsBadCredentials(t *testing.T) {
	ts := newTestServer(t, testClient())
	seedLoginAccount(t, ts)

	form := "username=jo&password=wrong"
	req := httptest.NewRequest(http.MethodPost, "/realms/acme/login", strings.NewReader(form))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)

	rec := ts.do(req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var oauthErr map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &oauthErr))
	assert.Equal(t, errors.CodeInvalidRequest, oauthErr["error"])
}

func mintHint(t *testing.T, ts *testServer, clientID string) string {
	t.Helper()
	raw, err := ts.minter.MintIDToken(context.Background(), &token.Request{
		ClientID: clientID,
		Authentication: &domain.Authentication{
			SubjectID: "subject-1",
			Realm:     "acme",
			Name:      "subject-1",
		},
		AuthTime: time.Now(),
	})
	require.NoError(t, err)
	return raw
}

func TestEndSessionWithRegisteredRedirect(t *testing.T) {
	ts := newTestServer(t, testClient())
	hint := mintHint(t, ts, "client-1")

	target := "/oauth2/end_session?id_token_hint=" + hint +
		"&post_logout_redirect_uri=https%3A%2F%2Frp.example.com%2Fbye&state=s-1"
	rec := ts.do(httptest.NewRequest(http.MethodGet, target, nil))

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://rp.example.com/bye?state=s-1", rec.Header().Get(echo.HeaderLocation))
}

func TestEndSessionDropsUnregisteredRedirect(t *testing.T) {
	ts := newTestServer(t, testClient())
	hint := mintHint(t, ts, "client-1")

	target := "/oauth2/end_session?id_token_hint=" + hint +
		"&post_logout_redirect_uri=https%3A%2F%2Fevil.example.com%2Fphish"
	rec := ts.do(httptest.NewRequest(http.MethodGet, target, nil))

	// Logout succeeds, the unregistered redirect is dropped.
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get(echo.HeaderLocation))
}

func TestEndSessionDropsRedirectOnForeignHint(t *testing.T) {
	ts := newTestServer(t, testClient())

	// A hint signed by a different key set.
	other := newTestServer(t, testClient())
	foreignHint := mintHint(t, other, "client-1")

	target := "/oauth2/end_session?id_token_hint=" + foreignHint +
		"&post_logout_redirect_uri=https%3A%2F%2Frp.example.com%2Fbye"
	rec := ts.do(httptest.NewRequest(http.MethodGet, target, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get(echo.HeaderLocation))
}

func TestEndSessionWithoutRedirectSucceeds(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/oauth2/end_session", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestEndSessionDropsRedirectWithoutHint(t *testing.T) {
	ts := newTestServer(t, testClient())

	target := "/oauth2/end_session?post_logout_redirect_uri=https%3A%2F%2Frp.example.com%2Fbye"
	rec := ts.do(httptest.NewRequest(http.MethodGet, target, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get(echo.HeaderLocation))
}
