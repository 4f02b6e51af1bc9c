package authn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/identra-io/identra/domain"
	"github.com/identra-io/identra/errors"
	"github.com/identra-io/identra/internal/oidcflow"
	"github.com/identra-io/identra/registry"
)

type fakeRedirectAuthenticator struct {
	principal *domain.ExternalPrincipal
	err       error
}

func (f *fakeRedirectAuthenticator) BeginLogin(_ context.Context, cfg *domain.ProviderConfig, flow *oidcflow.LoginFlow) (string, error) {
	return "https://upstream.example.com/authorize?state=" + flow.State, nil
}

func (f *fakeRedirectAuthenticator) CompleteLogin(_ context.Context, _ *domain.ProviderConfig, _ *oidcflow.LoginFlow, _ string) (*domain.ExternalPrincipal, error) {
	return f.principal, f.err
}

func newDispatcher(t *testing.T, configs ...*domain.ProviderConfig) (*Dispatcher, *memAccountStore, *oidcflow.FlowStore) {
	t.Helper()
	reg := registry.New()
	for _, cfg := range configs {
		reg.Put(cfg)
	}
	accounts := newMemAccountStore()
	flows := oidcflow.NewFlowStore()
	t.Cleanup(flows.Stop)
	d := NewDispatcher(reg, flows, NewResolver(accounts, newMemSubjectStore()))
	return d, accounts, flows
}

func internalProviderConfig() *domain.ProviderConfig {
	return &domain.ProviderConfig{
		Authority:    domain.AuthorityInternal,
		ProviderID:   "local",
		RepositoryID: "local",
		Realm:        "acme",
		Enabled:      true,
	}
}

func seedPasswordAccount(t *testing.T, accounts *memAccountStore, username, password string) {
	t.Helper()
	hash, err := HashPassword(password)
	require.NoError(t, err)
	now := time.Now()
	_, err = accounts.SaveAccount(context.Background(), &domain.UserAccount{
		RepositoryID:      "local",
		ExternalSubjectID: username,
		Realm:             "acme",
		Status:            domain.AccountStatusActive,
		Username:          username,
		PasswordHash:      hash,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	require.NoError(t, err)
}

func TestLoginWithPassword(t *testing.T) {
	d, accounts, _ := newDispatcher(t, internalProviderConfig())
	d.RegisterDirect(domain.AuthorityInternal, NewPasswordAuthenticator(accounts))
	seedPasswordAccount(t, accounts, "jo", "hunter2!")

	result, err := d.Login(context.Background(), "acme", domain.AuthorityInternal, "local", Credentials{
		Username: "jo",
		Password: "hunter2!",
	})
	require.NoError(t, err)
	assert.Equal(t, StateAuthenticated, result.State)
	assert.Equal(t, "acme", result.Authentication.Realm)
	assert.Equal(t, "local", result.Authentication.Provider)
	assert.NotEmpty(t, result.Authentication.SubjectID)
}

func TestLoginWrongPassword(t *testing.T) {
	d, accounts, _ := newDispatcher(t, internalProviderConfig())
	d.RegisterDirect(domain.AuthorityInternal, NewPasswordAuthenticator(accounts))
	seedPasswordAccount(t, accounts, "jo", "hunter2!")

	result, err := d.Login(context.Background(), "acme", domain.AuthorityInternal, "local", Credentials{
		Username: "jo",
		Password: "wrong",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
	assert.Equal(t, StateFailed, result.State)
}

func TestLoginUnknownUserFailsLikeWrongPassword(t *testing.T) {
	d, accounts, _ := newDispatcher(t, internalProviderConfig())
	d.RegisterDirect(domain.AuthorityInternal, NewPasswordAuthenticator(accounts))
	seedPasswordAccount(t, accounts, "jo", "hunter2!")

	_, errUnknown := d.Login(context.Background(), "acme", domain.AuthorityInternal, "local", Credentials{
		Username: "nobody", Password: "hunter2!",
	})
	_, errWrong := d.Login(context.Background(), "acme", domain.AuthorityInternal, "local", Credentials{
		Username: "jo", Password: "wrong",
	})
	require.Error(t, errUnknown)
	require.Error(t, errWrong)
	assert.Equal(t, errUnknown.Error(), errWrong.Error())
}

func TestLoginUnknownProvider(t *testing.T) {
	d, _, _ := newDispatcher(t)

	result, err := d.Login(context.Background(), "acme", domain.AuthorityInternal, "nope", Credentials{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
	assert.Equal(t, StateFailed, result.State)
}

func TestLoginDisabledProvider(t *testing.T) {
	cfg := internalProviderConfig()
	cfg.Enabled = false
	d, accounts, _ := newDispatcher(t, cfg)
	d.RegisterDirect(domain.AuthorityInternal, NewPasswordAuthenticator(accounts))

	_, err := d.Login(context.Background(), "acme", domain.AuthorityInternal, "local", Credentials{
		Username: "jo", Password: "hunter2!",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestLoginRealmMismatch(t *testing.T) {
	d, accounts, _ := newDispatcher(t, internalProviderConfig())
	d.RegisterDirect(domain.AuthorityInternal, NewPasswordAuthenticator(accounts))

	_, err := d.Login(context.Background(), "globex", domain.AuthorityInternal, "local", Credentials{
		Username: "jo", Password: "hunter2!",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestRedirectLoginRoundTrip(t *testing.T) {
	cfg := &domain.ProviderConfig{
		Authority:    domain.AuthorityOIDC,
		ProviderID:   "upstream-1",
		RepositoryID: "upstream-1",
		Realm:        "acme",
		Enabled:      true,
	}
	d, _, flows := newDispatcher(t, cfg)
	d.RegisterRedirect(domain.AuthorityOIDC, &fakeRedirectAuthenticator{principal: testPrincipal()})

	authURL, err := d.BeginRedirect(context.Background(), "acme", domain.AuthorityOIDC, "upstream-1", "https://idp.example.com/callback")
	require.NoError(t, err)
	assert.Contains(t, authURL, "https://upstream.example.com/authorize?state=")

	state := authURL[len("https://upstream.example.com/authorize?state="):]
	result, err := d.CompleteRedirect(context.Background(), state, "code-1")
	require.NoError(t, err)
	assert.Equal(t, StateAuthenticated, result.State)
	assert.Equal(t, "acme", result.Authentication.Realm)

	// The flow is consumed; replaying the callback fails.
	_, err = d.CompleteRedirect(context.Background(), state, "code-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

	_, err = flows.Consume(context.Background(), state)
	assert.ErrorIs(t, err, oidcflow.ErrFlowNotFound)
}

func TestCompleteRedirectUnknownState(t *testing.T) {
	d, _, _ := newDispatcher(t)

	result, err := d.CompleteRedirect(context.Background(), "never-issued", "code-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
	assert.Equal(t, StateFailed, result.State)
}

func TestCompleteRedirectUpstreamFailure(t *testing.T) {
	cfg := &domain.ProviderConfig{
		Authority:    domain.AuthorityOIDC,
		ProviderID:   "upstream-1",
		RepositoryID: "upstream-1",
		Realm:        "acme",
		Enabled:      true,
	}
	d, _, _ := newDispatcher(t, cfg)
	d.RegisterRedirect(domain.AuthorityOIDC, &fakeRedirectAuthenticator{
		err: errors.New(errors.KindUpstreamUnavailable, "token endpoint down"),
	})

	authURL, err := d.BeginRedirect(context.Background(), "acme", domain.AuthorityOIDC, "upstream-1", "https://idp.example.com/callback")
	require.NoError(t, err)
	state := authURL[len("https://upstream.example.com/authorize?state="):]

	result, err := d.CompleteRedirect(context.Background(), state, "code-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUpstreamUnavailable))
	assert.Equal(t, StateFailed, result.State)
}
