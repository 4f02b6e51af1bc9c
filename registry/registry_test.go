package registry_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/identra-io/identra/domain"
	"github.com/identra-io/identra/errors"
	"github.com/identra-io/identra/registry"
)

func newConfig(authority domain.Authority, id, realm string) *domain.ProviderConfig {
	return &domain.ProviderConfig{
		Authority:    authority,
		ProviderID:   id,
		Realm:        realm,
		RepositoryID: id,
		Enabled:      true,
	}
}

func TestRegistry_FindByProviderID(t *testing.T) {
	r := registry.New()
	cfg := newConfig(domain.AuthorityOIDC, "google", "acme")
	r.Put(cfg)

	found, err := r.FindByProviderID(domain.AuthorityOIDC, "google")
	require.NoError(t, err)
	assert.Same(t, cfg, found)

	_, err = r.FindByProviderID(domain.AuthorityOIDC, "missing")
	assert.ErrorIs(t, err, errors.ErrProviderNotFound)

	// Same id under another authority is a distinct entry.
	_, err = r.FindByProviderID(domain.AuthorityFederation, "google")
	assert.ErrorIs(t, err, errors.ErrProviderNotFound)
}

func TestRegistry_ListByRealm(t *testing.T) {
	r := registry.New()
	r.Put(newConfig(domain.AuthorityOIDC, "google", "acme"))
	r.Put(newConfig(domain.AuthorityInternal, "local", "acme"))
	r.Put(newConfig(domain.AuthorityOIDC, "github", "globex"))

	acme := r.ListByRealm("acme")
	require.Len(t, acme, 2)
	assert.Len(t, r.ListByRealm("globex"), 1)
	assert.Empty(t, r.ListByRealm("unknown"))
}

func TestRegistry_PutReplacesAtomically(t *testing.T) {
	r := registry.New()
	r.Put(newConfig(domain.AuthorityOIDC, "google", "acme"))

	replacement := newConfig(domain.AuthorityOIDC, "google", "acme")
	replacement.Config = map[string]any{domain.ConfigKeyIssuer: "https://accounts.example.com"}
	r.Put(replacement)

	found, err := r.FindByProviderID(domain.AuthorityOIDC, "google")
	require.NoError(t, err)
	assert.Same(t, replacement, found)
	// Replacement must not leave the old entry behind in the realm listing.
	assert.Len(t, r.ListByRealm("acme"), 1)
}

func TestRegistry_Remove(t *testing.T) {
	r := registry.New()
	r.Put(newConfig(domain.AuthorityOIDC, "google", "acme"))
	r.Remove(domain.AuthorityOIDC, "google")

	_, err := r.FindByProviderID(domain.AuthorityOIDC, "google")
	assert.ErrorIs(t, err, errors.ErrProviderNotFound)
	assert.Empty(t, r.ListByRealm("acme"))

	// Removing twice is a no-op.
	r.Remove(domain.AuthorityOIDC, "google")
}

func TestRegistry_ConcurrentReadersAndWriters(t *testing.T) {
	r := registry.New()
	r.Put(newConfig(domain.AuthorityOIDC, "google", "acme"))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				r.Put(newConfig(domain.AuthorityOIDC, "google", "acme"))
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				cfg, err := r.FindByProviderID(domain.AuthorityOIDC, "google")
				require.NoError(t, err)
				// A reader must always see a complete config.
				require.Equal(t, "google", cfg.ProviderID)
				require.Equal(t, "acme", cfg.Realm)
			}
		}()
	}
	wg.Wait()
}
