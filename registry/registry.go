// Package registry holds the per-realm identity provider configuration
// table. It is the single source of truth consumed by the dispatcher, the
// federation resolver and the wire surfaces.
package registry

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/identra-io/identra/domain"
	"github.com/identra-io/identra/errors"
)

type providerKey struct {
	authority  domain.Authority
	providerID string
}

// Registry is a read-mostly lookup table of ProviderConfigs. Updates swap
// whole configs atomically; readers never observe a partially-updated
// entry.
type Registry struct {
	mu        sync.RWMutex
	providers map[providerKey]*domain.ProviderConfig
	byRealm   map[string][]*domain.ProviderConfig
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		providers: make(map[providerKey]*domain.ProviderConfig),
		byRealm:   make(map[string][]*domain.ProviderConfig),
	}
}

// Load replaces the registry contents with the configs held by the store.
func Load(ctx context.Context, store domain.ProviderStore, realms []string) (*Registry, error) {
	r := New()
	for _, realm := range realms {
		configs, err := store.ListProviders(ctx, realm)
		if err != nil {
			return nil, err
		}
		for _, cfg := range configs {
			r.Put(cfg)
		}
		log.Ctx(ctx).Info().Str("realm", realm).Int("providers", len(configs)).
			Msg("provider registry loaded")
	}
	return r, nil
}

// FindByProviderID returns the config registered under (authority, id).
func (r *Registry) FindByProviderID(authority domain.Authority, id string) (*domain.ProviderConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.providers[providerKey{authority: authority, providerID: id}]
	if !ok {
		return nil, errors.ErrProviderNotFound
	}
	return cfg, nil
}

// ListByRealm returns all configs registered for a realm, in insertion
// order. The returned slice is a copy.
func (r *Registry) ListByRealm(realm string) []*domain.ProviderConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	configs := r.byRealm[realm]
	out := make([]*domain.ProviderConfig, len(configs))
	copy(out, configs)
	return out
}

// Put registers or replaces a provider config. The config must not be
// mutated afterwards.
func (r *Registry) Put(cfg *domain.ProviderConfig) {
	key := providerKey{authority: cfg.Authority, providerID: cfg.ProviderID}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.providers[key]; ok {
		r.removeFromRealmLocked(old)
	}
	r.providers[key] = cfg
	r.byRealm[cfg.Realm] = append(r.byRealm[cfg.Realm], cfg)
}

// Remove drops a provider config. Removing an unknown provider is a no-op.
func (r *Registry) Remove(authority domain.Authority, id string) {
	key := providerKey{authority: authority, providerID: id}

	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, ok := r.providers[key]
	if !ok {
		return
	}
	delete(r.providers, key)
	r.removeFromRealmLocked(cfg)
}

func (r *Registry) removeFromRealmLocked(cfg *domain.ProviderConfig) {
	configs := r.byRealm[cfg.Realm]
	for i, c := range configs {
		if c == cfg {
			r.byRealm[cfg.Realm] = append(configs[:i:i], configs[i+1:]...)
			return
		}
	}
}
