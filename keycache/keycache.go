// Package keycache resolves per-client cryptographic key material. Results
// are cached by the raw key material, so two clients sharing a JWK set or
// secret share one cached object, and construction is coalesced so that at
// most one build per cache key is ever in flight.
package keycache

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/identra-io/identra/domain"
	"github.com/identra-io/identra/errors"
	"github.com/identra-io/identra/internal/metrics"
)

const (
	// Entries built from a by-value JWK set live for an hour; symmetric
	// secrets are stable and live for a day.
	jwksEntryTTL   = time.Hour
	secretEntryTTL = 24 * time.Hour

	remoteSetTTL = 15 * time.Minute
	maxEntries   = 100

	fetchTimeout = 10 * time.Second
)

// KeyUse selects which capability is resolved. Validators and encrypters
// are cached independently even for the same JWK set value.
type KeyUse string

const (
	UseSignature  KeyUse = "sig"
	UseEncryption KeyUse = "enc"
)

// Material is ready-to-use key material for one client and algorithm.
type Material struct {
	// Algorithm the material was resolved for.
	Algorithm jose.SignatureAlgorithm

	// Key is the selected asymmetric JWK. Nil for symmetric material.
	Key *jose.JSONWebKey

	// Secret is the derived symmetric key. Nil for asymmetric material.
	Secret []byte
}

// Symmetric reports whether the material is a client-secret-derived key.
func (m *Material) Symmetric() bool { return m.Secret != nil }

// Service is the key material cache. Safe for concurrent use.
type Service struct {
	entries    *ttlcache.Cache[string, *Material]
	remoteSets *ttlcache.Cache[string, string]
	group      singleflight.Group
	httpClient *http.Client
}

// New creates a Service and starts its expiry janitors.
func New() *Service {
	s := &Service{
		entries: ttlcache.New(
			ttlcache.WithCapacity[string, *Material](maxEntries),
			ttlcache.WithDisableTouchOnHit[string, *Material](),
		),
		remoteSets: ttlcache.New(
			ttlcache.WithTTL[string, string](remoteSetTTL),
			ttlcache.WithCapacity[string, string](maxEntries),
		),
		httpClient: &http.Client{Timeout: fetchTimeout},
	}
	go s.entries.Start()
	go s.remoteSets.Start()
	return s
}

// Stop terminates the expiry janitors.
func (s *Service) Stop() {
	s.entries.Stop()
	s.remoteSets.Stop()
}

// Invalidate drops every cached entry. Called when client or provider
// configuration changes.
func (s *Service) Invalidate() {
	s.entries.DeleteAll()
	s.remoteSets.DeleteAll()
}

// ResolveValidator returns key material suitable for validating tokens
// issued by the client under the given algorithm.
func (s *Service) ResolveValidator(ctx context.Context, client *domain.Client, alg string) (*Material, error) {
	return s.resolve(ctx, client, alg, UseSignature)
}

// ResolveEncrypter returns key material suitable for encrypting tokens to
// the client. The algorithm names the key management algorithm family
// (e.g. RSA-OAEP); key selection prefers keys marked use=enc.
func (s *Service) ResolveEncrypter(ctx context.Context, client *domain.Client, alg string) (*Material, error) {
	return s.resolve(ctx, client, alg, UseEncryption)
}

func (s *Service) resolve(ctx context.Context, client *domain.Client, alg string, use KeyUse) (*Material, error) {
	if use == UseSignature && !SupportedAlgorithm(alg) {
		return nil, errors.New(errors.KindUnsupportedAlg, fmt.Sprintf("algorithm %q is not supported", alg))
	}

	if use == UseSignature && symmetricAlgorithm(alg) {
		if client.Secret == "" {
			return nil, errors.New(errors.KindKeyUnavailable,
				fmt.Sprintf("client %s has no secret configured for %s", client.ID, alg))
		}
		return s.load(ctx, cacheKey(use, alg, client.Secret), secretEntryTTL, func() (*Material, error) {
			return deriveSymmetric(client.Secret, alg)
		})
	}

	rawSet, err := s.rawKeySet(ctx, client)
	if err != nil {
		return nil, err
	}
	return s.load(ctx, cacheKey(use, alg, rawSet), jwksEntryTTL, func() (*Material, error) {
		return selectFromSet(rawSet, alg, use)
	})
}

// load answers from the cache or coalesces concurrent misses into a single
// construction.
func (s *Service) load(ctx context.Context, key string, ttl time.Duration, build func() (*Material, error)) (*Material, error) {
	if item := s.entries.Get(key); item != nil {
		metrics.KeyCacheHitsTotal.Inc()
		return item.Value(), nil
	}
	metrics.KeyCacheMissesTotal.Inc()

	v, err, _ := s.group.Do(key, func() (any, error) {
		// Re-check after winning the flight; a concurrent caller may have
		// populated the entry.
		if item := s.entries.Get(key); item != nil {
			return item.Value(), nil
		}
		m, err := build()
		if err != nil {
			return nil, err
		}
		s.entries.Set(key, m, ttl)
		return m, nil
	})
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("key material construction failed")
		return nil, err
	}
	return v.(*Material), nil
}

// rawKeySet returns the client's JWK set JSON, preferring the by-value set
// and falling back to the remote URI (fetched through its own URI-keyed
// cache).
func (s *Service) rawKeySet(ctx context.Context, client *domain.Client) (string, error) {
	if client.JWKS != "" {
		return client.JWKS, nil
	}
	if client.JWKSUri == "" {
		return "", errors.New(errors.KindKeyUnavailable,
			fmt.Sprintf("client %s has neither jwks nor jwks_uri configured", client.ID))
	}

	if item := s.remoteSets.Get(client.JWKSUri); item != nil {
		return item.Value(), nil
	}

	v, err, _ := s.group.Do("fetch:"+client.JWKSUri, func() (any, error) {
		if item := s.remoteSets.Get(client.JWKSUri); item != nil {
			return item.Value(), nil
		}
		raw, err := s.fetchKeySet(ctx, client.JWKSUri)
		if err != nil {
			return nil, err
		}
		s.remoteSets.Set(client.JWKSUri, raw, ttlcache.DefaultTTL)
		return raw, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *Service) fetchKeySet(ctx context.Context, uri string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return "", errors.Wrap(errors.KindKeyUnavailable, "invalid jwks_uri", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(errors.KindKeyUnavailable, "jwks_uri fetch failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errors.New(errors.KindKeyUnavailable,
			fmt.Sprintf("jwks_uri returned status %d", resp.StatusCode))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errors.Wrap(errors.KindKeyUnavailable, "jwks_uri read failed", err)
	}
	return string(body), nil
}

// selectFromSet parses a JWK set and picks the key matching the requested
// algorithm and use. Keys without use/alg restrictions count as matches.
func selectFromSet(rawSet, alg string, use KeyUse) (*Material, error) {
	var set jose.JSONWebKeySet
	if err := json.Unmarshal([]byte(rawSet), &set); err != nil {
		log.Warn().Err(err).Msg("malformed JWK set")
		return nil, errors.Wrap(errors.KindKeyUnavailable, "malformed JWK set", err)
	}

	var fallback *jose.JSONWebKey
	for i := range set.Keys {
		k := &set.Keys[i]
		if k.Use != "" && k.Use != string(use) {
			continue
		}
		if k.Algorithm == alg {
			return &Material{Algorithm: jose.SignatureAlgorithm(alg), Key: k}, nil
		}
		if k.Algorithm == "" && fallback == nil {
			fallback = k
		}
	}
	if fallback != nil {
		return &Material{Algorithm: jose.SignatureAlgorithm(alg), Key: fallback}, nil
	}
	return nil, errors.New(errors.KindKeyUnavailable,
		fmt.Sprintf("no key usable for %s/%s in JWK set", alg, use))
}

// deriveSymmetric derives a fixed-length key from the client secret using
// the hash of the requested HMAC algorithm. The derivation is
// deterministic, so equal secrets map to equal keys.
func deriveSymmetric(secret, alg string) (*Material, error) {
	var key []byte
	switch alg {
	case "HS256":
		sum := sha256.Sum256([]byte(secret))
		key = sum[:]
	case "HS384":
		sum := sha512.Sum384([]byte(secret))
		key = sum[:]
	case "HS512":
		sum := sha512.Sum512([]byte(secret))
		key = sum[:]
	default:
		return nil, errors.New(errors.KindUnsupportedAlg, fmt.Sprintf("algorithm %q is not an HMAC family", alg))
	}
	return &Material{Algorithm: jose.SignatureAlgorithm(alg), Secret: key}, nil
}

func cacheKey(use KeyUse, alg, material string) string {
	return string(use) + ":" + alg + ":" + material
}

var supportedAlgs = map[string]struct{}{
	"RS256": {}, "RS384": {}, "RS512": {},
	"ES256": {}, "ES384": {}, "ES512": {},
	"PS256": {}, "PS384": {}, "PS512": {},
	"HS256": {}, "HS384": {}, "HS512": {},
}

// SupportedAlgorithm reports whether alg is in the supported signing set.
func SupportedAlgorithm(alg string) bool {
	_, ok := supportedAlgs[alg]
	return ok
}

func symmetricAlgorithm(alg string) bool {
	switch alg {
	case "HS256", "HS384", "HS512":
		return true
	}
	return false
}
