// Package federation establishes trust with OpenID Federation peers:
// entity statement discovery and validation, signed authorization request
// objects, private-key-jwt client assertions and the relying-party side of
// the code exchange.
package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/identra-io/identra/errors"
	"github.com/identra-io/identra/internal/metrics"
)

// EntityStatement is the validated description of a federation peer. It is
// authoritative only within its validity window; an expired statement must
// not be trusted.
type EntityStatement struct {
	EntityID    string             `json:"entity_id"`
	Issuer      string             `json:"issuer"`
	Subject     string             `json:"subject"`
	Metadata    map[string]any     `json:"metadata"`
	SigningKeys jose.JSONWebKeySet `json:"jwks"`
	IssuedAt    time.Time          `json:"issued_at"`
	ExpiresAt   time.Time          `json:"expires_at"`
	Raw         string             `json:"raw"`
}

// Expired reports whether the statement's validity window has passed.
func (s *EntityStatement) Expired() bool {
	return time.Now().After(s.ExpiresAt)
}

// OPMetadata returns the peer's openid_provider metadata block, if any.
func (s *EntityStatement) OPMetadata() map[string]any {
	m, _ := s.Metadata["openid_provider"].(map[string]any)
	return m
}

// Endpoint returns a string endpoint from the openid_provider metadata.
func (s *EntityStatement) Endpoint(name string) string {
	op := s.OPMetadata()
	if op == nil {
		return ""
	}
	v, _ := op[name].(string)
	return v
}

// StatementCache stores validated statements. Implementations must return
// nothing for expired entries.
type StatementCache interface {
	Get(ctx context.Context, entityID string) (*EntityStatement, bool)
	Set(ctx context.Context, statement *EntityStatement)
	Delete(ctx context.Context, entityID string)
}

// Resolver discovers and validates federation entity statements.
type Resolver struct {
	cache      StatementCache
	httpClient *http.Client

	// trustAnchorKeys, when configured, pin the keys statements must
	// verify against. Without pinning, statements are verified
	// self-signed against their embedded key set.
	trustAnchorKeys *jose.JSONWebKeySet
}

// NewResolver creates a Resolver with a bounded-timeout HTTP client.
func NewResolver(cache StatementCache, trustAnchorKeys *jose.JSONWebKeySet, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Resolver{
		cache:           cache,
		httpClient:      &http.Client{Timeout: timeout},
		trustAnchorKeys: trustAnchorKeys,
	}
}

// Resolve returns the entity statement for entityID, from cache when the
// cached statement is still within its validity window, re-fetching lazily
// otherwise.
func (r *Resolver) Resolve(ctx context.Context, entityID string) (*EntityStatement, error) {
	if cached, ok := r.cache.Get(ctx, entityID); ok {
		if !cached.Expired() {
			return cached, nil
		}
		r.cache.Delete(ctx, entityID)
	}

	raw, err := r.fetch(ctx, entityID)
	if err != nil {
		metrics.FederationResolvesTotal.WithLabelValues("fetch_error").Inc()
		return nil, err
	}

	statement, err := r.validate(entityID, raw)
	if err != nil {
		metrics.FederationResolvesTotal.WithLabelValues("invalid").Inc()
		log.Ctx(ctx).Warn().Err(err).Str("entity_id", entityID).Msg("entity statement rejected")
		return nil, err
	}

	metrics.FederationResolvesTotal.WithLabelValues("ok").Inc()
	r.cache.Set(ctx, statement)
	return statement, nil
}

func (r *Resolver) fetch(ctx context.Context, entityID string) (string, error) {
	u, err := url.Parse(entityID)
	if err != nil {
		return "", errors.Wrap(errors.KindInvalidRequest, "invalid entity id", err)
	}
	u.Path = path.Join(u.Path, ".well-known", "openid-federation")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", errors.Wrap(errors.KindInvalidRequest, "invalid federation endpoint", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(errors.KindUpstreamUnavailable, "entity statement fetch failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errors.New(errors.KindUpstreamUnavailable,
			fmt.Sprintf("entity statement fetch returned status %d", resp.StatusCode))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errors.Wrap(errors.KindUpstreamUnavailable, "entity statement read failed", err)
	}
	return strings.TrimSpace(string(body)), nil
}

// validate parses the statement JWT and verifies its signature. The
// verification keys are the pinned trust anchor keys when configured,
// otherwise the statement's own embedded key set (self-signed entity
// configuration).
func (r *Resolver) validate(entityID, raw string) (*EntityStatement, error) {
	keys := r.trustAnchorKeys
	if keys == nil {
		embedded, err := embeddedKeySet(raw)
		if err != nil {
			return nil, err
		}
		keys = embedded
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, keyfuncFor(keys),
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512", "PS256", "PS384", "PS512"}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return nil, errors.Wrap(errors.KindTrustChainInvalid, "entity statement verification failed", err)
	}

	iss, _ := claims["iss"].(string)
	sub, _ := claims["sub"].(string)
	if iss == "" || sub == "" {
		return nil, errors.New(errors.KindTrustChainInvalid, "entity statement missing iss/sub")
	}
	if sub != entityID {
		return nil, errors.New(errors.KindTrustChainInvalid,
			fmt.Sprintf("entity statement subject %q does not match entity %q", sub, entityID))
	}

	statement := &EntityStatement{
		EntityID: entityID,
		Issuer:   iss,
		Subject:  sub,
		Raw:      raw,
	}
	if metadata, ok := claims["metadata"].(map[string]any); ok {
		statement.Metadata = metadata
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		statement.ExpiresAt = exp.Time
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		statement.IssuedAt = iat.Time
	}

	if set, err := claimedKeySet(claims); err == nil {
		statement.SigningKeys = *set
	}
	return statement, nil
}

// embeddedKeySet extracts the jwks claim from an unverified statement so a
// self-signed statement can be verified against its own declared keys.
func embeddedKeySet(raw string) (*jose.JSONWebKeySet, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
		return nil, errors.Wrap(errors.KindTrustChainInvalid, "unparseable entity statement", err)
	}
	set, err := claimedKeySet(claims)
	if err != nil {
		return nil, err
	}
	return set, nil
}

func claimedKeySet(claims jwt.MapClaims) (*jose.JSONWebKeySet, error) {
	rawSet, ok := claims["jwks"]
	if !ok {
		return nil, errors.New(errors.KindTrustChainInvalid, "entity statement declares no jwks")
	}
	encoded, err := json.Marshal(rawSet)
	if err != nil {
		return nil, errors.Wrap(errors.KindTrustChainInvalid, "malformed jwks claim", err)
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(encoded, &set); err != nil {
		return nil, errors.Wrap(errors.KindTrustChainInvalid, "malformed jwks claim", err)
	}
	if len(set.Keys) == 0 {
		return nil, errors.New(errors.KindTrustChainInvalid, "entity statement jwks is empty")
	}
	return &set, nil
}

// keyfuncFor matches the statement's kid against the key set; a missing
// kid falls back to a single-key set.
func keyfuncFor(set *jose.JSONWebKeySet) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			if len(set.Keys) == 1 {
				return set.Keys[0].Key, nil
			}
			return nil, fmt.Errorf("no kid in header and %d candidate keys", len(set.Keys))
		}
		matches := set.Key(kid)
		if len(matches) == 0 {
			return nil, fmt.Errorf("no key with kid %q", kid)
		}
		return matches[0].Key, nil
	}
}
