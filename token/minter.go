// Package token mints ID tokens and response tokens for granted
// authorizations: claim assembly, signing/encryption algorithm negotiation
// against the client registration, and serialization.
package token

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/identra-io/identra/domain"
	"github.com/identra-io/identra/errors"
	"github.com/identra-io/identra/internal/metrics"
	"github.com/identra-io/identra/jwks"
	"github.com/identra-io/identra/keycache"
)

// AlgorithmNone is the unsigned (plaintext) token algorithm.
const AlgorithmNone = "none"

// Minter produces serialized ID tokens. It has no side effects beyond key
// cache population and is safe for concurrent use.
type Minter struct {
	clients    domain.ClientStore
	keys       *keycache.Service
	serverKeys *jwks.Service
	issuer     string
	defaultAlg string
}

// NewMinter creates a Minter. defaultAlg is the server's signing algorithm
// used when the client does not configure one.
func NewMinter(clients domain.ClientStore, keys *keycache.Service, serverKeys *jwks.Service, issuer, defaultAlg string) *Minter {
	if defaultAlg == "" {
		defaultAlg = "RS256"
	}
	return &Minter{
		clients:    clients,
		keys:       keys,
		serverKeys: serverKeys,
		issuer:     issuer,
		defaultAlg: defaultAlg,
	}
}

// Request describes one token issuance.
type Request struct {
	ClientID string

	// Authentication is the granted authorization the token asserts.
	Authentication *domain.Authentication

	// Nonce is copied verbatim into the claims when non-empty.
	Nonce string

	// ExtraAudience is appended to the audience after the client id.
	ExtraAudience string

	// AccessToken, when non-empty, triggers the at_hash claim.
	AccessToken string

	// MaxAgeRequested marks an explicit max_age in the originating
	// request; together with the client's standing requirement it decides
	// whether auth_time is included.
	MaxAgeRequested bool

	// AuthTime is the authentication timestamp. Zero means unavailable.
	AuthTime time.Time

	// CustomClaims are merged into the payload. Registered claim names
	// are not overridden.
	CustomClaims map[string]any
}

// MintIDToken assembles, signs and optionally encrypts an ID token.
func (m *Minter) MintIDToken(ctx context.Context, req *Request) (string, error) {
	client, err := m.clients.GetClient(ctx, req.ClientID)
	if err != nil {
		return "", errors.Wrap(errors.KindInvalidClient,
			fmt.Sprintf("client %s not found", req.ClientID), err)
	}

	alg := client.IDTokenSignedResponseAlg
	if alg == "" {
		alg = m.defaultAlg
	}
	if alg != AlgorithmNone && !keycache.SupportedAlgorithm(alg) {
		return "", errors.New(errors.KindUnsupportedAlg,
			fmt.Sprintf("client %s requests unsupported algorithm %q", client.ID, alg))
	}

	claims := m.assembleClaims(ctx, client, req, alg)

	serialized, err := m.serialize(ctx, client, alg, claims)
	if err != nil {
		return "", err
	}
	metrics.TokensMintedTotal.Inc()
	return serialized, nil
}

func (m *Minter) assembleClaims(ctx context.Context, client *domain.Client, req *Request, alg string) map[string]any {
	now := time.Now()

	aud := []string{client.ID}
	if req.ExtraAudience != "" && req.ExtraAudience != client.ID {
		aud = append(aud, req.ExtraAudience)
	}

	claims := map[string]any{
		"iss": m.issuer,
		"sub": req.Authentication.Name,
		"aud": aud,
		"iat": now.Unix(),
		"jti": uuid.NewString(),
	}
	if client.IDTokenLifetime > 0 {
		claims["exp"] = now.Add(time.Duration(client.IDTokenLifetime) * time.Second).Unix()
	}

	if req.MaxAgeRequested || client.RequireAuthTime {
		if !req.AuthTime.IsZero() {
			claims["auth_time"] = req.AuthTime.Unix()
		} else {
			// Degraded but non-fatal: the token is minted without the
			// claim.
			log.Ctx(ctx).Warn().Str("client_id", client.ID).
				Msg("auth_time required but no authentication timestamp available")
		}
	}

	if req.Nonce != "" {
		claims["nonce"] = req.Nonce
	}

	if req.AccessToken != "" {
		if h, err := AccessTokenHash(req.AccessToken, alg); err == nil {
			claims["at_hash"] = h
		} else {
			log.Ctx(ctx).Warn().Err(err).Str("alg", alg).Msg("at_hash computation skipped")
		}
	}

	for k, v := range req.CustomClaims {
		if _, taken := claims[k]; !taken {
			claims[k] = v
		}
	}
	return claims
}

// serialize applies the encryption and signing decisions. Encryption is
// used when the client configures both an algorithm and a method and an
// encryption key resolves; a required-but-unresolvable key is fatal, the
// token is never silently downgraded to plaintext.
func (m *Minter) serialize(ctx context.Context, client *domain.Client, alg string, claims map[string]any) (string, error) {
	encrypt := client.IDTokenEncryptedResponseAlg != "" && client.IDTokenEncryptedResponseEnc != ""

	var encrypter jose.Encrypter
	if encrypt {
		material, err := m.keys.ResolveEncrypter(ctx, client, client.IDTokenEncryptedResponseAlg)
		if err != nil {
			return "", err
		}
		opts := (&jose.EncrypterOptions{}).WithType("JWT")
		if alg != AlgorithmNone {
			opts = opts.WithContentType("JWT")
		}
		encrypter, err = jose.NewEncrypter(
			jose.ContentEncryption(client.IDTokenEncryptedResponseEnc),
			jose.Recipient{
				Algorithm: jose.KeyAlgorithm(client.IDTokenEncryptedResponseAlg),
				Key:       material.Key,
			},
			opts,
		)
		if err != nil {
			return "", errors.Wrap(errors.KindKeyUnavailable, "encrypter construction failed", err)
		}
	}

	if alg == AlgorithmNone {
		if encrypt {
			return jwt.Encrypted(encrypter).Claims(claims).Serialize()
		}
		return unsignedToken(claims)
	}

	signer, err := m.signerFor(ctx, client, alg)
	if err != nil {
		return "", err
	}

	if encrypt {
		return jwt.SignedAndEncrypted(signer, encrypter).Claims(claims).Serialize()
	}
	return jwt.Signed(signer).Claims(claims).Serialize()
}

// signerFor picks the signing key: HMAC families use the client-secret
// derived key, asymmetric families use the server's own current key with
// its kid in the header.
func (m *Minter) signerFor(ctx context.Context, client *domain.Client, alg string) (jose.Signer, error) {
	switch alg {
	case "HS256", "HS384", "HS512":
		material, err := m.keys.ResolveValidator(ctx, client, alg)
		if err != nil {
			return nil, err
		}
		signer, err := jose.NewSigner(
			jose.SigningKey{Algorithm: jose.SignatureAlgorithm(alg), Key: material.Secret},
			(&jose.SignerOptions{}).WithType("JWT"),
		)
		if err != nil {
			return nil, errors.Wrap(errors.KindKeyUnavailable, "symmetric signer construction failed", err)
		}
		return signer, nil
	default:
		return m.serverKeys.SignerFor(jose.SignatureAlgorithm(alg))
	}
}

// unsignedToken serializes a plaintext JWT (alg none, empty signature).
func unsignedToken(claims map[string]any) (string, error) {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to marshal claims: %w", err)
	}
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + ".", nil
}
