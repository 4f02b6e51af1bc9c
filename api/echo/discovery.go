package echo

import (
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"

	"github.com/identra-io/identra/jwks"
	"github.com/identra-io/identra/keycache"
)

// discoveryDocument is the OpenID provider configuration served at
// /.well-known/openid-configuration.
type discoveryDocument struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	EndSessionEndpoint                string   `json:"end_session_endpoint"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValues           []string `json:"id_token_signing_alg_values_supported"`
	IDTokenEncryptionAlgValues        []string `json:"id_token_encryption_alg_values_supported"`
	IDTokenEncryptionEncValues        []string `json:"id_token_encryption_enc_values_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
}

// discoveryCache computes the document once and reuses it until key
// material changes.
type discoveryCache struct {
	issuer string

	mu  sync.Mutex
	doc *discoveryDocument
}

func newDiscoveryCache(issuer string, keys *jwks.Service) *discoveryCache {
	c := &discoveryCache{issuer: issuer}
	keys.OnRotate(c.invalidate)
	return c
}

func (c *discoveryCache) invalidate() {
	c.mu.Lock()
	c.doc = nil
	c.mu.Unlock()
}

func (c *discoveryCache) document() *discoveryDocument {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.doc != nil {
		return c.doc
	}

	signingAlgs := make([]string, 0, 10)
	for _, alg := range []string{
		"RS256", "RS384", "RS512",
		"ES256", "ES384", "ES512",
		"PS256", "PS384", "PS512",
		"HS256", "HS384", "HS512",
	} {
		if keycache.SupportedAlgorithm(alg) {
			signingAlgs = append(signingAlgs, alg)
		}
	}
	signingAlgs = append(signingAlgs, "none")

	c.doc = &discoveryDocument{
		Issuer:                     c.issuer,
		AuthorizationEndpoint:      c.issuer + "/oauth2/authorize",
		TokenEndpoint:              c.issuer + "/oauth2/token",
		JWKSURI:                    c.issuer + "/jwk",
		EndSessionEndpoint:         c.issuer + "/oauth2/end_session",
		ScopesSupported:            []string{"openid", "profile", "email"},
		ResponseTypesSupported:     []string{"code", "id_token", "code id_token"},
		GrantTypesSupported:        []string{"authorization_code", "refresh_token"},
		SubjectTypesSupported:      []string{"public"},
		IDTokenSigningAlgValues:    signingAlgs,
		IDTokenEncryptionAlgValues: []string{"RSA-OAEP", "RSA-OAEP-256", "ECDH-ES", "A128KW", "A256KW", "dir"},
		IDTokenEncryptionEncValues: []string{"A128CBC-HS256", "A192CBC-HS384", "A256CBC-HS512", "A128GCM", "A256GCM"},
		TokenEndpointAuthMethodsSupported: []string{
			"client_secret_basic", "client_secret_post", "private_key_jwt",
		},
		CodeChallengeMethodsSupported: []string{"S256"},
	}
	return c.doc
}

// DiscoveryHandler serves the cached provider configuration.
func (a *ServerAPI) DiscoveryHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, a.discovery.document())
}
