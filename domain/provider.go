package domain

import "time"

// Authority identifies the protocol family of an identity provider.
type Authority string

const (
	AuthorityInternal   Authority = "internal"
	AuthorityOIDC       Authority = "oidc"
	AuthorityFederation Authority = "openid-federation"
	AuthoritySAML       Authority = "saml"
	AuthorityWebAuthn   Authority = "webauthn"
)

// ProviderConfig is the immutable configuration of one identity provider
// within a realm. Instances are looked up by (authority, providerID) or
// enumerated per realm and must never be mutated after construction.
type ProviderConfig struct {
	Authority  Authority `bson:"authority" json:"authority"`
	ProviderID string    `bson:"provider_id" json:"provider_id"`
	Realm      string    `bson:"realm" json:"realm"`

	// RepositoryID selects the account partition used for identities
	// authenticated by this provider. It usually equals ProviderID.
	RepositoryID string `bson:"repository_id" json:"repository_id"`

	// Config carries provider-specific settings (issuer URI, client id,
	// scopes, entity id, ...). Values are read through the typed accessors
	// below; unknown keys are preserved.
	Config map[string]any `bson:"config" json:"config"`

	// TrustMaterial holds the provider's trust configuration: a JWK set
	// for federation trust anchors, PEM material for SAML, etc.
	TrustMaterial string `bson:"trust_material,omitempty" json:"trust_material,omitempty"`

	Enabled   bool      `bson:"enabled" json:"enabled"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// ConfigString returns a string-valued config entry, or "" when absent.
func (p *ProviderConfig) ConfigString(key string) string {
	if p.Config == nil {
		return ""
	}
	s, _ := p.Config[key].(string)
	return s
}

// ConfigStrings returns a []string config entry. Both native []string and
// []any JSON decodings are accepted.
func (p *ProviderConfig) ConfigStrings(key string) []string {
	if p.Config == nil {
		return nil
	}
	switch v := p.Config[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Well-known provider config keys.
const (
	ConfigKeyIssuer       = "issuer"
	ConfigKeyClientID     = "client_id"
	ConfigKeyClientSecret = "client_secret"
	ConfigKeyScopes       = "scopes"
	ConfigKeyEntityID     = "entity_id"
	ConfigKeyRedirectURI  = "redirect_uri"
	ConfigKeyACRValues    = "acr_values"
	ConfigKeyClaims       = "claims"
)
