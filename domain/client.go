package domain

import "time"

// Client is the registration record of an OAuth2/OIDC client within a
// realm. Key material may be supplied by value (JWKS) or by reference
// (JWKSUri); token cryptography preferences are negotiated from the
// algorithm fields at minting time.
//
//nolint:tagliatelle
type Client struct {
	ID             string   `bson:"client_id" json:"client_id"`
	Realm          string   `bson:"realm" json:"realm"`
	Secret         string   `bson:"client_secret,omitempty" json:"-"`
	Name           string   `bson:"client_name" json:"name,omitempty"`
	RedirectURIs   []string `bson:"redirect_uris" json:"redirect_uris,omitempty"`
	PostLogoutURIs []string `bson:"post_logout_redirect_uris,omitempty" json:"post_logout_uris,omitempty"`
	AllowedScopes  []string `bson:"allowed_scopes" json:"allowed_scopes,omitempty"`

	// JWKS is the by-value key set; JWKSUri points at a remote set. The
	// by-value set wins when both are present.
	JWKS    string `bson:"jwks,omitempty" json:"jwks,omitempty"`
	JWKSUri string `bson:"jwks_uri,omitempty" json:"jwks_uri,omitempty"`

	// IDTokenSignedResponseAlg is the signing algorithm for ID tokens.
	// Empty means the server default applies.
	IDTokenSignedResponseAlg    string `bson:"id_token_signed_response_alg,omitempty" json:"id_token_signed_response_alg,omitempty"`
	IDTokenEncryptedResponseAlg string `bson:"id_token_encrypted_response_alg,omitempty" json:"id_token_encrypted_response_alg,omitempty"`
	IDTokenEncryptedResponseEnc string `bson:"id_token_encrypted_response_enc,omitempty" json:"id_token_encrypted_response_enc,omitempty"`

	// IDTokenLifetime is the validity of minted ID tokens in seconds.
	// Zero means tokens carry no expiration claim.
	IDTokenLifetime int64 `bson:"id_token_lifetime,omitempty" json:"id_token_lifetime,omitempty"`

	// RequireAuthTime forces the auth_time claim into every ID token
	// minted for this client, when an authentication timestamp is known.
	RequireAuthTime bool `bson:"require_auth_time" json:"require_auth_time,omitempty"`

	TokenEndpointAuth string    `bson:"token_endpoint_auth_method,omitempty" json:"token_endpoint_auth,omitempty"`
	Active            bool      `bson:"is_active" json:"is_active"`
	CreatedAt         time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt         time.Time `bson:"updated_at" json:"updated_at"`
}

// AllowsPostLogoutRedirect reports whether uri is registered for
// post-logout redirection.
func (c *Client) AllowsPostLogoutRedirect(uri string) bool {
	for _, u := range c.PostLogoutURIs {
		if u == uri {
			return true
		}
	}
	return false
}
