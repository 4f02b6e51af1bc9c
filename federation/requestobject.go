package federation

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/identra-io/identra/errors"
)

// requestObjectLifetime is the iat/exp window of request objects and
// client assertions.
const requestObjectLifetime = 300 * time.Second

// AuthorizationParams are the OAuth2/OIDC parameters carried, in full,
// inside a signed request object.
type AuthorizationParams struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	ACRValues           string

	// RequestedClaims lists ID-token claim names to request; every one is
	// marked essential.
	RequestedClaims []string
}

// BuildRequestObject produces the signed request object for an
// authorization request: a self-contained JWT over every parameter,
// valid for five minutes, signed with the relying party's federation key.
func BuildRequestObject(key *jose.JSONWebKey, params *AuthorizationParams, audience string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":           params.ClientID,
		"aud":           audience,
		"client_id":     params.ClientID,
		"redirect_uri":  params.RedirectURI,
		"response_type": params.ResponseType,
		"scope":         params.Scope,
		"state":         params.State,
		"jti":           uuid.NewString(),
		"iat":           now.Unix(),
		"exp":           now.Add(requestObjectLifetime).Unix(),
	}
	if params.Nonce != "" {
		claims["nonce"] = params.Nonce
	}
	if params.CodeChallenge != "" {
		claims["code_challenge"] = params.CodeChallenge
		claims["code_challenge_method"] = params.CodeChallengeMethod
	}
	if params.ACRValues != "" {
		claims["acr_values"] = params.ACRValues
	}
	if len(params.RequestedClaims) > 0 {
		idToken := make(map[string]any, len(params.RequestedClaims))
		for _, name := range params.RequestedClaims {
			idToken[name] = map[string]any{"essential": true}
		}
		claims["claims"] = map[string]any{"id_token": idToken}
	}

	return signWithKey(key, claims)
}

// BuildClientAssertion produces the private-key-jwt assertion
// authenticating the relying party at the token endpoint. Token requests
// are never authenticated with a shared secret.
func BuildClientAssertion(key *jose.JSONWebKey, clientID, tokenEndpoint string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": clientID,
		"sub": clientID,
		"aud": tokenEndpoint,
		"jti": uuid.NewString(),
		"iat": now.Unix(),
		"exp": now.Add(requestObjectLifetime).Unix(),
	}
	return signWithKey(key, claims)
}

// signWithKey signs claims with the relying party's private key. The
// algorithm follows the key's own declaration when present, else it is
// derived from the key type: RSA keys sign RS256, EC keys ES256, octet
// keys HS256.
func signWithKey(key *jose.JSONWebKey, claims jwt.MapClaims) (string, error) {
	if key == nil {
		return "", errors.New(errors.KindKeyUnavailable, "no federation signing key configured")
	}

	alg := key.Algorithm
	if alg == "" {
		switch key.Key.(type) {
		case *rsa.PrivateKey:
			alg = "RS256"
		case *ecdsa.PrivateKey:
			alg = "ES256"
		case []byte:
			alg = "HS256"
		default:
			return "", errors.New(errors.KindUnsupportedAlg,
				fmt.Sprintf("unsupported federation key type %T", key.Key))
		}
	}

	method := jwt.GetSigningMethod(alg)
	if method == nil {
		return "", errors.New(errors.KindUnsupportedAlg,
			fmt.Sprintf("unknown signing algorithm %q", alg))
	}

	tok := jwt.NewWithClaims(method, claims)
	if key.KeyID != "" {
		tok.Header["kid"] = key.KeyID
	}
	signed, err := tok.SignedString(key.Key)
	if err != nil {
		return "", errors.Wrap(errors.KindKeyUnavailable, "request object signing failed", err)
	}
	return signed, nil
}
