package token

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"hash"
)

// AccessTokenHash computes the OIDC at_hash claim: the left half of the
// signing algorithm's hash over the access token value, base64url encoded
// without padding.
func AccessTokenHash(accessToken, alg string) (string, error) {
	var h hash.Hash
	switch alg {
	case "RS256", "ES256", "PS256", "HS256":
		h = sha256.New()
	case "RS384", "ES384", "PS384", "HS384":
		h = sha512.New384()
	case "RS512", "ES512", "PS512", "HS512":
		h = sha512.New()
	default:
		return "", fmt.Errorf("no hash function for algorithm %q", alg)
	}

	h.Write([]byte(accessToken))
	sum := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2]), nil
}
