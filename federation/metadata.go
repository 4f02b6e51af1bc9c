package federation

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/identra-io/identra/errors"
	"github.com/identra-io/identra/jwks"
)

// EntityStatementContentType is the media type for serialized entity
// configuration statements.
const EntityStatementContentType = "application/entity-statement+jwt"

const entityStatementLifetime = 24 * time.Hour

// MetadataPublisher signs this server's own entity configuration statement
// so federation peers can discover and verify it. Statements are cached
// until shortly before they expire and regenerated on key rotation.
type MetadataPublisher struct {
	entityID string
	issuer   string
	keys     *jwks.Service

	mu        sync.Mutex
	statement string
	renewAt   time.Time
}

// NewMetadataPublisher creates a publisher for the given entity identifier.
// issuer is the OP issuer URL advertised in the statement metadata.
func NewMetadataPublisher(entityID, issuer string, keys *jwks.Service) *MetadataPublisher {
	p := &MetadataPublisher{entityID: entityID, issuer: issuer, keys: keys}
	keys.OnRotate(p.invalidate)
	return p
}

func (p *MetadataPublisher) invalidate() {
	p.mu.Lock()
	p.statement = ""
	p.mu.Unlock()
}

// Statement returns the signed entity configuration statement, reusing a
// previously signed one while it has at least an hour of validity left.
func (p *MetadataPublisher) Statement() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.statement != "" && time.Now().Before(p.renewAt) {
		return p.statement, nil
	}

	signed, err := p.sign()
	if err != nil {
		return "", err
	}
	p.statement = signed
	p.renewAt = time.Now().Add(entityStatementLifetime - time.Hour)
	return signed, nil
}

func (p *MetadataPublisher) sign() (string, error) {
	kid, key, err := p.keys.SigningKey("RS256")
	if err != nil {
		return "", err
	}

	set := p.keys.PublicKeys()
	now := time.Now()

	claims := jwt.MapClaims{
		"iss":  p.entityID,
		"sub":  p.entityID,
		"iat":  now.Unix(),
		"exp":  now.Add(entityStatementLifetime).Unix(),
		"jwks": set,
		"metadata": map[string]any{
			"openid_provider": map[string]any{
				"issuer":                 p.issuer,
				"authorization_endpoint": p.issuer + "/oauth2/authorize",
				"token_endpoint":         p.issuer + "/oauth2/token",
				"jwks_uri":               p.issuer + "/jwk",
			},
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	token.Header["typ"] = "entity-statement+jwt"

	signed, err := token.SignedString(key)
	if err != nil {
		return "", errors.Wrap(errors.KindKeyUnavailable, "entity statement signing failed", err)
	}
	return signed, nil
}
