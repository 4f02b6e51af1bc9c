// Package jwks manages the server's own signing keys: generation,
// rotation, JWKS publication and signer construction. The published set
// never contains private key material.
package jwks

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/identra-io/identra/errors"
)

// Service holds the current server keys. One RSA key serves the RS/PS
// families, one EC P-256 key serves the ES family. The previous key of
// each kind is retained for one rotation period so tokens signed just
// before a rotation still validate.
type Service struct {
	mu sync.RWMutex

	rsaKID, ecKID  string
	rsaKey         *rsa.PrivateKey
	ecKey          *ecdsa.PrivateKey
	previous       []jose.JSONWebKey
	rotationPeriod time.Duration
	onRotate       []func()
	done           chan struct{}
	stopOnce       sync.Once
}

// New generates the initial key pairs and starts the rotation timer when
// rotationPeriod is non-zero.
func New(rotationPeriod time.Duration) (*Service, error) {
	s := &Service{
		rotationPeriod: rotationPeriod,
		done:           make(chan struct{}),
	}
	if err := s.rotate(); err != nil {
		return nil, err
	}
	if rotationPeriod > 0 {
		go s.rotationLoop()
	}
	return s, nil
}

// Stop terminates the rotation timer.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// OnRotate registers a hook invoked after every key rotation. Used to
// invalidate the cached discovery document.
func (s *Service) OnRotate(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRotate = append(s.onRotate, fn)
}

// PublicKeys returns the JWKS of current and previous public keys.
func (s *Service) PublicKeys() jose.JSONWebKeySet {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := []jose.JSONWebKey{
		{Key: s.rsaKey.Public(), KeyID: s.rsaKID, Algorithm: "RS256", Use: "sig"},
		{Key: s.ecKey.Public(), KeyID: s.ecKID, Algorithm: "ES256", Use: "sig"},
	}
	keys = append(keys, s.previous...)
	return jose.JSONWebKeySet{Keys: keys}
}

// SignerFor builds a jose signer for the requested asymmetric algorithm
// using the server's current key of the matching family. The key id is
// embedded in the token header.
func (s *Service) SignerFor(alg jose.SignatureAlgorithm) (jose.Signer, error) {
	kid, key, err := s.keyFor(alg)
	if err != nil {
		return nil, err
	}

	opts := (&jose.SignerOptions{}).WithType("JWT")
	opts.WithHeader(jose.HeaderKey("kid"), kid)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: alg, Key: key}, opts)
	if err != nil {
		return nil, errors.Wrap(errors.KindKeyUnavailable, "signer construction failed", err)
	}
	return signer, nil
}

// SigningKey returns the current private key and kid for the algorithm
// family, for callers that sign outside jose (entity statements).
func (s *Service) SigningKey(alg string) (string, any, error) {
	return s.keyFor(jose.SignatureAlgorithm(alg))
}

func (s *Service) keyFor(alg jose.SignatureAlgorithm) (string, any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch {
	case strings.HasPrefix(string(alg), "RS"), strings.HasPrefix(string(alg), "PS"):
		return s.rsaKID, s.rsaKey, nil
	case strings.HasPrefix(string(alg), "ES"):
		return s.ecKID, s.ecKey, nil
	}
	return "", nil, errors.New(errors.KindUnsupportedAlg,
		fmt.Sprintf("no server key for algorithm %q", alg))
}

// Rotate generates fresh key pairs, keeping the outgoing public keys
// available for validation, and fires the rotation hooks.
func (s *Service) Rotate() error {
	if err := s.rotate(); err != nil {
		return err
	}

	s.mu.RLock()
	hooks := make([]func(), len(s.onRotate))
	copy(hooks, s.onRotate)
	s.mu.RUnlock()

	for _, fn := range hooks {
		fn()
	}
	return nil
}

func (s *Service) rotate() error {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("failed to generate RSA key: %w", err)
	}
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate EC key: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Keep only the immediately preceding generation.
	s.previous = nil
	if s.rsaKey != nil {
		s.previous = append(s.previous,
			jose.JSONWebKey{Key: s.rsaKey.Public(), KeyID: s.rsaKID, Algorithm: "RS256", Use: "sig"},
			jose.JSONWebKey{Key: s.ecKey.Public(), KeyID: s.ecKID, Algorithm: "ES256", Use: "sig"},
		)
	}
	s.rsaKey, s.ecKey = rsaKey, ecKey
	s.rsaKID, s.ecKID = uuid.NewString(), uuid.NewString()

	log.Info().Str("rsa_kid", s.rsaKID).Str("ec_kid", s.ecKID).Msg("server signing keys rotated")
	return nil
}

func (s *Service) rotationLoop() {
	ticker := time.NewTicker(s.rotationPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.Rotate(); err != nil {
				log.Error().Err(err).Msg("key rotation failed")
			}
		case <-s.done:
			return
		}
	}
}
