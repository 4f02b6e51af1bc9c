// Package oidcflow tracks in-flight redirect-based login attempts: the
// state, nonce and PKCE verifier minted when a login begins, consumed once
// when the provider calls back.
package oidcflow

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
)

var (
	ErrFlowNotFound  = errors.New("login flow not found")
	ErrStateMismatch = errors.New("state parameter mismatch")
)

const defaultFlowTTL = 10 * time.Minute

// LoginFlow is the transient state of one redirect-based login attempt.
type LoginFlow struct {
	FlowID       string
	Realm        string
	Authority    string
	ProviderID   string
	State        string
	Nonce        string
	PKCEVerifier string
	RedirectURI  string
	CreatedAt    time.Time
}

// NewLoginFlow mints a flow with fresh state, nonce and PKCE verifier.
func NewLoginFlow(realm, authority, providerID, redirectURI string) (*LoginFlow, error) {
	state, err := randomToken()
	if err != nil {
		return nil, err
	}
	nonce, err := randomToken()
	if err != nil {
		return nil, err
	}
	verifier, err := randomToken()
	if err != nil {
		return nil, err
	}
	return &LoginFlow{
		FlowID:       uuid.NewString(),
		Realm:        realm,
		Authority:    authority,
		ProviderID:   providerID,
		State:        state,
		Nonce:        nonce,
		PKCEVerifier: verifier,
		RedirectURI:  redirectURI,
		CreatedAt:    time.Now(),
	}, nil
}

// CodeChallenge returns the S256 challenge for the flow's PKCE verifier.
func (f *LoginFlow) CodeChallenge() string {
	sum := sha256.Sum256([]byte(f.PKCEVerifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// FlowStore keeps pending flows, keyed by state, until they are consumed
// or expire.
type FlowStore struct {
	flows *ttlcache.Cache[string, *LoginFlow]
}

// NewFlowStore creates a started store.
func NewFlowStore() *FlowStore {
	s := &FlowStore{
		flows: ttlcache.New(
			ttlcache.WithTTL[string, *LoginFlow](defaultFlowTTL),
			ttlcache.WithDisableTouchOnHit[string, *LoginFlow](),
		),
	}
	go s.flows.Start()
	return s
}

// Stop terminates the expiry janitor.
func (s *FlowStore) Stop() { s.flows.Stop() }

// Put stores a pending flow.
func (s *FlowStore) Put(_ context.Context, flow *LoginFlow) {
	s.flows.Set(flow.State, flow, ttlcache.DefaultTTL)
}

// Consume returns and removes the flow for a callback state. A missing or
// already-consumed state yields ErrFlowNotFound.
func (s *FlowStore) Consume(_ context.Context, state string) (*LoginFlow, error) {
	item := s.flows.Get(state)
	if item == nil {
		return nil, ErrFlowNotFound
	}
	s.flows.Delete(state)
	return item.Value(), nil
}
