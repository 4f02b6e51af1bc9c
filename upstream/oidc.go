// Package upstream talks to plain OIDC identity providers: endpoint
// discovery, the authorization-code exchange and userinfo retrieval.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/identra-io/identra/domain"
	"github.com/identra-io/identra/errors"
	"github.com/identra-io/identra/internal/audit"
	"github.com/identra-io/identra/internal/oidcflow"
)

const discoveryTTL = time.Hour

// discoveryDocument is the subset of the provider configuration this
// client needs.
type discoveryDocument struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserinfoEndpoint      string `json:"userinfo_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
}

// OIDCAuthenticator runs the relying-party side of a code flow against a
// discovered OIDC provider. Discovery documents are cached per issuer for
// an hour.
type OIDCAuthenticator struct {
	httpClient *http.Client
	discovery  *ttlcache.Cache[string, *discoveryDocument]
}

// NewOIDCAuthenticator creates an authenticator with a bounded-timeout
// HTTP client.
func NewOIDCAuthenticator(timeout time.Duration) *OIDCAuthenticator {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	a := &OIDCAuthenticator{
		httpClient: &http.Client{Timeout: timeout},
		discovery: ttlcache.New(
			ttlcache.WithTTL[string, *discoveryDocument](discoveryTTL),
			ttlcache.WithDisableTouchOnHit[string, *discoveryDocument](),
		),
	}
	go a.discovery.Start()
	return a
}

// Stop terminates the discovery cache janitor.
func (a *OIDCAuthenticator) Stop() { a.discovery.Stop() }

// BeginLogin builds the authorization URL for the flow, with PKCE and the
// flow's nonce attached.
func (a *OIDCAuthenticator) BeginLogin(ctx context.Context, cfg *domain.ProviderConfig, flow *oidcflow.LoginFlow) (string, error) {
	conf, _, err := a.oauthConfig(ctx, cfg, flow.RedirectURI)
	if err != nil {
		return "", err
	}
	return conf.AuthCodeURL(flow.State,
		oauth2.SetAuthURLParam("nonce", flow.Nonce),
		oauth2.SetAuthURLParam("code_challenge", flow.CodeChallenge()),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	), nil
}

// CompleteLogin exchanges the callback code and builds the principal from
// the userinfo response, falling back to the ID token claims when the
// provider exposes no userinfo endpoint.
func (a *OIDCAuthenticator) CompleteLogin(ctx context.Context, cfg *domain.ProviderConfig, flow *oidcflow.LoginFlow, code string) (*domain.ExternalPrincipal, error) {
	if code == "" {
		return nil, errors.New(errors.KindInvalidRequest, "missing authorization code")
	}
	conf, doc, err := a.oauthConfig(ctx, cfg, flow.RedirectURI)
	if err != nil {
		return nil, err
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)

	audit.Log("upstream", "token_request", cfg.Realm, cfg.ProviderID, doc.TokenEndpoint, true, nil)
	token, err := conf.Exchange(ctx, code,
		oauth2.SetAuthURLParam("code_verifier", flow.PKCEVerifier),
	)
	if err != nil {
		audit.Log("upstream", "token_response", cfg.Realm, cfg.ProviderID, doc.TokenEndpoint, false, err)
		return nil, errors.Wrap(errors.KindUpstreamUnavailable, "code exchange failed", err)
	}
	audit.Log("upstream", "token_response", cfg.Realm, cfg.ProviderID, doc.TokenEndpoint, true, nil)

	idTokenClaims, err := a.idTokenClaims(token, flow.Nonce)
	if err != nil {
		return nil, err
	}

	attrs := idTokenClaims
	if doc.UserinfoEndpoint != "" {
		if userinfo, err := a.fetchUserinfo(ctx, cfg, doc.UserinfoEndpoint, token.AccessToken); err == nil {
			for k, v := range userinfo {
				attrs[k] = v
			}
		} else {
			log.Ctx(ctx).Warn().Err(err).Str("provider", cfg.ProviderID).Msg("userinfo fetch failed")
		}
	}

	sub, _ := attrs["sub"].(string)
	if sub == "" {
		return nil, errors.New(errors.KindInvalidRequest, "provider response carries no subject")
	}

	principal := &domain.ExternalPrincipal{
		Authority:         cfg.Authority,
		ProviderID:        cfg.ProviderID,
		Realm:             cfg.Realm,
		ExternalSubjectID: sub,
		RawAttributes:     attrs,
	}
	principal.Email, _ = attrs["email"].(string)
	principal.EmailVerified, _ = attrs["email_verified"].(bool)
	if name, ok := attrs["preferred_username"].(string); ok {
		principal.Username = name
	} else if name, ok := attrs["name"].(string); ok {
		principal.Username = name
	}
	return principal, nil
}

func (a *OIDCAuthenticator) oauthConfig(ctx context.Context, cfg *domain.ProviderConfig, redirectURI string) (*oauth2.Config, *discoveryDocument, error) {
	issuer := cfg.ConfigString(domain.ConfigKeyIssuer)
	clientID := cfg.ConfigString(domain.ConfigKeyClientID)
	if issuer == "" || clientID == "" {
		return nil, nil, errors.New(errors.KindInvalidRequest,
			fmt.Sprintf("provider %s is missing issuer or client_id", cfg.ProviderID))
	}

	doc, err := a.discover(ctx, issuer)
	if err != nil {
		return nil, nil, err
	}

	scopes := cfg.ConfigStrings(domain.ConfigKeyScopes)
	if len(scopes) == 0 {
		scopes = []string{"openid", "profile", "email"}
	}
	if redirectURI == "" {
		redirectURI = cfg.ConfigString(domain.ConfigKeyRedirectURI)
	}

	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: cfg.ConfigString(domain.ConfigKeyClientSecret),
		RedirectURL:  redirectURI,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  doc.AuthorizationEndpoint,
			TokenURL: doc.TokenEndpoint,
		},
	}, doc, nil
}

func (a *OIDCAuthenticator) discover(ctx context.Context, issuer string) (*discoveryDocument, error) {
	if item := a.discovery.Get(issuer); item != nil {
		return item.Value(), nil
	}

	u := strings.TrimSuffix(issuer, "/") + "/.well-known/openid-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.Wrap(errors.KindInvalidRequest, "invalid issuer", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.KindUpstreamUnavailable, "discovery fetch failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.New(errors.KindUpstreamUnavailable,
			fmt.Sprintf("discovery returned status %d", resp.StatusCode))
	}

	var doc discoveryDocument
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&doc); err != nil {
		return nil, errors.Wrap(errors.KindUpstreamUnavailable, "malformed discovery document", err)
	}
	if doc.AuthorizationEndpoint == "" || doc.TokenEndpoint == "" {
		return nil, errors.New(errors.KindUpstreamUnavailable, "discovery document lacks endpoints")
	}

	a.discovery.Set(issuer, &doc, ttlcache.DefaultTTL)
	return &doc, nil
}

// idTokenClaims extracts the ID token claims. The token arrived over the
// direct TLS channel to the token endpoint, so the signature is not
// re-verified here; the nonce still has to match the flow.
func (a *OIDCAuthenticator) idTokenClaims(token *oauth2.Token, expectedNonce string) (map[string]any, error) {
	raw, _ := token.Extra("id_token").(string)
	if raw == "" {
		return map[string]any{}, nil
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
		return nil, errors.Wrap(errors.KindInvalidRequest, "unparseable id token", err)
	}
	if expectedNonce != "" {
		if nonce, _ := claims["nonce"].(string); nonce != expectedNonce {
			return nil, errors.New(errors.KindInvalidRequest, "id token nonce mismatch")
		}
	}
	return claims, nil
}

func (a *OIDCAuthenticator) fetchUserinfo(ctx context.Context, cfg *domain.ProviderConfig, endpoint, accessToken string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		audit.Log("upstream", "userinfo_response", cfg.Realm, cfg.ProviderID, endpoint, false, err)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("userinfo returned status %d", resp.StatusCode)
		audit.Log("upstream", "userinfo_response", cfg.Realm, cfg.ProviderID, endpoint, false, err)
		return nil, err
	}

	var attrs map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&attrs); err != nil {
		audit.Log("upstream", "userinfo_response", cfg.Realm, cfg.ProviderID, endpoint, false, err)
		return nil, err
	}
	audit.Log("upstream", "userinfo_response", cfg.Realm, cfg.ProviderID, endpoint, true, nil)
	return attrs, nil
}
