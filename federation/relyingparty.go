package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/identra-io/identra/domain"
	"github.com/identra-io/identra/errors"
	"github.com/identra-io/identra/internal/audit"
	"github.com/identra-io/identra/internal/oidcflow"
)

const clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// ClientRegistration is the relying-party registration toward one
// federation peer. It is derived from the ProviderConfig on every exchange
// and never persisted, so provider config changes take effect immediately.
type ClientRegistration struct {
	EntityID    string
	ClientID    string
	RedirectURI string
	Scopes      []string
	ACRValues   string
	Claims      []string
}

// RegistrationFromConfig derives the relying-party registration from a
// federation provider config.
func RegistrationFromConfig(cfg *domain.ProviderConfig) (*ClientRegistration, error) {
	entityID := cfg.ConfigString(domain.ConfigKeyEntityID)
	clientID := cfg.ConfigString(domain.ConfigKeyClientID)
	redirectURI := cfg.ConfigString(domain.ConfigKeyRedirectURI)
	if entityID == "" || clientID == "" || redirectURI == "" {
		return nil, errors.New(errors.KindInvalidRequest,
			fmt.Sprintf("provider %s is missing entity_id, client_id or redirect_uri", cfg.ProviderID))
	}
	scopes := cfg.ConfigStrings(domain.ConfigKeyScopes)
	if len(scopes) == 0 {
		scopes = []string{"openid"}
	}
	return &ClientRegistration{
		EntityID:    entityID,
		ClientID:    clientID,
		RedirectURI: redirectURI,
		Scopes:      scopes,
		ACRValues:   cfg.ConfigString(domain.ConfigKeyACRValues),
		Claims:      cfg.ConfigStrings(domain.ConfigKeyClaims),
	}, nil
}

// RelyingParty runs the relying-party side of a federation login against
// one upstream peer.
type RelyingParty struct {
	resolver   *Resolver
	signingKey *jose.JSONWebKey
	httpClient *http.Client
}

// NewRelyingParty creates a RelyingParty. signingKey is the relying
// party's own federation private key; nil degrades the flow to plain
// OAuth2 without request objects, which is valid but unsigned.
func NewRelyingParty(resolver *Resolver, signingKey *jose.JSONWebKey, timeout time.Duration) *RelyingParty {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &RelyingParty{
		resolver:   resolver,
		signingKey: signingKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// BeginLogin resolves the peer and builds the authorization redirect URL
// for the given flow, attaching a signed request object when a federation
// key is configured.
func (rp *RelyingParty) BeginLogin(ctx context.Context, cfg *domain.ProviderConfig, flow *oidcflow.LoginFlow) (string, error) {
	reg, err := RegistrationFromConfig(cfg)
	if err != nil {
		return "", err
	}

	statement, err := rp.resolver.Resolve(ctx, reg.EntityID)
	if err != nil {
		return "", err
	}
	authzEndpoint := statement.Endpoint("authorization_endpoint")
	if authzEndpoint == "" {
		return "", errors.New(errors.KindTrustChainInvalid,
			fmt.Sprintf("entity %s declares no authorization endpoint", reg.EntityID))
	}

	params := &AuthorizationParams{
		ClientID:            reg.ClientID,
		RedirectURI:         reg.RedirectURI,
		ResponseType:        "code",
		Scope:               strings.Join(reg.Scopes, " "),
		State:               flow.State,
		Nonce:               flow.Nonce,
		CodeChallenge:       flow.CodeChallenge(),
		CodeChallengeMethod: "S256",
		ACRValues:           reg.ACRValues,
		RequestedClaims:     reg.Claims,
	}

	q := url.Values{}
	q.Set("client_id", params.ClientID)
	q.Set("redirect_uri", params.RedirectURI)
	q.Set("response_type", params.ResponseType)
	q.Set("scope", params.Scope)
	q.Set("state", params.State)
	q.Set("nonce", params.Nonce)
	q.Set("code_challenge", params.CodeChallenge)
	q.Set("code_challenge_method", params.CodeChallengeMethod)
	if params.ACRValues != "" {
		q.Set("acr_values", params.ACRValues)
	}

	if rp.signingKey != nil {
		requestObject, err := BuildRequestObject(rp.signingKey, params, statement.Issuer)
		if err != nil {
			return "", err
		}
		q.Set("request", requestObject)
	} else {
		log.Ctx(ctx).Debug().Str("provider", cfg.ProviderID).
			Msg("no federation signing key, proceeding without request object")
	}

	return authzEndpoint + "?" + q.Encode(), nil
}

// CompleteLogin exchanges the callback code at the peer's token endpoint,
// authenticated with a private-key-jwt client assertion when a signing key
// is configured, validates the returned ID token against the peer's
// declared keys and extracts the external principal.
func (rp *RelyingParty) CompleteLogin(ctx context.Context, cfg *domain.ProviderConfig, flow *oidcflow.LoginFlow, code string) (*domain.ExternalPrincipal, error) {
	if code == "" {
		return nil, errors.New(errors.KindInvalidRequest, "missing authorization code")
	}
	reg, err := RegistrationFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	statement, err := rp.resolver.Resolve(ctx, reg.EntityID)
	if err != nil {
		return nil, err
	}
	tokenEndpoint := statement.Endpoint("token_endpoint")
	if tokenEndpoint == "" {
		return nil, errors.New(errors.KindTrustChainInvalid,
			fmt.Sprintf("entity %s declares no token endpoint", reg.EntityID))
	}

	tokenResp, err := rp.exchangeCode(ctx, cfg, reg, tokenEndpoint, flow, code)
	if err != nil {
		return nil, err
	}

	principal, err := rp.principalFromIDToken(cfg, statement, tokenResp.IDToken, flow.Nonce)
	if err != nil {
		return nil, err
	}

	if userinfoEndpoint := statement.Endpoint("userinfo_endpoint"); userinfoEndpoint != "" && tokenResp.AccessToken != "" {
		rp.enrichFromUserinfo(ctx, cfg, userinfoEndpoint, tokenResp.AccessToken, principal)
	}
	return principal, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	IDToken     string `json:"id_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (rp *RelyingParty) exchangeCode(ctx context.Context, cfg *domain.ProviderConfig, reg *ClientRegistration, tokenEndpoint string, flow *oidcflow.LoginFlow, code string) (*tokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", reg.RedirectURI)
	form.Set("client_id", reg.ClientID)
	form.Set("code_verifier", flow.PKCEVerifier)

	// Without a signing key the exchange degrades to a plain public-client
	// request, matching the unsigned authorization request BeginLogin sent.
	if rp.signingKey != nil {
		assertion, err := BuildClientAssertion(rp.signingKey, reg.ClientID, tokenEndpoint)
		if err != nil {
			return nil, err
		}
		form.Set("client_assertion_type", clientAssertionType)
		form.Set("client_assertion", assertion)
	}

	audit.Log("federation", "token_request", cfg.Realm, cfg.ProviderID, tokenEndpoint, true, nil)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.Wrap(errors.KindInvalidRequest, "invalid token endpoint", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := rp.httpClient.Do(req)
	if err != nil {
		audit.Log("federation", "token_response", cfg.Realm, cfg.ProviderID, tokenEndpoint, false, err)
		return nil, errors.Wrap(errors.KindUpstreamUnavailable, "token request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		audit.Log("federation", "token_response", cfg.Realm, cfg.ProviderID, tokenEndpoint, false, err)
		return nil, errors.Wrap(errors.KindUpstreamUnavailable, "token response read failed", err)
	}
	if resp.StatusCode != http.StatusOK {
		err := errors.New(errors.KindUpstreamUnavailable,
			fmt.Sprintf("token endpoint returned status %d", resp.StatusCode))
		audit.Log("federation", "token_response", cfg.Realm, cfg.ProviderID, tokenEndpoint, false, err)
		return nil, err
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		audit.Log("federation", "token_response", cfg.Realm, cfg.ProviderID, tokenEndpoint, false, err)
		return nil, errors.Wrap(errors.KindUpstreamUnavailable, "malformed token response", err)
	}
	audit.Log("federation", "token_response", cfg.Realm, cfg.ProviderID, tokenEndpoint, true, nil)
	return &tr, nil
}

// principalFromIDToken validates the ID token signature against the
// peer's declared signing keys and maps its claims to a principal.
func (rp *RelyingParty) principalFromIDToken(cfg *domain.ProviderConfig, statement *EntityStatement, idToken, expectedNonce string) (*domain.ExternalPrincipal, error) {
	if idToken == "" {
		return nil, errors.New(errors.KindInvalidRequest, "token response carries no id_token")
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(idToken, claims, keyfuncFor(&statement.SigningKeys),
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512", "PS256", "PS384", "PS512"}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, errors.Wrap(errors.KindTrustChainInvalid, "id token verification failed", err)
	}

	if expectedNonce != "" {
		nonce, _ := claims["nonce"].(string)
		if nonce != expectedNonce {
			return nil, errors.New(errors.KindInvalidRequest, "id token nonce mismatch")
		}
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, errors.New(errors.KindInvalidRequest, "id token carries no subject")
	}

	principal := &domain.ExternalPrincipal{
		Authority:         cfg.Authority,
		ProviderID:        cfg.ProviderID,
		Realm:             cfg.Realm,
		ExternalSubjectID: sub,
		RawAttributes:     map[string]any(claims),
	}
	principal.Email, _ = claims["email"].(string)
	principal.EmailVerified, _ = claims["email_verified"].(bool)
	if name, ok := claims["preferred_username"].(string); ok {
		principal.Username = name
	} else if name, ok := claims["name"].(string); ok {
		principal.Username = name
	}
	return principal, nil
}

// enrichFromUserinfo is best effort: a failing userinfo call never fails
// the login that the ID token already established.
func (rp *RelyingParty) enrichFromUserinfo(ctx context.Context, cfg *domain.ProviderConfig, endpoint, accessToken string, principal *domain.ExternalPrincipal) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := rp.httpClient.Do(req)
	if err != nil {
		audit.Log("federation", "userinfo_response", cfg.Realm, cfg.ProviderID, endpoint, false, err)
		log.Ctx(ctx).Warn().Err(err).Msg("userinfo fetch failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		audit.Log("federation", "userinfo_response", cfg.Realm, cfg.ProviderID, endpoint, false,
			fmt.Errorf("status %d", resp.StatusCode))
		return
	}

	var attrs map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&attrs); err != nil {
		audit.Log("federation", "userinfo_response", cfg.Realm, cfg.ProviderID, endpoint, false, err)
		return
	}
	audit.Log("federation", "userinfo_response", cfg.Realm, cfg.ProviderID, endpoint, true, nil)

	for k, v := range attrs {
		principal.RawAttributes[k] = v
	}
	if principal.Email == "" {
		principal.Email, _ = attrs["email"].(string)
	}
	if principal.Username == "" {
		principal.Username, _ = attrs["preferred_username"].(string)
	}
}
