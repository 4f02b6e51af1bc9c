package authn

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/identra-io/identra/domain"
	"github.com/identra-io/identra/errors"
	"github.com/identra-io/identra/internal/audit"
	"github.com/identra-io/identra/internal/metrics"
	"github.com/identra-io/identra/internal/oidcflow"
	"github.com/identra-io/identra/registry"
)

// State is the stage a login attempt has reached. Transitions are strictly
// sequential within one attempt; Failed is terminal from any state.
type State string

const (
	StateInitiated        State = "INITIATED"
	StateExchangeInFlight State = "EXTERNAL_EXCHANGE_IN_FLIGHT"
	StatePrincipal        State = "PRINCIPAL_RESOLVED"
	StateAccount          State = "ACCOUNT_RESOLVED"
	StateAuthenticated    State = "AUTHENTICATED"
	StateFailed           State = "FAILED"
)

// Credentials are the inputs of a direct (non-redirect) login.
type Credentials struct {
	Username string
	Password string
}

// DirectAuthenticator performs the upstream exchange for authorities that
// complete in a single call, such as local password checks.
type DirectAuthenticator interface {
	Authenticate(ctx context.Context, cfg *domain.ProviderConfig, creds Credentials) (*domain.ExternalPrincipal, error)
}

// RedirectAuthenticator performs the upstream exchange for redirect-based
// authorities: BeginLogin hands back the URL to send the user to,
// CompleteLogin turns the provider callback into a principal.
type RedirectAuthenticator interface {
	BeginLogin(ctx context.Context, cfg *domain.ProviderConfig, flow *oidcflow.LoginFlow) (string, error)
	CompleteLogin(ctx context.Context, cfg *domain.ProviderConfig, flow *oidcflow.LoginFlow, code string) (*domain.ExternalPrincipal, error)
}

// Result is the outcome of a finished login attempt.
type Result struct {
	State          State
	Authentication *domain.Authentication
}

// Dispatcher routes login attempts to the authenticator registered for the
// provider's authority and drives each attempt through its state machine.
type Dispatcher struct {
	providers *registry.Registry
	flows     *oidcflow.FlowStore
	resolver  *Resolver

	direct   map[domain.Authority]DirectAuthenticator
	redirect map[domain.Authority]RedirectAuthenticator
}

// NewDispatcher creates a Dispatcher with no authenticators registered.
func NewDispatcher(providers *registry.Registry, flows *oidcflow.FlowStore, resolver *Resolver) *Dispatcher {
	return &Dispatcher{
		providers: providers,
		flows:     flows,
		resolver:  resolver,
		direct:    make(map[domain.Authority]DirectAuthenticator),
		redirect:  make(map[domain.Authority]RedirectAuthenticator),
	}
}

// RegisterDirect binds a direct authenticator to an authority.
func (d *Dispatcher) RegisterDirect(authority domain.Authority, a DirectAuthenticator) {
	d.direct[authority] = a
}

// RegisterRedirect binds a redirect authenticator to an authority.
func (d *Dispatcher) RegisterRedirect(authority domain.Authority, a RedirectAuthenticator) {
	d.redirect[authority] = a
}

// Login runs a direct login attempt end to end.
func (d *Dispatcher) Login(ctx context.Context, realm string, authority domain.Authority, providerID string, creds Credentials) (*Result, error) {
	cfg, err := d.provider(authority, providerID, realm)
	if err != nil {
		return d.fail(ctx, StateInitiated, realm, string(authority), providerID, err)
	}
	authenticator, ok := d.direct[authority]
	if !ok {
		return d.fail(ctx, StateInitiated, realm, string(authority), providerID,
			errors.New(errors.KindInvalidRequest, fmt.Sprintf("authority %s does not support direct login", authority)))
	}

	principal, err := authenticator.Authenticate(ctx, cfg, creds)
	if err != nil {
		return d.fail(ctx, StateExchangeInFlight, realm, string(authority), providerID, err)
	}
	return d.finish(ctx, cfg, principal)
}

// BeginRedirect starts a redirect login attempt: it mints a flow, stores
// it keyed by state and returns the upstream authorization URL.
func (d *Dispatcher) BeginRedirect(ctx context.Context, realm string, authority domain.Authority, providerID, redirectURI string) (string, error) {
	cfg, err := d.provider(authority, providerID, realm)
	if err != nil {
		return "", err
	}
	authenticator, ok := d.redirect[authority]
	if !ok {
		return "", errors.New(errors.KindInvalidRequest,
			fmt.Sprintf("authority %s does not support redirect login", authority))
	}

	flow, err := oidcflow.NewLoginFlow(realm, string(authority), providerID, redirectURI)
	if err != nil {
		return "", errors.Wrap(errors.KindUpstreamUnavailable, "flow creation failed", err)
	}

	authURL, err := authenticator.BeginLogin(ctx, cfg, flow)
	if err != nil {
		return "", err
	}
	d.flows.Put(ctx, flow)

	log.Ctx(ctx).Debug().
		Str("realm", realm).Str("authority", string(authority)).Str("provider", providerID).
		Str("flow_id", flow.FlowID).
		Msg("redirect login initiated")
	return authURL, nil
}

// CompleteRedirect finishes a redirect login attempt from the provider
// callback. An unknown or already-consumed state is InvalidRequest.
func (d *Dispatcher) CompleteRedirect(ctx context.Context, state, code string) (*Result, error) {
	flow, err := d.flows.Consume(ctx, state)
	if err != nil {
		return d.fail(ctx, StateInitiated, "", "", "",
			errors.Wrap(errors.KindInvalidRequest, "unknown or expired login state", err))
	}

	authority := domain.Authority(flow.Authority)
	cfg, err := d.provider(authority, flow.ProviderID, flow.Realm)
	if err != nil {
		return d.fail(ctx, StateInitiated, flow.Realm, flow.Authority, flow.ProviderID, err)
	}
	authenticator, ok := d.redirect[authority]
	if !ok {
		return d.fail(ctx, StateInitiated, flow.Realm, flow.Authority, flow.ProviderID,
			errors.New(errors.KindInvalidRequest, fmt.Sprintf("authority %s does not support redirect login", authority)))
	}

	principal, err := authenticator.CompleteLogin(ctx, cfg, flow, code)
	if err != nil {
		return d.fail(ctx, StateExchangeInFlight, flow.Realm, flow.Authority, flow.ProviderID, err)
	}
	return d.finish(ctx, cfg, principal)
}

// finish runs the shared tail of every attempt: principal validation,
// account resolution and the authenticated result.
func (d *Dispatcher) finish(ctx context.Context, cfg *domain.ProviderConfig, principal *domain.ExternalPrincipal) (*Result, error) {
	if principal == nil || principal.ExternalSubjectID == "" {
		return d.fail(ctx, StateExchangeInFlight, cfg.Realm, string(cfg.Authority), cfg.ProviderID,
			errors.New(errors.KindInvalidRequest, "upstream principal carries no subject identifier"))
	}

	authentication, err := d.resolver.Resolve(ctx, cfg, principal)
	if err != nil {
		return d.fail(ctx, StatePrincipal, cfg.Realm, string(cfg.Authority), cfg.ProviderID, err)
	}

	metrics.LoginSuccessTotal.WithLabelValues(string(cfg.Authority)).Inc()
	audit.Log("authn", "login", cfg.Realm, cfg.ProviderID, authentication.SubjectID, true, nil)

	return &Result{State: StateAuthenticated, Authentication: authentication}, nil
}

func (d *Dispatcher) fail(ctx context.Context, from State, realm, authority, providerID string, err error) (*Result, error) {
	metrics.LoginFailureTotal.WithLabelValues(authority, string(errors.KindOf(err))).Inc()
	audit.Log("authn", "login", realm, providerID, "", false, err)
	log.Ctx(ctx).Warn().Err(err).
		Str("realm", realm).Str("authority", authority).Str("provider", providerID).
		Str("state", string(from)).
		Msg("login attempt failed")
	return &Result{State: StateFailed}, err
}

func (d *Dispatcher) provider(authority domain.Authority, providerID, realm string) (*domain.ProviderConfig, error) {
	cfg, err := d.providers.FindByProviderID(authority, providerID)
	if err != nil {
		return nil, errors.Wrap(errors.KindInvalidRequest,
			fmt.Sprintf("unknown provider %s/%s", authority, providerID), err)
	}
	if !cfg.Enabled {
		return nil, errors.New(errors.KindInvalidRequest,
			fmt.Sprintf("provider %s/%s is disabled", authority, providerID))
	}
	if realm != "" && cfg.Realm != realm {
		return nil, errors.New(errors.KindInvalidRequest,
			fmt.Sprintf("provider %s/%s does not serve realm %s", authority, providerID, realm))
	}
	return cfg, nil
}
