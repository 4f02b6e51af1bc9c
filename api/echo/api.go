// Package echo exposes the server's HTTP surfaces: discovery, JWKS,
// login dispatch, end-session and the federation entity metadata endpoint.
package echo

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/identra-io/identra/authn"
	"github.com/identra-io/identra/domain"
	"github.com/identra-io/identra/errors"
	"github.com/identra-io/identra/federation"
	"github.com/identra-io/identra/jwks"
	"github.com/identra-io/identra/token"
)

// ServerAPI holds the handler dependencies.
type ServerAPI struct {
	issuer     string
	dispatcher *authn.Dispatcher
	minter     *token.Minter
	keys       *jwks.Service
	clients    domain.ClientStore
	metadata   *federation.MetadataPublisher

	discovery *discoveryCache
}

// NewServerAPI wires the HTTP surface. metadata may be nil when the server
// does not participate in a federation.
func NewServerAPI(issuer string, dispatcher *authn.Dispatcher, minter *token.Minter, keys *jwks.Service, clients domain.ClientStore, metadata *federation.MetadataPublisher) *ServerAPI {
	api := &ServerAPI{
		issuer:     issuer,
		dispatcher: dispatcher,
		minter:     minter,
		keys:       keys,
		clients:    clients,
		metadata:   metadata,
	}
	api.discovery = newDiscoveryCache(issuer, keys)
	return api
}

// RegisterRoutes registers all routes on the echo instance.
func (a *ServerAPI) RegisterRoutes(e *echo.Echo) {
	e.GET("/.well-known/openid-configuration", a.DiscoveryHandler)
	e.GET("/jwk", a.JWKSHandler)
	e.GET("/.well-known/openid-federation", a.EntityStatementHandler)

	e.POST("/realms/:realm/login", a.LoginHandler)
	e.GET("/realms/:realm/login/:authority/:provider", a.BeginRedirectHandler)
	e.GET("/login/callback", a.CallbackHandler)

	e.GET("/oauth2/end_session", a.EndSessionHandler)
	e.POST("/oauth2/end_session", a.EndSessionHandler)
}

// JWKSHandler returns the current public signing keys. Private material
// never leaves the key service.
func (a *ServerAPI) JWKSHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, a.keys.PublicKeys())
}

// EntityStatementHandler serves this server's signed entity configuration
// statement.
func (a *ServerAPI) EntityStatementHandler(c echo.Context) error {
	if a.metadata == nil {
		return c.JSON(http.StatusNotFound, errors.NewOAuth2Error(errors.CodeInvalidRequest, "federation is not enabled"))
	}
	statement, err := a.metadata.Statement()
	if err != nil {
		log.Ctx(c.Request().Context()).Error().Err(err).Msg("entity statement signing failed")
		return c.JSON(http.StatusInternalServerError, errors.ToOAuth2(err))
	}
	return c.Blob(http.StatusOK, federation.EntityStatementContentType, []byte(statement))
}

type loginRequest struct {
	Authority string `json:"authority" form:"authority"`
	Provider  string `json:"provider" form:"provider"`
	Username  string `json:"username" form:"username"`
	Password  string `json:"password" form:"password"`
	ClientID  string `json:"client_id" form:"client_id"`
	Nonce     string `json:"nonce" form:"nonce"`
}

type loginResponse struct {
	SubjectID string `json:"subject_id"`
	Realm     string `json:"realm"`
	IDToken   string `json:"id_token,omitempty"`
}

// LoginHandler runs a direct (credential) login and, when a client id is
// supplied, mints an ID token for it.
func (a *ServerAPI) LoginHandler(c echo.Context) error {
	realm := c.Param("realm")

	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errors.NewOAuth2Error(errors.CodeInvalidRequest, "malformed login request"))
	}
	authority := domain.Authority(req.Authority)
	if authority == "" {
		authority = domain.AuthorityInternal
	}
	providerID := req.Provider
	if providerID == "" {
		providerID = "local"
	}

	result, err := a.dispatcher.Login(c.Request().Context(), realm, authority, providerID, authn.Credentials{
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil {
		return a.authFailure(c, err)
	}
	return a.loginSuccess(c, result, req.ClientID, req.Nonce)
}

// BeginRedirectHandler starts a redirect login and sends the user to the
// upstream provider.
func (a *ServerAPI) BeginRedirectHandler(c echo.Context) error {
	realm := c.Param("realm")
	authority := domain.Authority(c.Param("authority"))
	providerID := c.Param("provider")

	authURL, err := a.dispatcher.BeginRedirect(c.Request().Context(), realm, authority, providerID, a.issuer+"/login/callback")
	if err != nil {
		return a.authFailure(c, err)
	}
	return c.Redirect(http.StatusFound, authURL)
}

// CallbackHandler finishes a redirect login from the upstream callback.
func (a *ServerAPI) CallbackHandler(c echo.Context) error {
	if upstreamErr := c.QueryParam("error"); upstreamErr != "" {
		return c.JSON(http.StatusBadRequest, errors.NewOAuth2Error(upstreamErr, c.QueryParam("error_description")))
	}

	state := c.QueryParam("state")
	code := c.QueryParam("code")
	if state == "" {
		return c.JSON(http.StatusBadRequest, errors.NewOAuth2Error(errors.CodeInvalidRequest, "missing state"))
	}

	result, err := a.dispatcher.CompleteRedirect(c.Request().Context(), state, code)
	if err != nil {
		return a.authFailure(c, err)
	}
	return a.loginSuccess(c, result, c.QueryParam("client_id"), "")
}

func (a *ServerAPI) loginSuccess(c echo.Context, result *authn.Result, clientID, nonce string) error {
	resp := loginResponse{
		SubjectID: result.Authentication.SubjectID,
		Realm:     result.Authentication.Realm,
	}

	if clientID != "" {
		idToken, err := a.minter.MintIDToken(c.Request().Context(), &token.Request{
			ClientID:       clientID,
			Authentication: result.Authentication,
			Nonce:          nonce,
			AuthTime:       time.Unix(result.Authentication.AuthTime, 0),
		})
		if err != nil {
			return a.authFailure(c, err)
		}
		resp.IDToken = idToken
	}
	return c.JSON(http.StatusOK, resp)
}

// authFailure maps classified errors onto OAuth2 wire errors and status
// codes.
func (a *ServerAPI) authFailure(c echo.Context, err error) error {
	oauthErr := errors.ToOAuth2(err)

	status := http.StatusBadRequest
	switch errors.KindOf(err) {
	case errors.KindInvalidClient:
		status = http.StatusUnauthorized
	case errors.KindAccountLocked, errors.KindSubjectMismatch:
		status = http.StatusForbidden
	case errors.KindUpstreamUnavailable:
		status = http.StatusBadGateway
	case errors.KindKeyUnavailable, errors.KindTrustChainInvalid:
		status = http.StatusInternalServerError
	}
	return c.JSON(status, oauthErr)
}
