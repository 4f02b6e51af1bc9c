package echo

import (
	"net/http"
	"net/url"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/identra-io/identra/errors"
	"github.com/identra-io/identra/internal/audit"
)

var endSessionSigAlgs = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.PS256, jose.PS384, jose.PS512,
}

// EndSessionHandler terminates a session. A post_logout_redirect_uri is
// honored only when an id_token_hint proves which client asked and the URI
// is on that client's registered post-logout list; any other value is
// dropped and the logout still succeeds without a redirect.
func (a *ServerAPI) EndSessionHandler(c echo.Context) error {
	hint := c.FormValue("id_token_hint")
	postLogoutURI := c.FormValue("post_logout_redirect_uri")
	state := c.FormValue("state")

	if postLogoutURI == "" {
		audit.Log("session", "end_session", "", "", "", true, nil)
		return c.NoContent(http.StatusOK)
	}

	if hint == "" {
		return a.dropRedirect(c, "", "", errors.New(errors.KindInvalidRequest,
			"post_logout_redirect_uri without an id_token_hint"))
	}

	clientID, err := a.clientFromHint(hint)
	if err != nil {
		return a.dropRedirect(c, "", "", err)
	}

	client, err := a.clients.GetClient(c.Request().Context(), clientID)
	if err != nil {
		return a.dropRedirect(c, "", clientID, err)
	}
	if !client.AllowsPostLogoutRedirect(postLogoutURI) {
		return a.dropRedirect(c, client.Realm, clientID, errors.New(errors.KindInvalidRequest,
			"post_logout_redirect_uri is not registered"))
	}

	audit.Log("session", "end_session", client.Realm, "", clientID, true, nil)

	target := postLogoutURI
	if state != "" {
		u, err := url.Parse(postLogoutURI)
		if err == nil {
			q := u.Query()
			q.Set("state", state)
			u.RawQuery = q.Encode()
			target = u.String()
		}
	}
	return c.Redirect(http.StatusFound, target)
}

// dropRedirect discards an unverifiable or unregistered
// post_logout_redirect_uri. The logout itself still succeeds.
func (a *ServerAPI) dropRedirect(c echo.Context, realm, clientID string, err error) error {
	log.Ctx(c.Request().Context()).Warn().Err(err).
		Str("client_id", clientID).
		Msg("end-session redirect dropped")
	audit.Log("session", "end_session", realm, "", clientID, true, nil)
	return c.NoContent(http.StatusOK)
}

// clientFromHint verifies the hint was issued by this server and returns
// its audience.
func (a *ServerAPI) clientFromHint(hint string) (string, error) {
	parsed, err := jwt.ParseSigned(hint, endSessionSigAlgs)
	if err != nil {
		return "", errors.Wrap(errors.KindInvalidRequest, "unparseable id_token_hint", err)
	}

	set := a.keys.PublicKeys()
	claims := jwt.Claims{}
	if err := parsed.Claims(&set, &claims); err != nil {
		return "", errors.Wrap(errors.KindInvalidRequest, "id_token_hint signature verification failed", err)
	}
	if claims.Issuer != a.issuer {
		return "", errors.New(errors.KindInvalidRequest, "id_token_hint was not issued here")
	}
	if len(claims.Audience) == 0 {
		return "", errors.New(errors.KindInvalidRequest, "id_token_hint carries no audience")
	}
	// Expired hints still identify the client; logout after token expiry
	// is legitimate.
	return claims.Audience[0], nil
}
