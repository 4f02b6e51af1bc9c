package errors

import "fmt"

// OAuth2Error is the wire-level OAuth 2.0 error representation returned on
// protocol surfaces.
type OAuth2Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	URI         string `json:"error_uri,omitempty"`
	State       string `json:"state,omitempty"`
}

func (e *OAuth2Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Standard OAuth2 error codes.
const (
	CodeInvalidRequest         = "invalid_request"
	CodeUnauthorizedClient     = "unauthorized_client"
	CodeAccessDenied           = "access_denied"
	CodeInvalidClient          = "invalid_client"
	CodeInvalidGrant           = "invalid_grant"
	CodeServerError            = "server_error"
	CodeTemporarilyUnavailable = "temporarily_unavailable"
)

// NewOAuth2Error builds a wire error with the given code and description.
func NewOAuth2Error(code, description string) *OAuth2Error {
	return &OAuth2Error{Code: code, Description: description}
}

// ToOAuth2 maps a classified error to its OAuth2 wire form.
func ToOAuth2(err error) *OAuth2Error {
	switch KindOf(err) {
	case KindInvalidRequest:
		return &OAuth2Error{Code: CodeInvalidRequest, Description: errDescription(err)}
	case KindInvalidClient:
		return &OAuth2Error{Code: CodeInvalidClient, Description: errDescription(err)}
	case KindSubjectMismatch, KindAccountLocked, KindTrustChainInvalid:
		return &OAuth2Error{Code: CodeAccessDenied, Description: errDescription(err)}
	case KindUpstreamUnavailable:
		return &OAuth2Error{Code: CodeTemporarilyUnavailable, Description: errDescription(err)}
	default:
		return &OAuth2Error{Code: CodeServerError, Description: errDescription(err)}
	}
}

func errDescription(err error) string {
	var e *Error
	if As(err, &e) && e.Description != "" {
		return e.Description
	}
	return ""
}
