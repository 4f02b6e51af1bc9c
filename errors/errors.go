package errors

import (
	"errors"
	"fmt"
)

// Kind classifies every failure that crosses a component boundary. Raw
// transport or parsing errors never escape; they are wrapped into one of
// these kinds first.
type Kind string

const (
	KindInvalidRequest      Kind = "invalid_request"
	KindInvalidClient       Kind = "invalid_client"
	KindTrustChainInvalid   Kind = "trust_chain_invalid"
	KindKeyUnavailable      Kind = "key_unavailable"
	KindUnsupportedAlg      Kind = "unsupported_algorithm"
	KindSubjectMismatch     Kind = "subject_mismatch"
	KindAccountLocked       Kind = "account_locked"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
)

// Error is a classified failure. It wraps the underlying cause for logging
// while exposing only the kind and description to callers.
type Error struct {
	Kind        Kind
	Description string
	cause       error
}

func (e *Error) Error() string {
	if e.Description == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Description)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches two classified errors by kind, so sentinel comparisons like
// errors.Is(err, ErrKeyUnavailable) work across wrapped instances.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// New creates a classified error.
func New(kind Kind, description string) *Error {
	return &Error{Kind: kind, Description: description}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, description string, cause error) *Error {
	return &Error{Kind: kind, Description: description, cause: cause}
}

// KindOf returns the kind of a classified error, or "" for unclassified
// errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Sentinels for errors.Is comparisons.
var (
	ErrInvalidRequest      = New(KindInvalidRequest, "")
	ErrInvalidClient       = New(KindInvalidClient, "")
	ErrTrustChainInvalid   = New(KindTrustChainInvalid, "")
	ErrKeyUnavailable      = New(KindKeyUnavailable, "")
	ErrUnsupportedAlg      = New(KindUnsupportedAlg, "")
	ErrSubjectMismatch     = New(KindSubjectMismatch, "")
	ErrAccountLocked       = New(KindAccountLocked, "")
	ErrUpstreamUnavailable = New(KindUpstreamUnavailable, "")
)

// As and Is re-export the standard library helpers so callers need not
// import both packages.
var (
	As = errors.As
	Is = errors.Is
)

// Store-level sentinels.
var (
	ErrAccountNotFound  = errors.New("account not found")
	ErrSubjectNotFound  = errors.New("subject not found")
	ErrClientNotFound   = errors.New("client not found")
	ErrProviderNotFound = errors.New("provider not found")
)
