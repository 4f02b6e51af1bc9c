// Package audit emits structured audit events. Every outbound federation
// token request and every inbound token/userinfo response must produce one
// of these events; they are observability side effects, never part of the
// trust decision.
package audit

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Event is one audit record.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Component string    `json:"component"`
	Action    string    `json:"action"`
	Realm     string    `json:"realm,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	Target    string    `json:"target,omitempty"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

var auditLogger = zerolog.New(os.Stdout).With().Timestamp().Str("log", "audit").Logger()

// Log records an audit event.
func Log(component, action, realm, provider, target string, success bool, err error) {
	ev := Event{
		Timestamp: time.Now().UTC(),
		Component: component,
		Action:    action,
		Realm:     realm,
		Provider:  provider,
		Target:    target,
		Success:   success,
	}
	if err != nil {
		ev.Error = err.Error()
	}

	auditLogger.Log().
		Str("component", ev.Component).
		Str("action", ev.Action).
		Str("realm", ev.Realm).
		Str("provider", ev.Provider).
		Str("target", ev.Target).
		Bool("success", ev.Success).
		Str("error", ev.Error).
		Msg("audit")
}
