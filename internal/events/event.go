// Package events publishes security events (login failures, token replays,
// revocations) to a message broker for downstream detection pipelines.
package events

import "time"

// Event types.
const (
	TypeLogin          = "login"
	TypeLoginFailure   = "login_failure"
	TypeTokenReplay    = "token_replay"
	TypeSessionRevoked = "session_revoke"
	TypeLogout         = "logout"
	TypeRegister       = "register"
	TypePasswordChange = "password_change"
	TypeDeactivate     = "deactivate"
	TypeRefresh        = "refresh"
)

// SecurityEvent is the JSON payload written to the events topic.
type SecurityEvent struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	IdentityID string         `json:"identity_id,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	// Kind is the authentication error kind for failures.
	Kind       string         `json:"kind,omitempty"`
	IP         string         `json:"ip,omitempty"`
	UserAgent  string         `json:"user_agent,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}
