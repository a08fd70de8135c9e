package audit

import (
	"errors"

	"github.com/cgb37/quart-mysql-scaffold/internal/autherr"
	"github.com/cgb37/quart-mysql-scaffold/internal/events"
)

// Resources.
const (
	ResourceIdentity = "identity"
	ResourceSession  = "session"
)

// ActionResource holds action and resource for one facade operation outcome.
type ActionResource struct {
	Action   string
	Resource string
}

// Operations recognized by ForOutcome.
const (
	OpRegister       = "register"
	OpLogin          = "login"
	OpRefresh        = "refresh"
	OpLogout         = "logout"
	OpPasswordChange = "password_change"
	OpDeactivate     = "deactivate"
	OpSessionRevoke  = "session_revoke"
)

// ForOutcome returns the action and resource recorded for op finishing with err.
// A replay is always token_replay on the session, whatever op detected it.
// A failed login is login_failure. Other failures keep op as the action.
func ForOutcome(op string, err error) ActionResource {
	switch {
	case errors.Is(err, autherr.ErrTokenReplay):
		return ActionResource{Action: events.TypeTokenReplay, Resource: ResourceSession}
	case err != nil && op == OpLogin:
		return ActionResource{Action: events.TypeLoginFailure, Resource: ResourceIdentity}
	}
	switch op {
	case OpRegister:
		return ActionResource{Action: events.TypeRegister, Resource: ResourceIdentity}
	case OpLogin:
		return ActionResource{Action: events.TypeLogin, Resource: ResourceSession}
	case OpRefresh:
		return ActionResource{Action: events.TypeRefresh, Resource: ResourceSession}
	case OpLogout:
		return ActionResource{Action: events.TypeLogout, Resource: ResourceSession}
	case OpPasswordChange:
		return ActionResource{Action: events.TypePasswordChange, Resource: ResourceIdentity}
	case OpDeactivate:
		return ActionResource{Action: events.TypeDeactivate, Resource: ResourceIdentity}
	case OpSessionRevoke:
		return ActionResource{Action: events.TypeSessionRevoked, Resource: ResourceSession}
	}
	return ActionResource{Action: op, Resource: "unknown"}
}

// Event builds the audit event for op finishing with err.
func (ar ActionResource) Event(identityID, sessionID string, err error) Event {
	ev := Event{IdentityID: identityID, SessionID: sessionID, Action: ar.Action, Resource: ar.Resource}
	if err != nil {
		ev.Kind = autherr.KindOf(err).String()
	}
	return ev
}
