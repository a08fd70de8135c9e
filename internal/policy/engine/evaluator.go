package engine

import "context"

// RevokeInput describes one request to revoke a session.
type RevokeInput struct {
	ActorID        string
	ActorSessionID string
	ActorRoles     []string
	SessionID      string
	SessionOwnerID string
	SessionOrigin  string
}

// Evaluator decides session revocation requests.
type Evaluator interface {
	// AllowRevoke reports whether the actor may revoke the session. An error means
	// the policy could not be evaluated; callers deny in that case.
	AllowRevoke(ctx context.Context, in RevokeInput) (bool, error)
}
