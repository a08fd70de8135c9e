package domain

import "time"

// AuditLog represents an audit event.
type AuditLog struct {
	ID         string
	IdentityID string // empty when the actor is unknown, e.g. a failed login
	Action     string
	Resource   string
	IP         string
	UserAgent  string
	Metadata   map[string]any
	CreatedAt  time.Time
}
