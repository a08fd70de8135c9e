package domain

import "time"

// Origin records which strategy authenticated the session.
type Origin string

const (
	OriginLocal     Origin = "local"
	OriginFederated Origin = "federated"
)

// Valid reports whether o is one of the two known origins.
func (o Origin) Valid() bool {
	return o == OriginLocal || o == OriginFederated
}

// Session is the server-side record of one authenticated login.
type Session struct {
	ID               string
	IdentityID       string
	Origin           Origin
	CreatedAt        time.Time
	LastSeenAt       time.Time
	ExpiresAt        time.Time // never moves backward
	Revoked          bool      // monotonic
	RevokedAt        *time.Time
	RefreshJTI       string // jti of the only refresh token currently accepted
	RefreshTokenHash string // SHA-256 of that refresh token
	IPAddress        string
	UserAgent        string
}

// Active reports whether the session is usable at now.
func (s *Session) Active(now time.Time) bool {
	return !s.Revoked && now.Before(s.ExpiresAt)
}

// Merge applies next on top of s while holding the session invariants: expiry
// only extends, revocation only turns on, last-seen only advances. Stores apply
// the same rules in their revise statements so concurrent writers converge.
func (s *Session) Merge(next *Session) {
	if next.ExpiresAt.After(s.ExpiresAt) {
		s.ExpiresAt = next.ExpiresAt
	}
	if next.LastSeenAt.After(s.LastSeenAt) {
		s.LastSeenAt = next.LastSeenAt
	}
	if next.Revoked && !s.Revoked {
		s.Revoked = true
		s.RevokedAt = next.RevokedAt
	}
	if next.RefreshJTI != "" {
		s.RefreshJTI = next.RefreshJTI
		s.RefreshTokenHash = next.RefreshTokenHash
	}
}

// Revocation marks a token id as permanently unusable. ExpiresAt is the
// token's own expiry and only drives the sweep.
type Revocation struct {
	TokenID   string
	RevokedAt time.Time
	ExpiresAt time.Time
}

// Rotation moves a session's refresh binding from one token to the next. Stores
// apply it as one atomic step: the binding swaps only while it still names
// From.TokenID, and From is recorded as a revocation in the same write.
type Rotation struct {
	SessionID        string
	From             Revocation
	RefreshJTI       string
	RefreshTokenHash string
	LastSeenAt       time.Time
	ExpiresAt        time.Time
}
