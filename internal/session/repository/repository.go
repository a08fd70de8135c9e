package repository

import (
	"context"
	"errors"
	"time"

	"github.com/cgb37/quart-mysql-scaffold/internal/session/domain"
)

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=mocks/store_mock.go github.com/cgb37/quart-mysql-scaffold/internal/session/repository Store

// ErrNotFound is returned by ReviseSession when no session has the given id.
var ErrNotFound = errors.New("session: not found")

// Inspection is everything Validate needs, read in one round trip.
type Inspection struct {
	TokenRevoked     bool
	SessionFound     bool
	SessionRevoked   bool
	SessionExpiresAt time.Time
}

// Store is the shared token/session store. Getters return nil, nil for a missing row.
// All state lives here so any number of service instances can share it.
type Store interface {
	CreateSession(ctx context.Context, s *domain.Session) (*domain.Session, error)
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	// ReviseSession merges s into the stored row: expiry and last-seen only
	// advance, revocation only turns on, a non-empty refresh binding replaces the old one.
	ReviseSession(ctx context.Context, s *domain.Session) error
	// InsertRevocationIfAbsent records r and reports whether this call created it.
	// Exactly one of any number of concurrent callers for the same token id gets true.
	InsertRevocationIfAbsent(ctx context.Context, r domain.Revocation) (bool, error)
	// RotateRefresh swaps the refresh binding and burns the old token in one write.
	// It reports false, writing nothing, when the session is missing, revoked, or
	// no longer bound to rot.From.TokenID. A revocation that already exists for
	// the old token does not block the swap.
	RotateRefresh(ctx context.Context, rot domain.Rotation) (bool, error)
	Inspect(ctx context.Context, sessionID, tokenID string) (Inspection, error)
	// SweepExpired deletes sessions and revocations that expired before the cutoff.
	SweepExpired(ctx context.Context, before time.Time) (int64, error)
	ListByIdentity(ctx context.Context, identityID string) ([]*domain.Session, error)
	// RevokeAllByIdentity revokes every live session of the identity except keepSessionID (may be empty).
	RevokeAllByIdentity(ctx context.Context, identityID, keepSessionID string, at time.Time) (int64, error)
	Ping(ctx context.Context) error
}
