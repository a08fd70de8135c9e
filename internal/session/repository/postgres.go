package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/cgb37/quart-mysql-scaffold/internal/db"
	"github.com/cgb37/quart-mysql-scaffold/internal/session/domain"
)

var _ Store = (*PostgresStore)(nil)

// PostgresStore keeps sessions and revocations in Postgres.
type PostgresStore struct {
	db *db.DB
}

// NewPostgresStore returns a session store that uses the given pool for persistence.
func NewPostgresStore(d *db.DB) *PostgresStore {
	return &PostgresStore{db: d}
}

const sessionColumns = `id, identity_id, origin, created_at, last_seen_at, expires_at, revoked, revoked_at,
       refresh_jti, refresh_token_hash, ip_address, user_agent`

const (
	qSessionInsert = `
INSERT INTO sessions (id, identity_id, origin, created_at, last_seen_at, expires_at, revoked, revoked_at,
                      refresh_jti, refresh_token_hash, ip_address, user_agent)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
RETURNING ` + sessionColumns + `;`

	qSessionByID = `
SELECT ` + sessionColumns + `
FROM sessions
WHERE id = $1;`

	qSessionsByIdentity = `
SELECT ` + sessionColumns + `
FROM sessions
WHERE identity_id = $1
ORDER BY created_at DESC;`

	// Right-hand sides read the pre-update row, so revoked_at is only set on the transition.
	qSessionRevise = `
UPDATE sessions
SET last_seen_at       = GREATEST(last_seen_at, $2),
    expires_at         = GREATEST(expires_at, $3),
    revoked            = revoked OR $4,
    revoked_at         = CASE WHEN revoked THEN revoked_at WHEN $4 THEN $5 ELSE revoked_at END,
    refresh_jti        = COALESCE($6, refresh_jti),
    refresh_token_hash = COALESCE($7, refresh_token_hash)
WHERE id = $1;`

	// The row lock taken here serialises concurrent rotations of one session;
	// the loser re-reads refresh_jti after the winner commits and matches nothing.
	qSessionRotate = `
UPDATE sessions
SET last_seen_at       = GREATEST(last_seen_at, $3),
    expires_at         = GREATEST(expires_at, $4),
    refresh_jti        = $5,
    refresh_token_hash = $6
WHERE id = $1 AND NOT revoked AND refresh_jti = $2;`

	qSessionsRevokeByIdentity = `
UPDATE sessions
SET revoked = TRUE, revoked_at = $3
WHERE identity_id = $1 AND NOT revoked AND id::text <> $2;`

	qRevocationInsert = `
INSERT INTO token_revocations (token_id, revoked_at, expires_at)
VALUES ($1, $2, $3)
ON CONFLICT (token_id) DO NOTHING;`

	qInspect = `
SELECT EXISTS (SELECT 1 FROM token_revocations WHERE token_id = $2),
       s.revoked,
       s.expires_at
FROM (SELECT 1) AS one
LEFT JOIN sessions s ON s.id = $1;`

	qSweepSessions    = `DELETE FROM sessions WHERE expires_at < $1;`
	qSweepRevocations = `DELETE FROM token_revocations WHERE expires_at < $1;`
)

// CreateSession persists s. The session must have ID set.
func (r *PostgresStore) CreateSession(ctx context.Context, s *domain.Session) (*domain.Session, error) {
	ctx, cancel := r.db.WithTimeout(ctx)
	defer cancel()
	out, err := scanSession(r.db.Pool.QueryRow(ctx, qSessionInsert,
		s.ID, s.IdentityID, string(s.Origin), s.CreatedAt, s.LastSeenAt, s.ExpiresAt, s.Revoked, s.RevokedAt,
		nullString(s.RefreshJTI), nullString(s.RefreshTokenHash), nullString(s.IPAddress), nullString(s.UserAgent),
	))
	if err != nil {
		return nil, fmt.Errorf("session insert: %w", err)
	}
	return out, nil
}

// GetSession returns the session for id, or nil if not found.
func (r *PostgresStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	if !isUUID(id) {
		return nil, nil
	}
	ctx, cancel := r.db.WithTimeout(ctx)
	defer cancel()
	s, err := scanSession(r.db.Pool.QueryRow(ctx, qSessionByID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("session select: %w", err)
	}
	return s, nil
}

// ReviseSession applies the monotonic merge in a single statement.
func (r *PostgresStore) ReviseSession(ctx context.Context, s *domain.Session) error {
	if !isUUID(s.ID) {
		return ErrNotFound
	}
	ctx, cancel := r.db.WithTimeout(ctx)
	defer cancel()
	revokedAt := s.RevokedAt
	if s.Revoked && revokedAt == nil {
		now := time.Now().UTC()
		revokedAt = &now
	}
	tag, err := r.db.Pool.Exec(ctx, qSessionRevise,
		s.ID, s.LastSeenAt, s.ExpiresAt, s.Revoked, revokedAt,
		nullString(s.RefreshJTI), nullString(s.RefreshTokenHash),
	)
	if err != nil {
		return fmt.Errorf("session revise: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertRevocationIfAbsent relies on the token_id primary key for the single winner.
func (r *PostgresStore) InsertRevocationIfAbsent(ctx context.Context, rev domain.Revocation) (bool, error) {
	ctx, cancel := r.db.WithTimeout(ctx)
	defer cancel()
	tag, err := r.db.Pool.Exec(ctx, qRevocationInsert, rev.TokenID, rev.RevokedAt, rev.ExpiresAt)
	if err != nil {
		return false, fmt.Errorf("revocation insert: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RotateRefresh swaps the binding and burns the old token in one transaction.
func (r *PostgresStore) RotateRefresh(ctx context.Context, rot domain.Rotation) (bool, error) {
	if !isUUID(rot.SessionID) {
		return false, nil
	}
	ctx, cancel := r.db.WithTimeout(ctx)
	defer cancel()
	var rotated bool
	err := pgx.BeginFunc(ctx, r.db.Pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, qSessionRotate,
			rot.SessionID, rot.From.TokenID, rot.LastSeenAt, rot.ExpiresAt, rot.RefreshJTI, rot.RefreshTokenHash,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		if _, err := tx.Exec(ctx, qRevocationInsert, rot.From.TokenID, rot.From.RevokedAt, rot.From.ExpiresAt); err != nil {
			return err
		}
		rotated = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("session rotate: %w", err)
	}
	return rotated, nil
}

// Inspect reads the revocation flag and the session state in one query.
func (r *PostgresStore) Inspect(ctx context.Context, sessionID, tokenID string) (Inspection, error) {
	ctx, cancel := r.db.WithTimeout(ctx)
	defer cancel()
	var (
		in        Inspection
		revoked   *bool
		expiresAt *time.Time
		sid       any
	)
	// A malformed sid cannot match any row; pass NULL so the cast cannot fail.
	if isUUID(sessionID) {
		sid = sessionID
	}
	if err := r.db.Pool.QueryRow(ctx, qInspect, sid, tokenID).Scan(&in.TokenRevoked, &revoked, &expiresAt); err != nil {
		return Inspection{}, fmt.Errorf("session inspect: %w", err)
	}
	if revoked != nil {
		in.SessionFound = true
		in.SessionRevoked = *revoked
	}
	if expiresAt != nil {
		in.SessionExpiresAt = *expiresAt
	}
	return in, nil
}

// SweepExpired deletes rows that expired before the cutoff. Safe to run from many instances.
func (r *PostgresStore) SweepExpired(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := r.db.WithTimeout(ctx)
	defer cancel()
	st, err := r.db.Pool.Exec(ctx, qSweepSessions, before)
	if err != nil {
		return 0, fmt.Errorf("sweep sessions: %w", err)
	}
	rt, err := r.db.Pool.Exec(ctx, qSweepRevocations, before)
	if err != nil {
		return st.RowsAffected(), fmt.Errorf("sweep revocations: %w", err)
	}
	return st.RowsAffected() + rt.RowsAffected(), nil
}

// ListByIdentity returns the identity's sessions, newest first.
func (r *PostgresStore) ListByIdentity(ctx context.Context, identityID string) ([]*domain.Session, error) {
	if !isUUID(identityID) {
		return nil, nil
	}
	ctx, cancel := r.db.WithTimeout(ctx)
	defer cancel()
	rows, err := r.db.Pool.Query(ctx, qSessionsByIdentity, identityID)
	if err != nil {
		return nil, fmt.Errorf("session list: %w", err)
	}
	defer rows.Close()
	var out []*domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("session scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// RevokeAllByIdentity revokes the identity's live sessions except keepSessionID.
func (r *PostgresStore) RevokeAllByIdentity(ctx context.Context, identityID, keepSessionID string, at time.Time) (int64, error) {
	if !isUUID(identityID) {
		return 0, nil
	}
	ctx, cancel := r.db.WithTimeout(ctx)
	defer cancel()
	tag, err := r.db.Pool.Exec(ctx, qSessionsRevokeByIdentity, identityID, keepSessionID, at)
	if err != nil {
		return 0, fmt.Errorf("session revoke all: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Ping checks database connectivity.
func (r *PostgresStore) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

func scanSession(row pgx.Row) (*domain.Session, error) {
	var (
		s                    domain.Session
		origin               string
		jti, hash, ip, agent *string
	)
	if err := row.Scan(&s.ID, &s.IdentityID, &origin, &s.CreatedAt, &s.LastSeenAt, &s.ExpiresAt,
		&s.Revoked, &s.RevokedAt, &jti, &hash, &ip, &agent); err != nil {
		return nil, err
	}
	s.Origin = domain.Origin(origin)
	s.RefreshJTI = deref(jti)
	s.RefreshTokenHash = deref(hash)
	s.IPAddress = deref(ip)
	s.UserAgent = deref(agent)
	return &s, nil
}

func isUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
