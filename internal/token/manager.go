// Package token owns the session and token lifecycle: issue, validate, refresh
// rotation with replay detection, revocation, and the expiry sweep.
//
// The Manager keeps no state of its own. Every decision is made against the
// shared session store, so any number of instances can serve the same sessions.
package token

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cgb37/quart-mysql-scaffold/internal/autherr"
	identitydomain "github.com/cgb37/quart-mysql-scaffold/internal/identity/domain"
	"github.com/cgb37/quart-mysql-scaffold/internal/obs"
	"github.com/cgb37/quart-mysql-scaffold/internal/security"
	"github.com/cgb37/quart-mysql-scaffold/internal/session/domain"
	"github.com/cgb37/quart-mysql-scaffold/internal/session/repository"
)

// IdentityLookup is the slice of the credential store that refresh needs.
type IdentityLookup interface {
	FindByID(ctx context.Context, id string) (*identitydomain.Identity, error)
}

// Meta is client information recorded on a new session.
type Meta struct {
	IPAddress string
	UserAgent string
}

// Principal is the authenticated caller behind a valid access token.
type Principal struct {
	IdentityID  string
	SessionID   string
	TokenID     string
	Origin      domain.Origin
	Login       string
	DisplayName string
	Roles       []string
	ExpiresAt   time.Time
}

// Pair is a freshly minted access/refresh token pair.
type Pair struct {
	Principal        Principal
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// ReplayError reports a refresh token replay. The named session has been revoked.
// It matches autherr.ErrTokenReplay under errors.Is.
type ReplayError struct {
	SessionID  string
	IdentityID string
}

func (e *ReplayError) Error() string { return autherr.ErrTokenReplay.Error() }
func (e *ReplayError) Unwrap() error { return autherr.ErrTokenReplay }

type Manager struct {
	store      repository.Store
	identities IdentityLookup
	tokens     *security.TokenProvider
	logger     *zap.Logger
	now        func() time.Time
}

// NewManager returns a Manager on the given store. identities is read on refresh
// so deactivated identities cannot keep rotating.
func NewManager(store repository.Store, identities IdentityLookup, tokens *security.TokenProvider, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:      store,
		identities: identities,
		tokens:     tokens,
		logger:     logger.Named("token"),
		now:        time.Now,
	}
}

// WithClock returns a copy of m that reads time from now.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	cp := *m
	cp.now = now
	return &cp
}

// Tokens exposes the provider, mainly for publishing the verification key.
func (m *Manager) Tokens() *security.TokenProvider { return m.tokens }

// Issue creates a session for ident and mints its first token pair.
func (m *Manager) Issue(ctx context.Context, ident *identitydomain.Identity, origin domain.Origin, meta Meta) (*Pair, error) {
	now := m.now().UTC()
	sessionID := uuid.NewString()
	pair, err := m.mint(ident, sessionID, origin)
	if err != nil {
		return nil, err
	}
	_, err = m.store.CreateSession(ctx, &domain.Session{
		ID:               sessionID,
		IdentityID:       ident.ID,
		Origin:           origin,
		CreatedAt:        now,
		LastSeenAt:       now,
		ExpiresAt:        pair.RefreshExpiresAt,
		RefreshJTI:       pair.refreshID,
		RefreshTokenHash: security.HashToken(pair.RefreshToken),
		IPAddress:        meta.IPAddress,
		UserAgent:        meta.UserAgent,
	})
	if err != nil {
		return nil, m.unavailable("create session", err)
	}
	return &pair.Pair, nil
}

// Refresh rotates a refresh token. The token's jti is burned first; a second
// presentation of the same token, or of any superseded token, is a replay and
// revokes the whole session.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (*Pair, error) {
	claims, err := m.tokens.ParseRefresh(refreshToken)
	if err != nil {
		return nil, parseError(err)
	}
	now := m.now().UTC()

	sess, err := m.store.GetSession(ctx, claims.SessionID)
	if err != nil {
		return nil, m.unavailable("get session", err)
	}
	if sess == nil || !sess.Active(now) || sess.IdentityID != claims.Subject {
		return nil, autherr.ErrSessionRevoked
	}

	// Only the token the session is currently bound to may rotate it.
	if sess.RefreshJTI != claims.ID || !security.TokenHashEqual(refreshToken, sess.RefreshTokenHash) {
		return nil, m.replay(ctx, sess)
	}

	ident, err := m.identities.FindByID(ctx, claims.Subject)
	if err != nil {
		return nil, m.unavailable("load identity", err)
	}
	if ident == nil || !ident.Active {
		if err := m.Revoke(ctx, sess.ID); err != nil {
			return nil, err
		}
		return nil, autherr.ErrSessionRevoked
	}

	pair, err := m.mint(ident, sess.ID, sess.Origin)
	if err != nil {
		return nil, err
	}
	// A failed rotation writes nothing, so the caller may retry with the same token.
	rotated, err := m.store.RotateRefresh(ctx, domain.Rotation{
		SessionID:        sess.ID,
		From:             domain.Revocation{TokenID: claims.ID, RevokedAt: now, ExpiresAt: claims.ExpiresAt.Time},
		RefreshJTI:       pair.refreshID,
		RefreshTokenHash: security.HashToken(pair.RefreshToken),
		LastSeenAt:       now,
		ExpiresAt:        pair.RefreshExpiresAt,
	})
	if err != nil {
		return nil, m.unavailable("rotate refresh token", err)
	}
	if !rotated {
		// Lost a race: another request rotated or revoked the session first.
		cur, err := m.store.GetSession(ctx, sess.ID)
		if err != nil {
			return nil, m.unavailable("get session", err)
		}
		if cur == nil || !cur.Active(now) {
			return nil, autherr.ErrSessionRevoked
		}
		return nil, m.replay(ctx, cur)
	}
	obs.RefreshRotations.Inc()
	return &pair.Pair, nil
}

// Validate checks an access token without mutating anything: signature, expiry,
// revocation record, then session state, from a single store read.
func (m *Manager) Validate(ctx context.Context, accessToken string) (*Principal, error) {
	claims, err := m.tokens.ParseAccess(accessToken)
	if err != nil {
		return nil, parseError(err)
	}
	in, err := m.store.Inspect(ctx, claims.SessionID, claims.ID)
	if err != nil {
		return nil, m.unavailable("inspect session", err)
	}
	if in.TokenRevoked {
		return nil, autherr.ErrTokenRevoked
	}
	if !in.SessionFound || in.SessionRevoked || !m.now().Before(in.SessionExpiresAt) {
		return nil, autherr.ErrSessionRevoked
	}
	p := principalFromClaims(claims)
	return &p, nil
}

// Revoke marks the session revoked. Revoking a missing or already revoked session is not an error.
func (m *Manager) Revoke(ctx context.Context, sessionID string) error {
	now := m.now().UTC()
	err := m.store.ReviseSession(ctx, &domain.Session{ID: sessionID, Revoked: true, RevokedAt: &now})
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return m.unavailable("revoke session", err)
	}
	return nil
}

// RevokeToken is logout: the access token's jti gets a revocation record and its
// session is revoked. A verified but expired token is still accepted. Only a
// token that fails verification is rejected, with MalformedToken.
func (m *Manager) RevokeToken(ctx context.Context, accessToken string) (*Principal, error) {
	claims, err := m.tokens.ParseAccess(accessToken)
	if err != nil && !errors.Is(err, security.ErrExpiredToken) {
		return nil, autherr.ErrMalformedToken
	}
	if _, err := m.store.InsertRevocationIfAbsent(ctx, domain.Revocation{
		TokenID:   claims.ID,
		RevokedAt: m.now().UTC(),
		ExpiresAt: claims.ExpiresAt.Time,
	}); err != nil {
		return nil, m.unavailable("revoke token", err)
	}
	if err := m.Revoke(ctx, claims.SessionID); err != nil {
		return nil, err
	}
	p := principalFromClaims(claims)
	return &p, nil
}

// RevokeAll revokes every live session of the identity except keepSessionID.
func (m *Manager) RevokeAll(ctx context.Context, identityID, keepSessionID string) (int64, error) {
	n, err := m.store.RevokeAllByIdentity(ctx, identityID, keepSessionID, m.now().UTC())
	if err != nil {
		return n, m.unavailable("revoke all sessions", err)
	}
	return n, nil
}

// Session returns the stored session, or nil when it does not exist.
func (m *Manager) Session(ctx context.Context, sessionID string) (*domain.Session, error) {
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, m.unavailable("get session", err)
	}
	return s, nil
}

// Sessions lists the identity's sessions, newest first.
func (m *Manager) Sessions(ctx context.Context, identityID string) ([]*domain.Session, error) {
	list, err := m.store.ListByIdentity(ctx, identityID)
	if err != nil {
		return nil, m.unavailable("list sessions", err)
	}
	return list, nil
}

// SweepExpired deletes sessions and revocation records that expired more than grace ago.
func (m *Manager) SweepExpired(ctx context.Context, grace time.Duration) (int64, error) {
	n, err := m.store.SweepExpired(ctx, m.now().UTC().Add(-grace))
	if err != nil {
		return n, m.unavailable("sweep", err)
	}
	return n, nil
}

// Ping checks the session store.
func (m *Manager) Ping(ctx context.Context) error {
	return m.unavailable("ping session store", m.store.Ping(ctx))
}

func (m *Manager) replay(ctx context.Context, sess *domain.Session) error {
	obs.TokenReplays.Inc()
	m.logger.Warn("refresh token replay; revoking session",
		zap.String("session_id", sess.ID),
		zap.String("identity_id", sess.IdentityID),
	)
	if err := m.Revoke(ctx, sess.ID); err != nil {
		return err
	}
	return &ReplayError{SessionID: sess.ID, IdentityID: sess.IdentityID}
}

func (m *Manager) unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	m.logger.Error("session store failure", zap.String("op", op), zap.Error(err))
	return autherr.Unavailable(op, err)
}

type minted struct {
	Pair
	refreshID string
}

func (m *Manager) mint(ident *identitydomain.Identity, sessionID string, origin domain.Origin) (minted, error) {
	sub := security.Subject{
		IdentityID: ident.ID,
		SessionID:  sessionID,
		Origin:     string(origin),
		Email:      ident.Login,
		Name:       ident.DisplayName,
		Roles:      ident.Roles,
	}
	access, err := m.tokens.IssueAccess(sub)
	if err != nil {
		return minted{}, err
	}
	refresh, err := m.tokens.IssueRefresh(sub)
	if err != nil {
		return minted{}, err
	}
	return minted{
		Pair: Pair{
			Principal: Principal{
				IdentityID:  ident.ID,
				SessionID:   sessionID,
				TokenID:     access.ID,
				Origin:      origin,
				Login:       ident.Login,
				DisplayName: ident.DisplayName,
				Roles:       ident.Roles,
				ExpiresAt:   access.ExpiresAt,
			},
			AccessToken:      access.Token,
			AccessExpiresAt:  access.ExpiresAt,
			RefreshToken:     refresh.Token,
			RefreshExpiresAt: refresh.ExpiresAt,
		},
		refreshID: refresh.ID,
	}, nil
}

func principalFromClaims(c *security.Claims) Principal {
	p := Principal{
		IdentityID:  c.Subject,
		SessionID:   c.SessionID,
		TokenID:     c.ID,
		Origin:      domain.Origin(c.Origin),
		Login:       c.Email,
		DisplayName: c.Name,
		Roles:       c.Roles,
	}
	if c.ExpiresAt != nil {
		p.ExpiresAt = c.ExpiresAt.Time
	}
	return p
}

func parseError(err error) error {
	if errors.Is(err, security.ErrExpiredToken) {
		return autherr.ErrTokenExpired
	}
	return autherr.ErrMalformedToken
}
