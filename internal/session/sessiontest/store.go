// Package sessiontest provides an in-memory session store for tests in other packages.
package sessiontest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cgb37/quart-mysql-scaffold/internal/session/domain"
	"github.com/cgb37/quart-mysql-scaffold/internal/session/repository"
)

var _ repository.Store = (*Store)(nil)

// Store is a mutex-guarded map implementation of repository.Store.
// Err, when set, is returned by every call.
type Store struct {
	mu          sync.Mutex
	sessions    map[string]*domain.Session
	revocations map[string]domain.Revocation
	Err         error
}

func NewStore() *Store {
	return &Store{
		sessions:    make(map[string]*domain.Session),
		revocations: make(map[string]domain.Revocation),
	}
}

// SetErr makes every subsequent call fail with err (nil clears it).
func (s *Store) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Err = err
}

func (s *Store) CreateSession(_ context.Context, sess *domain.Session) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	out := cp
	return &out, nil
}

func (s *Store) GetSession(_ context.Context, id string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *sess
	return &cp, nil
}

func (s *Store) ReviseSession(_ context.Context, next *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	sess, ok := s.sessions[next.ID]
	if !ok {
		return repository.ErrNotFound
	}
	sess.Merge(next)
	return nil
}

func (s *Store) RotateRefresh(_ context.Context, rot domain.Rotation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	sess, ok := s.sessions[rot.SessionID]
	if !ok || sess.Revoked || sess.RefreshJTI != rot.From.TokenID {
		return false, nil
	}
	sess.Merge(&domain.Session{
		LastSeenAt:       rot.LastSeenAt,
		ExpiresAt:        rot.ExpiresAt,
		RefreshJTI:       rot.RefreshJTI,
		RefreshTokenHash: rot.RefreshTokenHash,
	})
	if _, ok := s.revocations[rot.From.TokenID]; !ok {
		s.revocations[rot.From.TokenID] = rot.From
	}
	return true, nil
}

func (s *Store) InsertRevocationIfAbsent(_ context.Context, r domain.Revocation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	if _, ok := s.revocations[r.TokenID]; ok {
		return false, nil
	}
	s.revocations[r.TokenID] = r
	return true, nil
}

func (s *Store) Inspect(_ context.Context, sessionID, tokenID string) (repository.Inspection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return repository.Inspection{}, s.Err
	}
	_, revoked := s.revocations[tokenID]
	in := repository.Inspection{TokenRevoked: revoked}
	if sess, ok := s.sessions[sessionID]; ok {
		in.SessionFound = true
		in.SessionRevoked = sess.Revoked
		in.SessionExpiresAt = sess.ExpiresAt
	}
	return in, nil
}

func (s *Store) SweepExpired(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	var n int64
	for id, sess := range s.sessions {
		if sess.ExpiresAt.Before(before) {
			delete(s.sessions, id)
			n++
		}
	}
	for id, r := range s.revocations {
		if r.ExpiresAt.Before(before) {
			delete(s.revocations, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) ListByIdentity(_ context.Context, identityID string) ([]*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []*domain.Session
	for _, sess := range s.sessions {
		if sess.IdentityID == identityID {
			cp := *sess
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return out, nil
}

func (s *Store) RevokeAllByIdentity(_ context.Context, identityID, keepSessionID string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	var n int64
	for id, sess := range s.sessions {
		if sess.IdentityID != identityID || id == keepSessionID || sess.Revoked {
			continue
		}
		t := at
		sess.Merge(&domain.Session{Revoked: true, RevokedAt: &t})
		n++
	}
	return n, nil
}

func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Err
}

// Len returns the number of stored sessions and revocation records.
func (s *Store) Len() (sessions, revocations int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions), len(s.revocations)
}
