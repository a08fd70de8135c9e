package auth

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cgb37/quart-mysql-scaffold/internal/autherr"
	identitydomain "github.com/cgb37/quart-mysql-scaffold/internal/identity/domain"
	identityrepo "github.com/cgb37/quart-mysql-scaffold/internal/identity/repository"
	"github.com/cgb37/quart-mysql-scaffold/internal/security"
	sessiondomain "github.com/cgb37/quart-mysql-scaffold/internal/session/domain"
)

// localStrategy checks login and password against the credential store.
type localStrategy struct {
	identities   identityrepo.Repository
	hasher       *security.Hasher
	policy       PasswordPolicy
	defaultRoles []string
	logger       *zap.Logger
	now          func() time.Time
}

func (*localStrategy) sealed() {}

func (*localStrategy) Origin() sessiondomain.Origin { return sessiondomain.OriginLocal }

// Authenticate never says which of login or password was wrong, and burns a
// bcrypt comparison even when the login does not exist.
func (s *localStrategy) Authenticate(ctx context.Context, creds Credentials) (*identitydomain.Identity, error) {
	login := identitydomain.NormalizeLogin(creds.Login)
	if creds.Assertion != "" || login == "" || creds.Password == "" {
		_ = s.hasher.CompareDummy([]byte(creds.Password))
		return nil, autherr.ErrInvalidCredentials
	}
	ident, err := s.identities.FindByLogin(ctx, login)
	if err != nil {
		return nil, autherr.Unavailable("find identity", err)
	}
	if ident == nil || !ident.Active || ident.PasswordHash == "" {
		_ = s.hasher.CompareDummy([]byte(creds.Password))
		return nil, autherr.ErrInvalidCredentials
	}
	if err := s.hasher.Compare(ident.PasswordHash, []byte(creds.Password)); err != nil {
		return nil, autherr.ErrInvalidCredentials
	}
	return ident, nil
}

func (s *localStrategy) Provision(ctx context.Context, p Provisioning) (*identitydomain.Identity, error) {
	now := s.now().UTC()
	ident := &identitydomain.Identity{
		ID:          uuid.NewString(),
		Login:       p.Login,
		DisplayName: p.DisplayName,
		Active:      true,
		Roles:       append([]string(nil), s.defaultRoles...),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := ident.Validate(); err != nil {
		return nil, &ValidationError{Field: "email", Message: err.Error()}
	}
	if err := s.policy.Check(p.Password); err != nil {
		return nil, err
	}

	existing, err := s.identities.FindByLogin(ctx, ident.Login)
	if err != nil {
		return nil, autherr.Unavailable("find identity", err)
	}
	if existing != nil {
		return nil, autherr.ErrDuplicateIdentity
	}

	hash, err := s.hasher.Hash([]byte(p.Password))
	if err != nil {
		return nil, err
	}
	ident.PasswordHash = hash

	created, err := s.identities.Insert(ctx, ident)
	if errors.Is(err, identityrepo.ErrConflict) {
		// Lost a race with a concurrent registration of the same login.
		return nil, autherr.ErrDuplicateIdentity
	}
	if err != nil {
		return nil, autherr.Unavailable("insert identity", err)
	}
	s.logger.Info("identity registered", zap.String("identity_id", created.ID))
	return created, nil
}

// MapClaims grants the default roles; local identities carry no external claims.
func (s *localStrategy) MapClaims(map[string]any) ([]string, error) {
	return append([]string(nil), s.defaultRoles...), nil
}

// changePassword verifies current and stores next. Only local identities have passwords.
func (s *localStrategy) changePassword(ctx context.Context, identityID, current, next string) (*identitydomain.Identity, error) {
	ident, err := s.identities.FindByID(ctx, identityID)
	if err != nil {
		return nil, autherr.Unavailable("find identity", err)
	}
	if ident == nil || !ident.Active || ident.PasswordHash == "" {
		return nil, autherr.ErrInvalidCredentials
	}
	if err := s.hasher.Compare(ident.PasswordHash, []byte(current)); err != nil {
		return nil, autherr.ErrInvalidCredentials
	}
	if err := s.policy.Check(next); err != nil {
		return nil, err
	}
	if current == next {
		return nil, &ValidationError{Field: "new_password", Message: "must differ from the current password"}
	}
	hash, err := s.hasher.Hash([]byte(next))
	if err != nil {
		return nil, err
	}
	ident.PasswordHash = hash
	ident.UpdatedAt = s.now().UTC()
	if err := s.identities.Update(ctx, ident); err != nil {
		if errors.Is(err, identityrepo.ErrNotFound) {
			return nil, autherr.ErrInvalidCredentials
		}
		return nil, autherr.Unavailable("update identity", err)
	}
	return ident, nil
}
