package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cgb37/quart-mysql-scaffold/internal/autherr"
	"github.com/cgb37/quart-mysql-scaffold/internal/claimmap"
	identitydomain "github.com/cgb37/quart-mysql-scaffold/internal/identity/domain"
	identityrepo "github.com/cgb37/quart-mysql-scaffold/internal/identity/repository"
	sessiondomain "github.com/cgb37/quart-mysql-scaffold/internal/session/domain"
)

// AssertionVerifier checks a signed assertion and returns its claims.
// trust.Verifier implements it.
type AssertionVerifier interface {
	Verify(ctx context.Context, assertion string) (jwt.MapClaims, error)
}

// federatedStrategy trusts assertions signed by the configured identity provider.
type federatedStrategy struct {
	identities identityrepo.Repository
	verifier   AssertionVerifier
	claims     *claimmap.Table
	config     FederatedConfig
	logger     *zap.Logger
	now        func() time.Time
}

func (*federatedStrategy) sealed() {}

func (*federatedStrategy) Origin() sessiondomain.Origin { return sessiondomain.OriginFederated }

// Authenticate verifies the assertion before touching the store, then resolves
// or provisions the identity and refreshes its attributes from the fresh claims.
func (s *federatedStrategy) Authenticate(ctx context.Context, creds Credentials) (*identitydomain.Identity, error) {
	if creds.Assertion == "" || creds.Password != "" {
		return nil, autherr.ErrInvalidCredentials
	}
	claims, err := s.verifier.Verify(ctx, creds.Assertion)
	if err != nil {
		return nil, err
	}
	mapped, err := s.claims.Map(claims)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", autherr.ErrUntrustedAssertion, err)
	}

	ident, err := s.resolve(ctx, mapped)
	if err != nil {
		return nil, err
	}
	if ident == nil {
		return s.provision(ctx, mapped)
	}
	if !ident.Active {
		return nil, autherr.ErrInvalidCredentials
	}
	return s.refresh(ctx, ident, mapped)
}

func (s *federatedStrategy) resolve(ctx context.Context, m claimmap.Mapped) (*identitydomain.Identity, error) {
	ident, err := s.identities.FindByExternalSubject(ctx, s.config.Issuer, m.Subject)
	if err != nil {
		return nil, autherr.Unavailable("find identity by subject", err)
	}
	if ident != nil || !s.config.LinkByLogin {
		return ident, nil
	}
	ident, err = s.identities.FindByLogin(ctx, m.Login)
	if err != nil {
		return nil, autherr.Unavailable("find identity by login", err)
	}
	if ident != nil && ident.IsFederated() &&
		(ident.ExternalIssuer != s.config.Issuer || ident.ExternalSubject != m.Subject) {
		// The login belongs to a different external account.
		s.logger.Warn("federated login collides with another linked subject",
			zap.String("identity_id", ident.ID),
			zap.String("subject", m.Subject),
		)
		return nil, fmt.Errorf("%w: login linked to another subject", autherr.ErrUntrustedAssertion)
	}
	return ident, nil
}

func (s *federatedStrategy) provision(ctx context.Context, m claimmap.Mapped) (*identitydomain.Identity, error) {
	now := s.now().UTC()
	ident := &identitydomain.Identity{
		ID:              uuid.NewString(),
		Login:           m.Login,
		DisplayName:     m.DisplayName,
		Active:          true,
		Roles:           m.Roles,
		ExternalIssuer:  s.config.Issuer,
		ExternalSubject: m.Subject,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := ident.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", autherr.ErrUntrustedAssertion, err)
	}
	created, err := s.identities.Insert(ctx, ident)
	if errors.Is(err, identityrepo.ErrConflict) {
		// A concurrent first login of the same subject won the insert.
		existing, ferr := s.identities.FindByExternalSubject(ctx, s.config.Issuer, m.Subject)
		if ferr != nil {
			return nil, autherr.Unavailable("find identity by subject", ferr)
		}
		if existing == nil {
			return nil, autherr.ErrDuplicateIdentity
		}
		return existing, nil
	}
	if err != nil {
		return nil, autherr.Unavailable("insert identity", err)
	}
	s.logger.Info("federated identity provisioned", zap.String("identity_id", created.ID))
	return created, nil
}

func (s *federatedStrategy) refresh(ctx context.Context, ident *identitydomain.Identity, m claimmap.Mapped) (*identitydomain.Identity, error) {
	updated := *ident
	updated.Login = m.Login
	updated.DisplayName = m.DisplayName
	updated.Roles = m.Roles
	updated.ExternalIssuer = s.config.Issuer
	updated.ExternalSubject = m.Subject
	if err := updated.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", autherr.ErrUntrustedAssertion, err)
	}
	if unchanged(ident, &updated) {
		return ident, nil
	}
	updated.UpdatedAt = s.now().UTC()
	err := s.identities.Update(ctx, &updated)
	switch {
	case errors.Is(err, identityrepo.ErrConflict):
		return nil, autherr.ErrDuplicateIdentity
	case errors.Is(err, identityrepo.ErrNotFound):
		return nil, autherr.ErrInvalidCredentials
	case err != nil:
		return nil, autherr.Unavailable("update identity", err)
	}
	return &updated, nil
}

func unchanged(a, b *identitydomain.Identity) bool {
	if a.Login != b.Login || a.DisplayName != b.DisplayName ||
		a.ExternalIssuer != b.ExternalIssuer || a.ExternalSubject != b.ExternalSubject ||
		len(a.Roles) != len(b.Roles) {
		return false
	}
	for i := range a.Roles {
		if a.Roles[i] != b.Roles[i] {
			return false
		}
	}
	return true
}

// Provision is not available: federated identities are created by their first login.
func (s *federatedStrategy) Provision(context.Context, Provisioning) (*identitydomain.Identity, error) {
	return nil, autherr.ErrInvalidCredentials
}

func (s *federatedStrategy) MapClaims(claims map[string]any) ([]string, error) {
	return s.claims.Roles(claims)
}
