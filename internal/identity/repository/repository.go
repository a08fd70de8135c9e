package repository

import (
	"context"
	"errors"

	"github.com/cgb37/quart-mysql-scaffold/internal/identity/domain"
)

var (
	// ErrConflict is returned by Insert and Update when the login or external link is already taken.
	ErrConflict = errors.New("identity: unique constraint violated")
	// ErrNotFound is returned by Update when no identity has the given id.
	ErrNotFound = errors.New("identity: not found")
)

// Repository is the credential store. Finders return nil, nil for a missing identity
// and an error only for storage failures.
type Repository interface {
	FindByLogin(ctx context.Context, login string) (*domain.Identity, error)
	FindByID(ctx context.Context, id string) (*domain.Identity, error)
	FindByExternalSubject(ctx context.Context, issuer, subject string) (*domain.Identity, error)
	Insert(ctx context.Context, i *domain.Identity) (*domain.Identity, error)
	Update(ctx context.Context, i *domain.Identity) error
}
