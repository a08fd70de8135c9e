// Package identitytest provides an in-memory credential store for tests in other packages.
package identitytest

import (
	"context"
	"sync"

	"github.com/cgb37/quart-mysql-scaffold/internal/identity/domain"
	"github.com/cgb37/quart-mysql-scaffold/internal/identity/repository"
)

var _ repository.Repository = (*Repository)(nil)

// Repository is a mutex-guarded map implementation of repository.Repository
// with the same uniqueness rules as the Postgres schema.
type Repository struct {
	mu   sync.Mutex
	byID map[string]*domain.Identity
	Err  error
}

func NewRepository() *Repository {
	return &Repository{byID: make(map[string]*domain.Identity)}
}

// SetErr makes every subsequent call fail with err (nil clears it).
func (r *Repository) SetErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Err = err
}

func (r *Repository) FindByLogin(_ context.Context, login string) (*domain.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	login = domain.NormalizeLogin(login)
	for _, i := range r.byID {
		if i.Login == login {
			return clone(i), nil
		}
	}
	return nil, nil
}

func (r *Repository) FindByID(_ context.Context, id string) (*domain.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	if i, ok := r.byID[id]; ok {
		return clone(i), nil
	}
	return nil, nil
}

func (r *Repository) FindByExternalSubject(_ context.Context, issuer, subject string) (*domain.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	for _, i := range r.byID {
		if i.ExternalIssuer == issuer && i.ExternalSubject == subject {
			return clone(i), nil
		}
	}
	return nil, nil
}

func (r *Repository) Insert(_ context.Context, in *domain.Identity) (*domain.Identity, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	if r.conflicts(in) {
		return nil, repository.ErrConflict
	}
	r.byID[in.ID] = clone(in)
	return clone(in), nil
}

func (r *Repository) Update(_ context.Context, in *domain.Identity) error {
	if err := in.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	if _, ok := r.byID[in.ID]; !ok {
		return repository.ErrNotFound
	}
	if r.conflicts(in) {
		return repository.ErrConflict
	}
	r.byID[in.ID] = clone(in)
	return nil
}

func (r *Repository) conflicts(in *domain.Identity) bool {
	for id, i := range r.byID {
		if id == in.ID {
			continue
		}
		if i.Login == in.Login {
			return true
		}
		if in.ExternalSubject != "" && i.ExternalIssuer == in.ExternalIssuer && i.ExternalSubject == in.ExternalSubject {
			return true
		}
	}
	return false
}

func clone(i *domain.Identity) *domain.Identity {
	cp := *i
	cp.Roles = append([]string(nil), i.Roles...)
	if len(cp.Roles) == 0 {
		cp.Roles = nil
	}
	return &cp
}
