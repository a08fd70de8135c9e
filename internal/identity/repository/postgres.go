package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/cgb37/quart-mysql-scaffold/internal/db"
	"github.com/cgb37/quart-mysql-scaffold/internal/identity/domain"
)

var _ Repository = (*PostgresRepository)(nil)

// PostgresRepository stores identities in the identities table.
type PostgresRepository struct {
	db *db.DB
}

// NewPostgresRepository returns a credential store backed by the given pool.
func NewPostgresRepository(d *db.DB) *PostgresRepository {
	return &PostgresRepository{db: d}
}

const identityColumns = `id, login, password_hash, display_name, active, roles,
       external_issuer, external_subject, created_at, updated_at`

const (
	qIdentityByLogin = `
SELECT ` + identityColumns + `
FROM identities
WHERE login = $1;`

	qIdentityByID = `
SELECT ` + identityColumns + `
FROM identities
WHERE id = $1;`

	qIdentityByExternal = `
SELECT ` + identityColumns + `
FROM identities
WHERE external_issuer = $1 AND external_subject = $2;`

	qIdentityInsert = `
INSERT INTO identities (id, login, password_hash, display_name, active, roles,
                        external_issuer, external_subject, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING ` + identityColumns + `;`

	qIdentityUpdate = `
UPDATE identities
SET login            = $2,
    password_hash    = $3,
    display_name     = $4,
    active           = $5,
    roles            = $6,
    external_issuer  = $7,
    external_subject = $8,
    updated_at       = $9
WHERE id = $1;`
)

// FindByLogin returns the identity with the normalized login, or nil if none exists.
func (r *PostgresRepository) FindByLogin(ctx context.Context, login string) (*domain.Identity, error) {
	ctx, cancel := r.db.WithTimeout(ctx)
	defer cancel()
	return r.queryOne(ctx, qIdentityByLogin, domain.NormalizeLogin(login))
}

// FindByID returns the identity for id, or nil if not found.
func (r *PostgresRepository) FindByID(ctx context.Context, id string) (*domain.Identity, error) {
	ctx, cancel := r.db.WithTimeout(ctx)
	defer cancel()
	return r.queryOne(ctx, qIdentityByID, id)
}

// FindByExternalSubject returns the identity linked to (issuer, subject), or nil if not linked.
func (r *PostgresRepository) FindByExternalSubject(ctx context.Context, issuer, subject string) (*domain.Identity, error) {
	ctx, cancel := r.db.WithTimeout(ctx)
	defer cancel()
	return r.queryOne(ctx, qIdentityByExternal, issuer, subject)
}

// Insert persists a new identity. Returns ErrConflict when the login or external link exists.
func (r *PostgresRepository) Insert(ctx context.Context, i *domain.Identity) (*domain.Identity, error) {
	if err := i.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := r.db.WithTimeout(ctx)
	defer cancel()

	out, err := scanIdentity(r.db.Pool.QueryRow(ctx, qIdentityInsert,
		i.ID, i.Login, nullString(i.PasswordHash), i.DisplayName, i.Active, rolesOrEmpty(i.Roles),
		nullString(i.ExternalIssuer), nullString(i.ExternalSubject), i.CreatedAt, i.UpdatedAt,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("identity insert: %w", err)
	}
	return out, nil
}

// Update overwrites the mutable attributes of an existing identity.
func (r *PostgresRepository) Update(ctx context.Context, i *domain.Identity) error {
	if err := i.Validate(); err != nil {
		return err
	}
	ctx, cancel := r.db.WithTimeout(ctx)
	defer cancel()

	tag, err := r.db.Pool.Exec(ctx, qIdentityUpdate,
		i.ID, i.Login, nullString(i.PasswordHash), i.DisplayName, i.Active, rolesOrEmpty(i.Roles),
		nullString(i.ExternalIssuer), nullString(i.ExternalSubject), i.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("identity update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) queryOne(ctx context.Context, q string, args ...any) (*domain.Identity, error) {
	i, err := scanIdentity(r.db.Pool.QueryRow(ctx, q, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("identity select: %w", err)
	}
	return i, nil
}

func scanIdentity(row pgx.Row) (*domain.Identity, error) {
	var (
		i                  domain.Identity
		hash, issuer, subj *string
	)
	if err := row.Scan(&i.ID, &i.Login, &hash, &i.DisplayName, &i.Active, &i.Roles,
		&issuer, &subj, &i.CreatedAt, &i.UpdatedAt); err != nil {
		return nil, err
	}
	i.PasswordHash = deref(hash)
	i.ExternalIssuer = deref(issuer)
	i.ExternalSubject = deref(subj)
	if len(i.Roles) == 0 {
		i.Roles = nil
	}
	return &i, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
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

func rolesOrEmpty(roles []string) []string {
	if roles == nil {
		return []string{}
	}
	return roles
}
