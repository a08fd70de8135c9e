package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cgb37/quart-mysql-scaffold/internal/audit/domain"
	"github.com/cgb37/quart-mysql-scaffold/internal/db"
)

var _ Repository = (*PostgresRepository)(nil)

type PostgresRepository struct {
	db *db.DB
}

// NewPostgresRepository returns an audit log repository that uses the given pool for persistence.
func NewPostgresRepository(d *db.DB) *PostgresRepository {
	return &PostgresRepository{db: d}
}

const (
	qAuditInsert = `
INSERT INTO audit_logs (id, identity_id, action, resource, ip, user_agent, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8);`

	qAuditByIdentity = `
SELECT id, identity_id::text, action, resource, ip, user_agent, metadata, created_at
FROM audit_logs
WHERE identity_id = $1
ORDER BY created_at DESC
LIMIT $2;`
)

// Create persists the audit log. The audit log must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, a *domain.AuditLog) error {
	ctx, cancel := r.db.WithTimeout(ctx)
	defer cancel()
	var meta []byte
	if len(a.Metadata) > 0 {
		b, err := json.Marshal(a.Metadata)
		if err != nil {
			return fmt.Errorf("audit metadata: %w", err)
		}
		meta = b
	}
	var identityID *string
	if a.IdentityID != "" {
		identityID = &a.IdentityID
	}
	_, err := r.db.Pool.Exec(ctx, qAuditInsert,
		a.ID, identityID, a.Action, a.Resource, a.IP, a.UserAgent, meta, a.CreatedAt)
	return err
}

// ListByIdentity returns the identity's most recent audit logs, newest first.
func (r *PostgresRepository) ListByIdentity(ctx context.Context, identityID string, limit int32) ([]*domain.AuditLog, error) {
	ctx, cancel := r.db.WithTimeout(ctx)
	defer cancel()
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Pool.Query(ctx, qAuditByIdentity, identityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.AuditLog
	for rows.Next() {
		var (
			a        domain.AuditLog
			identity *string
			rawMeta  []byte
		)
		if err := rows.Scan(&a.ID, &identity, &a.Action, &a.Resource, &a.IP, &a.UserAgent, &rawMeta, &a.CreatedAt); err != nil {
			return nil, err
		}
		if identity != nil {
			a.IdentityID = *identity
		}
		if len(rawMeta) > 0 {
			if err := json.Unmarshal(rawMeta, &a.Metadata); err != nil {
				return nil, fmt.Errorf("audit metadata: %w", err)
			}
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
