package repository

import (
	"context"

	"github.com/cgb37/quart-mysql-scaffold/internal/audit/domain"
)

// Repository defines persistence for audit logs.
type Repository interface {
	Create(ctx context.Context, a *domain.AuditLog) error
	ListByIdentity(ctx context.Context, identityID string, limit int32) ([]*domain.AuditLog, error)
}
