package payer

import (
	"context"

	"github.com/google/uuid"
)

// Repositories return *apperr.Error values: NotFound for missing rows and
// Infrastructure for driver failures.

type PayerRepository interface {
	Create(ctx context.Context, p *Payer) error
	GetByID(ctx context.Context, id uuid.UUID) (*Payer, error)
	// GetForUpdate row-locks the payer for the surrounding transaction so
	// concurrent rule writes for one payer are serialized.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Payer, error)
	Update(ctx context.Context, p *Payer) error
	List(ctx context.Context, f PayerFilter) ([]*Payer, error)
}

type RuleRepository interface {
	Create(ctx context.Context, r *Rule) error
	GetByID(ctx context.Context, id uuid.UUID) (*Rule, error)
	Update(ctx context.Context, r *Rule) error
	List(ctx context.Context, f RuleFilter) ([]*Rule, error)
	// DeactivateByPayer marks every active rule of the payer inactive and
	// returns the ids it changed.
	DeactivateByPayer(ctx context.Context, payerID uuid.UUID) ([]uuid.UUID, error)
}

type AuditRepository interface {
	Record(ctx context.Context, e *AuditEntry) error
	ListForEntity(ctx context.Context, entityType string, entityID uuid.UUID) ([]*AuditEntry, error)
}
