package billinghold

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	// Ensure inserts h unless an unresolved hold with the same note and reason
	// already exists, in which case h is overwritten with the stored row.
	// It must be atomic under concurrent callers.
	Ensure(ctx context.Context, h *Hold) (created bool, err error)
	GetByID(ctx context.Context, id uuid.UUID) (*Hold, error)
	// Resolve sets resolved_at/resolved_by on an unresolved hold. Returns
	// NotFound for an unknown id and Conflict when it is already resolved.
	Resolve(ctx context.Context, id uuid.UUID, resolvedBy string, at time.Time) (*Hold, error)
	// ResolveActive resolves the unresolved hold for a note and reason, if any.
	ResolveActive(ctx context.Context, noteID uuid.UUID, reason Reason, resolvedBy string, at time.Time) ([]*Hold, error)
	ListActive(ctx context.Context, f Filter) ([]*Hold, int, error)
	CountActive(ctx context.Context) (int, error)
	CountActiveByReason(ctx context.Context) (map[Reason]int, error)
	ListForNote(ctx context.Context, noteID uuid.UUID, includeResolved bool) ([]*Hold, error)
}
