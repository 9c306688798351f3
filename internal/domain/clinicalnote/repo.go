package clinicalnote

import (
	"context"

	"github.com/google/uuid"
)

// Repository reads the billing projection of clinical notes. Notes are owned
// by the EHR; this service never writes them.
type Repository interface {
	GetContext(ctx context.Context, noteID uuid.UUID) (*NoteContext, error)
	ListForScope(ctx context.Context, s Scope) ([]*NoteContext, error)
	// ListUnbilledAfter pages unbilled notes in id order, starting after the
	// given id (uuid.Nil for the beginning).
	ListUnbilledAfter(ctx context.Context, after uuid.UUID, limit int) ([]*NoteContext, error)
}
