package billinghold

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mentalspace/ehr-billing/internal/platform/apperr"
	"github.com/mentalspace/ehr-billing/internal/platform/db"
	"github.com/mentalspace/ehr-billing/internal/platform/events"
)

// Manager reconciles billing holds for notes. Event publishing is best
// effort: a broker failure is logged and never fails the hold operation.
type Manager struct {
	repo      Repository
	publisher events.Publisher
	logger    zerolog.Logger
	now       func() time.Time
}

func NewManager(repo Repository, publisher events.Publisher, logger zerolog.Logger) *Manager {
	return &Manager{repo: repo, publisher: publisher, logger: logger, now: time.Now}
}

// EnsureHold returns the note's unresolved hold for reason, creating it if
// none exists. Repeated and concurrent calls yield a single hold.
func (m *Manager) EnsureHold(ctx context.Context, noteID uuid.UUID, reason Reason, detail string, sourceRuleID *uuid.UUID) (*Hold, error) {
	return m.ensure(ctx, noteID, reason, detail, sourceRuleID, ResolvedBySystem)
}

func (m *Manager) ensure(ctx context.Context, noteID uuid.UUID, reason Reason, detail string, sourceRuleID *uuid.UUID, actor string) (*Hold, error) {
	if noteID == uuid.Nil {
		return nil, apperr.Validation("clinical_note_id is required")
	}
	if !reason.Valid() {
		return nil, apperr.Validation("unknown hold reason %q", reason)
	}

	h := &Hold{
		ClinicalNoteID: noteID,
		Reason:         reason,
		ReasonDetail:   detail,
		SourceRuleID:   sourceRuleID,
		CreatedBy:      actor,
	}
	created, err := m.repo.Ensure(ctx, h)
	if apperr.IsConflict(err) {
		// Lost a race the upsert should have absorbed; the winner's row is
		// what the caller wants.
		created, err = m.repo.Ensure(ctx, h)
	}
	if err != nil {
		return nil, err
	}

	if created {
		m.logger.Info().
			Str("hold_id", h.ID.String()).
			Str("clinical_note_id", noteID.String()).
			Str("reason", string(reason)).
			Msg("billing hold created")
		m.publish(ctx, events.HoldCreated, h)
	}
	return h, nil
}

// ResolveHold resolves one hold. Resolving an already resolved hold is a
// ConflictError.
func (m *Manager) ResolveHold(ctx context.Context, holdID uuid.UUID, resolvedBy string) (*Hold, error) {
	resolvedBy = strings.TrimSpace(resolvedBy)
	if resolvedBy == "" {
		return nil, apperr.Validation("resolved_by is required")
	}
	h, err := m.repo.Resolve(ctx, holdID, resolvedBy, m.now().UTC())
	if err != nil {
		return nil, err
	}
	m.publish(ctx, events.HoldResolved, h)
	return h, nil
}

// AutoResolveIfCleared resolves the note's outstanding hold for reason, if
// any, as the system user.
func (m *Manager) AutoResolveIfCleared(ctx context.Context, noteID uuid.UUID, reason Reason) error {
	resolved, err := m.repo.ResolveActive(ctx, noteID, reason, ResolvedBySystem, m.now().UTC())
	if err != nil {
		return err
	}
	for _, h := range resolved {
		m.logger.Info().
			Str("hold_id", h.ID.String()).
			Str("clinical_note_id", noteID.String()).
			Str("reason", string(reason)).
			Msg("billing hold auto-resolved")
		m.publish(ctx, events.HoldResolved, h)
	}
	return nil
}

func (m *Manager) ListActiveHolds(ctx context.Context, f Filter) ([]*Hold, int, error) {
	if f.Reason != nil && !f.Reason.Valid() {
		return nil, 0, apperr.Validation("unknown hold reason %q", *f.Reason)
	}
	return m.repo.ListActive(ctx, f)
}

func (m *Manager) CountActiveHolds(ctx context.Context) (int, error) {
	return m.repo.CountActive(ctx)
}

// GroupActiveByReason reports a count for every reason, including zeros.
func (m *Manager) GroupActiveByReason(ctx context.Context) (map[Reason]int, error) {
	counts, err := m.repo.CountActiveByReason(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[Reason]int, len(Reasons))
	for _, r := range Reasons {
		out[r] = counts[r]
	}
	return out, nil
}

func (m *Manager) ListHoldsForNote(ctx context.Context, noteID uuid.UUID, includeResolved bool) ([]*Hold, error) {
	return m.repo.ListForNote(ctx, noteID, includeResolved)
}

type ManualHoldInput struct {
	ClinicalNoteID string `json:"clinical_note_id" validate:"required,uuid"`
	Reason         string `json:"reason" validate:"required,hold_reason"`
	ReasonDetail   string `json:"reason_detail" validate:"required,max=2000"`
}

// CreateManualHold places a hold on behalf of a user. It follows the same
// one-open-hold-per-reason rule as automated holds.
func (m *Manager) CreateManualHold(ctx context.Context, noteID uuid.UUID, reason Reason, detail, actor string) (*Hold, error) {
	if strings.TrimSpace(detail) == "" {
		return nil, apperr.Validation("reason_detail is required")
	}
	return m.ensure(ctx, noteID, reason, detail, nil, actor)
}

func (m *Manager) publish(ctx context.Context, kind string, h *Hold) {
	evt := events.HoldEvent{
		Type:           kind,
		TenantID:       db.TenantFromContext(ctx),
		HoldID:         h.ID.String(),
		ClinicalNoteID: h.ClinicalNoteID.String(),
		Reason:         string(h.Reason),
		Detail:         h.ReasonDetail,
		ResolvedBy:     h.ResolvedBy,
		OccurredAt:     m.now().UTC(),
	}
	if h.SourceRuleID != nil {
		id := h.SourceRuleID.String()
		evt.SourceRuleID = &id
	}
	if err := m.publisher.Publish(ctx, evt); err != nil {
		m.logger.Warn().Err(err).Str("event", kind).Str("hold_id", evt.HoldID).Msg("hold event not published")
	}
}
