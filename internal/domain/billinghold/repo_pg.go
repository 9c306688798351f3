package billinghold

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mentalspace/ehr-billing/internal/platform/apperr"
	"github.com/mentalspace/ehr-billing/internal/platform/db"
)

type holdRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &holdRepoPG{pool: pool} }

func (r *holdRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const holdCols = `id, clinical_note_id, reason, reason_detail, source_rule_id,
	created_by, created_at, resolved_at, resolved_by`

func scanHold(row pgx.Row) (*Hold, error) {
	var h Hold
	err := row.Scan(&h.ID, &h.ClinicalNoteID, &h.Reason, &h.ReasonDetail, &h.SourceRuleID,
		&h.CreatedBy, &h.CreatedAt, &h.ResolvedAt, &h.ResolvedBy)
	return &h, err
}

func collectHolds(rows pgx.Rows) ([]*Hold, error) {
	defer rows.Close()
	var items []*Hold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, h)
	}
	return items, rows.Err()
}

// Ensure relies on billing_hold_one_open_per_reason, a partial unique index on
// (clinical_note_id, reason) WHERE resolved_at IS NULL. The conflicting
// update is a no-op so RETURNING yields the existing row untouched; xmax is
// zero only for a freshly inserted tuple.
func (r *holdRepoPG) Ensure(ctx context.Context, h *Hold) (bool, error) {
	var created bool
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO billing_hold (id, clinical_note_id, reason, reason_detail, source_rule_id, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (clinical_note_id, reason) WHERE resolved_at IS NULL
		DO UPDATE SET reason_detail = billing_hold.reason_detail
		RETURNING `+holdCols+`, (xmax = 0) AS inserted`,
		uuid.New(), h.ClinicalNoteID, h.Reason, h.ReasonDetail, h.SourceRuleID, h.CreatedBy,
	).Scan(&h.ID, &h.ClinicalNoteID, &h.Reason, &h.ReasonDetail, &h.SourceRuleID,
		&h.CreatedBy, &h.CreatedAt, &h.ResolvedAt, &h.ResolvedBy, &created)
	if db.IsUniqueViolation(err) {
		return false, apperr.Conflict("unresolved %s hold already exists for note %s", h.Reason, h.ClinicalNoteID)
	}
	if err != nil {
		return false, apperr.Infrastructure("ensure billing hold", err)
	}
	return created, nil
}

func (r *holdRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Hold, error) {
	h, err := scanHold(r.conn(ctx).QueryRow(ctx, `SELECT `+holdCols+` FROM billing_hold WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("billing hold", id)
	}
	if err != nil {
		return nil, apperr.Infrastructure("get billing hold", err)
	}
	return h, nil
}

func (r *holdRepoPG) Resolve(ctx context.Context, id uuid.UUID, resolvedBy string, at time.Time) (*Hold, error) {
	h, err := scanHold(r.conn(ctx).QueryRow(ctx, `
		UPDATE billing_hold SET resolved_at = $2, resolved_by = $3
		WHERE id = $1 AND resolved_at IS NULL
		RETURNING `+holdCols, id, at, resolvedBy))
	if err == nil {
		return h, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.Infrastructure("resolve billing hold", err)
	}
	existing, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, apperr.Conflict("billing hold %s was already resolved at %s by %s",
		id, existing.ResolvedAt.UTC().Format(time.RFC3339), deref(existing.ResolvedBy))
}

func (r *holdRepoPG) ResolveActive(ctx context.Context, noteID uuid.UUID, reason Reason, resolvedBy string, at time.Time) ([]*Hold, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		UPDATE billing_hold SET resolved_at = $3, resolved_by = $4
		WHERE clinical_note_id = $1 AND reason = $2 AND resolved_at IS NULL
		RETURNING `+holdCols, noteID, reason, at, resolvedBy)
	if err != nil {
		return nil, apperr.Infrastructure("auto-resolve billing hold", err)
	}
	items, err := collectHolds(rows)
	if err != nil {
		return nil, apperr.Infrastructure("auto-resolve billing hold", err)
	}
	return items, nil
}

func (r *holdRepoPG) ListActive(ctx context.Context, f Filter) ([]*Hold, int, error) {
	conds := `resolved_at IS NULL`
	var args []interface{}
	if f.ClinicalNoteID != nil {
		args = append(args, *f.ClinicalNoteID)
		conds += ` AND clinical_note_id = $1`
	}
	if f.Reason != nil {
		args = append(args, *f.Reason)
		if len(args) == 1 {
			conds += ` AND reason = $1`
		} else {
			conds += ` AND reason = $2`
		}
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM billing_hold WHERE `+conds, args...).Scan(&total); err != nil {
		return nil, 0, apperr.Infrastructure("count billing holds", err)
	}

	limit, offset := f.Limit, f.Offset
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, offset)
	n := len(args)
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+holdCols+` FROM billing_hold WHERE `+conds+
		` ORDER BY created_at, id LIMIT $`+strconv.Itoa(n-1)+` OFFSET $`+strconv.Itoa(n), args...)
	if err != nil {
		return nil, 0, apperr.Infrastructure("list billing holds", err)
	}
	items, err := collectHolds(rows)
	if err != nil {
		return nil, 0, apperr.Infrastructure("list billing holds", err)
	}
	return items, total, nil
}

func (r *holdRepoPG) CountActive(ctx context.Context) (int, error) {
	var n int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM billing_hold WHERE resolved_at IS NULL`).Scan(&n); err != nil {
		return 0, apperr.Infrastructure("count billing holds", err)
	}
	return n, nil
}

func (r *holdRepoPG) CountActiveByReason(ctx context.Context) (map[Reason]int, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT reason, COUNT(*) FROM billing_hold
		WHERE resolved_at IS NULL
		GROUP BY reason`)
	if err != nil {
		return nil, apperr.Infrastructure("group billing holds", err)
	}
	defer rows.Close()
	out := make(map[Reason]int)
	for rows.Next() {
		var reason Reason
		var n int
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, apperr.Infrastructure("group billing holds", err)
		}
		out[reason] = n
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Infrastructure("group billing holds", err)
	}
	return out, nil
}

func (r *holdRepoPG) ListForNote(ctx context.Context, noteID uuid.UUID, includeResolved bool) ([]*Hold, error) {
	q := `SELECT ` + holdCols + ` FROM billing_hold WHERE clinical_note_id = $1`
	if !includeResolved {
		q += ` AND resolved_at IS NULL`
	}
	rows, err := r.conn(ctx).Query(ctx, q+` ORDER BY created_at, id`, noteID)
	if err != nil {
		return nil, apperr.Infrastructure("list note billing holds", err)
	}
	items, err := collectHolds(rows)
	if err != nil {
		return nil, apperr.Infrastructure("list note billing holds", err)
	}
	return items, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
