package clinicalnote

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mentalspace/ehr-billing/internal/platform/apperr"
	"github.com/mentalspace/ehr-billing/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const noteCols = `clinical_note_id, payer_id, clinician_credential, service_type, place_of_service,
	session_date, has_qualifying_cosignature, cosignature_date, treatment_plan_status, author_signature_present`

func scanNote(row pgx.Row) (*NoteContext, error) {
	var n NoteContext
	err := row.Scan(&n.ClinicalNoteID, &n.PayerID, &n.ClinicianCredential, &n.ServiceType, &n.PlaceOfService,
		&n.SessionDate, &n.HasQualifyingCosignature, &n.CosignatureDate, &n.TreatmentPlanStatus, &n.AuthorSignaturePresent)
	return &n, err
}

func (r *repoPG) GetContext(ctx context.Context, noteID uuid.UUID) (*NoteContext, error) {
	n, err := scanNote(r.conn(ctx).QueryRow(ctx,
		`SELECT `+noteCols+` FROM clinical_note_billing_context WHERE clinical_note_id = $1`, noteID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("clinical note", noteID)
	}
	if err != nil {
		return nil, apperr.Infrastructure("get clinical note context", err)
	}
	return n, nil
}

func (r *repoPG) ListForScope(ctx context.Context, s Scope) ([]*NoteContext, error) {
	conds := []string{"payer_id = $1", "clinician_credential = $2", "service_type = $3", "place_of_service = $4"}
	args := []interface{}{s.PayerID, s.Tuple.Credential, s.Tuple.ServiceType, s.Tuple.PlaceOfService}
	if s.From != nil {
		args = append(args, *s.From)
		conds = append(conds, "session_date >= $"+strconv.Itoa(len(args)))
	}
	if s.To != nil {
		args = append(args, *s.To)
		conds = append(conds, "session_date <= $"+strconv.Itoa(len(args)))
	}
	query := `SELECT ` + noteCols + ` FROM clinical_note_billing_context
		WHERE ` + strings.Join(conds, " AND ") + ` ORDER BY session_date, clinical_note_id`
	return r.query(ctx, "list clinical notes for scope", query, args...)
}

func (r *repoPG) ListUnbilledAfter(ctx context.Context, after uuid.UUID, limit int) ([]*NoteContext, error) {
	return r.query(ctx, "list unbilled clinical notes", `
		SELECT `+noteCols+` FROM clinical_note_billing_context
		WHERE NOT billed AND clinical_note_id > $1
		ORDER BY clinical_note_id
		LIMIT $2`, after, limit)
}

func (r *repoPG) query(ctx context.Context, op, sql string, args ...interface{}) ([]*NoteContext, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, apperr.Infrastructure(op, err)
	}
	defer rows.Close()

	var out []*NoteContext
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, apperr.Infrastructure(op, err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Infrastructure(op, err)
	}
	return out, nil
}
