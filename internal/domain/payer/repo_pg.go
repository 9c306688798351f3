package payer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mentalspace/ehr-billing/internal/platform/apperr"
	"github.com/mentalspace/ehr-billing/internal/platform/db"
)

// =========== Payer Repository ===========

type payerRepoPG struct{ pool *pgxpool.Pool }

func NewPayerRepoPG(pool *pgxpool.Pool) PayerRepository { return &payerRepoPG{pool: pool} }

func (r *payerRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const payerCols = `id, name, payer_type, is_active, created_at, updated_at`

func scanPayer(row pgx.Row) (*Payer, error) {
	var p Payer
	err := row.Scan(&p.ID, &p.Name, &p.PayerType, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	return &p, err
}

func (r *payerRepoPG) Create(ctx context.Context, p *Payer) error {
	p.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO payer (id, name, payer_type, is_active)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`,
		p.ID, p.Name, p.PayerType, p.IsActive).Scan(&p.CreatedAt, &p.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return apperr.Conflict("payer named %q already exists", p.Name)
	}
	if err != nil {
		return apperr.Infrastructure("create payer", err)
	}
	return nil
}

func (r *payerRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Payer, error) {
	p, err := scanPayer(r.conn(ctx).QueryRow(ctx, `SELECT `+payerCols+` FROM payer WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, "payer", id)
	}
	return p, nil
}

func (r *payerRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Payer, error) {
	p, err := scanPayer(r.conn(ctx).QueryRow(ctx, `SELECT `+payerCols+` FROM payer WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFoundOr(err, "payer", id)
	}
	return p, nil
}

func (r *payerRepoPG) Update(ctx context.Context, p *Payer) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE payer SET name = $2, payer_type = $3, is_active = $4, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		p.ID, p.Name, p.PayerType, p.IsActive).Scan(&p.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return apperr.Conflict("payer named %q already exists", p.Name)
	}
	return notFoundOr(err, "payer", p.ID)
}

func (r *payerRepoPG) List(ctx context.Context, f PayerFilter) ([]*Payer, error) {
	var w where
	if f.IsActive != nil {
		w.add("is_active = $%d", *f.IsActive)
	}
	if f.PayerType != nil {
		w.add("payer_type = $%d", *f.PayerType)
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+payerCols+` FROM payer`+w.sql()+` ORDER BY name, id`, w.args...)
	if err != nil {
		return nil, apperr.Infrastructure("list payers", err)
	}
	defer rows.Close()
	var items []*Payer
	for rows.Next() {
		p, err := scanPayer(rows)
		if err != nil {
			return nil, apperr.Infrastructure("scan payer", err)
		}
		items = append(items, p)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Infrastructure("list payers", err)
	}
	return items, nil
}

// =========== Rule Repository ===========

type ruleRepoPG struct{ pool *pgxpool.Pool }

func NewRuleRepoPG(pool *pgxpool.Pool) RuleRepository { return &ruleRepoPG{pool: pool} }

func (r *ruleRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const ruleCols = `id, payer_id, clinician_credential, service_type, place_of_service,
	is_active, is_prohibited, cosign_required, cosign_timeframe_days,
	effective_date, termination_date, created_by, created_at, updated_at`

func scanRule(row pgx.Row) (*Rule, error) {
	var r Rule
	err := row.Scan(&r.ID, &r.PayerID, &r.ClinicianCredential, &r.ServiceType, &r.PlaceOfService,
		&r.IsActive, &r.IsProhibited, &r.CosignRequired, &r.CosignTimeframeDays,
		&r.EffectiveDate, &r.TerminationDate, &r.CreatedBy, &r.CreatedAt, &r.UpdatedAt)
	return &r, err
}

func (r *ruleRepoPG) Create(ctx context.Context, rule *Rule) error {
	rule.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO payer_rule (id, payer_id, clinician_credential, service_type, place_of_service,
			is_active, is_prohibited, cosign_required, cosign_timeframe_days,
			effective_date, termination_date, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING created_at, updated_at`,
		rule.ID, rule.PayerID, rule.ClinicianCredential, rule.ServiceType, rule.PlaceOfService,
		rule.IsActive, rule.IsProhibited, rule.CosignRequired, rule.CosignTimeframeDays,
		rule.EffectiveDate, rule.TerminationDate, rule.CreatedBy).Scan(&rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return apperr.Infrastructure("create payer rule", err)
	}
	return nil
}

func (r *ruleRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Rule, error) {
	rule, err := scanRule(r.conn(ctx).QueryRow(ctx, `SELECT `+ruleCols+` FROM payer_rule WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, "payer rule", id)
	}
	return rule, nil
}

func (r *ruleRepoPG) Update(ctx context.Context, rule *Rule) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE payer_rule SET clinician_credential=$2, service_type=$3, place_of_service=$4,
			is_active=$5, is_prohibited=$6, cosign_required=$7, cosign_timeframe_days=$8,
			effective_date=$9, termination_date=$10, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		rule.ID, rule.ClinicianCredential, rule.ServiceType, rule.PlaceOfService,
		rule.IsActive, rule.IsProhibited, rule.CosignRequired, rule.CosignTimeframeDays,
		rule.EffectiveDate, rule.TerminationDate).Scan(&rule.UpdatedAt)
	return notFoundOr(err, "payer rule", rule.ID)
}

func (r *ruleRepoPG) List(ctx context.Context, f RuleFilter) ([]*Rule, error) {
	var w where
	if f.PayerID != nil {
		w.add("payer_id = $%d", *f.PayerID)
	}
	if f.Credential != nil {
		w.add("clinician_credential = $%d", *f.Credential)
	}
	if f.ServiceType != nil {
		w.add("service_type = $%d", *f.ServiceType)
	}
	if f.PlaceOfService != nil {
		w.add("place_of_service = $%d", *f.PlaceOfService)
	}
	if f.IsActive != nil {
		w.add("is_active = $%d", *f.IsActive)
	}
	if f.IsProhibited != nil {
		w.add("is_prohibited = $%d", *f.IsProhibited)
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+ruleCols+` FROM payer_rule`+w.sql()+
		` ORDER BY payer_id, clinician_credential, service_type, place_of_service, effective_date`, w.args...)
	if err != nil {
		return nil, apperr.Infrastructure("list payer rules", err)
	}
	defer rows.Close()
	var items []*Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, apperr.Infrastructure("scan payer rule", err)
		}
		items = append(items, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Infrastructure("list payer rules", err)
	}
	return items, nil
}

func (r *ruleRepoPG) DeactivateByPayer(ctx context.Context, payerID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		UPDATE payer_rule SET is_active = FALSE, updated_at = NOW()
		WHERE payer_id = $1 AND is_active
		RETURNING id`, payerID)
	if err != nil {
		return nil, apperr.Infrastructure("deactivate payer rules", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, apperr.Infrastructure("deactivate payer rules", err)
	}
	return ids, nil
}

// =========== Audit Repository ===========

type auditRepoPG struct{ pool *pgxpool.Pool }

func NewAuditRepoPG(pool *pgxpool.Pool) AuditRepository { return &auditRepoPG{pool: pool} }

func (r *auditRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

func (r *auditRepoPG) Record(ctx context.Context, e *AuditEntry) error {
	e.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO audit_log (id, entity_type, entity_id, action, actor_id, detail)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		e.ID, e.EntityType, e.EntityID, e.Action, e.ActorID, e.Detail).Scan(&e.CreatedAt)
	if err != nil {
		return apperr.Infrastructure("record audit entry", err)
	}
	return nil
}

func (r *auditRepoPG) ListForEntity(ctx context.Context, entityType string, entityID uuid.UUID) ([]*AuditEntry, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, entity_type, entity_id, action, actor_id, detail, created_at
		FROM audit_log WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at, id`, entityType, entityID)
	if err != nil {
		return nil, apperr.Infrastructure("list audit entries", err)
	}
	defer rows.Close()
	var items []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Action, &e.ActorID, &e.Detail, &e.CreatedAt); err != nil {
			return nil, apperr.Infrastructure("scan audit entry", err)
		}
		items = append(items, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Infrastructure("list audit entries", err)
	}
	return items, nil
}

// where accumulates AND-ed conditions with positional arguments.
type where struct {
	conds []string
	args  []interface{}
}

func (w *where) add(format string, arg interface{}) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, fmt.Sprintf(format, len(w.args)))
}

func (w *where) sql() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func notFoundOr(err error, entity string, id uuid.UUID) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return apperr.NotFound(entity, id)
	default:
		return apperr.Infrastructure("query "+entity, err)
	}
}
