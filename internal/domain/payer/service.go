package payer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mentalspace/ehr-billing/internal/platform/apperr"
	"github.com/mentalspace/ehr-billing/internal/platform/db"
	"github.com/mentalspace/ehr-billing/internal/platform/validate"
)

// TxRunner runs fn inside one database transaction.
type TxRunner func(ctx context.Context, fn func(ctx context.Context) error) error

type Service struct {
	payers PayerRepository
	rules  RuleRepository
	audit  AuditRepository
	cache  *RuleCache
	v      *validate.Validator
	inTx   TxRunner
	logger zerolog.Logger
}

func NewService(payers PayerRepository, rules RuleRepository, audit AuditRepository, logger zerolog.Logger) *Service {
	return &Service{
		payers: payers,
		rules:  rules,
		audit:  audit,
		v:      NewValidator(),
		inTx:   db.RunInTx,
		logger: logger,
	}
}

// SetCache makes rule writes invalidate the payer's cached rule set.
func (s *Service) SetCache(c *RuleCache) { s.cache = c }

func (s *Service) SetTxRunner(fn TxRunner) { s.inTx = fn }

// NewValidator returns a request validator that knows the rule enums.
func NewValidator() *validate.Validator {
	v := validate.New()
	v.RegisterEnum("payer_type", func(s string) bool { return PayerType(s).Valid() })
	v.RegisterEnum("credential", func(s string) bool { return Credential(s).Valid() })
	v.RegisterEnum("service_type", func(s string) bool { return ServiceType(s).Valid() })
	v.RegisterEnum("place_of_service", func(s string) bool { return PlaceOfService(s).Valid() })
	return v
}

// -- Payers --

type PayerInput struct {
	Name      string `json:"name" validate:"required,max=200"`
	PayerType string `json:"payer_type" validate:"required,payer_type"`
	IsActive  *bool  `json:"is_active"`
}

func (s *Service) CreatePayer(ctx context.Context, in PayerInput, actor string) (*Payer, error) {
	if err := s.v.Struct(in); err != nil {
		return nil, err
	}
	p := &Payer{Name: in.Name, PayerType: PayerType(in.PayerType), IsActive: true}
	if in.IsActive != nil {
		p.IsActive = *in.IsActive
	}
	err := s.inTx(ctx, func(ctx context.Context) error {
		if err := s.payers.Create(ctx, p); err != nil {
			return err
		}
		return s.record(ctx, EntityPayer, p.ID, ActionCreate, actor, map[string]interface{}{
			"name": p.Name, "payer_type": p.PayerType,
		})
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) GetPayer(ctx context.Context, id uuid.UUID) (*Payer, error) {
	return s.payers.GetByID(ctx, id)
}

func (s *Service) ListPayers(ctx context.Context, f PayerFilter) ([]*Payer, error) {
	if f.PayerType != nil && !f.PayerType.Valid() {
		return nil, apperr.Validation("unknown payer_type %q", *f.PayerType)
	}
	return s.payers.List(ctx, f)
}

type PayerPatch struct {
	Name      *string `json:"name" validate:"omitempty,min=1,max=200"`
	PayerType *string `json:"payer_type" validate:"omitempty,payer_type"`
	IsActive  *bool   `json:"is_active"`
}

// UpdatePayer applies patch. Setting is_active=false goes through the same
// cascade as DeactivatePayer.
func (s *Service) UpdatePayer(ctx context.Context, id uuid.UUID, patch PayerPatch, actor string) (*Payer, error) {
	if err := s.v.Struct(patch); err != nil {
		return nil, err
	}
	var out *Payer
	err := s.inTx(ctx, func(ctx context.Context) error {
		p, err := s.payers.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		wasActive := p.IsActive
		if patch.Name != nil {
			p.Name = *patch.Name
		}
		if patch.PayerType != nil {
			p.PayerType = PayerType(*patch.PayerType)
		}
		if patch.IsActive != nil {
			p.IsActive = *patch.IsActive
		}
		if err := s.payers.Update(ctx, p); err != nil {
			return err
		}
		if err := s.record(ctx, EntityPayer, p.ID, ActionUpdate, actor, patchDetail(patch)); err != nil {
			return err
		}
		if wasActive && !p.IsActive {
			if err := s.cascadeDeactivate(ctx, p.ID, actor); err != nil {
				return err
			}
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.cache.Invalidate(ctx, id)
	return out, nil
}

// DeactivatePayer soft-deletes the payer and every active rule it owns,
// writing one audit entry per affected row.
func (s *Service) DeactivatePayer(ctx context.Context, id uuid.UUID, actor string) (*Payer, error) {
	var out *Payer
	err := s.inTx(ctx, func(ctx context.Context) error {
		p, err := s.payers.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if p.IsActive {
			p.IsActive = false
			if err := s.payers.Update(ctx, p); err != nil {
				return err
			}
			if err := s.record(ctx, EntityPayer, p.ID, ActionDeactivate, actor, nil); err != nil {
				return err
			}
		}
		if err := s.cascadeDeactivate(ctx, p.ID, actor); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.cache.Invalidate(ctx, id)
	return out, nil
}

func (s *Service) cascadeDeactivate(ctx context.Context, payerID uuid.UUID, actor string) error {
	ids, err := s.rules.DeactivateByPayer(ctx, payerID)
	if err != nil {
		return err
	}
	for _, rid := range ids {
		if err := s.record(ctx, EntityRule, rid, ActionDeactivate, actor, map[string]interface{}{
			"cascade_from_payer": payerID.String(),
		}); err != nil {
			return err
		}
	}
	if len(ids) > 0 {
		s.logger.Info().Str("payer_id", payerID.String()).Int("rules", len(ids)).Msg("payer rules deactivated with payer")
	}
	return nil
}

func patchDetail(p PayerPatch) map[string]interface{} {
	d := map[string]interface{}{}
	if p.Name != nil {
		d["name"] = *p.Name
	}
	if p.PayerType != nil {
		d["payer_type"] = *p.PayerType
	}
	if p.IsActive != nil {
		d["is_active"] = *p.IsActive
	}
	return d
}

// -- Rules --

// RuleInput is the wire shape for creating a rule and for one bulk import row.
type RuleInput struct {
	PayerID             string  `json:"payer_id" validate:"required,uuid"`
	ClinicianCredential string  `json:"clinician_credential" validate:"required,credential"`
	ServiceType         string  `json:"service_type" validate:"required,service_type"`
	PlaceOfService      string  `json:"place_of_service" validate:"required,place_of_service"`
	IsActive            *bool   `json:"is_active"`
	IsProhibited        bool    `json:"is_prohibited"`
	CosignRequired      bool    `json:"cosign_required"`
	CosignTimeframeDays *int    `json:"cosign_timeframe_days" validate:"omitempty,min=0"`
	EffectiveDate       string  `json:"effective_date" validate:"required,date"`
	TerminationDate     *string `json:"termination_date" validate:"omitempty,date"`
}

func (in RuleInput) toRule() (*Rule, error) {
	payerID, err := uuid.Parse(in.PayerID)
	if err != nil {
		return nil, apperr.Validation("payer_id must be a UUID")
	}
	effective, err := parseDate("effective_date", in.EffectiveDate)
	if err != nil {
		return nil, err
	}
	r := &Rule{
		PayerID:             payerID,
		ClinicianCredential: Credential(in.ClinicianCredential),
		ServiceType:         ServiceType(in.ServiceType),
		PlaceOfService:      PlaceOfService(in.PlaceOfService),
		IsActive:            true,
		IsProhibited:        in.IsProhibited,
		CosignRequired:      in.CosignRequired,
		CosignTimeframeDays: in.CosignTimeframeDays,
		EffectiveDate:       effective,
	}
	if in.IsActive != nil {
		r.IsActive = *in.IsActive
	}
	if in.TerminationDate != nil {
		t, err := parseDate("termination_date", *in.TerminationDate)
		if err != nil {
			return nil, err
		}
		r.TerminationDate = &t
	}
	return r, nil
}

// RulePatch updates only the fields that are present. ClearTerminationDate
// makes the rule open-ended again.
type RulePatch struct {
	ClinicianCredential  *string `json:"clinician_credential" validate:"omitempty,credential"`
	ServiceType          *string `json:"service_type" validate:"omitempty,service_type"`
	PlaceOfService       *string `json:"place_of_service" validate:"omitempty,place_of_service"`
	IsActive             *bool   `json:"is_active"`
	IsProhibited         *bool   `json:"is_prohibited"`
	CosignRequired       *bool   `json:"cosign_required"`
	CosignTimeframeDays  *int    `json:"cosign_timeframe_days" validate:"omitempty,min=0"`
	ClearCosignTimeframe bool    `json:"clear_cosign_timeframe"`
	EffectiveDate        *string `json:"effective_date" validate:"omitempty,date"`
	TerminationDate      *string `json:"termination_date" validate:"omitempty,date"`
	ClearTerminationDate bool    `json:"clear_termination_date"`
}

func (p RulePatch) apply(r *Rule) error {
	if p.ClinicianCredential != nil {
		r.ClinicianCredential = Credential(*p.ClinicianCredential)
	}
	if p.ServiceType != nil {
		r.ServiceType = ServiceType(*p.ServiceType)
	}
	if p.PlaceOfService != nil {
		r.PlaceOfService = PlaceOfService(*p.PlaceOfService)
	}
	if p.IsActive != nil {
		r.IsActive = *p.IsActive
	}
	if p.IsProhibited != nil {
		r.IsProhibited = *p.IsProhibited
	}
	if p.CosignRequired != nil {
		r.CosignRequired = *p.CosignRequired
	}
	if p.CosignTimeframeDays != nil {
		r.CosignTimeframeDays = p.CosignTimeframeDays
	}
	if p.ClearCosignTimeframe {
		r.CosignTimeframeDays = nil
	}
	if p.EffectiveDate != nil {
		t, err := parseDate("effective_date", *p.EffectiveDate)
		if err != nil {
			return err
		}
		r.EffectiveDate = t
	}
	if p.TerminationDate != nil {
		t, err := parseDate("termination_date", *p.TerminationDate)
		if err != nil {
			return err
		}
		r.TerminationDate = &t
	}
	if p.ClearTerminationDate {
		r.TerminationDate = nil
	}
	return nil
}

func (s *Service) GetRuleByID(ctx context.Context, id uuid.UUID) (*Rule, error) {
	return s.rules.GetByID(ctx, id)
}

func (s *Service) ListRules(ctx context.Context, f RuleFilter) ([]*Rule, error) {
	if f.Credential != nil && !f.Credential.Valid() {
		return nil, apperr.Validation("unknown clinician_credential %q", *f.Credential)
	}
	if f.ServiceType != nil && !f.ServiceType.Valid() {
		return nil, apperr.Validation("unknown service_type %q", *f.ServiceType)
	}
	if f.PlaceOfService != nil && !f.PlaceOfService.Valid() {
		return nil, apperr.Validation("unknown place_of_service %q", *f.PlaceOfService)
	}
	return s.rules.List(ctx, f)
}

func (s *Service) CreateRule(ctx context.Context, in RuleInput, actor string) (*Rule, error) {
	return s.createRule(ctx, in, actor, ActionCreate)
}

func (s *Service) createRule(ctx context.Context, in RuleInput, actor, action string) (*Rule, error) {
	if err := s.v.Struct(in); err != nil {
		return nil, err
	}
	rule, err := in.toRule()
	if err != nil {
		return nil, err
	}
	rule.CreatedBy = actor
	if err := checkWindow(rule); err != nil {
		return nil, err
	}

	err = s.inTx(ctx, func(ctx context.Context) error {
		p, err := s.payers.GetForUpdate(ctx, rule.PayerID)
		if err != nil {
			return err
		}
		if !p.IsActive {
			return apperr.Validation("payer %s is inactive", p.ID)
		}
		if err := s.checkOverlap(ctx, rule); err != nil {
			return err
		}
		if err := s.rules.Create(ctx, rule); err != nil {
			return err
		}
		return s.record(ctx, EntityRule, rule.ID, action, actor, ruleDetail(rule))
	})
	if err != nil {
		return nil, err
	}
	s.cache.Invalidate(ctx, rule.PayerID)
	return rule, nil
}

// UpdateRule merges patch into the stored rule and re-validates the result
// as a whole, including the overlap check against the payer's other rules.
func (s *Service) UpdateRule(ctx context.Context, id uuid.UUID, patch RulePatch, actor string) (*Rule, error) {
	if err := s.v.Struct(patch); err != nil {
		return nil, err
	}
	var out *Rule
	err := s.inTx(ctx, func(ctx context.Context) error {
		current, err := s.rules.GetByID(ctx, id)
		if err != nil {
			return err
		}
		p, err := s.payers.GetForUpdate(ctx, current.PayerID)
		if err != nil {
			return err
		}
		merged := *current
		if err := patch.apply(&merged); err != nil {
			return err
		}
		if err := checkWindow(&merged); err != nil {
			return err
		}
		if merged.IsActive {
			if !p.IsActive {
				return apperr.Validation("payer %s is inactive", p.ID)
			}
			if err := s.checkOverlap(ctx, &merged); err != nil {
				return err
			}
		}
		if err := s.rules.Update(ctx, &merged); err != nil {
			return err
		}
		if err := s.record(ctx, EntityRule, merged.ID, ActionUpdate, actor, ruleDetail(&merged)); err != nil {
			return err
		}
		out = &merged
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.cache.Invalidate(ctx, out.PayerID)
	return out, nil
}

// SoftDeleteRule marks the rule inactive. The row is kept for historical claims.
func (s *Service) SoftDeleteRule(ctx context.Context, id uuid.UUID, actor string) (*Rule, error) {
	var out *Rule
	err := s.inTx(ctx, func(ctx context.Context) error {
		r, err := s.rules.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if r.IsActive {
			r.IsActive = false
			if err := s.rules.Update(ctx, r); err != nil {
				return err
			}
			if err := s.record(ctx, EntityRule, r.ID, ActionDeactivate, actor, nil); err != nil {
				return err
			}
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.cache.Invalidate(ctx, out.PayerID)
	return out, nil
}

func (s *Service) RuleHistory(ctx context.Context, id uuid.UUID) ([]*AuditEntry, error) {
	if _, err := s.rules.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.audit.ListForEntity(ctx, EntityRule, id)
}

// -- Bulk import --

type RowError struct {
	Row     int    `json:"row"`
	Message string `json:"message"`
}

type ImportResult struct {
	Success int         `json:"success"`
	Failed  int         `json:"failed"`
	Errors  []RowError  `json:"errors"`
	Created []uuid.UUID `json:"created"`
}

// BulkImportRules creates each row in its own transaction. A failing row is
// reported by its 1-based position and never affects the others.
func (s *Service) BulkImportRules(ctx context.Context, rows []RuleInput, actor string) (*ImportResult, error) {
	if db.TxFromContext(ctx) != nil {
		return nil, fmt.Errorf("bulk import must not run inside an outer transaction")
	}
	res := &ImportResult{Errors: []RowError{}, Created: []uuid.UUID{}}
	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		rule, err := s.createRule(ctx, row, actor, ActionImport)
		if err != nil {
			if apperr.IsInfrastructure(err) {
				s.logger.Error().Err(err).Int("row", i+1).Msg("bulk import row failed")
			}
			res.Failed++
			res.Errors = append(res.Errors, RowError{Row: i + 1, Message: rowMessage(err)})
			continue
		}
		res.Success++
		res.Created = append(res.Created, rule.ID)
	}
	s.logger.Info().Int("success", res.Success).Int("failed", res.Failed).Str("actor", actor).Msg("bulk rule import finished")
	return res, nil
}

func rowMessage(err error) string {
	if apperr.IsInfrastructure(err) {
		return "storage unavailable, retry this row"
	}
	var e *apperr.Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

// -- helpers --

func checkWindow(r *Rule) error {
	if r.TerminationDate != nil && !DateOf(r.EffectiveDate).Before(DateOf(*r.TerminationDate)) {
		return apperr.Validation("effective_date %s must be before termination_date %s",
			r.EffectiveDate.Format(validate.DateLayout), r.TerminationDate.Format(validate.DateLayout))
	}
	if r.CosignTimeframeDays != nil && *r.CosignTimeframeDays < 0 {
		return apperr.Validation("cosign_timeframe_days must be at least 0")
	}
	return nil
}

// checkOverlap enforces that active rules for one payer and tuple have
// disjoint validity windows.
func (s *Service) checkOverlap(ctx context.Context, r *Rule) error {
	if !r.IsActive {
		return nil
	}
	active := true
	cred, svc, pos := r.ClinicianCredential, r.ServiceType, r.PlaceOfService
	existing, err := s.rules.List(ctx, RuleFilter{
		PayerID: &r.PayerID, Credential: &cred, ServiceType: &svc, PlaceOfService: &pos, IsActive: &active,
	})
	if err != nil {
		return err
	}
	for _, o := range existing {
		if o.ID == r.ID {
			continue
		}
		if r.Overlaps(o) {
			return apperr.Validation("validity window overlaps active rule %s (%s to %s) for the same payer, credential, service type and place of service",
				o.ID, o.EffectiveDate.Format(validate.DateLayout), endLabel(o.TerminationDate))
		}
	}
	return nil
}

func endLabel(t *time.Time) string {
	if t == nil {
		return "open-ended"
	}
	return t.Format(validate.DateLayout)
}

func ruleDetail(r *Rule) map[string]interface{} {
	d := map[string]interface{}{
		"payer_id":             r.PayerID.String(),
		"clinician_credential": r.ClinicianCredential,
		"service_type":         r.ServiceType,
		"place_of_service":     r.PlaceOfService,
		"is_active":            r.IsActive,
		"is_prohibited":        r.IsProhibited,
		"cosign_required":      r.CosignRequired,
		"effective_date":       r.EffectiveDate.Format(validate.DateLayout),
	}
	if r.CosignTimeframeDays != nil {
		d["cosign_timeframe_days"] = *r.CosignTimeframeDays
	}
	if r.TerminationDate != nil {
		d["termination_date"] = r.TerminationDate.Format(validate.DateLayout)
	}
	return d
}

func (s *Service) record(ctx context.Context, entityType string, id uuid.UUID, action, actor string, detail map[string]interface{}) error {
	return s.audit.Record(ctx, &AuditEntry{
		EntityType: entityType,
		EntityID:   id,
		Action:     action,
		ActorID:    actor,
		Detail:     detail,
	})
}

func parseDate(field, s string) (time.Time, error) {
	t, err := time.Parse(validate.DateLayout, s)
	if err != nil {
		return time.Time{}, apperr.Validation("%s must be a date in YYYY-MM-DD format, got %q", field, s)
	}
	return t, nil
}
