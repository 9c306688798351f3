// Package readiness decides whether a clinical note can be billed. It joins
// the payer rule matcher, the cosignature evaluator and the note's own
// documentation state, and reconciles billing holds to match.
package readiness

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mentalspace/ehr-billing/internal/domain/billinghold"
	"github.com/mentalspace/ehr-billing/internal/domain/clinicalnote"
	"github.com/mentalspace/ehr-billing/internal/domain/cosign"
	"github.com/mentalspace/ehr-billing/internal/domain/payer"
	"github.com/mentalspace/ehr-billing/internal/platform/apperr"
)

// DefaultCosignWarningDays is how close to the deadline a missing
// cosignature starts producing a warning.
const DefaultCosignWarningDays = 7

type RuleResolver interface {
	Resolve(ctx context.Context, q payer.MatchQuery) (payer.Resolution, error)
}

type HoldManager interface {
	EnsureHold(ctx context.Context, noteID uuid.UUID, reason billinghold.Reason, detail string, sourceRuleID *uuid.UUID) (*billinghold.Hold, error)
	AutoResolveIfCleared(ctx context.Context, noteID uuid.UUID, reason billinghold.Reason) error
	ListHoldsForNote(ctx context.Context, noteID uuid.UUID, includeResolved bool) ([]*billinghold.Hold, error)
}

type Options struct {
	// CreateHolds persists holds for failing conditions and auto-resolves
	// cleared ones. When false the check writes nothing.
	CreateHolds bool
}

// HoldView is one unresolved hold on the note. Persisted is false for holds
// a dry run would create. Clearing marks a stored hold whose condition no
// longer fails; it keeps blocking until a persisting check resolves it.
type HoldView struct {
	ID           *uuid.UUID         `json:"id,omitempty"`
	Reason       billinghold.Reason `json:"reason"`
	Detail       string             `json:"detail"`
	SourceRuleID *uuid.UUID         `json:"source_rule_id,omitempty"`
	Persisted    bool               `json:"persisted"`
	Clearing     bool               `json:"clearing,omitempty"`
}

type Result struct {
	ClinicalNoteID uuid.UUID      `json:"clinical_note_id"`
	CanBill        bool           `json:"can_bill"`
	Holds          []HoldView     `json:"holds"`
	Warnings       []string       `json:"warnings"`
	MatchedRuleID  *uuid.UUID     `json:"matched_rule_id,omitempty"`
	Verdict        cosign.Verdict `json:"cosign"`
}

type Orchestrator struct {
	notes       clinicalnote.Repository
	rules       RuleResolver
	holds       HoldManager
	logger      zerolog.Logger
	now         func() time.Time
	warningDays int
}

func NewOrchestrator(notes clinicalnote.Repository, rules RuleResolver, holds HoldManager, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		notes:       notes,
		rules:       rules,
		holds:       holds,
		logger:      logger,
		now:         time.Now,
		warningDays: DefaultCosignWarningDays,
	}
}

func (o *Orchestrator) SetCosignWarningDays(days int) { o.warningDays = days }

// CheckReadiness loads the note and runs CheckContext. Business outcomes are
// reported in the Result; errors are only NotFound, Validation of stored
// data, or Infrastructure.
func (o *Orchestrator) CheckReadiness(ctx context.Context, noteID uuid.UUID, opts Options) (*Result, error) {
	note, err := o.notes.GetContext(ctx, noteID)
	if err != nil {
		return nil, err
	}
	return o.CheckContext(ctx, note, opts)
}

// condition is one billing requirement evaluated for a note.
type condition struct {
	reason   billinghold.Reason
	failing  bool
	detail   string
	sourceID *uuid.UUID
}

func (o *Orchestrator) CheckContext(ctx context.Context, note *clinicalnote.NoteContext, opts Options) (*Result, error) {
	if note.ClinicalNoteID == uuid.Nil {
		return nil, apperr.Validation("clinical_note_id is required")
	}
	if !note.TreatmentPlanStatus.Valid() {
		return nil, apperr.Validation("unknown treatment_plan_status %q", note.TreatmentPlanStatus)
	}
	now := o.now().UTC()

	var res payer.Resolution
	if note.PayerID != nil {
		var err error
		res, err = o.rules.Resolve(ctx, payer.MatchQuery{
			PayerID: *note.PayerID,
			Tuple:   note.Tuple(),
			AsOf:    note.SessionDate,
		})
		if err != nil {
			return nil, err
		}
	}

	verdict := cosign.Evaluate(res.Rule, cosign.Input{
		SessionDate:              note.SessionDate,
		HasQualifyingCosignature: note.HasQualifyingCosignature,
		CosignatureDate:          note.CosignatureDate,
		AsOf:                     now,
	})

	conds := evaluate(note, res.Rule, verdict)
	result := &Result{
		ClinicalNoteID: note.ClinicalNoteID,
		Verdict:        verdict,
		Warnings:       o.warnings(note, res, verdict),
	}
	if res.Rule != nil {
		id := res.Rule.ID
		result.MatchedRuleID = &id
	}

	var err error
	if opts.CreateHolds {
		result.Holds, err = o.reconcile(ctx, note.ClinicalNoteID, conds)
	} else {
		result.Holds, err = o.simulate(ctx, note.ClinicalNoteID, conds)
	}
	if err != nil {
		return nil, err
	}
	for _, h := range result.Holds {
		if h.Clearing {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("%s hold no longer applies and will be resolved by the next persisting check", h.Reason))
		}
	}
	result.CanBill = len(result.Holds) == 0

	o.logger.Debug().
		Str("clinical_note_id", note.ClinicalNoteID.String()).
		Bool("can_bill", result.CanBill).
		Int("holds", len(result.Holds)).
		Bool("create_holds", opts.CreateHolds).
		Msg("billing readiness checked")
	return result, nil
}

func evaluate(note *clinicalnote.NoteContext, rule *payer.Rule, v cosign.Verdict) []condition {
	var ruleID *uuid.UUID
	if rule != nil {
		id := rule.ID
		ruleID = &id
	}

	conds := []condition{
		{
			reason:   billinghold.ReasonRuleProhibited,
			failing:  v.Status == cosign.StatusBlocked,
			sourceID: ruleID,
		},
		{
			reason:   billinghold.ReasonNoCosignature,
			failing:  v.Status == cosign.StatusRequiresCosign && v.IsOverdue,
			sourceID: ruleID,
		},
		{
			reason:  billinghold.ReasonTreatmentPlanOverdue,
			failing: note.TreatmentPlanStatus.Blocking(),
		},
		{
			reason:  billinghold.ReasonMissingSignature,
			failing: !note.AuthorSignaturePresent,
		},
	}

	for i := range conds {
		c := &conds[i]
		if !c.failing {
			continue
		}
		switch c.reason {
		case billinghold.ReasonRuleProhibited:
			c.detail = fmt.Sprintf("payer rule %s prohibits billing %s by %s at %s",
				rule.ID, note.ServiceType, note.ClinicianCredential, note.PlaceOfService)
		case billinghold.ReasonNoCosignature:
			if v.DueDate != nil {
				c.detail = fmt.Sprintf("supervisor cosignature required within %d days of session; overdue since %s",
					*v.TimeframeDays, v.DueDate.Format("2006-01-02"))
			} else {
				c.detail = "supervisor cosignature required before billing"
			}
		case billinghold.ReasonTreatmentPlanOverdue:
			if note.TreatmentPlanStatus == clinicalnote.PlanNever {
				c.detail = "no treatment plan on file"
			} else {
				c.detail = "treatment plan review is overdue"
			}
		case billinghold.ReasonMissingSignature:
			c.detail = "note is not signed by its author"
		}
	}
	return conds
}

// reconcile makes persisted holds match the evaluated conditions and returns
// every unresolved hold on the note, including manual ones.
func (o *Orchestrator) reconcile(ctx context.Context, noteID uuid.UUID, conds []condition) ([]HoldView, error) {
	for _, c := range conds {
		if c.failing {
			if _, err := o.holds.EnsureHold(ctx, noteID, c.reason, c.detail, c.sourceID); err != nil {
				return nil, err
			}
			continue
		}
		if err := o.holds.AutoResolveIfCleared(ctx, noteID, c.reason); err != nil {
			return nil, err
		}
	}

	open, err := o.holds.ListHoldsForNote(ctx, noteID, false)
	if err != nil {
		return nil, err
	}
	views := make([]HoldView, 0, len(open))
	for _, h := range open {
		views = append(views, persistedView(h))
	}
	return views, nil
}

// simulate reports the stored unresolved holds plus the holds a persisting
// check would add, without writing. Stored holds always count: until they
// are resolved they block billing.
func (o *Orchestrator) simulate(ctx context.Context, noteID uuid.UUID, conds []condition) ([]HoldView, error) {
	open, err := o.holds.ListHoldsForNote(ctx, noteID, false)
	if err != nil {
		return nil, err
	}
	byReason := make(map[billinghold.Reason]condition, len(conds))
	for _, c := range conds {
		byReason[c.reason] = c
	}

	views := make([]HoldView, 0, len(open)+len(conds))
	persisted := make(map[billinghold.Reason]bool, len(open))
	for _, h := range open {
		v := persistedView(h)
		if c, evaluated := byReason[h.Reason]; evaluated && !c.failing {
			v.Clearing = true
		}
		persisted[h.Reason] = true
		views = append(views, v)
	}
	for _, c := range conds {
		if c.failing && !persisted[c.reason] {
			views = append(views, HoldView{Reason: c.reason, Detail: c.detail, SourceRuleID: c.sourceID})
		}
	}
	return views, nil
}

func persistedView(h *billinghold.Hold) HoldView {
	id := h.ID
	return HoldView{ID: &id, Reason: h.Reason, Detail: h.ReasonDetail, SourceRuleID: h.SourceRuleID, Persisted: true}
}

func (o *Orchestrator) warnings(note *clinicalnote.NoteContext, res payer.Resolution, v cosign.Verdict) []string {
	warnings := []string{}

	if v.DaysRemaining != nil && *v.DaysRemaining <= o.warningDays {
		switch n := *v.DaysRemaining; n {
		case 0:
			warnings = append(warnings, "cosignature due today")
		case 1:
			warnings = append(warnings, "cosignature due in 1 day")
		default:
			warnings = append(warnings, fmt.Sprintf("cosignature due in %d days", n))
		}
	}
	if v.CosignedLate {
		warnings = append(warnings, fmt.Sprintf("cosignature was obtained after the %d-day deadline (due %s)",
			*v.TimeframeDays, v.DueDate.Format("2006-01-02")))
	}
	if note.TreatmentPlanStatus == clinicalnote.PlanDueSoon {
		warnings = append(warnings, "treatment plan review due soon")
	}
	if len(res.Ambiguous) > 0 {
		ids := make([]string, 0, len(res.Ambiguous))
		for _, r := range res.Ambiguous {
			ids = append(ids, r.ID.String())
		}
		warnings = append(warnings, fmt.Sprintf("multiple payer rules matched; applied %s over %s",
			res.Rule.ID, strings.Join(ids, ", ")))
	}
	return warnings
}
