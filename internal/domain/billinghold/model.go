package billinghold

import (
	"time"

	"github.com/google/uuid"
)

type Reason string

const (
	ReasonNoCosignature        Reason = "NO_COSIGNATURE"
	ReasonRuleProhibited       Reason = "RULE_PROHIBITED"
	ReasonTreatmentPlanOverdue Reason = "TREATMENT_PLAN_OVERDUE"
	ReasonMissingSignature     Reason = "MISSING_SIGNATURE"
	ReasonOther                Reason = "OTHER"
)

// Reasons lists every hold reason in reporting order.
var Reasons = []Reason{
	ReasonNoCosignature, ReasonRuleProhibited, ReasonTreatmentPlanOverdue, ReasonMissingSignature, ReasonOther,
}

func (r Reason) Valid() bool {
	for _, v := range Reasons {
		if r == v {
			return true
		}
	}
	return false
}

// ResolvedBySystem marks holds cleared by a readiness check rather than a user.
const ResolvedBySystem = "system"

// Hold blocks claim submission for a note until resolved. At most one
// unresolved hold exists per (ClinicalNoteID, Reason).
type Hold struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	ClinicalNoteID uuid.UUID  `db:"clinical_note_id" json:"clinical_note_id"`
	Reason         Reason     `db:"reason" json:"reason"`
	ReasonDetail   string     `db:"reason_detail" json:"reason_detail"`
	SourceRuleID   *uuid.UUID `db:"source_rule_id" json:"source_rule_id,omitempty"`
	CreatedBy      string     `db:"created_by" json:"created_by"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	ResolvedAt     *time.Time `db:"resolved_at" json:"resolved_at,omitempty"`
	ResolvedBy     *string    `db:"resolved_by" json:"resolved_by,omitempty"`
}

func (h *Hold) IsResolved() bool { return h.ResolvedAt != nil }

type Filter struct {
	ClinicalNoteID *uuid.UUID
	Reason         *Reason
	Limit          int
	Offset         int
}
