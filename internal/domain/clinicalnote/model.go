package clinicalnote

import (
	"time"

	"github.com/google/uuid"

	"github.com/mentalspace/ehr-billing/internal/domain/payer"
)

// TreatmentPlanStatus is the client's treatment plan currency as of the
// session, computed upstream by the EHR.
type TreatmentPlanStatus string

const (
	PlanCurrent TreatmentPlanStatus = "CURRENT"
	PlanDueSoon TreatmentPlanStatus = "DUE_SOON"
	PlanOverdue TreatmentPlanStatus = "OVERDUE"
	PlanNever   TreatmentPlanStatus = "NEVER"
)

func (s TreatmentPlanStatus) Valid() bool {
	switch s {
	case PlanCurrent, PlanDueSoon, PlanOverdue, PlanNever:
		return true
	}
	return false
}

// Blocking reports whether the plan status prevents billing.
func (s TreatmentPlanStatus) Blocking() bool {
	return s == PlanOverdue || s == PlanNever
}

// NoteContext is everything billing needs to know about one clinical note.
// PayerID is nil for notes with no billable coverage on the date of service.
type NoteContext struct {
	ClinicalNoteID           uuid.UUID            `json:"clinical_note_id"`
	PayerID                  *uuid.UUID           `json:"payer_id,omitempty"`
	ClinicianCredential      payer.Credential     `json:"clinician_credential"`
	ServiceType              payer.ServiceType    `json:"service_type"`
	PlaceOfService           payer.PlaceOfService `json:"place_of_service"`
	SessionDate              time.Time            `json:"session_date"`
	HasQualifyingCosignature bool                 `json:"has_qualifying_cosignature"`
	CosignatureDate          *time.Time           `json:"cosignature_date,omitempty"`
	TreatmentPlanStatus      TreatmentPlanStatus  `json:"treatment_plan_status"`
	AuthorSignaturePresent   bool                 `json:"author_signature_present"`
}

func (n *NoteContext) Tuple() payer.Tuple {
	return payer.Tuple{
		Credential:     n.ClinicianCredential,
		ServiceType:    n.ServiceType,
		PlaceOfService: n.PlaceOfService,
	}
}

// Scope selects historical notes sharing a payer and tuple with a session
// date in [From, To]. Nil bounds are open.
type Scope struct {
	PayerID uuid.UUID
	Tuple   payer.Tuple
	From    *time.Time
	To      *time.Time
}
