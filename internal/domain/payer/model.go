package payer

import (
	"time"

	"github.com/google/uuid"

	"github.com/mentalspace/ehr-billing/internal/platform/apperr"
)

type PayerType string

const (
	PayerCommercial PayerType = "COMMERCIAL"
	PayerMedicare   PayerType = "MEDICARE"
	PayerMedicaid   PayerType = "MEDICAID"
	PayerSelfPay    PayerType = "SELF_PAY"
	PayerOther      PayerType = "OTHER"
)

var payerTypes = map[PayerType]bool{
	PayerCommercial: true, PayerMedicare: true, PayerMedicaid: true, PayerSelfPay: true, PayerOther: true,
}

func (t PayerType) Valid() bool { return payerTypes[t] }

// Credential is the licence tier of the rendering clinician.
type Credential string

const (
	CredPsychiatrist Credential = "PSYCHIATRIST"
	CredPsychologist Credential = "PSYCHOLOGIST"
	CredPMHNP        Credential = "PMHNP"
	CredLCSW         Credential = "LCSW"
	CredLPC          Credential = "LPC"
	CredLMFT         Credential = "LMFT"
	CredLMSW         Credential = "LMSW"
	CredLAPC         Credential = "LAPC"
	CredLAMFT        Credential = "LAMFT"
	CredLCSWIntern   Credential = "LCSW_INTERN"
	CredLPCIntern    Credential = "LPC_INTERN"
	CredLMFTIntern   Credential = "LMFT_INTERN"
)

var credentials = map[Credential]bool{
	CredPsychiatrist: true, CredPsychologist: true, CredPMHNP: true,
	CredLCSW: true, CredLPC: true, CredLMFT: true,
	CredLMSW: true, CredLAPC: true, CredLAMFT: true,
	CredLCSWIntern: true, CredLPCIntern: true, CredLMFTIntern: true,
}

func (c Credential) Valid() bool { return credentials[c] }

type ServiceType string

const (
	ServicePsychotherapy        ServiceType = "PSYCHOTHERAPY"
	ServiceEvaluation           ServiceType = "EVALUATION"
	ServiceCrisis               ServiceType = "CRISIS"
	ServiceGroup                ServiceType = "GROUP"
	ServiceFamily               ServiceType = "FAMILY"
	ServiceMedicationManagement ServiceType = "MEDICATION_MANAGEMENT"
	ServicePsychologicalTesting ServiceType = "PSYCHOLOGICAL_TESTING"
	ServiceCaseManagement       ServiceType = "CASE_MANAGEMENT"
)

var serviceTypes = map[ServiceType]bool{
	ServicePsychotherapy: true, ServiceEvaluation: true, ServiceCrisis: true, ServiceGroup: true,
	ServiceFamily: true, ServiceMedicationManagement: true, ServicePsychologicalTesting: true,
	ServiceCaseManagement: true,
}

func (s ServiceType) Valid() bool { return serviceTypes[s] }

type PlaceOfService string

const (
	PlaceOffice     PlaceOfService = "OFFICE"
	PlaceTelehealth PlaceOfService = "TELEHEALTH"
	PlaceHome       PlaceOfService = "HOME"
	PlaceSchool     PlaceOfService = "SCHOOL"
	PlaceCommunity  PlaceOfService = "COMMUNITY"
	PlaceHospital   PlaceOfService = "HOSPITAL"
)

var places = map[PlaceOfService]bool{
	PlaceOffice: true, PlaceTelehealth: true, PlaceHome: true,
	PlaceSchool: true, PlaceCommunity: true, PlaceHospital: true,
}

func (p PlaceOfService) Valid() bool { return places[p] }

// Tuple is the scope a rule applies to within its payer.
type Tuple struct {
	Credential     Credential     `json:"clinician_credential"`
	ServiceType    ServiceType    `json:"service_type"`
	PlaceOfService PlaceOfService `json:"place_of_service"`
}

// Validate rejects unknown enum values instead of letting them silently
// match nothing.
func (t Tuple) Validate() error {
	if !t.Credential.Valid() {
		return apperr.Validation("unknown clinician_credential %q", t.Credential)
	}
	if !t.ServiceType.Valid() {
		return apperr.Validation("unknown service_type %q", t.ServiceType)
	}
	if !t.PlaceOfService.Valid() {
		return apperr.Validation("unknown place_of_service %q", t.PlaceOfService)
	}
	return nil
}

type Payer struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	PayerType PayerType `db:"payer_type" json:"payer_type"`
	IsActive  bool      `db:"is_active" json:"is_active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Rule is a billing constraint for one payer and tuple, valid on
// [EffectiveDate, TerminationDate). A nil TerminationDate is open-ended.
type Rule struct {
	ID                  uuid.UUID      `db:"id" json:"id"`
	PayerID             uuid.UUID      `db:"payer_id" json:"payer_id"`
	ClinicianCredential Credential     `db:"clinician_credential" json:"clinician_credential"`
	ServiceType         ServiceType    `db:"service_type" json:"service_type"`
	PlaceOfService      PlaceOfService `db:"place_of_service" json:"place_of_service"`
	IsActive            bool           `db:"is_active" json:"is_active"`
	IsProhibited        bool           `db:"is_prohibited" json:"is_prohibited"`
	CosignRequired      bool           `db:"cosign_required" json:"cosign_required"`
	CosignTimeframeDays *int           `db:"cosign_timeframe_days" json:"cosign_timeframe_days,omitempty"`
	EffectiveDate       time.Time      `db:"effective_date" json:"effective_date"`
	TerminationDate     *time.Time     `db:"termination_date" json:"termination_date,omitempty"`
	CreatedBy           string         `db:"created_by" json:"created_by"`
	CreatedAt           time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at" json:"updated_at"`
}

func (r *Rule) Tuple() Tuple {
	return Tuple{Credential: r.ClinicianCredential, ServiceType: r.ServiceType, PlaceOfService: r.PlaceOfService}
}

// ValidOn reports whether asOf falls inside the rule's validity window.
// Comparison is on UTC calendar dates.
func (r *Rule) ValidOn(asOf time.Time) bool {
	day := DateOf(asOf)
	if DateOf(r.EffectiveDate).After(day) {
		return false
	}
	return r.TerminationDate == nil || DateOf(*r.TerminationDate).After(day)
}

// Overlaps reports whether r and o cover the same tuple on at least one day.
func (r *Rule) Overlaps(o *Rule) bool {
	if r.PayerID != o.PayerID || r.Tuple() != o.Tuple() {
		return false
	}
	return beforeEnd(r.EffectiveDate, o.TerminationDate) && beforeEnd(o.EffectiveDate, r.TerminationDate)
}

func beforeEnd(start time.Time, end *time.Time) bool {
	return end == nil || DateOf(start).Before(DateOf(*end))
}

// DateOf truncates t to midnight UTC of its calendar date.
func DateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

type PayerFilter struct {
	IsActive  *bool
	PayerType *PayerType
}

type RuleFilter struct {
	PayerID        *uuid.UUID
	Credential     *Credential
	ServiceType    *ServiceType
	PlaceOfService *PlaceOfService
	IsActive       *bool
	IsProhibited   *bool
}

// Audit entity types and actions.
const (
	EntityPayer = "payer"
	EntityRule  = "payer_rule"

	ActionCreate     = "create"
	ActionUpdate     = "update"
	ActionDeactivate = "deactivate"
	ActionImport     = "import"
)

type AuditEntry struct {
	ID         uuid.UUID              `db:"id" json:"id"`
	EntityType string                 `db:"entity_type" json:"entity_type"`
	EntityID   uuid.UUID              `db:"entity_id" json:"entity_id"`
	Action     string                 `db:"action" json:"action"`
	ActorID    string                 `db:"actor_id" json:"actor_id"`
	Detail     map[string]interface{} `db:"detail" json:"detail,omitempty"`
	CreatedAt  time.Time              `db:"created_at" json:"created_at"`
}
