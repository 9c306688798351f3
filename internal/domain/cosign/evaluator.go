// Package cosign turns a matched payer rule into a billing verdict for one
// note: allowed, blocked by prohibition, or waiting on supervisor cosignature.
package cosign

import (
	"time"

	"github.com/google/uuid"

	"github.com/mentalspace/ehr-billing/internal/domain/payer"
)

type Status string

const (
	StatusAllowed        Status = "ALLOWED"
	StatusRequiresCosign Status = "REQUIRES_COSIGN"
	StatusBlocked        Status = "BLOCKED"
)

// BlockRuleProhibited is the only reason a verdict can be BLOCKED.
const BlockRuleProhibited = "RULE_PROHIBITED"

type Input struct {
	SessionDate              time.Time
	HasQualifyingCosignature bool
	CosignatureDate          *time.Time
	// AsOf is the evaluation time, normally now.
	AsOf time.Time
}

type Verdict struct {
	Status      Status     `json:"status"`
	BlockReason string     `json:"block_reason,omitempty"`
	RuleID      *uuid.UUID `json:"rule_id,omitempty"`
	// TimeframeDays is nil when the rule sets no cosign deadline.
	TimeframeDays *int       `json:"timeframe_days,omitempty"`
	DueDate       *time.Time `json:"due_date,omitempty"`
	// DaysRemaining is set only while a missing cosignature is still in window.
	DaysRemaining *int `json:"days_remaining,omitempty"`
	// IsOverdue is true once the deadline passes without a cosignature. With no
	// timeframe there is no grace period, so a missing cosignature is overdue at once.
	IsOverdue bool `json:"is_overdue"`
	// CosignedLate marks a cosignature dated after the due date.
	CosignedLate bool `json:"cosigned_late,omitempty"`
}

// Blocks reports whether the verdict must stop billing: a prohibited rule, or
// a required cosignature that is missing past its deadline.
func (v Verdict) Blocks() bool {
	return v.Status == StatusBlocked || (v.Status == StatusRequiresCosign && v.IsOverdue)
}

// Evaluate applies rule (nil means no rule matched) to one note.
// A required cosignature with no deadline is overdue as soon as it is missing.
func Evaluate(rule *payer.Rule, in Input) Verdict {
	if rule == nil {
		return Verdict{Status: StatusAllowed}
	}
	id := rule.ID
	if rule.IsProhibited {
		return Verdict{Status: StatusBlocked, BlockReason: BlockRuleProhibited, RuleID: &id}
	}
	if !rule.CosignRequired {
		return Verdict{Status: StatusAllowed, RuleID: &id}
	}

	v := Verdict{Status: StatusRequiresCosign, RuleID: &id, TimeframeDays: rule.CosignTimeframeDays}
	if rule.CosignTimeframeDays == nil {
		v.IsOverdue = !in.HasQualifyingCosignature
		return v
	}

	tf := *rule.CosignTimeframeDays
	due := payer.DateOf(in.SessionDate).AddDate(0, 0, tf)
	v.DueDate = &due

	if in.HasQualifyingCosignature {
		if in.CosignatureDate != nil && payer.DateOf(*in.CosignatureDate).After(due) {
			v.CosignedLate = true
		}
		return v
	}

	elapsed := ElapsedDays(in.SessionDate, in.AsOf)
	if elapsed > tf {
		v.IsOverdue = true
		return v
	}
	remaining := tf - elapsed
	v.DaysRemaining = &remaining
	return v
}

// ElapsedDays counts whole UTC calendar days from one date to another.
func ElapsedDays(from, to time.Time) int {
	return int(payer.DateOf(to).Sub(payer.DateOf(from)).Hours() / 24)
}
