// Package ruleadmin exposes payer and payer-rule administration over HTTP,
// including dry-run simulation of a rule against historical notes.
package ruleadmin

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mentalspace/ehr-billing/internal/domain/clinicalnote"
	"github.com/mentalspace/ehr-billing/internal/domain/cosign"
	"github.com/mentalspace/ehr-billing/internal/domain/payer"
	"github.com/mentalspace/ehr-billing/internal/platform/apperr"
)

type RuleGetter interface {
	GetRuleByID(ctx context.Context, id uuid.UUID) (*payer.Rule, error)
}

type SimulationResult struct {
	RuleID      uuid.UUID `json:"rule_id"`
	NotesTested int       `json:"notes_tested"`
	WouldBlock  int       `json:"would_block"`
	WouldPass   int       `json:"would_pass"`
}

// Simulator replays a rule over past notes. It only reads.
type Simulator struct {
	rules  RuleGetter
	notes  clinicalnote.Repository
	logger zerolog.Logger
	now    func() time.Time
}

func NewSimulator(rules RuleGetter, notes clinicalnote.Repository, logger zerolog.Logger) *Simulator {
	return &Simulator{rules: rules, notes: notes, logger: logger, now: time.Now}
}

// TestRuleAgainstNotes evaluates the rule as if it were the match for every
// note of its payer and tuple with a session date in [start, end]. A note
// would block when the verdict is BLOCKED or an overdue REQUIRES_COSIGN.
func (s *Simulator) TestRuleAgainstNotes(ctx context.Context, ruleID uuid.UUID, start, end *time.Time) (*SimulationResult, error) {
	if start != nil && end != nil && end.Before(*start) {
		return nil, apperr.Validation("end_date must not be before start_date")
	}
	rule, err := s.rules.GetRuleByID(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	notes, err := s.notes.ListForScope(ctx, clinicalnote.Scope{
		PayerID: rule.PayerID,
		Tuple:   rule.Tuple(),
		From:    start,
		To:      end,
	})
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	res := &SimulationResult{RuleID: rule.ID, NotesTested: len(notes)}
	for _, n := range notes {
		v := cosign.Evaluate(rule, cosign.Input{
			SessionDate:              n.SessionDate,
			HasQualifyingCosignature: n.HasQualifyingCosignature,
			CosignatureDate:          n.CosignatureDate,
			AsOf:                     now,
		})
		if v.Blocks() {
			res.WouldBlock++
		} else {
			res.WouldPass++
		}
	}
	s.logger.Info().
		Str("rule_id", rule.ID.String()).
		Int("notes_tested", res.NotesTested).
		Int("would_block", res.WouldBlock).
		Msg("rule simulation finished")
	return res, nil
}
