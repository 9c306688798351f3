package payer

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mentalspace/ehr-billing/internal/platform/apperr"
)

type MatchQuery struct {
	PayerID uuid.UUID
	Tuple
	// AsOf defaults to the current time when zero.
	AsOf time.Time
}

// Resolution is the outcome of matching. Rule is nil when no rule applies,
// which means default-allow. Ambiguous lists the losing candidates when more
// than one rule was valid on the date.
type Resolution struct {
	Rule      *Rule
	Ambiguous []*Rule
}

type Matcher struct {
	payers PayerRepository
	rules  RuleRepository
	cache  *RuleCache
	logger zerolog.Logger
	now    func() time.Time
}

func NewMatcher(payers PayerRepository, rules RuleRepository, logger zerolog.Logger) *Matcher {
	return &Matcher{payers: payers, rules: rules, logger: logger, now: time.Now}
}

// SetCache routes active rule lookups through c.
func (m *Matcher) SetCache(c *RuleCache) { m.cache = c }

// FindApplicableRule returns the single rule that applies to q, or nil when
// none does.
func (m *Matcher) FindApplicableRule(ctx context.Context, q MatchQuery) (*Rule, error) {
	res, err := m.Resolve(ctx, q)
	if err != nil {
		return nil, err
	}
	return res.Rule, nil
}

func (m *Matcher) Resolve(ctx context.Context, q MatchQuery) (Resolution, error) {
	if err := q.Tuple.Validate(); err != nil {
		return Resolution{}, err
	}
	if q.PayerID == uuid.Nil {
		return Resolution{}, apperr.Validation("payer_id is required")
	}
	if _, err := m.payers.GetByID(ctx, q.PayerID); err != nil {
		return Resolution{}, err
	}
	asOf := q.AsOf
	if asOf.IsZero() {
		asOf = m.now()
	}

	active, err := m.activeRules(ctx, q.PayerID)
	if err != nil {
		return Resolution{}, err
	}

	var valid []*Rule
	for _, r := range active {
		if r.Tuple() == q.Tuple && r.ValidOn(asOf) {
			valid = append(valid, r)
		}
	}

	switch len(valid) {
	case 0:
		return Resolution{}, nil
	case 1:
		return Resolution{Rule: valid[0]}, nil
	}

	// Overlapping windows violate the write-time invariant. The most recently
	// enacted rule wins so the outcome is stable, but this needs a human.
	sort.Slice(valid, func(i, j int) bool { return newer(valid[i], valid[j]) })
	ids := make([]string, len(valid))
	for i, r := range valid {
		ids[i] = r.ID.String()
	}
	m.logger.Warn().
		Str("payer_id", q.PayerID.String()).
		Str("clinician_credential", string(q.Credential)).
		Str("service_type", string(q.ServiceType)).
		Str("place_of_service", string(q.PlaceOfService)).
		Str("as_of", DateOf(asOf).Format("2006-01-02")).
		Strs("rule_ids", ids).
		Str("chosen_rule_id", ids[0]).
		Msg("multiple payer rules valid for the same tuple; using latest effective date")

	return Resolution{Rule: valid[0], Ambiguous: valid[1:]}, nil
}

// newer orders by effective date, then creation time, then id, all descending.
func newer(a, b *Rule) bool {
	if !a.EffectiveDate.Equal(b.EffectiveDate) {
		return a.EffectiveDate.After(b.EffectiveDate)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID.String() > b.ID.String()
}

func (m *Matcher) activeRules(ctx context.Context, payerID uuid.UUID) ([]*Rule, error) {
	if rules, ok := m.cache.get(ctx, payerID); ok {
		return rules, nil
	}
	active := true
	rules, err := m.rules.List(ctx, RuleFilter{PayerID: &payerID, IsActive: &active})
	if err != nil {
		return nil, err
	}
	m.cache.put(ctx, payerID, rules)
	return rules, nil
}
