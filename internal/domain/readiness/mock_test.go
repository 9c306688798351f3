package readiness

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mentalspace/ehr-billing/internal/domain/billinghold"
	"github.com/mentalspace/ehr-billing/internal/domain/clinicalnote"
	"github.com/mentalspace/ehr-billing/internal/domain/payer"
	"github.com/mentalspace/ehr-billing/internal/platform/apperr"
)

var testNow = time.Date(2026, 3, 15, 14, 30, 0, 0, time.UTC)

func daysAgo(n int) time.Time { return testNow.AddDate(0, 0, -n) }

func intPtr(n int) *int { return &n }

// --- notes ---

type mockNotes struct {
	notes map[uuid.UUID]*clinicalnote.NoteContext
}

func newMockNotes(notes ...*clinicalnote.NoteContext) *mockNotes {
	m := &mockNotes{notes: make(map[uuid.UUID]*clinicalnote.NoteContext)}
	for _, n := range notes {
		m.notes[n.ClinicalNoteID] = n
	}
	return m
}

func (m *mockNotes) GetContext(_ context.Context, id uuid.UUID) (*clinicalnote.NoteContext, error) {
	n, ok := m.notes[id]
	if !ok {
		return nil, apperr.NotFound("clinical note", id)
	}
	cp := *n
	return &cp, nil
}

func (m *mockNotes) ListForScope(context.Context, clinicalnote.Scope) ([]*clinicalnote.NoteContext, error) {
	return nil, nil
}

func (m *mockNotes) ListUnbilledAfter(_ context.Context, after uuid.UUID, limit int) ([]*clinicalnote.NoteContext, error) {
	var out []*clinicalnote.NoteContext
	for _, n := range m.notes {
		if bytes.Compare(n.ClinicalNoteID[:], after[:]) > 0 {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].ClinicalNoteID[:], out[j].ClinicalNoteID[:]) < 0
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- rules ---

type mockResolver struct {
	mu        sync.Mutex
	byPayer   map[uuid.UUID]payer.Resolution
	failPayer map[uuid.UUID]error
	calls     int
	queries   []payer.MatchQuery
	onResolve func(q payer.MatchQuery)
}

func newMockResolver() *mockResolver {
	return &mockResolver{byPayer: map[uuid.UUID]payer.Resolution{}, failPayer: map[uuid.UUID]error{}}
}

func (m *mockResolver) Resolve(_ context.Context, q payer.MatchQuery) (payer.Resolution, error) {
	m.mu.Lock()
	m.calls++
	m.queries = append(m.queries, q)
	hook := m.onResolve
	res, err := m.byPayer[q.PayerID], m.failPayer[q.PayerID]
	m.mu.Unlock()
	if hook != nil {
		hook(q)
	}
	return res, err
}

// --- holds ---

type mockHolds struct {
	mu     sync.Mutex
	holds  []*billinghold.Hold
	writes int
}

func (m *mockHolds) EnsureHold(_ context.Context, noteID uuid.UUID, reason billinghold.Reason, detail string, src *uuid.UUID) (*billinghold.Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.holds {
		if h.ClinicalNoteID == noteID && h.Reason == reason && !h.IsResolved() {
			return h, nil
		}
	}
	m.writes++
	h := &billinghold.Hold{
		ID: uuid.New(), ClinicalNoteID: noteID, Reason: reason, ReasonDetail: detail,
		SourceRuleID: src, CreatedBy: billinghold.ResolvedBySystem, CreatedAt: testNow,
	}
	m.holds = append(m.holds, h)
	return h, nil
}

func (m *mockHolds) AutoResolveIfCleared(_ context.Context, noteID uuid.UUID, reason billinghold.Reason) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.holds {
		if h.ClinicalNoteID == noteID && h.Reason == reason && !h.IsResolved() {
			m.writes++
			at, by := testNow, billinghold.ResolvedBySystem
			h.ResolvedAt, h.ResolvedBy = &at, &by
		}
	}
	return nil
}

func (m *mockHolds) ListHoldsForNote(_ context.Context, noteID uuid.UUID, includeResolved bool) ([]*billinghold.Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*billinghold.Hold
	for _, h := range m.holds {
		if h.ClinicalNoteID == noteID && (includeResolved || !h.IsResolved()) {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *mockHolds) add(noteID uuid.UUID, reason billinghold.Reason) *billinghold.Hold {
	h := &billinghold.Hold{ID: uuid.New(), ClinicalNoteID: noteID, Reason: reason, ReasonDetail: "seeded", CreatedBy: "billing-1"}
	m.holds = append(m.holds, h)
	return h
}

// --- checkpoints ---

type mockCheckpoints struct {
	mu       sync.Mutex
	byTenant map[string]Checkpoint
	failures []*Failure
	saves    int
}

func newMockCheckpoints() *mockCheckpoints {
	return &mockCheckpoints{byTenant: map[string]Checkpoint{}}
}

func (m *mockCheckpoints) Load(_ context.Context, tenantID string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.byTenant[tenantID]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

func (m *mockCheckpoints) Save(_ context.Context, cp *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	m.byTenant[cp.TenantID] = *cp
	return nil
}

func (m *mockCheckpoints) RecordFailure(_ context.Context, f *Failure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, f)
	return nil
}

func (m *mockCheckpoints) ListFailures(_ context.Context, runID uuid.UUID) ([]*Failure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Failure
	for _, f := range m.failures {
		if f.RunID == runID {
			out = append(out, f)
		}
	}
	return out, nil
}

// --- fixture ---

type fixture struct {
	notes    *mockNotes
	resolver *mockResolver
	holds    *mockHolds
	orch     *Orchestrator
	payerID  uuid.UUID
}

func newFixture(notes ...*clinicalnote.NoteContext) *fixture {
	f := &fixture{
		notes:    newMockNotes(notes...),
		resolver: newMockResolver(),
		holds:    &mockHolds{},
		payerID:  uuid.New(),
	}
	f.orch = NewOrchestrator(f.notes, f.resolver, f.holds, zerolog.Nop())
	f.orch.now = func() time.Time { return testNow }
	return f
}

func (f *fixture) ruleFor(rule *payer.Rule, ambiguous ...*payer.Rule) {
	f.resolver.byPayer[f.payerID] = payer.Resolution{Rule: rule, Ambiguous: ambiguous}
}

// note returns a signed LAMFT psychotherapy office note with a current
// treatment plan, billed to the fixture payer.
func (f *fixture) note(sessionDaysAgo int) *clinicalnote.NoteContext {
	pid := f.payerID
	n := &clinicalnote.NoteContext{
		ClinicalNoteID:         uuid.New(),
		PayerID:                &pid,
		ClinicianCredential:    payer.CredLAMFT,
		ServiceType:            payer.ServicePsychotherapy,
		PlaceOfService:         payer.PlaceOffice,
		SessionDate:            daysAgo(sessionDaysAgo),
		TreatmentPlanStatus:    clinicalnote.PlanCurrent,
		AuthorSignaturePresent: true,
	}
	f.notes.notes[n.ClinicalNoteID] = n
	return n
}

func cosignRule(days *int) *payer.Rule {
	return &payer.Rule{
		ID:                  uuid.New(),
		ClinicianCredential: payer.CredLAMFT,
		ServiceType:         payer.ServicePsychotherapy,
		PlaceOfService:      payer.PlaceOffice,
		IsActive:            true,
		CosignRequired:      true,
		CosignTimeframeDays: days,
		EffectiveDate:       time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}
