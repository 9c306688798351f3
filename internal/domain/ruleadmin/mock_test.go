package ruleadmin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/mentalspace/ehr-billing/internal/domain/clinicalnote"
	"github.com/mentalspace/ehr-billing/internal/domain/payer"
	"github.com/mentalspace/ehr-billing/internal/platform/apperr"
	"github.com/mentalspace/ehr-billing/internal/platform/auth"
)

var testNow = time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC)

// store backs all payer repositories and counts writes so simulations can
// prove they only read.
type store struct {
	mu     sync.Mutex
	payers map[uuid.UUID]*payer.Payer
	rules  map[uuid.UUID]*payer.Rule
	audit  []*payer.AuditEntry
	writes int
}

func newStore() *store {
	return &store{payers: map[uuid.UUID]*payer.Payer{}, rules: map[uuid.UUID]*payer.Rule{}}
}

type payerRepo struct{ *store }

func (s payerRepo) Create(_ context.Context, p *payer.Payer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	p.ID, p.CreatedAt, p.UpdatedAt = uuid.New(), testNow, testNow
	cp := *p
	s.payers[p.ID] = &cp
	return nil
}

func (s payerRepo) GetByID(_ context.Context, id uuid.UUID) (*payer.Payer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payers[id]
	if !ok {
		return nil, apperr.NotFound("payer", id)
	}
	cp := *p
	return &cp, nil
}

func (s payerRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*payer.Payer, error) {
	return s.GetByID(ctx, id)
}

func (s payerRepo) Update(_ context.Context, p *payer.Payer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	cp := *p
	s.payers[p.ID] = &cp
	return nil
}

func (s payerRepo) List(_ context.Context, f payer.PayerFilter) ([]*payer.Payer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*payer.Payer
	for _, p := range s.payers {
		if (f.IsActive != nil && p.IsActive != *f.IsActive) || (f.PayerType != nil && p.PayerType != *f.PayerType) {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

type ruleRepo struct{ *store }

func (s ruleRepo) Create(_ context.Context, r *payer.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	r.ID, r.CreatedAt, r.UpdatedAt = uuid.New(), testNow, testNow
	cp := *r
	s.rules[r.ID] = &cp
	return nil
}

func (s ruleRepo) GetByID(_ context.Context, id uuid.UUID) (*payer.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, apperr.NotFound("payer rule", id)
	}
	cp := *r
	return &cp, nil
}

func (s ruleRepo) Update(_ context.Context, r *payer.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	cp := *r
	s.rules[r.ID] = &cp
	return nil
}

func (s ruleRepo) List(_ context.Context, f payer.RuleFilter) ([]*payer.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*payer.Rule
	for _, r := range s.rules {
		switch {
		case f.PayerID != nil && r.PayerID != *f.PayerID,
			f.Credential != nil && r.ClinicianCredential != *f.Credential,
			f.ServiceType != nil && r.ServiceType != *f.ServiceType,
			f.PlaceOfService != nil && r.PlaceOfService != *f.PlaceOfService,
			f.IsActive != nil && r.IsActive != *f.IsActive,
			f.IsProhibited != nil && r.IsProhibited != *f.IsProhibited:
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (s ruleRepo) DeactivateByPayer(_ context.Context, payerID uuid.UUID) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for _, r := range s.rules {
		if r.PayerID == payerID && r.IsActive {
			s.writes++
			r.IsActive = false
			ids = append(ids, r.ID)
		}
	}
	return ids, nil
}

type auditRepo struct{ *store }

func (s auditRepo) Record(_ context.Context, e *payer.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	e.ID, e.CreatedAt = uuid.New(), testNow
	s.audit = append(s.audit, e)
	return nil
}

func (s auditRepo) ListForEntity(_ context.Context, entityType string, id uuid.UUID) ([]*payer.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*payer.AuditEntry
	for _, e := range s.audit {
		if e.EntityType == entityType && e.EntityID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

type notesRepo struct {
	notes []*clinicalnote.NoteContext
}

func (n *notesRepo) GetContext(_ context.Context, id uuid.UUID) (*clinicalnote.NoteContext, error) {
	for _, note := range n.notes {
		if note.ClinicalNoteID == id {
			return note, nil
		}
	}
	return nil, apperr.NotFound("clinical note", id)
}

func (n *notesRepo) ListForScope(_ context.Context, s clinicalnote.Scope) ([]*clinicalnote.NoteContext, error) {
	var out []*clinicalnote.NoteContext
	for _, note := range n.notes {
		if note.PayerID == nil || *note.PayerID != s.PayerID || note.Tuple() != s.Tuple {
			continue
		}
		if (s.From != nil && note.SessionDate.Before(*s.From)) || (s.To != nil && note.SessionDate.After(*s.To)) {
			continue
		}
		out = append(out, note)
	}
	return out, nil
}

func (n *notesRepo) ListUnbilledAfter(context.Context, uuid.UUID, int) ([]*clinicalnote.NoteContext, error) {
	return nil, nil
}

func noTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

type fixture struct {
	store *store
	notes *notesRepo
	svc   *payer.Service
	sim   *Simulator
	e     *echo.Echo
	roles []string
}

func newFixture() *fixture {
	f := &fixture{store: newStore(), notes: &notesRepo{}, roles: []string{auth.RoleAdmin}}
	f.svc = payer.NewService(payerRepo{f.store}, ruleRepo{f.store}, auditRepo{f.store}, zerolog.Nop())
	f.svc.SetTxRunner(noTx)
	matcher := payer.NewMatcher(payerRepo{f.store}, ruleRepo{f.store}, zerolog.Nop())
	f.sim = NewSimulator(f.svc, f.notes, zerolog.Nop())
	f.sim.now = func() time.Time { return testNow }

	f.e = echo.New()
	api := f.e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.SetRequest(c.Request().WithContext(auth.WithUser(c.Request().Context(), "admin-1", f.roles)))
			return next(c)
		}
	})
	NewHandler(f.svc, matcher, f.sim).RegisterRoutes(api)
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) newPayer(t interface{ Fatalf(string, ...interface{}) }) *payer.Payer {
	p, err := f.svc.CreatePayer(context.Background(), payer.PayerInput{Name: "Georgia Medicaid", PayerType: "MEDICAID"}, "admin-1")
	if err != nil {
		t.Fatalf("CreatePayer: %v", err)
	}
	return p
}

func intPtr(n int) *int { return &n }
