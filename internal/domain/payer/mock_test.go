package payer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mentalspace/ehr-billing/internal/platform/apperr"
)

// -- Mock Repositories --

type mockPayerRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*Payer
	gets  int
}

func newMockPayerRepo() *mockPayerRepo {
	return &mockPayerRepo{items: make(map[uuid.UUID]*Payer)}
}

func (m *mockPayerRepo) Create(_ context.Context, p *Payer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = uuid.New()
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	cp := *p
	m.items[p.ID] = &cp
	return nil
}

func (m *mockPayerRepo) GetByID(_ context.Context, id uuid.UUID) (*Payer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	p, ok := m.items[id]
	if !ok {
		return nil, apperr.NotFound("payer", id)
	}
	cp := *p
	return &cp, nil
}

func (m *mockPayerRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*Payer, error) {
	return m.GetByID(ctx, id)
}

func (m *mockPayerRepo) Update(_ context.Context, p *Payer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[p.ID]; !ok {
		return apperr.NotFound("payer", p.ID)
	}
	p.UpdatedAt = time.Now()
	cp := *p
	m.items[p.ID] = &cp
	return nil
}

func (m *mockPayerRepo) List(_ context.Context, f PayerFilter) ([]*Payer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Payer
	for _, p := range m.items {
		if f.IsActive != nil && p.IsActive != *f.IsActive {
			continue
		}
		if f.PayerType != nil && p.PayerType != *f.PayerType {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

type mockRuleRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*Rule
	lists int
	fail  error
}

func newMockRuleRepo() *mockRuleRepo {
	return &mockRuleRepo{items: make(map[uuid.UUID]*Rule)}
}

func (m *mockRuleRepo) Create(_ context.Context, r *Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	r.ID = uuid.New()
	r.CreatedAt = time.Now()
	r.UpdatedAt = r.CreatedAt
	cp := *r
	m.items[r.ID] = &cp
	return nil
}

func (m *mockRuleRepo) GetByID(_ context.Context, id uuid.UUID) (*Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.items[id]
	if !ok {
		return nil, apperr.NotFound("payer rule", id)
	}
	cp := *r
	return &cp, nil
}

func (m *mockRuleRepo) Update(_ context.Context, r *Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[r.ID]; !ok {
		return apperr.NotFound("payer rule", r.ID)
	}
	r.UpdatedAt = time.Now()
	cp := *r
	m.items[r.ID] = &cp
	return nil
}

func (m *mockRuleRepo) List(_ context.Context, f RuleFilter) ([]*Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists++
	var out []*Rule
	for _, r := range m.items {
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

func (m *mockRuleRepo) DeactivateByPayer(_ context.Context, payerID uuid.UUID) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uuid.UUID
	for _, r := range m.items {
		if r.PayerID == payerID && r.IsActive {
			r.IsActive = false
			ids = append(ids, r.ID)
		}
	}
	return ids, nil
}

// put stores r as-is, bypassing service validation, to seed bad data.
func (m *mockRuleRepo) put(r *Rule) *Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	cp := *r
	m.items[r.ID] = &cp
	return r
}

type mockAuditRepo struct {
	mu      sync.Mutex
	entries []*AuditEntry
}

func (m *mockAuditRepo) Record(_ context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = uuid.New()
	e.CreatedAt = time.Now()
	m.entries = append(m.entries, e)
	return nil
}

func (m *mockAuditRepo) ListForEntity(_ context.Context, entityType string, id uuid.UUID) ([]*AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*AuditEntry
	for _, e := range m.entries {
		if e.EntityType == entityType && e.EntityID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockAuditRepo) count(action string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.Action == action {
			n++
		}
	}
	return n
}

// memStore is an in-memory cache.Store.
type memStore struct {
	mu   sync.Mutex
	data map[string][]*Rule
}

func (s *memStore) Get(_ context.Context, key string, dst interface{}) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if ok {
		*(dst.(*[]*Rule)) = v
	}
	return ok, nil
}

func (s *memStore) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		s.data = map[string][]*Rule{}
	}
	s.data[key] = value.([]*Rule)
	return nil
}

func (s *memStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.data, k)
	}
	return nil
}

func noTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

type fixture struct {
	payers *mockPayerRepo
	rules  *mockRuleRepo
	audit  *mockAuditRepo
	svc    *Service
}

func newFixture() *fixture {
	f := &fixture{payers: newMockPayerRepo(), rules: newMockRuleRepo(), audit: &mockAuditRepo{}}
	f.svc = NewService(f.payers, f.rules, f.audit, zerolog.Nop())
	f.svc.SetTxRunner(noTx)
	return f
}

func (f *fixture) payer(name string) *Payer {
	p, err := f.svc.CreatePayer(context.Background(), PayerInput{Name: name, PayerType: string(PayerCommercial)}, "admin-1")
	if err != nil {
		panic(err)
	}
	return p
}

func date(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func intPtr(i int) *int       { return &i }
func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }
