package billinghold

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mentalspace/ehr-billing/internal/platform/apperr"
	"github.com/mentalspace/ehr-billing/internal/platform/events"
)

// mockRepo enforces the one-open-hold-per-reason constraint under its mutex,
// standing in for the partial unique index.
type mockRepo struct {
	mu      sync.Mutex
	holds   map[uuid.UUID]*Hold
	order   []uuid.UUID
	inserts int
	fail    error
}

func newMockRepo() *mockRepo {
	return &mockRepo{holds: make(map[uuid.UUID]*Hold)}
}

func (m *mockRepo) Ensure(_ context.Context, h *Hold) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return false, m.fail
	}
	for _, id := range m.order {
		existing := m.holds[id]
		if existing.ClinicalNoteID == h.ClinicalNoteID && existing.Reason == h.Reason && !existing.IsResolved() {
			*h = *existing
			return false, nil
		}
	}
	h.ID = uuid.New()
	h.CreatedAt = time.Now()
	cp := *h
	m.holds[h.ID] = &cp
	m.order = append(m.order, h.ID)
	m.inserts++
	return true, nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.holds[id]
	if !ok {
		return nil, apperr.NotFound("billing hold", id)
	}
	cp := *h
	return &cp, nil
}

func (m *mockRepo) Resolve(_ context.Context, id uuid.UUID, by string, at time.Time) (*Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.holds[id]
	if !ok {
		return nil, apperr.NotFound("billing hold", id)
	}
	if h.IsResolved() {
		return nil, apperr.Conflict("billing hold %s was already resolved", id)
	}
	h.ResolvedAt, h.ResolvedBy = &at, &by
	cp := *h
	return &cp, nil
}

func (m *mockRepo) ResolveActive(_ context.Context, noteID uuid.UUID, reason Reason, by string, at time.Time) ([]*Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Hold
	for _, id := range m.order {
		h := m.holds[id]
		if h.ClinicalNoteID == noteID && h.Reason == reason && !h.IsResolved() {
			h.ResolvedAt, h.ResolvedBy = &at, &by
			cp := *h
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockRepo) active() []*Hold {
	var out []*Hold
	for _, id := range m.order {
		if h := m.holds[id]; !h.IsResolved() {
			cp := *h
			out = append(out, &cp)
		}
	}
	return out
}

func (m *mockRepo) ListActive(_ context.Context, f Filter) ([]*Hold, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []*Hold
	for _, h := range m.active() {
		if f.ClinicalNoteID != nil && h.ClinicalNoteID != *f.ClinicalNoteID {
			continue
		}
		if f.Reason != nil && h.Reason != *f.Reason {
			continue
		}
		matched = append(matched, h)
	}
	total := len(matched)
	if f.Offset >= total {
		return nil, total, nil
	}
	end := total
	if f.Limit > 0 && f.Offset+f.Limit < end {
		end = f.Offset + f.Limit
	}
	return matched[f.Offset:end], total, nil
}

func (m *mockRepo) CountActive(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active()), nil
}

func (m *mockRepo) CountActiveByReason(context.Context) (map[Reason]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[Reason]int{}
	for _, h := range m.active() {
		out[h.Reason]++
	}
	return out, nil
}

func (m *mockRepo) ListForNote(_ context.Context, noteID uuid.UUID, includeResolved bool) ([]*Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Hold
	for _, id := range m.order {
		h := m.holds[id]
		if h.ClinicalNoteID != noteID || (!includeResolved && h.IsResolved()) {
			continue
		}
		cp := *h
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.HoldEvent
	fail   error
}

func (p *recordingPublisher) Publish(_ context.Context, evt events.HoldEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return p.fail
}

func (p *recordingPublisher) count(kind string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == kind {
			n++
		}
	}
	return n
}
