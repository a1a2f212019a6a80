package referral

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vitalred/triage/internal/domain/audit"
	"github.com/vitalred/triage/internal/domain/evaluator"
)

// -- repository --

type mockRepo struct {
	mu       sync.Mutex
	requests map[uuid.UUID]*Request
	events   []*OutboxEvent
	// beforeUpdate runs once, before the next Update takes the lock.
	beforeUpdate func()
}

func newMockRepo(reqs ...*Request) *mockRepo {
	m := &mockRepo{requests: make(map[uuid.UUID]*Request)}
	for _, r := range reqs {
		m.requests[r.ID] = r
	}
	return m
}

func (m *mockRepo) Create(_ context.Context, r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.requests {
		if existing.EmailUniqueID == r.EmailUniqueID {
			return fmt.Errorf("%w: %s", ErrDuplicate, r.EmailUniqueID)
		}
	}
	cp := r.clone()
	m.requests[r.ID] = &cp
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := r.clone()
	return &cp, nil
}

func (m *mockRepo) List(_ context.Context, f ListFilter, limit, offset int) ([]*Request, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Request
	for _, r := range m.requests {
		if f.State != "" && r.State != f.State {
			continue
		}
		if f.Priority != "" && r.Priority != f.Priority {
			continue
		}
		if f.EvaluatorID != nil && !r.HasEvaluator(*f.EvaluatorID) {
			continue
		}
		cp := r.clone()
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UrgencyScore > out[j].UrgencyScore })
	total := len(out)
	if offset >= total {
		return nil, total, nil
	}
	return out[offset:min(offset+limit, total)], total, nil
}

func (m *mockRepo) Update(_ context.Context, expectedState string, next *Request) error {
	if hook := m.beforeUpdate; hook != nil {
		m.beforeUpdate = nil
		hook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.requests[next.ID]
	if !ok || cur.State != expectedState || cur.Version != next.Version-1 {
		return errStale
	}
	cp := next.clone()
	m.requests[next.ID] = &cp
	return nil
}

func (m *mockRepo) AppendEvent(_ context.Context, ev *OutboxEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.ID == ev.ID {
			return false, nil
		}
	}
	cp := *ev
	m.events = append(m.events, &cp)
	return true, nil
}

func (m *mockRepo) ListUndelivered(_ context.Context, olderThan time.Time, maxRelays, limit int) ([]*OutboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*OutboxEvent
	for _, e := range m.events {
		last := e.CreatedAt
		if e.RelayedAt != nil {
			last = *e.RelayedAt
		}
		if e.DeliveredAt == nil && !last.After(olderThan) && e.RelayCount < maxRelays && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockRepo) MarkRelayed(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.ID == id {
			e.RelayedAt = &at
			e.RelayCount++
		}
	}
	return nil
}

func (m *mockRepo) MarkDelivered(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.ID == id && e.DeliveredAt == nil {
			e.DeliveredAt = &at
		}
	}
	return nil
}

func (m *mockRepo) ListOverdue(_ context.Context, priority string, cutoff time.Time, limit int) ([]*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Request
	for _, r := range m.requests {
		if r.Priority == priority && r.State == StateReceived && !r.ReceivedAt.After(cutoff) {
			cp := r.clone()
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockRepo) ListAwaitingDecision(_ context.Context, cutoff time.Time, limit int) ([]*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Request
	for _, r := range m.requests {
		if r.State == StateInReview && r.AssignedAt != nil && !r.AssignedAt.After(cutoff) {
			cp := r.clone()
			out = append(out, &cp)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockRepo) eventsOf(kind string) []*OutboxEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*OutboxEvent
	for _, e := range m.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type passTx struct{}

func (passTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

// -- evaluator directory --

type mockDirectory struct {
	mu      sync.Mutex
	users   map[uuid.UUID]*evaluator.User
	credits map[uuid.UUID][]string
}

func newMockDirectory(users ...*evaluator.User) *mockDirectory {
	d := &mockDirectory{users: make(map[uuid.UUID]*evaluator.User), credits: make(map[uuid.UUID][]string)}
	for _, u := range users {
		d.users[u.ID] = u
	}
	return d
}

func (d *mockDirectory) Get(_ context.Context, id uuid.UUID) (*evaluator.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[id]
	if !ok {
		return nil, evaluator.ErrNotFound
	}
	return u, nil
}

func (d *mockDirectory) RecordEvaluation(_ context.Context, id uuid.UUID, decision string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.credits[id] = append(d.credits[id], decision)
	return nil
}

func newUser(role string, active bool) *evaluator.User {
	return &evaluator.User{ID: uuid.New(), Name: role + "-user", Role: role, Active: active}
}

// -- audit and bus --

type auditSpy struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (a *auditSpy) RecordBestEffort(_ context.Context, e audit.Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
}

func (a *auditSpy) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.entries))
	for i, e := range a.entries {
		out[i] = e.Action
	}
	return out
}

type published struct {
	topic   string
	payload any
}

type busSpy struct {
	mu      sync.Mutex
	msgs    []published
	failErr error
}

func (b *busSpy) Publish(_ context.Context, topic string, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failErr != nil {
		return b.failErr
	}
	b.msgs = append(b.msgs, published{topic, payload})
	return nil
}

func (b *busSpy) count(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, m := range b.msgs {
		if m.topic == topic {
			n++
		}
	}
	return n
}

// -- fixtures --

var testNow = time.Date(2026, 6, 3, 14, 0, 0, 0, time.UTC)

type fixture struct {
	svc   *Service
	repo  *mockRepo
	dir   *mockDirectory
	audit *auditSpy
	bus   *busSpy
}

func newFixture(users ...*evaluator.User) *fixture {
	f := &fixture{
		repo:  newMockRepo(),
		dir:   newMockDirectory(users...),
		audit: &auditSpy{},
		bus:   &busSpy{},
	}
	f.svc = NewService(f.repo, passTx{}, f.dir, f.audit, f.bus, nil, DefaultConfig(), zerolog.Nop())
	f.svc.nowFn = func() time.Time { return testNow }
	return f
}

func (f *fixture) seed(state string, evaluatorID *uuid.UUID) *Request {
	r := &Request{
		ID:                 uuid.New(),
		EmailUniqueID:      uuid.NewString(),
		Patient:            Patient{PatientName: "Ana", PatientSurnames: "Rojas"},
		Clinical:           Clinical{Diagnosis: "dolor torácico"},
		RequestedSpecialty: "Cardiología",
		Priority:           PriorityMedium,
		UrgencyScore:       40,
		State:              state,
		EvaluatorID:        evaluatorID,
		ReceivedAt:         testNow.Add(-time.Hour),
		Version:            1,
	}
	if evaluatorID != nil {
		at := testNow.Add(-30 * time.Minute)
		r.AssignedAt = &at
	}
	f.repo.requests[r.ID] = r
	return r
}
