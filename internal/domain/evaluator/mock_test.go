package evaluator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vitalred/triage/internal/domain/audit"
)

type mockRepo struct {
	mu    sync.Mutex
	users map[uuid.UUID]*User
}

func newMockRepo(users ...*User) *mockRepo {
	m := &mockRepo{users: make(map[uuid.UUID]*User)}
	for _, u := range users {
		m.users[u.ID] = u
	}
	return m
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *mockRepo) List(_ context.Context, f ListFilter, limit, offset int) ([]*User, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*User
	for _, u := range m.users {
		if f.Role != "" && u.Role != f.Role {
			continue
		}
		if f.ActiveOnly && !u.Active {
			continue
		}
		if f.Specialty != "" && !u.HasSpecialty(f.Specialty) {
			continue
		}
		out = append(out, u)
	}
	return out, len(out), nil
}

func (m *mockRepo) ListActiveBySpecialty(_ context.Context, specialty string) ([]*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*User
	for _, u := range m.users {
		if u.Active && u.Role == "medico" && u.HasSpecialty(specialty) {
			out = append(out, u)
		}
	}
	return out, nil
}

func (m *mockRepo) ListActiveAdmins(_ context.Context) ([]*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*User
	for _, u := range m.users {
		if u.Active && u.Role == "administrador" {
			out = append(out, u)
		}
	}
	return out, nil
}

func (m *mockRepo) RecordEvaluation(_ context.Context, id uuid.UUID, decision string, at time.Time) error {
	col, err := counterColumn(decision)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.EvaluationsCount++
	switch col {
	case "accepted_count":
		u.AcceptedCount++
	case "rejected_count":
		u.RejectedCount++
	case "referred_count":
		u.ReferredCount++
	}
	u.LastEvaluationAt = &at
	return nil
}

func (m *mockRepo) UpdatePreferences(_ context.Context, id uuid.UUID, p Preferences) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	if p.PushOptIn != nil {
		u.PushOptIn = *p.PushOptIn
	}
	if p.SMSOptIn != nil {
		u.SMSOptIn = *p.SMSOptIn
	}
	if p.Phone != nil {
		u.Phone = p.Phone
	}
	return nil
}

func (m *mockRepo) Create(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return ErrEmailTaken
		}
	}
	u.CreatedAt, u.UpdatedAt = nowFn(), nowFn()
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *mockRepo) UpdateProfile(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.users[u.ID]
	if !ok {
		return ErrNotFound
	}
	cur.Name, cur.Phone, cur.Role, cur.Specialties, cur.Active = u.Name, u.Phone, u.Role, u.Specialties, u.Active
	u.UpdatedAt = nowFn()
	cur.UpdatedAt = u.UpdatedAt
	return nil
}

type auditSpy struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (a *auditSpy) RecordBestEffort(_ context.Context, e audit.Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
}

func (a *auditSpy) all() []audit.Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]audit.Entry(nil), a.entries...)
}
