package notify

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vitalred/triage/internal/domain/audit"
	"github.com/vitalred/triage/internal/domain/evaluator"
	"github.com/vitalred/triage/internal/platform/auth"
	"github.com/vitalred/triage/internal/platform/notification"
	"github.com/vitalred/triage/internal/platform/websocket"
)

var testNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type mockRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*Notification
	keys  map[string]uuid.UUID
}

func newMockRepo() *mockRepo {
	return &mockRepo{items: make(map[uuid.UUID]*Notification), keys: make(map[string]uuid.UUID)}
}

func dedupeKey(n *Notification) string {
	req := ""
	if n.RequestID != nil {
		req = n.RequestID.String()
	}
	return req + "|" + n.RecipientKey + "|" + n.EventKey
}

func (m *mockRepo) Insert(_ context.Context, n *Notification) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := dedupeKey(n)
	if _, ok := m.keys[k]; ok {
		return false, nil
	}
	cp := *n
	m.items[n.ID] = &cp
	m.keys[k] = n.ID
	return true, nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (m *mockRepo) SaveDelivery(_ context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.items[n.ID]
	if !ok {
		return ErrNotFound
	}
	state := n.State
	if cur.State == StateRead {
		state = StateRead
	}
	cp := *n
	cp.State = state
	cp.ReadAt = cur.ReadAt
	m.items[n.ID] = &cp
	return nil
}

func (m *mockRepo) ListDue(_ context.Context, now time.Time, limit int) ([]*Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Notification
	for _, n := range m.items {
		if n.State == StatePending && n.NextRetryAt != nil && !n.NextRetryAt.After(now) {
			cp := *n
			out = append(out, &cp)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockRepo) ListForRecipient(_ context.Context, recipientID uuid.UUID, unreadOnly bool, limit, offset int) ([]*Notification, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Notification
	for _, n := range m.items {
		if n.RecipientID == nil || *n.RecipientID != recipientID || !n.ChannelDashboard {
			continue
		}
		if unreadOnly && n.ReadAt != nil {
			continue
		}
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := len(out)
	if offset >= total {
		return nil, total, nil
	}
	return out[offset:min(offset+limit, total)], total, nil
}

func (m *mockRepo) MarkRead(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	n.State = StateRead
	if n.ReadAt == nil {
		n.ReadAt = &at
	}
	return nil
}

func (m *mockRepo) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, item := range m.items {
		if item.CreatedAt.Before(cutoff) {
			delete(m.items, id)
			delete(m.keys, dedupeKey(item))
			n++
		}
	}
	return n, nil
}

// all returns stored notifications matching keep.
func (m *mockRepo) all(keep func(*Notification) bool) []*Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Notification
	for _, n := range m.items {
		if keep == nil || keep(n) {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out
}

type mockDirectory struct {
	users []*evaluator.User
	err   error
}

func (m *mockDirectory) Get(_ context.Context, id uuid.UUID) (*evaluator.User, error) {
	for _, u := range m.users {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, errors.New("user not found")
}

func (m *mockDirectory) Recipients(_ context.Context, specialty string) ([]*evaluator.User, error) {
	if m.err != nil {
		return nil, m.err
	}
	var docs, admins []*evaluator.User
	for _, u := range m.users {
		switch {
		case !u.Active:
		case u.IsAdmin():
			admins = append(admins, u)
		case u.HasSpecialty(specialty):
			docs = append(docs, u)
		}
	}
	return append(docs, admins...), nil
}

func (m *mockDirectory) Admins(_ context.Context) ([]*evaluator.User, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []*evaluator.User
	for _, u := range m.users {
		if u.Active && u.IsAdmin() {
			out = append(out, u)
		}
	}
	return out, nil
}

type dashboardSpy struct {
	mu     sync.Mutex
	events map[string][]websocket.Event
}

func (d *dashboardSpy) Publish(_ context.Context, topic string, ev websocket.Event) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.events == nil {
		d.events = make(map[string][]websocket.Event)
	}
	d.events[topic] = append(d.events[topic], ev)
	return 1, nil
}

func (d *dashboardSpy) count(userID uuid.UUID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.events[websocket.UserTopic(userID.String())])
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

func newUser(role, email string, specialties ...string) *evaluator.User {
	return &evaluator.User{
		ID:          uuid.New(),
		Name:        "Dr. " + email,
		Email:       email,
		Role:        role,
		Active:      true,
		Specialties: specialties,
	}
}

func withPhone(u *evaluator.User, phone string) *evaluator.User {
	u.Phone = &phone
	u.SMSOptIn = true
	return u
}

type fixture struct {
	d         *Dispatcher
	repo      *mockRepo
	dir       *mockDirectory
	dashboard *dashboardSpy
	email     *notification.MockEmailSender
	sms       *notification.MockSMSSender
	push      *notification.MockPushSender
	audit     *auditSpy
	now       time.Time
}

func newFixture(users ...*evaluator.User) *fixture {
	f := &fixture{
		repo:      newMockRepo(),
		dir:       &mockDirectory{users: users},
		dashboard: &dashboardSpy{},
		email:     &notification.MockEmailSender{FailError: "smtp down"},
		sms:       &notification.MockSMSSender{FailError: "carrier down"},
		push:      &notification.MockPushSender{},
		audit:     &auditSpy{},
		now:       testNow,
	}
	f.d = NewDispatcher(f.repo, f.dir, f.dashboard,
		Channels{Email: f.email, SMS: f.sms, Push: f.push},
		f.audit, DefaultConfig(), zerolog.Nop())
	f.d.nowFn = func() time.Time { return f.now }
	return f
}

func adminUser(email string) *evaluator.User {
	return newUser(auth.RoleAdministrador, email)
}
