package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/vitalred/triage/internal/domain/audit"
)

func user(name, role string, active bool, specialties ...string) *User {
	return &User{ID: uuid.New(), Name: name, Email: name + "@hospital.org", Role: role, Active: active, Specialties: specialties}
}

func TestUser_CanEvaluate(t *testing.T) {
	tests := []struct {
		u    *User
		want bool
	}{
		{user("a", "medico", true), true},
		{user("b", "administrador", true), true},
		{user("c", "medico", false), false},
		{user("d", "enfermera", true), false},
	}
	for _, tt := range tests {
		if got := tt.u.CanEvaluate(); got != tt.want {
			t.Errorf("%s/%s active=%v: CanEvaluate = %v", tt.u.Name, tt.u.Role, tt.u.Active, got)
		}
	}
}

func TestUser_HasSpecialty(t *testing.T) {
	u := user("a", "medico", true, "Cardiología", "Medicina Interna")
	for _, s := range []string{"cardiologia", "CARDIOLOGÍA", " cardiología ", "medicina interna"} {
		if !u.HasSpecialty(s) {
			t.Errorf("expected match for %q", s)
		}
	}
	if u.HasSpecialty("neurologia") {
		t.Error("unexpected match for neurologia")
	}
}

func TestService_Recipients(t *testing.T) {
	cardio1 := user("cardio1", "medico", true, "cardiologia")
	cardio2 := user("cardio2", "medico", true, "Cardiología")
	inactive := user("cardio3", "medico", false, "cardiologia")
	neuro := user("neuro", "medico", true, "neurologia")
	admin := user("admin", "administrador", true, "cardiologia")
	svc := NewService(newMockRepo(cardio1, cardio2, inactive, neuro, admin), &auditSpy{})

	got, err := svc.Recipients(context.Background(), "cardiologia")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 recipients (2 cardiologists + 1 admin), got %d", len(got))
	}
	ids := map[uuid.UUID]bool{}
	for _, u := range got {
		if ids[u.ID] {
			t.Errorf("duplicate recipient %s", u.Name)
		}
		ids[u.ID] = true
	}
	if ids[inactive.ID] || ids[neuro.ID] {
		t.Error("inactive or other-specialty physicians included")
	}
}

func TestService_RecipientsDedupesAdminWithSpecialty(t *testing.T) {
	admin := user("admin", "administrador", true, "cardiologia")
	repo := newMockRepo(admin)
	svc := NewService(repo, &auditSpy{})
	got, _ := svc.Recipients(context.Background(), "cardiologia")
	if len(got) != 1 {
		t.Errorf("expected admin once, got %d", len(got))
	}
	if got, _ := svc.Recipients(context.Background(), ""); len(got) != 1 {
		t.Errorf("empty specialty should return admins only")
	}
}

func TestService_RecordEvaluationCounters(t *testing.T) {
	doc := user("doc", "medico", true)
	repo := newMockRepo(doc)
	svc := NewService(repo, &auditSpy{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, d := range []string{"accept", "accept", "reject", "request_info"} {
		wg.Add(1)
		go func(d string) {
			defer wg.Done()
			if err := svc.RecordEvaluation(ctx, doc.ID, d); err != nil {
				t.Error(err)
			}
		}(d)
	}
	wg.Wait()

	got, _ := svc.Get(ctx, doc.ID)
	if got.EvaluationsCount != 4 || got.AcceptedCount != 2 || got.RejectedCount != 1 || got.ReferredCount != 1 {
		t.Errorf("counters = %d/%d/%d/%d", got.EvaluationsCount, got.AcceptedCount, got.RejectedCount, got.ReferredCount)
	}
	if got.LastEvaluationAt == nil {
		t.Error("last_evaluation_at not set")
	}
	if err := svc.RecordEvaluation(ctx, doc.ID, "maybe"); err == nil {
		t.Error("expected error for unknown decision")
	}
}

func TestService_UpdatePreferences(t *testing.T) {
	doc := user("doc", "medico", true)
	svc := NewService(newMockRepo(doc), &auditSpy{})
	ctx := context.Background()
	yes := true

	bad := "3001234567"
	if _, err := svc.UpdatePreferences(ctx, doc.ID, Preferences{Phone: &bad}); !errors.Is(err, ErrInvalidPhone) {
		t.Errorf("expected ErrInvalidPhone, got %v", err)
	}

	good := "+573001234567"
	got, err := svc.UpdatePreferences(ctx, doc.ID, Preferences{SMSOptIn: &yes, Phone: &good})
	if err != nil {
		t.Fatal(err)
	}
	if !got.SMSOptIn || got.PushOptIn || got.PhoneNumber() != good {
		t.Errorf("unexpected prefs %+v", got)
	}

	if _, err := svc.UpdatePreferences(ctx, uuid.New(), Preferences{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestService_CreateValidatesAndAudits(t *testing.T) {
	spy := &auditSpy{}
	repo := newMockRepo()
	svc := NewService(repo, spy)
	ctx := context.Background()

	tests := []struct {
		name string
		in   NewUser
		want error
	}{
		{"bad email", NewUser{Name: "Ana", Email: "ana", Role: "medico", Specialties: []string{"Cardiología"}}, ErrInvalidUser},
		{"unknown role", NewUser{Name: "Ana", Email: "ana@hospital.org", Role: "nurse"}, ErrInvalidUser},
		{"physician without specialty", NewUser{Name: "Ana", Email: "ana@hospital.org", Role: "medico", Specialties: []string{" "}}, ErrInvalidUser},
		{"missing name", NewUser{Email: "ana@hospital.org", Role: "administrador"}, ErrInvalidUser},
		{"bad phone", NewUser{Name: "Ana", Email: "ana@hospital.org", Role: "administrador", Phone: strPtr("555")}, ErrInvalidPhone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Create(ctx, tt.in); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
	if n := len(spy.all()); n != 0 {
		t.Fatalf("rejected input audited %d times", n)
	}

	u, err := svc.Create(ctx, NewUser{
		Name: " Ana ", Email: "Ana@Hospital.org", Role: "medico",
		Specialties: []string{"Cardiología", "cardiologia", " Neurología "},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !u.Active || u.Name != "Ana" || u.Email != "ana@hospital.org" {
		t.Errorf("unexpected user %+v", u)
	}
	if len(u.Specialties) != 2 || u.Specialties[0] != "Cardiología" || u.Specialties[1] != "Neurología" {
		t.Errorf("specialties = %q", u.Specialties)
	}
	if _, err := repo.GetByID(ctx, u.ID); err != nil {
		t.Errorf("user not stored: %v", err)
	}

	entries := spy.all()
	if len(entries) != 1 || entries[0].Action != audit.ActionUserCreated || entries[0].Before != nil {
		t.Fatalf("unexpected audit %+v", entries)
	}
	var after auditView
	json.Unmarshal(entries[0].After, &after)
	if after.Email != u.Email || after.Role != "medico" {
		t.Errorf("after = %+v", after)
	}

	if _, err := svc.Create(ctx, NewUser{Name: "Other", Email: "ana@hospital.org", Role: "administrador"}); !errors.Is(err, ErrEmailTaken) {
		t.Errorf("expected ErrEmailTaken, got %v", err)
	}
}

func TestService_UpdateProfileRecordsBeforeAndAfter(t *testing.T) {
	doc := user("doc", "medico", true, "cardiologia")
	spy := &auditSpy{}
	repo := newMockRepo(doc)
	svc := NewService(repo, spy)
	ctx := context.Background()

	admin := "administrador"
	no := false
	got, err := svc.UpdateProfile(ctx, doc.ID, UserUpdate{Role: &admin, Active: &no})
	if err != nil {
		t.Fatal(err)
	}
	if got.Role != admin || got.Active {
		t.Errorf("unexpected user %+v", got)
	}
	stored, _ := repo.GetByID(ctx, doc.ID)
	if stored.Role != admin || stored.Active || stored.CanEvaluate() {
		t.Errorf("change not stored: %+v", stored)
	}

	entries := spy.all()
	if len(entries) != 1 || entries[0].Action != audit.ActionUserUpdated {
		t.Fatalf("unexpected audit %+v", entries)
	}
	var before, after auditView
	json.Unmarshal(entries[0].Before, &before)
	json.Unmarshal(entries[0].After, &after)
	if before.Role != "medico" || !before.Active || after.Role != admin || after.Active {
		t.Errorf("before = %+v, after = %+v", before, after)
	}
	if !strings.Contains(entries[0].Description, "role medico -> administrador") {
		t.Errorf("description = %q", entries[0].Description)
	}

	medico := "medico"
	empty := []string{}
	if _, err := svc.UpdateProfile(ctx, doc.ID, UserUpdate{Role: &medico, Specialties: &empty}); !errors.Is(err, ErrInvalidUser) {
		t.Errorf("expected ErrInvalidUser, got %v", err)
	}
	if _, err := svc.UpdateProfile(ctx, uuid.New(), UserUpdate{Active: &no}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if n := len(spy.all()); n != 1 {
		t.Errorf("failed updates audited: %d entries", n)
	}
}

func strPtr(s string) *string { return &s }
