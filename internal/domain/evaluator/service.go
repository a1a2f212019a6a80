package evaluator

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/vitalred/triage/internal/domain/audit"
	"github.com/vitalred/triage/internal/platform/auth"
)

// AuditSink records administrative user changes without failing them.
type AuditSink interface {
	RecordBestEffort(ctx context.Context, e audit.Entry)
}

type Service struct {
	repo  Repository
	audit AuditSink
}

func NewService(repo Repository, sink AuditSink) *Service {
	return &Service{repo: repo, audit: sink}
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*User, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, f ListFilter, limit, offset int) ([]*User, int, error) {
	return s.repo.List(ctx, f, limit, offset)
}

// Recipients returns the union of active physicians of specialty and all
// active administrators, without duplicates, physicians first.
func (s *Service) Recipients(ctx context.Context, specialty string) ([]*User, error) {
	var out []*User
	if specialty != "" {
		docs, err := s.repo.ListActiveBySpecialty(ctx, specialty)
		if err != nil {
			return nil, err
		}
		out = append(out, docs...)
	}
	admins, err := s.repo.ListActiveAdmins(ctx)
	if err != nil {
		return nil, err
	}
	return dedupe(append(out, admins...)), nil
}

func (s *Service) Admins(ctx context.Context) ([]*User, error) {
	return s.repo.ListActiveAdmins(ctx)
}

func (s *Service) RecordEvaluation(ctx context.Context, id uuid.UUID, decision string) error {
	return s.repo.RecordEvaluation(ctx, id, decision, nowFn())
}

func (s *Service) UpdatePreferences(ctx context.Context, id uuid.UUID, p Preferences) (*User, error) {
	if p.Phone != nil && *p.Phone != "" && !validPhone(*p.Phone) {
		return nil, fmt.Errorf("%w %q: use E.164 format", ErrInvalidPhone, *p.Phone)
	}
	if err := s.repo.UpdatePreferences(ctx, id, p); err != nil {
		return nil, err
	}
	return s.repo.GetByID(ctx, id)
}

// Create registers an evaluator. Users are active unless in.Active says
// otherwise.
func (s *Service) Create(ctx context.Context, in NewUser) (*User, error) {
	u := &User{
		ID:          uuid.New(),
		Name:        strings.TrimSpace(in.Name),
		Email:       strings.ToLower(strings.TrimSpace(in.Email)),
		Phone:       blankToNil(in.Phone),
		Role:        in.Role,
		Active:      in.Active == nil || *in.Active,
		Specialties: cleanSpecialties(in.Specialties),
	}
	var problems []string
	if _, err := mail.ParseAddress(u.Email); err != nil || u.Email == "" {
		problems = append(problems, "email is not a valid address")
	}
	problems = append(problems, profileProblems(u)...)
	if len(problems) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidUser, strings.Join(problems, "; "))
	}
	if u.Phone != nil && !validPhone(*u.Phone) {
		return nil, fmt.Errorf("%w %q: use E.164 format", ErrInvalidPhone, *u.Phone)
	}
	if err := s.repo.Create(ctx, u); err != nil {
		return nil, err
	}
	s.audit.RecordBestEffort(ctx, audit.Entry{
		Action:      audit.ActionUserCreated,
		Description: fmt.Sprintf("Evaluator %s (%s) created", u.Email, u.Role),
		After:       audit.Snapshot(u.snapshot()),
	})
	return u, nil
}

// UpdateProfile applies an administrator's change to an evaluator and records
// the before and after views.
func (s *Service) UpdateProfile(ctx context.Context, id uuid.UUID, in UserUpdate) (*User, error) {
	u, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	before := u.snapshot()
	if in.Name != nil {
		u.Name = strings.TrimSpace(*in.Name)
	}
	if in.Phone != nil {
		u.Phone = blankToNil(in.Phone)
	}
	if in.Role != nil {
		u.Role = *in.Role
	}
	if in.Specialties != nil {
		u.Specialties = cleanSpecialties(*in.Specialties)
	}
	if in.Active != nil {
		u.Active = *in.Active
	}
	if problems := profileProblems(u); len(problems) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidUser, strings.Join(problems, "; "))
	}
	if in.Phone != nil && u.Phone != nil && !validPhone(*u.Phone) {
		return nil, fmt.Errorf("%w %q: use E.164 format", ErrInvalidPhone, *u.Phone)
	}
	if err := s.repo.UpdateProfile(ctx, u); err != nil {
		return nil, err
	}
	s.audit.RecordBestEffort(ctx, audit.Entry{
		Action:      audit.ActionUserUpdated,
		Description: describeChange(before, u.snapshot()),
		Before:      audit.Snapshot(before),
		After:       audit.Snapshot(u.snapshot()),
	})
	return u, nil
}

func profileProblems(u *User) []string {
	var problems []string
	if u.Name == "" {
		problems = append(problems, "name is required")
	}
	if u.Role != auth.RoleMedico && u.Role != auth.RoleAdministrador {
		problems = append(problems, "role must be medico or administrador")
	}
	if u.Role == auth.RoleMedico && len(u.Specialties) == 0 {
		problems = append(problems, "physicians need at least one specialty")
	}
	return problems
}

// cleanSpecialties trims names and drops blanks and case- or accent-folded
// duplicates, keeping the first spelling.
func cleanSpecialties(in []string) []string {
	out := lo.Map(in, func(s string, _ int) string { return strings.TrimSpace(s) })
	out = lo.Filter(out, func(s string, _ int) bool { return s != "" })
	return lo.UniqBy(out, NormalizeSpecialty)
}

func blankToNil(p *string) *string {
	if p == nil || strings.TrimSpace(*p) == "" {
		return nil
	}
	v := strings.TrimSpace(*p)
	return &v
}

func describeChange(before, after auditView) string {
	var changed []string
	if before.Name != after.Name {
		changed = append(changed, "name")
	}
	if before.Role != after.Role {
		changed = append(changed, fmt.Sprintf("role %s -> %s", before.Role, after.Role))
	}
	if before.Active != after.Active {
		changed = append(changed, fmt.Sprintf("active %t -> %t", before.Active, after.Active))
	}
	if strings.Join(before.Specialties, ",") != strings.Join(after.Specialties, ",") {
		changed = append(changed, "specialties")
	}
	if len(changed) == 0 {
		return fmt.Sprintf("Evaluator %s updated", after.Email)
	}
	return fmt.Sprintf("Evaluator %s updated: %s", after.Email, strings.Join(changed, ", "))
}
