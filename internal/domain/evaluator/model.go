package evaluator

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vitalred/triage/internal/platform/auth"
)

// User is a physician or administrator who can evaluate referrals.
type User struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	Name             string     `db:"name" json:"name"`
	Email            string     `db:"email" json:"email"`
	Phone            *string    `db:"phone" json:"phone,omitempty"`
	Role             string     `db:"role" json:"role"`
	Active           bool       `db:"active" json:"active"`
	Specialties      []string   `db:"specialties" json:"specialties"`
	PushOptIn        bool       `db:"push_opt_in" json:"push_opt_in"`
	SMSOptIn         bool       `db:"sms_opt_in" json:"sms_opt_in"`
	EvaluationsCount int        `db:"evaluations_count" json:"evaluations_count"`
	AcceptedCount    int        `db:"accepted_count" json:"accepted_count"`
	RejectedCount    int        `db:"rejected_count" json:"rejected_count"`
	ReferredCount    int        `db:"referred_count" json:"referred_count"`
	LastEvaluationAt *time.Time `db:"last_evaluation_at" json:"last_evaluation_at,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

// CanEvaluate reports whether u may hold or evaluate a request.
func (u *User) CanEvaluate() bool {
	return u.Active && (u.Role == auth.RoleMedico || u.Role == auth.RoleAdministrador)
}

func (u *User) IsAdmin() bool { return u.Role == auth.RoleAdministrador }

// HasSpecialty matches case- and accent-insensitively.
func (u *User) HasSpecialty(specialty string) bool {
	want := NormalizeSpecialty(specialty)
	for _, s := range u.Specialties {
		if NormalizeSpecialty(s) == want {
			return true
		}
	}
	return false
}

// PhoneNumber returns the phone or "".
func (u *User) PhoneNumber() string {
	if u.Phone == nil {
		return ""
	}
	return *u.Phone
}

var accentFolder = strings.NewReplacer(
	"á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u", "ü", "u", "ñ", "n",
)

// NormalizeSpecialty folds a specialty name to the form used for matching
// ("Cardiología" -> "cardiologia").
func NormalizeSpecialty(s string) string {
	return accentFolder.Replace(strings.ToLower(strings.TrimSpace(s)))
}

// Preferences are the channel opt-ins a user controls.
type Preferences struct {
	PushOptIn *bool   `json:"push_opt_in"`
	SMSOptIn  *bool   `json:"sms_opt_in"`
	Phone     *string `json:"phone"`
}

// ListFilter narrows List.
type ListFilter struct {
	Role       string
	Specialty  string
	ActiveOnly bool
}

// NewUser is an administrator's request to register an evaluator.
type NewUser struct {
	Name        string   `json:"name"`
	Email       string   `json:"email"`
	Phone       *string  `json:"phone"`
	Role        string   `json:"role"`
	Specialties []string `json:"specialties"`
	Active      *bool    `json:"active"`
}

// UserUpdate changes an evaluator's profile. Nil fields are left as they are.
type UserUpdate struct {
	Name        *string   `json:"name"`
	Phone       *string   `json:"phone"`
	Role        *string   `json:"role"`
	Specialties *[]string `json:"specialties"`
	Active      *bool     `json:"active"`
}

// auditView is the part of a user recorded before and after an admin change.
type auditView struct {
	Name        string   `json:"name"`
	Email       string   `json:"email"`
	Role        string   `json:"role"`
	Active      bool     `json:"active"`
	Specialties []string `json:"specialties"`
}

func (u *User) snapshot() auditView {
	return auditView{Name: u.Name, Email: u.Email, Role: u.Role, Active: u.Active, Specialties: u.Specialties}
}
