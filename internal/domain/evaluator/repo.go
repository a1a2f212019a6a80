package evaluator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound     = errors.New("evaluator not found")
	ErrInvalidPhone = errors.New("invalid phone")
	ErrInvalidUser  = errors.New("invalid evaluator")
	ErrEmailTaken   = errors.New("email already registered")
)

type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*User, int, error)
	// ListActiveBySpecialty returns active physicians covering specialty.
	ListActiveBySpecialty(ctx context.Context, specialty string) ([]*User, error)
	ListActiveAdmins(ctx context.Context) ([]*User, error)
	// RecordEvaluation increments the counters for decision atomically.
	RecordEvaluation(ctx context.Context, id uuid.UUID, decision string, at time.Time) error
	UpdatePreferences(ctx context.Context, id uuid.UUID, p Preferences) error
	// Create inserts u, returning ErrEmailTaken on a duplicate email.
	Create(ctx context.Context, u *User) error
	// UpdateProfile writes u's name, phone, role, specialties and active flag.
	UpdateProfile(ctx context.Context, u *User) error
}
