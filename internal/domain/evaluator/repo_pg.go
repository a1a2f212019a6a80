package evaluator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vitalred/triage/internal/platform/auth"
	"github.com/vitalred/triage/internal/platform/db"
)

// maxRecipients caps directory fan-out queries.
const maxRecipients = 500

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

// specialtyMatch folds stored specialties the same way NormalizeSpecialty
// does before comparing with the bound value.
const specialtyMatch = `EXISTS (SELECT 1 FROM unnest(specialties) s
	WHERE translate(lower(trim(s)), 'áéíóúüñ', 'aeiouun') = ?)`

const userCols = `id, name, email, phone, role, active, specialties, push_opt_in, sms_opt_in,
	evaluations_count, accepted_count, rejected_count, referred_count, last_evaluation_at,
	created_at, updated_at`

func (r *repoPG) collect(rows pgx.Rows) ([]*User, error) {
	users, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[User])
	if err != nil {
		return nil, fmt.Errorf("scan evaluator: %w", err)
	}
	return users, nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+userCols+` FROM evaluator_users WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get evaluator %s: %w", id, err)
	}
	u, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[User])
	if db.IsNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get evaluator %s: %w", id, err)
	}
	return u, nil
}

func (r *repoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*User, int, error) {
	q := db.NewQuery("evaluator_users", userCols).Eq("role", f.Role).OrderBy("name ASC")
	if f.ActiveOnly {
		q.Where("active")
	}
	if f.Specialty != "" {
		q.Where(specialtyMatch, NormalizeSpecialty(f.Specialty))
	}

	countSQL, countArgs := q.CountSQL()
	var total int
	if err := r.conn(ctx).QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count evaluators: %w", err)
	}
	dataSQL, dataArgs := q.DataSQL(limit, offset)
	rows, err := r.conn(ctx).Query(ctx, dataSQL, dataArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list evaluators: %w", err)
	}
	users, err := r.collect(rows)
	return users, total, err
}

func (r *repoPG) ListActiveBySpecialty(ctx context.Context, specialty string) ([]*User, error) {
	q := db.NewQuery("evaluator_users", userCols).
		Where("active").
		Eq("role", auth.RoleMedico).
		Where(specialtyMatch, NormalizeSpecialty(specialty)).
		OrderBy("name ASC")
	sql, args := q.DataSQL(maxRecipients, 0)
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list evaluators for %s: %w", specialty, err)
	}
	return r.collect(rows)
}

func (r *repoPG) ListActiveAdmins(ctx context.Context) ([]*User, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+userCols+` FROM evaluator_users
		WHERE active AND role = $1 ORDER BY name`, auth.RoleAdministrador)
	if err != nil {
		return nil, fmt.Errorf("list administrators: %w", err)
	}
	return r.collect(rows)
}

// counterColumn maps a decision to the per-outcome counter it bumps.
func counterColumn(decision string) (string, error) {
	switch decision {
	case "accept":
		return "accepted_count", nil
	case "reject":
		return "rejected_count", nil
	case "request_info":
		return "referred_count", nil
	}
	return "", fmt.Errorf("unknown decision %q", decision)
}

func (r *repoPG) RecordEvaluation(ctx context.Context, id uuid.UUID, decision string, at time.Time) error {
	col, err := counterColumn(decision)
	if err != nil {
		return err
	}
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE evaluator_users
		SET evaluations_count = evaluations_count + 1,
			`+col+` = `+col+` + 1,
			last_evaluation_at = $2,
			updated_at = NOW()
		WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("record evaluation for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) UpdatePreferences(ctx context.Context, id uuid.UUID, p Preferences) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE evaluator_users SET
			push_opt_in = COALESCE($2, push_opt_in),
			sms_opt_in = COALESCE($3, sms_opt_in),
			phone = COALESCE($4, phone),
			updated_at = NOW()
		WHERE id = $1`, id, p.PushOptIn, p.SMSOptIn, p.Phone)
	if err != nil {
		return fmt.Errorf("update preferences for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) Create(ctx context.Context, u *User) error {
	err := r.conn(ctx).QueryRow(ctx, `INSERT INTO evaluator_users
			(id, name, email, phone, role, active, specialties)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		u.ID, u.Name, u.Email, u.Phone, u.Role, u.Active, u.Specialties,
	).Scan(&u.CreatedAt, &u.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return ErrEmailTaken
	}
	if err != nil {
		return fmt.Errorf("create evaluator %s: %w", u.Email, err)
	}
	return nil
}

func (r *repoPG) UpdateProfile(ctx context.Context, u *User) error {
	err := r.conn(ctx).QueryRow(ctx, `UPDATE evaluator_users SET
			name = $2, phone = $3, role = $4, specialties = $5, active = $6,
			updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		u.ID, u.Name, u.Phone, u.Role, u.Specialties, u.Active,
	).Scan(&u.UpdatedAt)
	if db.IsNoRows(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update evaluator %s: %w", u.ID, err)
	}
	return nil
}
