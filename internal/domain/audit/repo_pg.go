package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vitalred/triage/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const entryCols = `id, request_id, actor_id, actor_name, actor_role, action, description,
	before, after, ip_address, user_agent, metadata, occurred_at`

func (r *repoPG) Insert(ctx context.Context, e *Entry) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO audit_entries (`+entryCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		e.ID, e.RequestID, e.ActorID, e.ActorName, e.ActorRole, e.Action, e.Description,
		nullJSON(e.Before), nullJSON(e.After), e.IPAddress, e.UserAgent, nullJSON(e.Metadata), e.OccurredAt)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (r *repoPG) Query(ctx context.Context, f Filter, limit, offset int) ([]*Entry, int, error) {
	q := db.NewQuery("audit_entries", entryCols).
		Eq("action", f.Action).
		Between("occurred_at", f.From, f.To).
		OrderBy("occurred_at DESC, id")
	if f.RequestID != nil {
		q.Where("request_id = ?", *f.RequestID)
	}
	if f.ActorID != nil {
		q.Where("actor_id = ?", *f.ActorID)
	}

	conn := db.Conn(ctx, r.pool)
	countSQL, countArgs := q.CountSQL()
	var total int
	if err := conn.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit entries: %w", err)
	}
	dataSQL, dataArgs := q.DataSQL(limit, offset)
	rows, err := conn.Query(ctx, dataSQL, dataArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("query audit entries: %w", err)
	}
	entries, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[Entry])
	if err != nil {
		return nil, 0, fmt.Errorf("scan audit entry: %w", err)
	}
	return entries, total, nil
}

// nullJSON stores empty documents as SQL NULL rather than an invalid jsonb.
func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
