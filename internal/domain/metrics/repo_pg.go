package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vitalred/triage/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) Counts(ctx context.Context, dayStart time.Time) (map[string]int64, error) {
	var total, pending, unclaimed, today, evaluated, evaluators int64
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT
			count(*),
			count(*) FILTER (WHERE state IN ('received', 'in_review', 'pending_info')),
			count(*) FILTER (WHERE state = 'received' AND priority = 'High'),
			count(*) FILTER (WHERE received_at >= $1),
			count(*) FILTER (WHERE evaluated_at >= $1),
			(SELECT count(*) FROM evaluator_users WHERE active)
		FROM medical_requests
		WHERE deleted_at IS NULL`, dayStart).
		Scan(&total, &pending, &unclaimed, &today, &evaluated, &evaluators)
	if err != nil {
		return nil, fmt.Errorf("count gauges: %w", err)
	}
	return map[string]int64{
		GaugeTotalCases:            total,
		GaugePendingCases:          pending,
		GaugeUnclaimedHighPriority: unclaimed,
		GaugeActiveEvaluators:      evaluators,
		GaugeCasesToday:            today,
		GaugeEvaluationsToday:      evaluated,
	}, nil
}

func (r *repoPG) InsertGauges(ctx context.Context, gauges []Gauge) error {
	batch := &pgx.Batch{}
	for _, g := range gauges {
		batch.Queue(`INSERT INTO metric_gauges (name, value, captured_at) VALUES ($1, $2, $3)`,
			g.Name, g.Value, g.CapturedAt)
	}
	if err := db.Conn(ctx, r.pool).SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert gauges: %w", err)
	}
	return nil
}

func (r *repoPG) LatestGauges(ctx context.Context) ([]Gauge, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT DISTINCT ON (name) name, value, captured_at
		FROM metric_gauges
		ORDER BY name, captured_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("latest gauges: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[Gauge])
}

const factCols = `m.id, m.requested_specialty AS specialty, m.sender_institution AS institution,
	m.urgency_score, m.decision, u.name AS evaluator_name, m.received_at, m.evaluated_at`

func (r *repoPG) facts(ctx context.Context, column string, from, to time.Time) ([]Fact, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+factCols+`
		FROM medical_requests m
		LEFT JOIN evaluator_users u ON u.id = m.evaluator_id
		WHERE m.deleted_at IS NULL AND m.`+column+` >= $1 AND m.`+column+` < $2`, from, to)
	if err != nil {
		return nil, fmt.Errorf("query facts by %s: %w", column, err)
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[Fact])
}

func (r *repoPG) ReceivedBetween(ctx context.Context, from, to time.Time) ([]Fact, error) {
	return r.facts(ctx, "received_at", from, to)
}

func (r *repoPG) EvaluatedBetween(ctx context.Context, from, to time.Time) ([]Fact, error) {
	return r.facts(ctx, "evaluated_at", from, to)
}

func (r *repoPG) SnapshotExists(ctx context.Context, period string, date time.Time) (bool, error) {
	var exists bool
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM metric_snapshots WHERE period = $1 AND snapshot_date = $2)`,
		period, date).Scan(&exists)
	return exists, err
}

func (r *repoPG) LatestSnapshotDate(ctx context.Context, period string) (*time.Time, error) {
	var latest *time.Time
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT max(snapshot_date) FROM metric_snapshots WHERE period = $1`, period).Scan(&latest)
	if err != nil {
		return nil, fmt.Errorf("latest %s snapshot: %w", period, err)
	}
	return latest, nil
}

func (r *repoPG) FirstReceivedAt(ctx context.Context) (*time.Time, error) {
	var first *time.Time
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT min(received_at) FROM medical_requests WHERE deleted_at IS NULL`).Scan(&first)
	if err != nil {
		return nil, fmt.Errorf("first received request: %w", err)
	}
	return first, nil
}

const snapshotCols = `id, snapshot_date, period, total_received, total_evaluated, accepted, rejected,
	info_requested, urgent_cases, avg_response_hours, by_specialty, by_institution, by_evaluator, created_at`

func (r *repoPG) UpsertSnapshot(ctx context.Context, s *Snapshot) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO metric_snapshots (`+snapshotCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (snapshot_date, period) DO UPDATE SET
			total_received = EXCLUDED.total_received,
			total_evaluated = EXCLUDED.total_evaluated,
			accepted = EXCLUDED.accepted,
			rejected = EXCLUDED.rejected,
			info_requested = EXCLUDED.info_requested,
			urgent_cases = EXCLUDED.urgent_cases,
			avg_response_hours = EXCLUDED.avg_response_hours,
			by_specialty = EXCLUDED.by_specialty,
			by_institution = EXCLUDED.by_institution,
			by_evaluator = EXCLUDED.by_evaluator,
			created_at = EXCLUDED.created_at`,
		s.ID, s.SnapshotDate, s.Period, s.TotalReceived, s.TotalEvaluated, s.Accepted, s.Rejected,
		s.InfoRequested, s.UrgentCases, s.AvgResponseHours, s.BySpecialty, s.ByInstitution, s.ByEvaluator,
		s.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert %s snapshot: %w", s.Period, err)
	}
	return nil
}

func (r *repoPG) ListSnapshots(ctx context.Context, f SnapshotFilter, limit, offset int) ([]*Snapshot, int, error) {
	q := db.NewQuery("metric_snapshots", snapshotCols).
		Eq("period", f.Period).
		Between("snapshot_date", f.From, f.To).
		OrderBy("snapshot_date DESC, period")

	conn := db.Conn(ctx, r.pool)
	countSQL, countArgs := q.CountSQL()
	var total int
	if err := conn.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count snapshots: %w", err)
	}
	dataSQL, dataArgs := q.DataSQL(limit, offset)
	rows, err := conn.Query(ctx, dataSQL, dataArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("query snapshots: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[Snapshot])
	if err != nil {
		return nil, 0, fmt.Errorf("scan snapshot: %w", err)
	}
	return out, total, nil
}
