package referral

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vitalred/triage/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const requestCols = `id, email_unique_id,
	sender_institution, sender_physician, sender_email, sender_phone,
	patient_name, patient_surnames, patient_identifier, patient_id_type, patient_age, patient_sex, patient_phone,
	diagnosis, secondary_diagnoses, chief_complaint, current_illness, history, medications,
	heart_rate, respiratory_rate, temperature, systolic_bp, diastolic_bp, oxygen_saturation, glasgow_score, oxygen_requirement,
	requested_specialty, request_type, referral_reason,
	priority, urgency_score, ai_criteria, ai_processed_at,
	state, evaluator_id, decision, evaluator_notes, decided_priority, assigned_at, evaluated_at, completed_at,
	received_at, attachments, extracted_text, processing_metadata,
	version, created_at, updated_at, deleted_at`

const liveOnly = "deleted_at IS NULL"

func (r *repoPG) collect(rows pgx.Rows) ([]*Request, error) {
	out, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[Request])
	if err != nil {
		return nil, fmt.Errorf("scan request: %w", err)
	}
	return out, nil
}

func (r *repoPG) Create(ctx context.Context, req *Request) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO medical_requests (`+requestCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,
			$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32,$33,$34,$35,$36,$37,$38,$39,$40,
			$41,$42,$43,$44,$45,$46,$47,$48,$49,$50)`,
		req.ID, req.EmailUniqueID,
		req.SenderInstitution, req.SenderPhysician, req.SenderEmail, req.SenderPhone,
		req.PatientName, req.PatientSurnames, req.PatientIdentifier, req.PatientIDType, req.PatientAge, req.PatientSex, req.PatientPhone,
		req.Diagnosis, req.SecondaryDiagnoses, req.ChiefComplaint, req.CurrentIllness, req.History, req.Medications,
		req.HeartRate, req.RespiratoryRate, req.Temperature, req.SystolicBP, req.DiastolicBP, req.OxygenSaturation, req.GlasgowScore, req.OxygenRequirement,
		req.RequestedSpecialty, req.RequestType, req.ReferralReason,
		req.Priority, req.UrgencyScore, jsonOrNil(req.AICriteria), req.AIProcessedAt,
		req.State, req.EvaluatorID, req.Decision, req.EvaluatorNotes, req.DecidedPriority, req.AssignedAt, req.EvaluatedAt, req.CompletedAt,
		req.ReceivedAt, req.Attachments, req.ExtractedText, jsonOrNil(req.ProcessingMetadata),
		req.Version, req.CreatedAt, req.UpdatedAt, req.DeletedAt,
	)
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("%w: email %s already ingested", ErrDuplicate, req.EmailUniqueID)
	}
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Request, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+requestCols+` FROM medical_requests WHERE id = $1 AND `+liveOnly, id)
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}
	req, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[Request])
	if db.IsNoRows(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("scan request: %w", err)
	}
	return req, nil
}

func (r *repoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Request, int, error) {
	q := db.NewQuery("medical_requests", requestCols).
		Where(liveOnly).
		Eq("state", f.State).
		Eq("priority", f.Priority).
		OrderBy("urgency_score DESC, received_at ASC")
	if f.Specialty != "" {
		q.Where("translate(lower(trim(requested_specialty)), 'áéíóúüñ', 'aeiouun') = translate(lower(trim(?)), 'áéíóúüñ', 'aeiouun')", f.Specialty)
	}
	if f.EvaluatorID != nil {
		q.Where("evaluator_id = ?", *f.EvaluatorID)
	}

	conn := db.Conn(ctx, r.pool)
	countSQL, countArgs := q.CountSQL()
	var total int
	if err := conn.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count requests: %w", err)
	}
	dataSQL, dataArgs := q.DataSQL(limit, offset)
	rows, err := conn.Query(ctx, dataSQL, dataArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list requests: %w", err)
	}
	items, err := r.collect(rows)
	return items, total, err
}

func (r *repoPG) Update(ctx context.Context, expectedState string, next *Request) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE medical_requests SET
			state = $1, evaluator_id = $2, decision = $3, evaluator_notes = $4,
			decided_priority = $5, assigned_at = $6, evaluated_at = $7, completed_at = $8,
			priority = $9, urgency_score = $10, attachments = $11, version = $12, updated_at = $13
		WHERE id = $14 AND state = $15 AND version = $16 AND `+liveOnly,
		next.State, next.EvaluatorID, next.Decision, next.EvaluatorNotes,
		next.DecidedPriority, next.AssignedAt, next.EvaluatedAt, next.CompletedAt,
		next.Priority, next.UrgencyScore, next.Attachments, next.Version, next.UpdatedAt,
		next.ID, expectedState, next.Version-1,
	)
	if err != nil {
		return fmt.Errorf("update request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errStale
	}
	return nil
}

func (r *repoPG) AppendEvent(ctx context.Context, ev *OutboxEvent) (bool, error) {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO request_events (id, request_id, kind, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.RequestID, ev.Kind, string(ev.Payload), ev.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("append %s event: %w", ev.Kind, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) ListUndelivered(ctx context.Context, olderThan time.Time, maxRelays, limit int) ([]*OutboxEvent, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, request_id, kind, payload, created_at, relayed_at, relay_count, delivered_at
		FROM request_events
		WHERE delivered_at IS NULL AND COALESCE(relayed_at, created_at) <= $1 AND relay_count < $2
		ORDER BY created_at
		LIMIT $3`, olderThan, maxRelays, limit)
	if err != nil {
		return nil, fmt.Errorf("list undelivered events: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[OutboxEvent])
	if err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	return out, nil
}

func (r *repoPG) MarkRelayed(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE request_events SET relayed_at = $1, relay_count = relay_count + 1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("mark event relayed: %w", err)
	}
	return nil
}

func (r *repoPG) MarkDelivered(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE request_events SET delivered_at = $1 WHERE id = $2 AND delivered_at IS NULL`, at, id)
	if err != nil {
		return fmt.Errorf("mark event delivered: %w", err)
	}
	return nil
}

func (r *repoPG) ListOverdue(ctx context.Context, priority string, cutoff time.Time, limit int) ([]*Request, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+requestCols+` FROM medical_requests
		WHERE priority = $1 AND state = $2 AND received_at <= $3 AND `+liveOnly+`
		ORDER BY received_at
		LIMIT $4`, priority, StateReceived, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list overdue requests: %w", err)
	}
	return r.collect(rows)
}

func (r *repoPG) ListAwaitingDecision(ctx context.Context, cutoff time.Time, limit int) ([]*Request, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+requestCols+` FROM medical_requests
		WHERE state = $1 AND assigned_at <= $2 AND `+liveOnly+`
		ORDER BY assigned_at
		LIMIT $3`, StateInReview, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list requests awaiting decision: %w", err)
	}
	return r.collect(rows)
}

func jsonOrNil(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
