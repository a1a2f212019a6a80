package notify

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

const notificationCols = `id, request_id, recipient_id, recipient_email, recipient_phone, recipient_key,
	event_key, type, title, message, payload, state, priority,
	channel_dashboard, channel_email, channel_sms, channel_push,
	email_sent_at, sms_sent_at, push_sent_at, attempts, next_retry_at, last_error,
	sent_at, read_at, created_at`

func (r *repoPG) Insert(ctx context.Context, n *Notification) (bool, error) {
	var payload any
	if len(n.Payload) > 0 {
		payload = string(n.Payload)
	}
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO internal_notifications (`+notificationCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)
		ON CONFLICT (request_id, recipient_key, event_key) DO NOTHING`,
		n.ID, n.RequestID, n.RecipientID, n.RecipientEmail, n.RecipientPhone, n.RecipientKey,
		n.EventKey, n.Type, n.Title, n.Message, payload, n.State, n.Priority,
		n.ChannelDashboard, n.ChannelEmail, n.ChannelSMS, n.ChannelPush,
		n.EmailSentAt, n.SMSSentAt, n.PushSentAt, n.Attempts, n.NextRetryAt, n.LastError,
		n.SentAt, n.ReadAt, n.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert notification: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Notification, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+notificationCols+` FROM internal_notifications WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get notification: %w", err)
	}
	n, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[Notification])
	if db.IsNoRows(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("scan notification: %w", err)
	}
	return n, nil
}

func (r *repoPG) SaveDelivery(ctx context.Context, n *Notification) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE internal_notifications SET
			state = CASE WHEN state = 'read' THEN state ELSE $1 END,
			channel_email = $2, email_sent_at = $3, sms_sent_at = $4, push_sent_at = $5,
			attempts = $6, next_retry_at = $7, last_error = $8, sent_at = $9
		WHERE id = $10`,
		n.State, n.ChannelEmail, n.EmailSentAt, n.SMSSentAt, n.PushSentAt,
		n.Attempts, n.NextRetryAt, n.LastError, n.SentAt, n.ID)
	if err != nil {
		return fmt.Errorf("save notification delivery: %w", err)
	}
	return nil
}

func (r *repoPG) ListDue(ctx context.Context, now time.Time, limit int) ([]*Notification, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+notificationCols+` FROM internal_notifications
		WHERE state = 'pending' AND next_retry_at IS NOT NULL AND next_retry_at <= $1
		ORDER BY next_retry_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due notifications: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[Notification])
	if err != nil {
		return nil, fmt.Errorf("scan notification: %w", err)
	}
	return out, nil
}

func (r *repoPG) ListForRecipient(ctx context.Context, recipientID uuid.UUID, unreadOnly bool, limit, offset int) ([]*Notification, int, error) {
	q := db.NewQuery("internal_notifications", notificationCols).
		Where("recipient_id = ?", recipientID).
		Where("channel_dashboard").
		OrderBy("created_at DESC")
	if unreadOnly {
		q.Where("read_at IS NULL")
	}

	conn := db.Conn(ctx, r.pool)
	countSQL, countArgs := q.CountSQL()
	var total int
	if err := conn.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count notifications: %w", err)
	}
	dataSQL, dataArgs := q.DataSQL(limit, offset)
	rows, err := conn.Query(ctx, dataSQL, dataArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list notifications: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[Notification])
	if err != nil {
		return nil, 0, fmt.Errorf("scan notification: %w", err)
	}
	return out, total, nil
}

func (r *repoPG) MarkRead(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE internal_notifications SET state = 'read', read_at = COALESCE(read_at, $1)
		WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	return nil
}

func (r *repoPG) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`DELETE FROM internal_notifications WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge notifications: %w", err)
	}
	return tag.RowsAffected(), nil
}
