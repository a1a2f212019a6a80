package referral

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	// Create inserts a new request. ErrDuplicate when email_unique_id exists.
	Create(ctx context.Context, r *Request) error
	GetByID(ctx context.Context, id uuid.UUID) (*Request, error)
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Request, int, error)
	// Update writes next only if the stored row still has expectedState and
	// next.Version-1. Returns errStale when nothing matched.
	Update(ctx context.Context, expectedState string, next *Request) error

	// AppendEvent adds an outbox row, in the caller's transaction if any. It
	// reports false when a row with the same id already exists.
	AppendEvent(ctx context.Context, ev *OutboxEvent) (bool, error)
	// ListUndelivered returns undelivered events last sent at or before
	// olderThan and relayed fewer than maxRelays times.
	ListUndelivered(ctx context.Context, olderThan time.Time, maxRelays, limit int) ([]*OutboxEvent, error)
	MarkRelayed(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkDelivered(ctx context.Context, id uuid.UUID, at time.Time) error

	// ListOverdue returns received requests of priority received at or before
	// cutoff, oldest first.
	ListOverdue(ctx context.Context, priority string, cutoff time.Time, limit int) ([]*Request, error)
	// ListAwaitingDecision returns in_review requests assigned at or before
	// cutoff.
	ListAwaitingDecision(ctx context.Context, cutoff time.Time, limit int) ([]*Request, error)
}

// Transactor runs fn in one database transaction.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}
