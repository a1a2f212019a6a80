package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	// Insert stores n unless a notification with the same request,
	// recipient and event key exists. It reports whether a row was written.
	Insert(ctx context.Context, n *Notification) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Notification, error)
	// SaveDelivery persists the delivery bookkeeping fields of n.
	SaveDelivery(ctx context.Context, n *Notification) error
	// ListDue returns pending notifications whose retry time has come.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Notification, error)
	ListForRecipient(ctx context.Context, recipientID uuid.UUID, unreadOnly bool, limit, offset int) ([]*Notification, int, error)
	MarkRead(ctx context.Context, id uuid.UUID, at time.Time) error
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
