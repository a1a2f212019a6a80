package audit

import (
	"context"
)

// Repository is append-only: there is no update or delete.
type Repository interface {
	Insert(ctx context.Context, e *Entry) error
	Query(ctx context.Context, f Filter, limit, offset int) ([]*Entry, int, error)
}
