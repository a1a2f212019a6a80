package metrics

import (
	"context"
	"time"
)

type Repository interface {
	// Counts returns the current value of every gauge. dayStart bounds the
	// "today" gauges.
	Counts(ctx context.Context, dayStart time.Time) (map[string]int64, error)
	InsertGauges(ctx context.Context, gauges []Gauge) error
	LatestGauges(ctx context.Context) ([]Gauge, error)
	// ReceivedBetween and EvaluatedBetween use half-open [from, to) windows.
	ReceivedBetween(ctx context.Context, from, to time.Time) ([]Fact, error)
	EvaluatedBetween(ctx context.Context, from, to time.Time) ([]Fact, error)
	SnapshotExists(ctx context.Context, period string, date time.Time) (bool, error)
	// LatestSnapshotDate and FirstReceivedAt return nil when there is none.
	LatestSnapshotDate(ctx context.Context, period string) (*time.Time, error)
	FirstReceivedAt(ctx context.Context) (*time.Time, error)
	UpsertSnapshot(ctx context.Context, s *Snapshot) error
	ListSnapshots(ctx context.Context, f SnapshotFilter, limit, offset int) ([]*Snapshot, int, error)
}
