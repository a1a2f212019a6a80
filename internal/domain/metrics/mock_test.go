package metrics

import (
	"context"
	"sync"
	"time"
)

type mockRepo struct {
	mu        sync.Mutex
	counts    map[string]int64
	dayStarts []time.Time
	gauges    []Gauge
	facts     []Fact
	snapshots map[string]*Snapshot
	countErr  error
}

func newMockRepo(facts ...Fact) *mockRepo {
	return &mockRepo{facts: facts, snapshots: make(map[string]*Snapshot)}
}

func snapshotKey(period string, date time.Time) string {
	return period + "/" + date.Format("2006-01-02")
}

func (m *mockRepo) Counts(_ context.Context, dayStart time.Time) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dayStarts = append(m.dayStarts, dayStart)
	return m.counts, m.countErr
}

func (m *mockRepo) InsertGauges(_ context.Context, gauges []Gauge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges = append(m.gauges, gauges...)
	return nil
}

func (m *mockRepo) LatestGauges(_ context.Context) ([]Gauge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	latest := make(map[string]Gauge)
	for _, g := range m.gauges {
		if cur, ok := latest[g.Name]; !ok || g.CapturedAt.After(cur.CapturedAt) {
			latest[g.Name] = g
		}
	}
	out := make([]Gauge, 0, len(latest))
	for _, g := range latest {
		out = append(out, g)
	}
	return out, nil
}

func (m *mockRepo) between(at func(Fact) *time.Time, from, to time.Time) []Fact {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Fact
	for _, f := range m.facts {
		t := at(f)
		if t != nil && !t.Before(from) && t.Before(to) {
			out = append(out, f)
		}
	}
	return out
}

func (m *mockRepo) ReceivedBetween(_ context.Context, from, to time.Time) ([]Fact, error) {
	return m.between(func(f Fact) *time.Time { return &f.ReceivedAt }, from, to), nil
}

func (m *mockRepo) EvaluatedBetween(_ context.Context, from, to time.Time) ([]Fact, error) {
	return m.between(func(f Fact) *time.Time { return f.EvaluatedAt }, from, to), nil
}

func (m *mockRepo) SnapshotExists(_ context.Context, period string, date time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.snapshots[snapshotKey(period, date)]
	return ok, nil
}

func (m *mockRepo) LatestSnapshotDate(_ context.Context, period string) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *time.Time
	for _, s := range m.snapshots {
		if s.Period == period && (latest == nil || s.SnapshotDate.After(*latest)) {
			d := s.SnapshotDate
			latest = &d
		}
	}
	return latest, nil
}

func (m *mockRepo) FirstReceivedAt(context.Context) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var first *time.Time
	for _, f := range m.facts {
		if first == nil || f.ReceivedAt.Before(*first) {
			r := f.ReceivedAt
			first = &r
		}
	}
	return first, nil
}

func (m *mockRepo) UpsertSnapshot(_ context.Context, s *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snapshotKey(s.Period, s.SnapshotDate)] = s
	return nil
}

func (m *mockRepo) ListSnapshots(_ context.Context, f SnapshotFilter, limit, offset int) ([]*Snapshot, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Snapshot
	for _, s := range m.snapshots {
		if f.Period != "" && s.Period != f.Period {
			continue
		}
		if f.From != nil && s.SnapshotDate.Before(*f.From) {
			continue
		}
		if f.To != nil && s.SnapshotDate.After(*f.To) {
			continue
		}
		out = append(out, s)
	}
	total := len(out)
	if offset >= total {
		return nil, total, nil
	}
	return out[offset:min(offset+limit, total)], total, nil
}
