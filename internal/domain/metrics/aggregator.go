// Package metrics keeps the dashboard figures: gauges captured every few
// minutes and daily, weekly and monthly rollups.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/vitalred/triage/internal/domain/referral"
	"github.com/vitalred/triage/internal/platform/eventbus"
	"github.com/vitalred/triage/internal/platform/websocket"
)

// Dashboard pushes gauge refreshes to connected clients.
type Dashboard interface {
	Publish(ctx context.Context, topic string, ev websocket.Event) (int, error)
}

type Config struct {
	UrgentThreshold int
	// CloseAfter is how long past midnight a day is considered closed.
	CloseAfter time.Duration
	Location   *time.Location
	// MaxCatchUp caps the snapshots stored per period in one rollup run.
	MaxCatchUp int
}

func DefaultConfig() Config {
	return Config{UrgentThreshold: 80, CloseAfter: time.Hour, Location: time.UTC, MaxCatchUp: 400}
}

type Aggregator struct {
	repo      Repository
	dashboard Dashboard
	cfg       Config
	logger    zerolog.Logger
	nowFn     func() time.Time

	gauges      *prometheus.GaugeVec
	evaluations *prometheus.CounterVec
}

// NewAggregator builds an aggregator. dashboard may be nil.
func NewAggregator(repo Repository, dashboard Dashboard, cfg Config, logger zerolog.Logger) *Aggregator {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Aggregator{
		repo:      repo,
		dashboard: dashboard,
		cfg:       cfg,
		logger:    logger.With().Str("component", "metrics").Logger(),
		nowFn:     time.Now,
		gauges: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "triage",
			Name:      "cases",
			Help:      "Dashboard gauges from the last capture.",
		}, []string{"gauge"}),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "triage",
			Name:      "evaluations_total",
			Help:      "Recorded evaluation decisions.",
		}, []string{"decision"}),
	}
}

func (a *Aggregator) Collectors() []prometheus.Collector {
	return []prometheus.Collector{a.gauges, a.evaluations}
}

func (a *Aggregator) startOfDay(t time.Time) time.Time {
	t = t.In(a.cfg.Location)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, a.cfg.Location)
}

// CaptureGauges stores one row per gauge, updates the Prometheus gauges and
// pushes the refresh to the dashboard topic.
func (a *Aggregator) CaptureGauges(ctx context.Context) ([]Gauge, error) {
	now := a.nowFn()
	counts, err := a.repo.Counts(ctx, a.startOfDay(now))
	if err != nil {
		return nil, err
	}
	gauges := lo.Map(GaugeNames, func(name string, _ int) Gauge {
		return Gauge{Name: name, Value: counts[name], CapturedAt: now.UTC()}
	})
	if err := a.repo.InsertGauges(ctx, gauges); err != nil {
		return nil, err
	}
	for _, g := range gauges {
		a.gauges.WithLabelValues(g.Name).Set(float64(g.Value))
	}
	a.pushGauges(ctx, gauges, now)
	return gauges, nil
}

func (a *Aggregator) pushGauges(ctx context.Context, gauges []Gauge, at time.Time) {
	if a.dashboard == nil {
		return
	}
	data, err := json.Marshal(gauges)
	if err != nil {
		a.logger.Warn().Err(err).Msg("encode gauges")
		return
	}
	ev := websocket.Event{Type: "metrics.gauges", Timestamp: at.UTC(), Data: data}
	if _, err := a.dashboard.Publish(ctx, websocket.TopicDashboard, ev); err != nil {
		a.logger.Warn().Err(err).Msg("push gauges to dashboard")
	}
}

func (a *Aggregator) LatestGauges(ctx context.Context) ([]Gauge, error) {
	return a.repo.LatestGauges(ctx)
}

// PeriodBounds returns the [start, end) window of the period containing day.
// Weeks are ISO weeks starting Monday.
func PeriodBounds(period string, day time.Time) (time.Time, time.Time, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	switch period {
	case PeriodDaily:
		return start, start.AddDate(0, 0, 1), nil
	case PeriodWeekly:
		offset := (int(start.Weekday()) + 6) % 7
		start = start.AddDate(0, 0, -offset)
		return start, start.AddDate(0, 0, 7), nil
	case PeriodMonthly:
		start = time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, start.Location())
		return start, start.AddDate(0, 1, 0), nil
	}
	return time.Time{}, time.Time{}, ErrInvalidPeriod
}

// Snapshot builds and stores the rollup of the period containing day,
// replacing any earlier one.
func (a *Aggregator) Snapshot(ctx context.Context, period string, day time.Time) (*Snapshot, error) {
	start, end, err := PeriodBounds(period, day.In(a.cfg.Location))
	if err != nil {
		return nil, err
	}
	received, err := a.repo.ReceivedBetween(ctx, start, end)
	if err != nil {
		return nil, err
	}
	evaluated, err := a.repo.EvaluatedBetween(ctx, start, end)
	if err != nil {
		return nil, err
	}
	s := Build(period, start, received, evaluated, a.cfg.UrgentThreshold)
	s.CreatedAt = a.nowFn().UTC()
	if err := a.repo.UpsertSnapshot(ctx, s); err != nil {
		return nil, err
	}
	a.logger.Info().Str("period", period).Time("snapshot_date", start).
		Int("received", s.TotalReceived).Int("evaluated", s.TotalEvaluated).
		Str("avg_response_hours", s.AvgResponseHours.StringFixed(2)).Msg("snapshot stored")
	return s, nil
}

// Rollup stores every closed period that has no snapshot yet, oldest first.
// Each period resumes after its latest stored snapshot; with none stored it
// starts at the first received request, or at the last closed period when
// there are no requests.
func (a *Aggregator) Rollup(ctx context.Context) ([]*Snapshot, error) {
	now := a.nowFn().In(a.cfg.Location)
	today := a.startOfDay(now)
	if now.Sub(today) < a.cfg.CloseAfter {
		// Yesterday is not closed yet; late evaluations may still land.
		today = today.AddDate(0, 0, -1)
	}
	weekStart, _, _ := PeriodBounds(PeriodWeekly, today)
	monthStart, _, _ := PeriodBounds(PeriodMonthly, today)
	lastClosed := map[string]time.Time{
		PeriodDaily:   today.AddDate(0, 0, -1),
		PeriodWeekly:  weekStart.AddDate(0, 0, -7),
		PeriodMonthly: monthStart.AddDate(0, -1, 0),
	}

	first, err := a.repo.FirstReceivedAt(ctx)
	if err != nil {
		return nil, err
	}

	var stored []*Snapshot
	for _, period := range []string{PeriodDaily, PeriodWeekly, PeriodMonthly} {
		last := lastClosed[period]
		from, err := a.catchUpFrom(ctx, period, first, last)
		if err != nil {
			return stored, err
		}
		n := 0
		for day := from; !day.After(last); day = nextPeriod(period, day) {
			if n >= a.cfg.MaxCatchUp {
				a.logger.Warn().Str("period", period).Time("resume_at", day).Msg("rollup catch-up capped")
				break
			}
			exists, err := a.repo.SnapshotExists(ctx, period, day)
			if err != nil {
				return stored, fmt.Errorf("check %s snapshot: %w", period, err)
			}
			if exists {
				continue
			}
			s, err := a.Snapshot(ctx, period, day)
			if err != nil {
				return stored, err
			}
			stored = append(stored, s)
			n++
		}
	}
	return stored, nil
}

// catchUpFrom returns the start of the first period Rollup should consider.
func (a *Aggregator) catchUpFrom(ctx context.Context, period string, first *time.Time, last time.Time) (time.Time, error) {
	latest, err := a.repo.LatestSnapshotDate(ctx, period)
	if err != nil {
		return time.Time{}, err
	}
	if latest != nil {
		// DATE columns come back as UTC midnight.
		d := latest.UTC()
		return nextPeriod(period, time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, a.cfg.Location)), nil
	}
	if first == nil {
		return last, nil
	}
	start, _, err := PeriodBounds(period, first.In(a.cfg.Location))
	if err != nil {
		return time.Time{}, err
	}
	if start.After(last) {
		return last, nil
	}
	return start, nil
}

func nextPeriod(period string, start time.Time) time.Time {
	switch period {
	case PeriodWeekly:
		return start.AddDate(0, 0, 7)
	case PeriodMonthly:
		return start.AddDate(0, 1, 0)
	}
	return start.AddDate(0, 0, 1)
}

// Build computes a rollup from the requests received and evaluated in the
// period.
func Build(period string, start time.Time, received, evaluated []Fact, urgentThreshold int) *Snapshot {
	decisions := lo.CountValuesBy(evaluated, func(f Fact) string { return lo.FromPtr(f.Decision) })
	s := &Snapshot{
		ID:             uuid.New(),
		SnapshotDate:   start,
		Period:         period,
		TotalReceived:  len(received),
		TotalEvaluated: len(evaluated),
		Accepted:       decisions[referral.DecisionAccept],
		Rejected:       decisions[referral.DecisionReject],
		InfoRequested:  decisions[referral.DecisionRequestInfo],
		UrgentCases: lo.CountBy(received, func(f Fact) bool {
			return f.UrgencyScore >= urgentThreshold
		}),
		AvgResponseHours: AverageResponseHours(evaluated),
		BySpecialty:      lo.CountValuesBy(received, func(f Fact) string { return f.Specialty }),
		ByInstitution:    lo.CountValuesBy(received, func(f Fact) string { return f.Institution }),
		ByEvaluator: lo.CountValuesBy(evaluated, func(f Fact) string {
			return lo.FromPtrOr(f.EvaluatorName, "unassigned")
		}),
	}
	return s
}

// AverageResponseHours is the mean of evaluated_at - received_at in hours,
// rounded to two decimals. Facts without an evaluation time are ignored.
func AverageResponseHours(facts []Fact) decimal.Decimal {
	done := lo.Filter(facts, func(f Fact, _ int) bool {
		return f.EvaluatedAt != nil && !f.EvaluatedAt.Before(f.ReceivedAt)
	})
	if len(done) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, f := range done {
		sum = sum.Add(decimal.NewFromInt(int64(f.EvaluatedAt.Sub(f.ReceivedAt) / time.Second)))
	}
	return sum.Div(decimal.NewFromInt(int64(len(done)) * 3600)).Round(2)
}

func (a *Aggregator) ListSnapshots(ctx context.Context, f SnapshotFilter, limit, offset int) ([]*Snapshot, int, error) {
	if f.Period != "" && !ValidPeriod(f.Period) {
		return nil, 0, ErrInvalidPeriod
	}
	return a.repo.ListSnapshots(ctx, f, limit, offset)
}

// Subscribe counts evaluation decisions from the event stream.
func (a *Aggregator) Subscribe(bus eventbus.Bus) error {
	return bus.Subscribe(referral.TopicRequestEvaluated, "metrics", func(_ context.Context, env eventbus.Envelope) error {
		var ev referral.RequestEvaluated
		if err := env.Decode(&ev); err != nil {
			a.logger.Error().Err(err).Str("event_id", env.ID).Msg("drop undecodable event")
			return nil
		}
		a.evaluations.WithLabelValues(ev.Decision).Inc()
		return nil
	})
}
