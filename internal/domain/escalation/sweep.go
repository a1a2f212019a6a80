// Package escalation re-notifies stakeholders about high-priority referrals
// nobody has claimed within the response window.
package escalation

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/vitalred/triage/internal/domain/audit"
	"github.com/vitalred/triage/internal/domain/notify"
	"github.com/vitalred/triage/internal/domain/referral"
)

// Source lists unclaimed high-priority requests received at or before cutoff.
type Source interface {
	Overdue(ctx context.Context, cutoff time.Time, limit int) ([]*referral.Request, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, event any) (notify.DispatchResult, error)
}

type AuditSink interface {
	RecordBestEffort(ctx context.Context, e audit.Entry)
}

type Config struct {
	// Threshold is how long a high-priority request may stay unclaimed.
	Threshold time.Duration
	Batch     int
}

func DefaultConfig() Config {
	return Config{Threshold: 2 * time.Hour, Batch: 500}
}

// Result summarizes one sweep.
type Result struct {
	Overdue       int                   `json:"overdue"`
	Escalated     int                   `json:"escalated"`
	Notifications notify.DispatchResult `json:"notifications"`
}

// Sweeper is observational: it never changes request state.
type Sweeper struct {
	src    Source
	disp   Dispatcher
	audit  AuditSink
	cfg    Config
	logger zerolog.Logger
	nowFn  func() time.Time

	escalations prometheus.Counter
}

func NewSweeper(src Source, disp Dispatcher, sink AuditSink, cfg Config, logger zerolog.Logger) *Sweeper {
	if cfg.Batch <= 0 {
		cfg.Batch = DefaultConfig().Batch
	}
	return &Sweeper{
		src:    src,
		disp:   disp,
		audit:  sink,
		cfg:    cfg,
		logger: logger.With().Str("job", "escalation").Logger(),
		nowFn:  func() time.Time { return time.Now().UTC() },
		escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "triage",
			Name:      "escalations_total",
			Help:      "Overdue high-priority requests escalated.",
		}),
	}
}

func (s *Sweeper) Collectors() []prometheus.Collector {
	return []prometheus.Collector{s.escalations}
}

// Run escalates every overdue request once. A dispatch failure for one request
// is logged and the sweep moves on.
func (s *Sweeper) Run(ctx context.Context) (Result, error) {
	now := s.nowFn()
	overdue, err := s.src.Overdue(ctx, now.Add(-s.cfg.Threshold), s.cfg.Batch)
	if err != nil {
		return Result{}, fmt.Errorf("list overdue requests: %w", err)
	}

	res := Result{Overdue: len(overdue)}
	for _, r := range overdue {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		hours := HoursOverdue(r.ReceivedAt, now)
		s.logger.Warn().
			Str("request_id", r.ID.String()).
			Str("specialty", r.RequestedSpecialty).
			Int("urgency_score", r.UrgencyScore).
			Int("hours_overdue", hours).
			Msg("overdue urgent case detected")

		ev := referral.UrgentCaseDetected{
			ID:         referral.EscalationEventID(r.ID, hours),
			Request:    referral.SummaryOf(r),
			Escalation: &referral.Escalation{HoursOverdue: hours},
			OccurredAt: now,
		}
		sent, err := s.disp.Dispatch(ctx, ev)
		if err != nil {
			s.logger.Error().Err(err).Str("request_id", r.ID.String()).Msg("escalation dispatch failed")
			continue
		}
		res.Notifications.Add(sent)
		if sent.Attempted == 0 {
			// Already escalated for this hour.
			continue
		}
		res.Escalated++
		s.escalations.Inc()

		id := r.ID
		s.audit.RecordBestEffort(ctx, audit.Entry{
			RequestID:   &id,
			ActorName:   audit.SystemActor,
			ActorRole:   audit.SystemActor,
			Action:      audit.ActionEscalationTriggered,
			Description: fmt.Sprintf("unclaimed %d hours after receipt", hours),
			Metadata: audit.Snapshot(map[string]any{
				"hours_overdue": hours,
				"threshold":     s.cfg.Threshold.String(),
				"notifications": sent,
			}),
		})
	}
	if res.Overdue > 0 {
		s.logger.Info().Int("overdue", res.Overdue).Int("escalated", res.Escalated).
			Int("notifications_sent", res.Notifications.Succeeded).Msg("escalation sweep finished")
	}
	return res, nil
}

// HoursOverdue is whole hours elapsed since receipt.
func HoursOverdue(receivedAt, now time.Time) int {
	if now.Before(receivedAt) {
		return 0
	}
	return int(now.Sub(receivedAt) / time.Hour)
}
