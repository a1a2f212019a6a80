package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/vitalred/triage/internal/domain/audit"
	"github.com/vitalred/triage/internal/domain/evaluator"
	"github.com/vitalred/triage/internal/domain/referral"
	"github.com/vitalred/triage/internal/platform/notification"
	"github.com/vitalred/triage/internal/platform/websocket"
)

// Directory resolves recipients.
type Directory interface {
	Get(ctx context.Context, id uuid.UUID) (*evaluator.User, error)
	Recipients(ctx context.Context, specialty string) ([]*evaluator.User, error)
	Admins(ctx context.Context) ([]*evaluator.User, error)
}

// Dashboard pushes live events to connected clients.
type Dashboard interface {
	Publish(ctx context.Context, topic string, ev websocket.Event) (int, error)
}

// AuditSink records dispatches without failing them.
type AuditSink interface {
	RecordBestEffort(ctx context.Context, e audit.Entry)
}

// Channels are the outbound providers. A nil provider disables its channel.
type Channels struct {
	Email notification.EmailSender
	SMS   notification.SMSSender
	Push  notification.PushSender
}

type Config struct {
	UrgentThreshold     int
	SMSThreshold        int
	ChannelTimeout      time.Duration
	MaxAttempts         int
	BackoffBase         time.Duration
	BackoffCap          time.Duration
	Retention           time.Duration
	UrgentEmailsPerHour int
}

func DefaultConfig() Config {
	return Config{
		UrgentThreshold:     80,
		SMSThreshold:        90,
		ChannelTimeout:      10 * time.Second,
		MaxAttempts:         5,
		BackoffBase:         time.Minute,
		BackoffCap:          time.Hour,
		Retention:           30 * 24 * time.Hour,
		UrgentEmailsPerHour: 5,
	}
}

type Dispatcher struct {
	repo      Repository
	dir       Directory
	dashboard Dashboard
	channels  Channels
	audit     AuditSink
	templates *notification.TemplateEngine
	throttle  *notification.Throttle
	cfg       Config
	logger    zerolog.Logger
	nowFn     func() time.Time

	deliveries *prometheus.CounterVec
}

func NewDispatcher(repo Repository, dir Directory, dashboard Dashboard, channels Channels,
	sink AuditSink, cfg Config, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		repo:      repo,
		dir:       dir,
		dashboard: dashboard,
		channels:  channels,
		audit:     sink,
		templates: notification.NewTemplateEngine(),
		throttle:  notification.NewThrottle(cfg.UrgentEmailsPerHour, time.Hour),
		cfg:       cfg,
		logger:    logger.With().Str("component", "notify").Logger(),
		nowFn:     func() time.Time { return time.Now().UTC() },
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "triage",
			Subsystem: "notifications",
			Name:      "deliveries_total",
			Help:      "Channel delivery attempts by channel and outcome.",
		}, []string{"channel", "outcome"}),
	}
}

// Collectors exposes dispatcher metrics for registration.
func (d *Dispatcher) Collectors() []prometheus.Collector {
	return []prometheus.Collector{d.deliveries}
}

// Dispatch fans event out to its recipients. Supported events are
// referral.UrgentCaseDetected, referral.RequestEvaluated and
// referral.FollowUpDue. An error means recipients could not be resolved;
// per-recipient failures are only counted.
func (d *Dispatcher) Dispatch(ctx context.Context, event any) (DispatchResult, error) {
	var (
		plans []*Notification
		err   error
	)
	switch ev := event.(type) {
	case referral.UrgentCaseDetected:
		plans, err = d.planUrgent(ctx, ev)
	case referral.RequestEvaluated:
		plans, err = d.planEvaluated(ctx, ev)
	case referral.FollowUpDue:
		plans, err = d.planFollowUp(ctx, ev)
	default:
		return DispatchResult{}, fmt.Errorf("notify: unsupported event %T", event)
	}
	if err != nil {
		return DispatchResult{}, err
	}
	res := d.send(ctx, plans)
	if len(plans) > 0 && res.Succeeded > 0 {
		d.auditDispatch(ctx, plans[0], res)
	}
	return res, nil
}

// send persists each plan and delivers the ones that were not already
// stored. One recipient's failure never stops the rest.
func (d *Dispatcher) send(ctx context.Context, plans []*Notification) DispatchResult {
	var res DispatchResult
	for _, n := range plans {
		inserted, err := d.repo.Insert(ctx, n)
		if err != nil {
			res.Attempted++
			res.Failed++
			d.logger.Error().Err(err).Str("recipient", n.RecipientKey).Str("type", n.Type).
				Msg("persist notification")
			continue
		}
		if !inserted {
			res.Deduplicated++
			continue
		}
		res.Attempted++
		if d.deliver(ctx, n) {
			res.Succeeded++
		} else {
			res.Failed++
		}
	}
	return res
}

func (d *Dispatcher) auditDispatch(ctx context.Context, sample *Notification, res DispatchResult) {
	if sample.RequestID == nil || d.audit == nil {
		return
	}
	d.audit.RecordBestEffort(ctx, audit.Entry{
		RequestID:   sample.RequestID,
		ActorName:   audit.SystemActor,
		ActorRole:   audit.SystemActor,
		Action:      audit.ActionNotificationSent,
		Description: fmt.Sprintf("%s sent to %d of %d recipients", sample.Type, res.Succeeded, res.Attempted),
		Metadata:    audit.Snapshot(res),
	})
}

func summaryData(s referral.Summary) map[string]string {
	return map[string]string{
		"patient_name": s.PatientName,
		"institution":  s.Institution,
		"specialty":    s.Specialty,
		"diagnosis":    s.Diagnosis,
		"priority":     s.Priority,
		"score":        strconv.Itoa(s.UrgencyScore),
		"notes":        s.EvaluatorNotes,
		"contact_name": s.ContactName,
	}
}

// newNotification renders templateID for one recipient.
func (d *Dispatcher) newNotification(requestID *uuid.UUID, eventKey, templateID string, data map[string]string) (*Notification, error) {
	msg, err := d.templates.Render(templateID, data)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload{Short: msg.Short, Data: data})
	if err != nil {
		return nil, err
	}
	now := d.nowFn()
	// Stored rows are due once the first attempt has had time to finish, so
	// a lost first outcome is picked up by RetryDue.
	due := now.Add(d.inFlightGrace())
	return &Notification{
		ID:          uuid.New(),
		RequestID:   requestID,
		EventKey:    eventKey,
		Type:        notificationType(templateID),
		Title:       msg.Subject,
		Message:     msg.Body,
		Payload:     body,
		State:       StatePending,
		NextRetryAt: &due,
		CreatedAt:   now,
	}, nil
}

// inFlightGrace bounds one delivery attempt: every outbound channel timing
// out in turn, plus a margin.
func (d *Dispatcher) inFlightGrace() time.Duration {
	return d.cfg.ChannelTimeout * 4
}

// notificationType is the stored type for a template. Escalations are
// stored as urgent cases.
func notificationType(templateID string) string {
	if templateID == notification.TemplateUrgentCaseEscalated {
		return notification.TemplateUrgentCase
	}
	return templateID
}

func forUser(n *Notification, u *evaluator.User) *Notification {
	id := u.ID
	n.RecipientID = &id
	n.RecipientKey = u.ID.String()
	n.RecipientEmail = u.Email
	n.RecipientPhone = u.PhoneNumber()
	n.ChannelDashboard = true
	return n
}

func forEmail(n *Notification, addr string) *Notification {
	n.RecipientKey = "email:" + addr
	n.RecipientEmail = addr
	n.ChannelEmail = true
	return n
}

func (d *Dispatcher) planUrgent(ctx context.Context, ev referral.UrgentCaseDetected) ([]*Notification, error) {
	s := ev.Request
	recipients, err := d.dir.Recipients(ctx, s.Specialty)
	if err != nil {
		return nil, fmt.Errorf("resolve urgent recipients: %w", err)
	}

	templateID := notification.TemplateUrgentCase
	eventKey := "urgent_case:" + ev.ID.String()
	data := summaryData(s)
	if ev.Escalation != nil {
		templateID = notification.TemplateUrgentCaseEscalated
		// One escalation per overdue hour however often the sweep runs.
		eventKey = fmt.Sprintf("escalation:%dh", ev.Escalation.HoursOverdue)
		data["hours_overdue"] = strconv.Itoa(ev.Escalation.HoursOverdue)
	}
	priority := PriorityHigh
	if s.UrgencyScore >= d.cfg.SMSThreshold {
		priority = PriorityCritical
	}

	requestID := s.ID
	plans := make([]*Notification, 0, len(recipients))
	for _, u := range recipients {
		n, err := d.newNotification(&requestID, eventKey, templateID, data)
		if err != nil {
			return nil, err
		}
		forUser(n, u)
		n.Priority = priority
		n.ChannelEmail = u.Email != ""
		n.ChannelPush = u.PushOptIn
		n.ChannelSMS = s.UrgencyScore >= d.cfg.SMSThreshold && u.SMSOptIn && u.PhoneNumber() != ""
		plans = append(plans, n)
	}
	return plans, nil
}

var (
	evaluatedTemplates = map[string]string{
		referral.DecisionAccept:      notification.TemplateRequestAccepted,
		referral.DecisionReject:      notification.TemplateRequestRejected,
		referral.DecisionRequestInfo: notification.TemplateInfoRequested,
	}
	outcomeText = map[string]string{
		referral.DecisionReject:      "rechazada",
		referral.DecisionRequestInfo: "devuelta por información adicional",
	}
)

func (d *Dispatcher) planEvaluated(ctx context.Context, ev referral.RequestEvaluated) ([]*Notification, error) {
	s := ev.Request
	templateID, ok := evaluatedTemplates[ev.Decision]
	if !ok {
		return nil, fmt.Errorf("notify: unknown decision %q", ev.Decision)
	}
	data := summaryData(s)
	if u, err := d.dir.Get(ctx, ev.EvaluatorID); err == nil {
		data["evaluator"] = u.Name
	}
	eventKey := "evaluated:" + ev.ID.String()
	requestID := s.ID

	var plans []*Notification
	if outcome, notifyContact := outcomeText[ev.Decision]; notifyContact && s.ContactEmail != "" {
		data := lo.Assign(data, map[string]string{"outcome": outcome})
		n, err := d.newNotification(&requestID, eventKey, notification.TemplateContactOutcome, data)
		if err != nil {
			return nil, err
		}
		n.Type = templateID
		n.Priority = PriorityMedium
		plans = append(plans, forEmail(n, s.ContactEmail))
	}

	if s.UrgencyScore >= d.cfg.UrgentThreshold {
		admins, err := d.dir.Admins(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve administrators: %w", err)
		}
		for _, u := range admins {
			n, err := d.newNotification(&requestID, eventKey, templateID, data)
			if err != nil {
				return nil, err
			}
			forUser(n, u)
			n.ChannelEmail = u.Email != ""
			n.Priority = PriorityHigh
			plans = append(plans, n)
		}
	}
	return plans, nil
}

func (d *Dispatcher) planFollowUp(ctx context.Context, ev referral.FollowUpDue) ([]*Notification, error) {
	s := ev.Request
	if s.EvaluatorID == nil {
		return nil, nil
	}
	u, err := d.dir.Get(ctx, *s.EvaluatorID)
	if err != nil {
		return nil, fmt.Errorf("resolve assigned evaluator: %w", err)
	}
	if !u.Active {
		return nil, nil
	}
	data := summaryData(s)
	data["hours"] = strconv.Itoa(ev.HoursOpen)
	requestID := s.ID
	n, err := d.newNotification(&requestID, "follow_up:"+ev.ID.String(), notification.TemplateEvaluationReminder, data)
	if err != nil {
		return nil, err
	}
	forUser(n, u)
	n.ChannelEmail = u.Email != ""
	n.Priority = PriorityMedium
	return []*Notification{n}, nil
}
