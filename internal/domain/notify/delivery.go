package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/vitalred/triage/internal/platform/notification"
	"github.com/vitalred/triage/internal/platform/websocket"
)

// Backoff returns the wait before retry number attempts (1-based):
// base doubled per attempt, capped.
func Backoff(attempts int, base, limit time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	wait := base
	for i := 1; i < attempts; i++ {
		wait *= 2
		if wait >= limit {
			return limit
		}
	}
	return min(wait, limit)
}

// deliver runs every outstanding channel of n and records the outcome. It
// reports whether all channels are done.
func (d *Dispatcher) deliver(ctx context.Context, n *Notification) bool {
	now := d.nowFn()
	if n.ChannelDashboard && n.Attempts == 0 && n.RecipientID != nil {
		d.pushDashboard(ctx, n)
	}

	p := n.payload()
	var errs []error
	if n.ChannelEmail && n.EmailSentAt == nil && d.channels.Email != nil {
		if n.Type == notification.TemplateUrgentCase && !d.throttle.Allow(n.RecipientEmail, now) {
			n.ChannelEmail = false
			d.deliveries.WithLabelValues(string(notification.ChannelEmail), "throttled").Inc()
			d.logger.Warn().Str("recipient", n.RecipientKey).Msg("urgent email throttled")
		} else if err := d.call(ctx, notification.ChannelEmail, func(ctx context.Context) error {
			return d.channels.Email.SendEmail(ctx, n.RecipientEmail, n.Title, n.Message)
		}); err != nil {
			errs = append(errs, err)
		} else {
			n.EmailSentAt = &now
		}
	}
	if n.ChannelSMS && n.SMSSentAt == nil && d.channels.SMS != nil {
		if err := d.call(ctx, notification.ChannelSMS, func(ctx context.Context) error {
			return d.channels.SMS.SendSMS(ctx, n.RecipientPhone, p.Short)
		}); err != nil {
			errs = append(errs, err)
		} else {
			n.SMSSentAt = &now
		}
	}
	if n.ChannelPush && n.PushSentAt == nil && d.channels.Push != nil && n.RecipientID != nil {
		data := map[string]string{"notification_id": n.ID.String(), "type": n.Type}
		if n.RequestID != nil {
			data["request_id"] = n.RequestID.String()
		}
		if err := d.call(ctx, notification.ChannelPush, func(ctx context.Context) error {
			return d.channels.Push.SendPush(ctx, n.RecipientID.String(), n.Title, p.Short, data)
		}); err != nil {
			errs = append(errs, err)
		} else {
			n.PushSentAt = &now
		}
	}

	if len(errs) == 0 {
		n.State = StateSent
		n.SentAt = &now
		n.NextRetryAt = nil
		n.LastError = ""
		d.save(ctx, n)
		return true
	}

	n.Attempts++
	n.LastError = errors.Join(errs...).Error()
	log := d.logger.Warn().Str("notification_id", n.ID.String()).Str("recipient", n.RecipientKey).
		Int("attempts", n.Attempts).Str("error", n.LastError)
	if n.RequestID != nil {
		log = log.Str("request_id", n.RequestID.String())
	}
	if n.Attempts >= d.cfg.MaxAttempts {
		n.State = StateFailed
		n.NextRetryAt = nil
		log.Msg("notification failed permanently")
		d.save(ctx, n)
		d.alertAdmins(ctx, n)
		return false
	}
	next := now.Add(Backoff(n.Attempts, d.cfg.BackoffBase, d.cfg.BackoffCap))
	n.NextRetryAt = &next
	log.Time("next_retry_at", next).Msg("notification delivery failed")
	d.save(ctx, n)
	return false
}

func (d *Dispatcher) save(ctx context.Context, n *Notification) {
	if err := d.repo.SaveDelivery(ctx, n); err != nil {
		d.logger.Error().Err(err).Str("notification_id", n.ID.String()).Msg("save delivery state")
	}
}

// call runs one provider call under the channel timeout.
func (d *Dispatcher) call(ctx context.Context, ch notification.Channel, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.ChannelTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		d.deliveries.WithLabelValues(string(ch), "failed").Inc()
		return fmt.Errorf("%w: %s: %v", ErrChannelDeliveryFailed, ch, err)
	}
	d.deliveries.WithLabelValues(string(ch), "sent").Inc()
	return nil
}

func (d *Dispatcher) pushDashboard(ctx context.Context, n *Notification) {
	ev := websocket.Event{
		Type:      "notification." + n.Type,
		Timestamp: n.CreatedAt,
	}
	if n.RequestID != nil {
		ev.RequestID = n.RequestID.String()
	}
	if data, err := json.Marshal(n); err == nil {
		ev.Data = data
	}
	if _, err := d.dashboard.Publish(ctx, websocket.UserTopic(n.RecipientID.String()), ev); err != nil {
		d.logger.Warn().Err(err).Str("recipient", n.RecipientKey).Msg("dashboard push")
		return
	}
	d.deliveries.WithLabelValues(string(notification.ChannelDashboard), "sent").Inc()
}

// alertAdmins tells every active administrator, on the dashboard only, that
// n could not be delivered.
func (d *Dispatcher) alertAdmins(ctx context.Context, n *Notification) {
	admins, err := d.dir.Admins(ctx)
	if err != nil {
		d.logger.Error().Err(err).Str("notification_id", n.ID.String()).Msg("resolve administrators for alert")
		return
	}
	recipient := n.RecipientEmail
	if recipient == "" {
		recipient = n.RecipientKey
	}
	data := map[string]string{
		"notification_id": n.ID.String(),
		"recipient":       recipient,
		"attempts":        strconv.Itoa(n.Attempts),
		"error":           n.LastError,
	}
	plans := make([]*Notification, 0, len(admins))
	for _, u := range admins {
		alert, err := d.newNotification(n.RequestID, "system_error:"+n.ID.String(), notification.TemplateSystemError, data)
		if err != nil {
			d.logger.Error().Err(err).Msg("render system alert")
			return
		}
		forUser(alert, u)
		alert.RecipientEmail = ""
		alert.RecipientPhone = ""
		alert.Priority = PriorityHigh
		plans = append(plans, alert)
	}
	d.send(ctx, plans)
}

// RetryDue redelivers pending notifications whose retry time has passed and
// returns how many completed.
func (d *Dispatcher) RetryDue(ctx context.Context, batch int) (int, error) {
	due, err := d.repo.ListDue(ctx, d.nowFn(), batch)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, n := range due {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		if d.deliver(ctx, n) {
			done++
		}
	}
	return done, nil
}

// Purge deletes notifications older than the retention window.
func (d *Dispatcher) Purge(ctx context.Context) (int64, error) {
	return d.repo.DeleteBefore(ctx, d.nowFn().Add(-d.cfg.Retention))
}

// List returns userID's dashboard notifications, newest first.
func (d *Dispatcher) List(ctx context.Context, userID uuid.UUID, unreadOnly bool, limit, offset int) ([]*Notification, int, error) {
	return d.repo.ListForRecipient(ctx, userID, unreadOnly, limit, offset)
}

// MarkRead marks a notification read on behalf of its recipient.
func (d *Dispatcher) MarkRead(ctx context.Context, id, userID uuid.UUID) (*Notification, error) {
	n, err := d.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.RecipientID == nil || *n.RecipientID != userID {
		return nil, ErrForbidden
	}
	now := d.nowFn()
	if err := d.repo.MarkRead(ctx, id, now); err != nil {
		return nil, err
	}
	n.State = StateRead
	if n.ReadAt == nil {
		n.ReadAt = &now
	}
	return n, nil
}
