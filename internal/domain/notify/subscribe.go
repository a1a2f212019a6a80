package notify

import (
	"context"

	"github.com/vitalred/triage/internal/domain/referral"
	"github.com/vitalred/triage/internal/platform/eventbus"
)

// Group is the consumer group notifications subscribe under.
const Group = "notify"

// Subscribe attaches the dispatcher to the lifecycle topics. A dispatch that
// cannot resolve recipients is returned to the bus for redelivery; notification
// dedupe makes redelivery safe.
func (d *Dispatcher) Subscribe(bus eventbus.Bus) error {
	handlers := map[string]eventbus.Handler{
		referral.TopicUrgentCaseDetected: decodeAndDispatch[referral.UrgentCaseDetected](d),
		referral.TopicRequestEvaluated:   decodeAndDispatch[referral.RequestEvaluated](d),
		referral.TopicFollowUpDue:        decodeAndDispatch[referral.FollowUpDue](d),
	}
	for topic, h := range handlers {
		if err := bus.Subscribe(topic, Group, h); err != nil {
			return err
		}
	}
	return nil
}

func decodeAndDispatch[E any](d *Dispatcher) eventbus.Handler {
	return func(ctx context.Context, env eventbus.Envelope) error {
		var ev E
		if err := env.Decode(&ev); err != nil {
			// Undecodable payloads never get better.
			d.logger.Error().Err(err).Str("event_id", env.ID).Msg("drop undecodable event")
			return nil
		}
		res, err := d.Dispatch(ctx, ev)
		if err != nil {
			return err
		}
		d.logger.Info().Str("event", env.Topic).Str("event_id", env.ID).
			Int("attempted", res.Attempted).Int("succeeded", res.Succeeded).
			Int("failed", res.Failed).Int("deduplicated", res.Deduplicated).
			Msg("event dispatched")
		return nil
	}
}
