// Package eventbus carries lifecycle events from the referral service to its
// consumers. Delivery is at-least-once: handlers must be idempotent.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrClosed    = errors.New("eventbus: closed")
	ErrQueueFull = errors.New("eventbus: queue full")
)

// Envelope wraps one published event.
type Envelope struct {
	ID         string          `json:"id"`
	Topic      string          `json:"topic"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
	Attempt    int             `json:"-"`
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s event %s: %w", e.Topic, e.ID, err)
	}
	return nil
}

// Handler processes one envelope. A returned error asks for redelivery.
type Handler func(ctx context.Context, env Envelope) error

// Publisher is what producers depend on.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Bus is a Publisher that also accepts subscriptions and must be run.
type Bus interface {
	Publisher
	// Subscribe registers h for topic. Subscribers sharing a group split the
	// stream; distinct groups each see every event.
	Subscribe(topic, group string, h Handler) error
	// Run blocks delivering events until ctx is cancelled, then drains.
	Run(ctx context.Context) error
}

// AckFunc records that a subscriber finished with env.
type AckFunc func(ctx context.Context, env Envelope) error

// Acked wraps bus so that handlers subscribed through it call ack once they
// succeed. A failed ack is returned as a handler error and the event is
// redelivered.
func Acked(bus Bus, ack AckFunc) Bus {
	return &ackedBus{Bus: bus, ack: ack}
}

type ackedBus struct {
	Bus
	ack AckFunc
}

func (b *ackedBus) Subscribe(topic, group string, h Handler) error {
	return b.Bus.Subscribe(topic, group, func(ctx context.Context, env Envelope) error {
		if err := h(ctx, env); err != nil {
			return err
		}
		if err := b.ack(ctx, env); err != nil {
			return fmt.Errorf("ack %s event %s: %w", env.Topic, env.ID, err)
		}
		return nil
	})
}

// NewEnvelope marshals payload into an envelope. id may be empty, in which
// case a random one is assigned.
func NewEnvelope(id, topic string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	if id == "" {
		id = uuid.NewString()
	}
	return Envelope{ID: id, Topic: topic, OccurredAt: time.Now().UTC(), Data: data}, nil
}

// Keyed lets a payload choose its envelope id, so republished outbox rows
// keep the id they were first published with.
type Keyed interface {
	EventID() string
}

func envelopeFor(topic string, payload any) (Envelope, error) {
	var id string
	if k, ok := payload.(Keyed); ok {
		id = k.EventID()
	}
	return NewEnvelope(id, topic, payload)
}
