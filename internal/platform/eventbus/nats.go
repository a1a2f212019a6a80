package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int
	// SubjectPrefix is prepended to every topic, e.g. "triage.".
	SubjectPrefix string
	MaxAttempts   int
}

// NATSBus publishes envelopes as JSON on NATS subjects and consumes them with
// queue subscriptions so that each group sees an event once across
// instances.
type NATSBus struct {
	conn   *nats.Conn
	cfg    NATSConfig
	logger zerolog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
	wg   sync.WaitGroup
}

func NewNATSBus(cfg NATSConfig, logger zerolog.Logger) (*NATSBus, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	logger = logger.With().Str("component", "eventbus").Str("backend", "nats").Logger()
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATSBus{conn: conn, cfg: cfg, logger: logger}, nil
}

func (b *NATSBus) subject(topic string) string {
	return b.cfg.SubjectPrefix + topic
}

func (b *NATSBus) Publish(_ context.Context, topic string, payload any) error {
	env, err := envelopeFor(topic, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.conn.Publish(b.subject(topic), data); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(topic, group string, h Handler) error {
	sub, err := b.conn.QueueSubscribe(b.subject(topic), group, func(msg *nats.Msg) {
		b.wg.Add(1)
		defer b.wg.Done()

		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			b.logger.Error().Err(err).Str("subject", msg.Subject).Msg("malformed envelope")
			return
		}
		for attempt := 1; attempt <= b.cfg.MaxAttempts; attempt++ {
			env.Attempt = attempt
			err := h(context.Background(), env)
			if err == nil {
				return
			}
			b.logger.Warn().Err(err).Str("topic", topic).Str("event_id", env.ID).Int("attempt", attempt).Msg("event handler failed")
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s/%s: %w", topic, group, err)
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

// Run blocks until ctx is cancelled, then drains subscriptions and waits for
// in-flight handlers.
func (b *NATSBus) Run(ctx context.Context) error {
	<-ctx.Done()
	b.mu.Lock()
	for _, s := range b.subs {
		_ = s.Drain()
	}
	b.mu.Unlock()
	b.wg.Wait()
	if err := b.conn.Drain(); err != nil {
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	return nil
}

// Ping reports connection health for the health endpoint.
func (b *NATSBus) Ping(context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("nats: %s", b.conn.Status())
	}
	return nil
}
