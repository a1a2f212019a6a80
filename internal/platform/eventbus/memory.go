package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// MemoryConfig tunes the in-process bus.
type MemoryConfig struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	RetryDelay  time.Duration
}

func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{Workers: 4, QueueSize: 1024, MaxAttempts: 3, RetryDelay: 500 * time.Millisecond}
}

type subscription struct {
	group   string
	handler Handler
}

// MemoryBus delivers events to in-process subscribers through a bounded queue
// drained by a fixed worker pool.
type MemoryBus struct {
	cfg    MemoryConfig
	logger zerolog.Logger
	queue  chan Envelope

	subsMu sync.RWMutex
	subs   map[string][]subscription

	// stateMu guards closed and the close of queue against in-flight sends.
	stateMu sync.RWMutex
	closed  bool
}

func NewMemoryBus(cfg MemoryConfig, logger zerolog.Logger) *MemoryBus {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &MemoryBus{
		cfg:    cfg,
		logger: logger.With().Str("component", "eventbus").Logger(),
		queue:  make(chan Envelope, cfg.QueueSize),
		subs:   make(map[string][]subscription),
	}
}

func (b *MemoryBus) Subscribe(topic, group string, h Handler) error {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	b.subs[topic] = append(b.subs[topic], subscription{group: group, handler: h})
	return nil
}

// Publish enqueues the event. It waits for queue space until ctx is done.
func (b *MemoryBus) Publish(ctx context.Context, topic string, payload any) error {
	env, err := envelopeFor(topic, payload)
	if err != nil {
		return err
	}

	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	select {
	case b.queue <- env:
		return nil
	case <-ctx.Done():
		return ErrQueueFull
	}
}

// Run starts the workers. When ctx is cancelled the queue is closed to new
// events and Run returns once every queued event has been handled.
func (b *MemoryBus) Run(ctx context.Context) error {
	g := new(errgroup.Group)
	for i := 0; i < b.cfg.Workers; i++ {
		g.Go(func() error {
			for env := range b.queue {
				b.deliver(env)
			}
			return nil
		})
	}

	<-ctx.Done()
	b.stateMu.Lock()
	b.closed = true
	close(b.queue)
	b.stateMu.Unlock()

	return g.Wait()
}

func (b *MemoryBus) deliver(env Envelope) {
	b.subsMu.RLock()
	subs := b.subs[env.Topic]
	b.subsMu.RUnlock()

	// One handler per group; the in-process bus has a single member per group.
	seen := make(map[string]bool, len(subs))
	for _, s := range subs {
		if seen[s.group] {
			continue
		}
		seen[s.group] = true
		b.deliverTo(s, env)
	}
}

func (b *MemoryBus) deliverTo(s subscription, env Envelope) {
	// Handlers run detached from the Run context so that shutdown drains
	// instead of aborting in-flight work.
	ctx := context.Background()
	for attempt := 1; attempt <= b.cfg.MaxAttempts; attempt++ {
		env.Attempt = attempt
		err := s.handler(ctx, env)
		if err == nil {
			return
		}
		b.logger.Warn().Err(err).
			Str("topic", env.Topic).
			Str("event_id", env.ID).
			Str("group", s.group).
			Int("attempt", attempt).
			Msg("event handler failed")
		if attempt < b.cfg.MaxAttempts {
			time.Sleep(b.cfg.RetryDelay * time.Duration(attempt))
		}
	}
	b.logger.Error().
		Str("topic", env.Topic).
		Str("event_id", env.ID).
		Str("group", s.group).
		Msg("event dropped after max attempts")
}
