package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// KafkaReader is the subset of *kafka.Reader used by KafkaSource.
type KafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaReader builds a consumer-group reader for topic.
func NewKafkaReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  2 * time.Second,
	})
}

// KafkaSource commits an offset only after the handler accepted the message
// or rejected it permanently. A transient failure is retried in place so the
// partition does not advance past it.
type KafkaSource struct {
	reader  KafkaReader
	topic   string
	backoff time.Duration
	logger  zerolog.Logger
}

func NewKafkaSource(reader KafkaReader, topic string, logger zerolog.Logger) *KafkaSource {
	return &KafkaSource{
		reader:  reader,
		topic:   topic,
		backoff: 2 * time.Second,
		logger:  logger.With().Str("component", "ingest").Str("source", "kafka").Str("topic", topic).Logger(),
	}
}

func (k *KafkaSource) Name() string { return "kafka:" + k.topic }

func (k *KafkaSource) Run(ctx context.Context, h Handler) error {
	defer k.reader.Close()
	k.logger.Info().Msg("kafka consumer started")
	for {
		msg, err := k.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch from %s: %w", k.topic, err)
		}
		if err := k.handle(ctx, h, msg); err != nil {
			return nil
		}
	}
}

// handle retries msg until it is acknowledged or ctx ends.
func (k *KafkaSource) handle(ctx context.Context, h Handler, msg kafka.Message) error {
	for {
		err := h(ctx, msg.Value)
		if shouldAck(err) {
			if err != nil {
				k.logger.Warn().Err(err).Int("partition", msg.Partition).Int64("offset", msg.Offset).Msg("message rejected")
			}
			if cerr := k.reader.CommitMessages(ctx, msg); cerr != nil {
				k.logger.Error().Err(cerr).Int64("offset", msg.Offset).Msg("commit failed")
			}
			return nil
		}
		k.logger.Warn().Err(err).Int("partition", msg.Partition).Int64("offset", msg.Offset).Msg("message handling failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(k.backoff):
		}
	}
}
