package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog"
)

// SQSAPI is the subset of the SQS client used by SQSSource.
type SQSAPI interface {
	GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSSource long-polls a queue. Messages that fail transiently are left for
// the visibility timeout to redeliver.
type SQSSource struct {
	client    SQSAPI
	queueName string
	queueURL  string
	wait      int32
	backoff   time.Duration
	logger    zerolog.Logger
}

func NewSQSSource(client SQSAPI, queueName string, logger zerolog.Logger) *SQSSource {
	return &SQSSource{
		client:    client,
		queueName: queueName,
		wait:      20,
		backoff:   5 * time.Second,
		logger:    logger.With().Str("component", "ingest").Str("source", "sqs").Str("queue", queueName).Logger(),
	}
}

func (s *SQSSource) Name() string { return "sqs:" + s.queueName }

func (s *SQSSource) resolve(ctx context.Context) error {
	if s.queueURL != "" {
		return nil
	}
	resp, err := s.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(s.queueName)})
	if err != nil {
		return fmt.Errorf("resolve queue %s: %w", s.queueName, err)
	}
	s.queueURL = aws.ToString(resp.QueueUrl)
	return nil
}

func (s *SQSSource) Run(ctx context.Context, h Handler) error {
	if err := s.resolve(ctx); err != nil {
		return err
	}
	s.logger.Info().Str("queue_url", s.queueURL).Msg("sqs consumer started")
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := s.poll(ctx, h); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			s.logger.Error().Err(err).Msg("sqs receive failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.backoff):
			}
		}
	}
}

// poll receives one batch and handles it.
func (s *SQSSource) poll(ctx context.Context, h Handler) error {
	resp, err := s.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(s.queueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     s.wait,
	})
	if err != nil {
		return err
	}
	for _, msg := range resp.Messages {
		s.handle(ctx, h, msg)
	}
	return nil
}

func (s *SQSSource) handle(ctx context.Context, h Handler, msg types.Message) {
	id := aws.ToString(msg.MessageId)
	err := h(ctx, []byte(aws.ToString(msg.Body)))
	if !shouldAck(err) {
		s.logger.Warn().Err(err).Str("message_id", id).Msg("message will be redelivered")
		return
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("message_id", id).Msg("message rejected")
	}
	if _, derr := s.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(s.queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	}); derr != nil {
		s.logger.Error().Err(derr).Str("message_id", id).Msg("delete message failed")
	}
}
