package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

func TestPermanent(t *testing.T) {
	base := errors.New("duplicate email id")
	err := fmt.Errorf("intake: %w", Permanent(base))
	if !IsPermanent(err) {
		t.Error("wrapped permanent error not detected")
	}
	if !errors.Is(err, base) {
		t.Error("Permanent should unwrap to the cause")
	}
	if IsPermanent(base) {
		t.Error("plain error reported as permanent")
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
	if !shouldAck(nil) || !shouldAck(err) || shouldAck(base) {
		t.Error("shouldAck mismatch")
	}
}

type fakeSQS struct {
	mu       sync.Mutex
	batches  [][]types.Message
	deleted  []string
	received int
}

func (f *fakeSQS) GetQueueUrl(_ context.Context, in *sqs.GetQueueUrlInput, _ ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	return &sqs.GetQueueUrlOutput{QueueUrl: aws.String("https://sqs.local/000/" + *in.QueueName)}, nil
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received++
	if in.MaxNumberOfMessages != 10 || in.WaitTimeSeconds != 20 {
		return nil, fmt.Errorf("unexpected receive input %+v", in)
	}
	if len(f.batches) == 0 {
		return &sqs.ReceiveMessageOutput{}, nil
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	return &sqs.ReceiveMessageOutput{Messages: b}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, *in.ReceiptHandle)
	return &sqs.DeleteMessageOutput{}, nil
}

func sqsMsg(id, body string) types.Message {
	return types.Message{MessageId: aws.String(id), Body: aws.String(body), ReceiptHandle: aws.String("rh-" + id)}
}

func TestSQSSource_AcksOnSuccessAndPermanentFailure(t *testing.T) {
	fake := &fakeSQS{batches: [][]types.Message{{
		sqsMsg("ok", `{"email_unique_id":"a"}`),
		sqsMsg("dup", `{"email_unique_id":"b"}`),
		sqsMsg("flaky", `{"email_unique_id":"c"}`),
	}}}
	src := NewSQSSource(fake, "referrals", zerolog.Nop())
	if err := src.resolve(context.Background()); err != nil {
		t.Fatal(err)
	}

	var seen []string
	h := func(_ context.Context, body []byte) error {
		seen = append(seen, string(body))
		switch string(body) {
		case `{"email_unique_id":"b"}`:
			return Permanent(errors.New("duplicate"))
		case `{"email_unique_id":"c"}`:
			return errors.New("db down")
		}
		return nil
	}
	if err := src.poll(context.Background(), h); err != nil {
		t.Fatalf("poll: %v", err)
	}

	if len(seen) != 3 {
		t.Fatalf("handled %d messages, want 3", len(seen))
	}
	if len(fake.deleted) != 2 || fake.deleted[0] != "rh-ok" || fake.deleted[1] != "rh-dup" {
		t.Errorf("deleted = %v, want [rh-ok rh-dup]", fake.deleted)
	}
	if src.queueURL != "https://sqs.local/000/referrals" {
		t.Errorf("queue url = %s", src.queueURL)
	}
}

func TestSQSSource_RunStopsOnCancel(t *testing.T) {
	fake := &fakeSQS{}
	src := NewSQSSource(fake, "referrals", zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := src.Run(ctx, func(context.Context, []byte) error { return nil }); err != nil {
		t.Errorf("Run returned %v", err)
	}
	if src.Name() != "sqs:referrals" {
		t.Errorf("Name = %s", src.Name())
	}
}

type fakeKafka struct {
	msgs      []kafka.Message
	committed []int64
	closed    bool
}

func (f *fakeKafka) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(f.msgs) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	return m, nil
}

func (f *fakeKafka) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeKafka) Close() error {
	f.closed = true
	return nil
}

func TestKafkaSource_RetriesTransientThenCommits(t *testing.T) {
	fake := &fakeKafka{msgs: []kafka.Message{
		{Offset: 1, Value: []byte("a")},
		{Offset: 2, Value: []byte("b")},
	}}
	src := NewKafkaSource(fake, "referrals.intake", zerolog.Nop())
	src.backoff = time.Millisecond

	attempts := map[string]int{}
	ctx, cancel := context.WithCancel(context.Background())
	h := func(_ context.Context, body []byte) error {
		attempts[string(body)]++
		if string(body) == "a" && attempts["a"] < 3 {
			return errors.New("transient")
		}
		if string(body) == "b" {
			defer cancel()
			return Permanent(errors.New("invalid payload"))
		}
		return nil
	}
	if err := src.Run(ctx, h); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if attempts["a"] != 3 {
		t.Errorf("message a attempted %d times, want 3", attempts["a"])
	}
	if len(fake.committed) != 2 || fake.committed[0] != 1 || fake.committed[1] != 2 {
		t.Errorf("committed = %v, want [1 2]", fake.committed)
	}
	if !fake.closed {
		t.Error("reader not closed")
	}
}
