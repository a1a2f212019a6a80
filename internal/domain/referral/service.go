package referral

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vitalred/triage/internal/domain/audit"
	"github.com/vitalred/triage/internal/domain/evaluator"
	"github.com/vitalred/triage/internal/platform/blobstore"
	"github.com/vitalred/triage/internal/platform/eventbus"
)

// Directory is the part of the evaluator directory the lifecycle needs.
type Directory interface {
	Get(ctx context.Context, id uuid.UUID) (*evaluator.User, error)
	RecordEvaluation(ctx context.Context, id uuid.UUID, decision string) error
}

// AuditSink records transitions without failing them.
type AuditSink interface {
	RecordBestEffort(ctx context.Context, e audit.Entry)
}

type Config struct {
	// UrgentThreshold is the score at which a case counts as urgent.
	UrgentThreshold int
	AttachmentTTL   time.Duration
	// MaxRelays bounds how often the outbox relay re-sends an event that was
	// never acknowledged.
	MaxRelays int
}

func DefaultConfig() Config {
	return Config{UrgentThreshold: 80, AttachmentTTL: blobstore.DefaultLinkTTL, MaxRelays: 30}
}

type Service struct {
	repo   Repository
	tx     Transactor
	dir    Directory
	audit  AuditSink
	bus    eventbus.Publisher
	blobs  blobstore.Store
	cfg    Config
	logger zerolog.Logger
	nowFn  func() time.Time
}

func NewService(repo Repository, tx Transactor, dir Directory, sink AuditSink, bus eventbus.Publisher,
	blobs blobstore.Store, cfg Config, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		tx:     tx,
		dir:    dir,
		audit:  sink,
		bus:    bus,
		blobs:  blobs,
		cfg:    cfg,
		logger: logger.With().Str("component", "referral").Logger(),
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Request, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Request, int, error) {
	if f.State != "" && !ValidState(f.State) {
		return nil, 0, fmt.Errorf("%w: unknown state %q", ErrValidationFailed, f.State)
	}
	if f.Priority != "" && !ValidPriority(f.Priority) {
		return nil, 0, fmt.Errorf("%w: unknown priority %q", ErrValidationFailed, f.Priority)
	}
	return s.repo.List(ctx, f, limit, offset)
}

func (s *Service) actor(ctx context.Context, id uuid.UUID) (Actor, error) {
	u, err := s.dir.Get(ctx, id)
	if errors.Is(err, evaluator.ErrNotFound) {
		return Actor{}, fmt.Errorf("%w: unknown user %s", ErrForbidden, id)
	}
	if err != nil {
		return Actor{}, err
	}
	return actorOf(u), nil
}

func actorOf(u *evaluator.User) Actor {
	return Actor{ID: u.ID, Admin: u.IsAdmin() && u.Active, Eligible: u.CanEvaluate()}
}

// Claim assigns the request to evaluatorID and moves it to in_review.
func (s *Service) Claim(ctx context.Context, id, evaluatorID uuid.UUID) (*Request, error) {
	cur, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	ev, err := s.actor(ctx, evaluatorID)
	if err != nil {
		return nil, err
	}
	next, err := Claim(*cur, ev, s.nowFn())
	if err != nil {
		return nil, err
	}
	return s.commit(ctx, cur, next, change{
		action:      audit.ActionEvaluatorAssigned,
		description: "request claimed for review",
	})
}

// Evaluate records actorID's decision on a request under review.
func (s *Service) Evaluate(ctx context.Context, id, actorID uuid.UUID, in EvaluationInput) (*Request, error) {
	cur, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	actor, err := s.actor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	now := s.nowFn()
	next, err := Evaluate(*cur, actor, in, now)
	if err != nil {
		return nil, err
	}

	// Counters are credited to the assigned evaluator even when an
	// administrator decides.
	credited := *next.EvaluatorID
	event := RequestEvaluated{
		ID:          uuid.New(),
		Request:     SummaryOf(&next),
		Decision:    in.Decision,
		EvaluatorID: actorID,
		OccurredAt:  now,
	}
	return s.commit(ctx, cur, next, change{
		action:      evaluationActions[in.Decision],
		description: "evaluation recorded: " + in.Decision,
		events:      []pending{{TopicRequestEvaluated, event.ID, event}},
		inTx: func(ctx context.Context) error {
			return s.dir.RecordEvaluation(ctx, credited, in.Decision)
		},
	})
}

var evaluationActions = map[string]string{
	DecisionAccept:      audit.ActionRequestAccepted,
	DecisionReject:      audit.ActionRequestRejected,
	DecisionRequestInfo: audit.ActionAdditionalInfoRequested,
}

// Resubmit returns a request that was waiting on the referrer to review.
func (s *Service) Resubmit(ctx context.Context, id uuid.UUID) (*Request, error) {
	cur, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	next, err := Resubmit(*cur, s.nowFn())
	if err != nil {
		return nil, err
	}
	return s.commit(ctx, cur, next, change{
		action:      audit.ActionRequestResubmitted,
		description: "additional information received",
	})
}

func (s *Service) Complete(ctx context.Context, id uuid.UUID) (*Request, error) {
	cur, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	next, err := Complete(*cur, s.nowFn())
	if err != nil {
		return nil, err
	}
	return s.commit(ctx, cur, next, change{
		action:      audit.ActionRequestCompleted,
		description: "request completed",
	})
}

// Reassign hands the request to newEvaluatorID. actorID must be an
// administrator.
func (s *Service) Reassign(ctx context.Context, id, newEvaluatorID, actorID uuid.UUID) (*Request, error) {
	cur, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	actor, err := s.actor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	target, err := s.dir.Get(ctx, newEvaluatorID)
	if errors.Is(err, evaluator.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown evaluator %s", ErrValidationFailed, newEvaluatorID)
	}
	if err != nil {
		return nil, err
	}
	next, err := Reassign(*cur, actor, actorOf(target), s.nowFn())
	if err != nil {
		return nil, err
	}
	return s.commit(ctx, cur, next, change{
		action:      audit.ActionEvaluatorReassigned,
		description: "evaluator reassigned to " + target.Name,
	})
}

// UpdateScore is the only path that changes the urgency score or priority
// of an existing request. Crossing the urgent threshold upward emits
// UrgentCaseDetected; lowering the score leaves earlier events in place.
func (s *Service) UpdateScore(ctx context.Context, id uuid.UUID, score int, priority string) (*Request, error) {
	cur, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.nowFn()
	next, crossed, err := ChangeScore(*cur, score, priority, s.cfg.UrgentThreshold, now)
	if err != nil {
		return nil, err
	}
	ch := change{
		action:      audit.ActionPriorityChanged,
		description: fmt.Sprintf("urgency score %d -> %d", cur.UrgencyScore, next.UrgencyScore),
	}
	if crossed {
		ev := UrgentCaseDetected{ID: uuid.New(), Request: SummaryOf(&next), OccurredAt: now}
		ch.events = append(ch.events, pending{TopicUrgentCaseDetected, ev.ID, ev})
	}
	return s.commit(ctx, cur, next, ch)
}

type pending struct {
	topic   string
	id      uuid.UUID
	payload any
}

type change struct {
	action      string
	description string
	events      []pending
	// inTx runs inside the transition's transaction.
	inTx func(ctx context.Context) error
}

// commit persists next if cur is still current, together with its outbox
// events, then audits and publishes outside the transaction.
func (s *Service) commit(ctx context.Context, cur *Request, next Request, ch change) (*Request, error) {
	next.Version = cur.Version + 1
	outbox, err := s.outboxRows(cur.ID, ch.events, next.UpdatedAt)
	if err != nil {
		return nil, err
	}

	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Update(ctx, cur.State, &next); err != nil {
			return err
		}
		if ch.inTx != nil {
			if err := ch.inTx(ctx); err != nil {
				return err
			}
		}
		for _, ev := range outbox {
			if _, err := s.repo.AppendEvent(ctx, ev); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, errStale) {
		return nil, s.resolveStale(ctx, cur)
	}
	if err != nil {
		return nil, err
	}

	id := cur.ID
	s.audit.RecordBestEffort(ctx, audit.Entry{
		RequestID:   &id,
		Action:      ch.action,
		Description: ch.description,
		Before:      audit.Snapshot(stateOf(cur)),
		After:       audit.Snapshot(stateOf(&next)),
	})
	s.publish(ctx, outbox)
	return &next, nil
}

// resolveStale explains why a conditional update matched nothing.
func (s *Service) resolveStale(ctx context.Context, cur *Request) error {
	fresh, err := s.repo.GetByID(ctx, cur.ID)
	if err != nil {
		return err
	}
	if fresh.State != cur.State {
		return fmt.Errorf("%w: request moved from %s to %s", ErrInvalidState, cur.State, fresh.State)
	}
	return fmt.Errorf("%w: request %s changed while updating", ErrConcurrentModification, cur.ID)
}

// stateView is what audit snapshots record of a request.
type stateView struct {
	State           string     `json:"state"`
	EvaluatorID     *uuid.UUID `json:"evaluator_id,omitempty"`
	Decision        *string    `json:"decision,omitempty"`
	DecidedPriority *string    `json:"decided_priority,omitempty"`
	Priority        string     `json:"priority"`
	UrgencyScore    int        `json:"urgency_score"`
	Version         int        `json:"version"`
}

func stateOf(r *Request) stateView {
	return stateView{
		State:           r.State,
		EvaluatorID:     r.EvaluatorID,
		Decision:        r.Decision,
		DecidedPriority: r.DecidedPriority,
		Priority:        r.Priority,
		UrgencyScore:    r.UrgencyScore,
		Version:         r.Version,
	}
}

func (s *Service) outboxRows(requestID uuid.UUID, events []pending, at time.Time) ([]*OutboxEvent, error) {
	rows := make([]*OutboxEvent, 0, len(events))
	for _, ev := range events {
		payload, err := json.Marshal(ev.payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s event: %w", ev.topic, err)
		}
		rows = append(rows, &OutboxEvent{
			ID:        ev.id,
			RequestID: requestID,
			Kind:      ev.topic,
			Payload:   payload,
			CreatedAt: at,
		})
	}
	return rows, nil
}

// relayed republishes a stored payload under its original event id.
type relayed struct {
	id   string
	data json.RawMessage
}

func (r relayed) EventID() string              { return r.id }
func (r relayed) MarshalJSON() ([]byte, error) { return r.data, nil }

// publish hands committed events to the bus. Events stay undelivered until a
// consumer acknowledges them; anything lost on the way is re-sent by
// RelayOutbox.
func (s *Service) publish(ctx context.Context, events []*OutboxEvent) {
	for _, ev := range events {
		if err := s.bus.Publish(ctx, ev.Kind, relayed{id: ev.ID.String(), data: ev.Payload}); err != nil {
			s.logger.Warn().Err(err).Str("event", ev.Kind).Str("request_id", ev.RequestID.String()).
				Msg("publish deferred to outbox relay")
		}
	}
}

// RelayOutbox re-sends events that have gone unacknowledged for at least
// minAge since they were last sent. It returns how many were sent.
func (s *Service) RelayOutbox(ctx context.Context, minAge time.Duration, batch int) (int, error) {
	now := s.nowFn()
	rows, err := s.repo.ListUndelivered(ctx, now.Add(-minAge), s.cfg.MaxRelays, batch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ev := range rows {
		// Counted before sending so a crash mid-relay still uses up a relay.
		if err := s.repo.MarkRelayed(ctx, ev.ID, now); err != nil {
			return n, err
		}
		if err := s.bus.Publish(ctx, ev.Kind, relayed{id: ev.ID.String(), data: ev.Payload}); err != nil {
			return n, fmt.Errorf("relay event %s: %w", ev.ID, err)
		}
		n++
		if ev.RelayCount+1 >= s.cfg.MaxRelays {
			s.logger.Error().Str("event", ev.Kind).Str("event_id", ev.ID.String()).
				Str("request_id", ev.RequestID.String()).Int("relays", ev.RelayCount+1).
				Msg("event still unacknowledged after final relay")
		}
	}
	return n, nil
}

// AckDelivered records that a consumer handled env. Envelopes that did not
// come from the outbox are ignored.
func (s *Service) AckDelivered(ctx context.Context, env eventbus.Envelope) error {
	id, err := uuid.Parse(env.ID)
	if err != nil {
		return nil
	}
	return s.repo.MarkDelivered(ctx, id, s.nowFn())
}

// Overdue lists unclaimed high-priority requests received at or before
// cutoff.
func (s *Service) Overdue(ctx context.Context, cutoff time.Time, limit int) ([]*Request, error) {
	return s.repo.ListOverdue(ctx, PriorityHigh, cutoff, limit)
}

var followUpNamespace = uuid.MustParse("8f6f2a52-5b7e-4c1e-9a35-3f0e9d1c2b11")

// EmitFollowUps emits one FollowUpDue per claim for requests that have been
// in review longer than after.
func (s *Service) EmitFollowUps(ctx context.Context, after time.Duration, limit int) (int, error) {
	now := s.nowFn()
	reqs, err := s.repo.ListAwaitingDecision(ctx, now.Add(-after), limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range reqs {
		if r.AssignedAt == nil {
			continue
		}
		// Keyed by claim so the reminder is sent once per assignment.
		key := fmt.Sprintf("%s/%d", r.ID, r.AssignedAt.Unix())
		ev := FollowUpDue{
			ID:         uuid.NewSHA1(followUpNamespace, []byte(key)),
			Request:    SummaryOf(r),
			HoursOpen:  int(now.Sub(*r.AssignedAt).Hours()),
			OccurredAt: now,
		}
		rows, err := s.outboxRows(r.ID, []pending{{TopicFollowUpDue, ev.ID, ev}}, now)
		if err != nil {
			return n, err
		}
		inserted, err := s.repo.AppendEvent(ctx, rows[0])
		if err != nil {
			return n, err
		}
		if !inserted {
			continue
		}
		s.publish(ctx, rows)
		n++
	}
	return n, nil
}

// AttachmentURL returns a time-limited download link for attachment index.
func (s *Service) AttachmentURL(ctx context.Context, id uuid.UUID, index int) (string, error) {
	r, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	if index < 0 || index >= len(r.Attachments) {
		return "", fmt.Errorf("%w: attachment %d", ErrNotFound, index)
	}
	att := r.Attachments[index]
	url, err := s.blobs.PresignGet(ctx, att.Key, att.Name, s.cfg.AttachmentTTL)
	if errors.Is(err, blobstore.ErrBlobNotFound) {
		return "", fmt.Errorf("%w: attachment %d content", ErrNotFound, index)
	}
	return url, err
}
