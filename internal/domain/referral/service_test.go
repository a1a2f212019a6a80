package referral

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vitalred/triage/internal/domain/audit"
	"github.com/vitalred/triage/internal/domain/evaluator"
	"github.com/vitalred/triage/internal/platform/blobstore"
	"github.com/vitalred/triage/internal/platform/eventbus"
	"github.com/vitalred/triage/internal/platform/ingest"
)

func TestClaim_ConcurrentOneWinner(t *testing.T) {
	docs := make([]*evaluator.User, 8)
	users := make([]*evaluator.User, 0, len(docs))
	for i := range docs {
		docs[i] = newUser("medico", true)
		users = append(users, docs[i])
	}
	f := newFixture(users...)
	r := f.seed(StateReceived, nil)

	var wg sync.WaitGroup
	errs := make([]error, len(docs))
	for i, d := range docs {
		wg.Add(1)
		go func(i int, id uuid.UUID) {
			defer wg.Done()
			_, errs[i] = f.svc.Claim(context.Background(), r.ID, id)
		}(i, d.ID)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrInvalidState), errors.Is(err, ErrConcurrentModification):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one successful claim, got %d", wins)
	}
	got, _ := f.repo.GetByID(context.Background(), r.ID)
	if got.State != StateInReview || got.EvaluatorID == nil || got.Version != 2 {
		t.Errorf("unexpected final request %+v", got)
	}
	if n := len(f.audit.actions()); n != 1 {
		t.Errorf("expected 1 audit entry, got %d", n)
	}
}

func TestClaim_StaleVersionIsConcurrentModification(t *testing.T) {
	doc := newUser("medico", true)
	f := newFixture(doc)
	r := f.seed(StateReceived, nil)

	f.repo.beforeUpdate = func() {
		f.repo.mu.Lock()
		f.repo.requests[r.ID].Version++
		f.repo.mu.Unlock()
	}
	_, err := f.svc.Claim(context.Background(), r.ID, doc.ID)
	if !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}
}

func TestClaim_InactiveEvaluatorForbidden(t *testing.T) {
	inactive := newUser("medico", false)
	f := newFixture(inactive)
	r := f.seed(StateReceived, nil)

	if _, err := f.svc.Claim(context.Background(), r.ID, inactive.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := f.svc.Claim(context.Background(), r.ID, uuid.New()); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for unknown user, got %v", err)
	}
}

func TestEvaluate_NonAssignedForbiddenNoChange(t *testing.T) {
	assigned := newUser("medico", true)
	intruder := newUser("medico", true)
	f := newFixture(assigned, intruder)
	r := f.seed(StateInReview, &assigned.ID)

	_, err := f.svc.Evaluate(context.Background(), r.ID, intruder.ID, EvaluationInput{Decision: DecisionAccept})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	got, _ := f.repo.GetByID(context.Background(), r.ID)
	if got.State != StateInReview || got.Version != 1 || got.Decision != nil {
		t.Errorf("request changed: %+v", got)
	}
	if len(f.audit.entries) != 0 || len(f.repo.events) != 0 {
		t.Error("expected no audit entries or events")
	}
	if len(f.dir.credits) != 0 {
		t.Error("expected no counter updates")
	}
}

func TestEvaluate_NonAssignedForbiddenInEveryState(t *testing.T) {
	assigned := newUser("medico", true)
	intruder := newUser("medico", true)
	f := newFixture(assigned, intruder)

	for _, state := range []string{StateReceived, StateAccepted, StatePendingInfo, StateCompleted} {
		var evaluatorID *uuid.UUID
		if state != StateReceived {
			evaluatorID = &assigned.ID
		}
		r := f.seed(state, evaluatorID)
		_, err := f.svc.Evaluate(context.Background(), r.ID, intruder.ID,
			EvaluationInput{Decision: DecisionReject, Notes: "fuera de cobertura"})
		if !errors.Is(err, ErrForbidden) {
			t.Errorf("%s: expected ErrForbidden, got %v", state, err)
		}
	}
}

func TestEvaluate_EmitsEventAndCreditsAssignee(t *testing.T) {
	assigned := newUser("medico", true)
	admin := newUser("administrador", true)
	f := newFixture(assigned, admin)
	r := f.seed(StateInReview, &assigned.ID)

	got, err := f.svc.Evaluate(context.Background(), r.ID, admin.ID,
		EvaluationInput{Decision: DecisionRequestInfo, Notes: "adjuntar troponinas"})
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StatePendingInfo {
		t.Errorf("state = %s", got.State)
	}
	if c := f.dir.credits[assigned.ID]; len(c) != 1 || c[0] != DecisionRequestInfo {
		t.Errorf("assigned credits = %v", c)
	}
	if len(f.dir.credits[admin.ID]) != 0 {
		t.Error("administrator should not be credited")
	}

	evs := f.repo.eventsOf(TopicRequestEvaluated)
	if len(evs) != 1 {
		t.Fatalf("expected 1 outbox event, got %d", len(evs))
	}
	var ev RequestEvaluated
	if err := json.Unmarshal(evs[0].Payload, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Decision != DecisionRequestInfo || ev.Request.ID != r.ID || ev.Request.EvaluatorNotes != "adjuntar troponinas" {
		t.Errorf("unexpected event %+v", ev)
	}
	if evs[0].DeliveredAt != nil || f.bus.count(TopicRequestEvaluated) != 1 {
		t.Error("expected event to be published and left for the consumer to acknowledge")
	}
}

func TestTransitions_OneAuditEntryEach(t *testing.T) {
	doc := newUser("medico", true)
	admin := newUser("administrador", true)
	other := newUser("medico", true)
	f := newFixture(doc, admin, other)
	r := f.seed(StateReceived, nil)
	ctx := context.Background()

	steps := []struct {
		action string
		run    func() error
	}{
		{audit.ActionEvaluatorAssigned, func() error { _, err := f.svc.Claim(ctx, r.ID, doc.ID); return err }},
		{audit.ActionAdditionalInfoRequested, func() error {
			_, err := f.svc.Evaluate(ctx, r.ID, doc.ID, EvaluationInput{Decision: DecisionRequestInfo, Notes: "falta EKG"})
			return err
		}},
		{audit.ActionRequestResubmitted, func() error { _, err := f.svc.Resubmit(ctx, r.ID); return err }},
		{audit.ActionEvaluatorReassigned, func() error { _, err := f.svc.Reassign(ctx, r.ID, other.ID, admin.ID); return err }},
		{audit.ActionRequestAccepted, func() error {
			_, err := f.svc.Evaluate(ctx, r.ID, other.ID, EvaluationInput{Decision: DecisionAccept})
			return err
		}},
		{audit.ActionRequestCompleted, func() error { _, err := f.svc.Complete(ctx, r.ID); return err }},
	}

	for i, step := range steps {
		if err := step.run(); err != nil {
			t.Fatalf("step %d (%s): %v", i, step.action, err)
		}
		if n := len(f.audit.entries); n != i+1 {
			t.Fatalf("after %s: %d audit entries, want %d", step.action, n, i+1)
		}
		e := f.audit.entries[i]
		if e.Action != step.action {
			t.Errorf("entry %d action = %s, want %s", i, e.Action, step.action)
		}
		var before, after stateView
		json.Unmarshal(e.Before, &before)
		json.Unmarshal(e.After, &after)
		if after.Version != before.Version+1 {
			t.Errorf("%s: versions %d -> %d", step.action, before.Version, after.Version)
		}
		cur, _ := f.repo.GetByID(ctx, r.ID)
		if after.State != cur.State {
			t.Errorf("%s: after snapshot state %s, stored %s", step.action, after.State, cur.State)
		}
	}

	if _, err := f.svc.Claim(ctx, r.ID, doc.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("claim after completion: %v", err)
	}
	if _, err := f.svc.Reassign(ctx, r.ID, doc.ID, admin.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("reassign after completion: %v", err)
	}
	if len(f.audit.entries) != len(steps) {
		t.Error("failed transitions must not be audited")
	}
}

func TestReassign_RequiresAdmin(t *testing.T) {
	doc := newUser("medico", true)
	other := newUser("medico", true)
	f := newFixture(doc, other)
	r := f.seed(StateInReview, &doc.ID)

	if _, err := f.svc.Reassign(context.Background(), r.ID, other.ID, doc.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func intakeInput(score int) IntakeInput {
	age := 58
	return IntakeInput{
		EmailUniqueID:      uuid.NewString(),
		Sender:             Sender{SenderInstitution: "Hospital San Rafael", SenderPhysician: "Dr. Mejía", SenderEmail: "remisiones@sanrafael.org"},
		Patient:            Patient{PatientName: "Luis", PatientSurnames: "Pardo", PatientAge: &age, PatientSex: "M"},
		Clinical:           Clinical{Diagnosis: "IAM con elevación del ST"},
		RequestedSpecialty: "Cardiología",
		Priority:           PriorityHigh,
		UrgencyScore:       &score,
	}
}

func TestIntake_UrgentEventSurvivesScoreDecrease(t *testing.T) {
	f := newFixture()
	r, err := f.svc.Intake(context.Background(), intakeInput(85))
	if err != nil {
		t.Fatal(err)
	}
	if r.State != StateReceived || r.Version != 1 {
		t.Errorf("unexpected new request %+v", r)
	}
	if n := len(f.repo.eventsOf(TopicUrgentCaseDetected)); n != 1 {
		t.Fatalf("expected 1 UrgentCaseDetected, got %d", n)
	}

	if _, err := f.svc.UpdateScore(context.Background(), r.ID, 40, PriorityLow); err != nil {
		t.Fatal(err)
	}
	if n := len(f.repo.eventsOf(TopicUrgentCaseDetected)); n != 1 {
		t.Errorf("expected the urgent event to remain, got %d", n)
	}
	if got := f.audit.actions(); got[len(got)-1] != audit.ActionPriorityChanged {
		t.Errorf("last audit action = %s", got[len(got)-1])
	}

	if _, err := f.svc.UpdateScore(context.Background(), r.ID, 92, ""); err != nil {
		t.Fatal(err)
	}
	if n := len(f.repo.eventsOf(TopicUrgentCaseDetected)); n != 2 {
		t.Errorf("expected a second event after crossing again, got %d", n)
	}
}

func TestIntake_BelowThresholdNoEvent(t *testing.T) {
	f := newFixture()
	if _, err := f.svc.Intake(context.Background(), intakeInput(79)); err != nil {
		t.Fatal(err)
	}
	if len(f.repo.events) != 0 {
		t.Errorf("expected no events, got %d", len(f.repo.events))
	}
}

func TestIntake_Validation(t *testing.T) {
	f := newFixture()
	tests := []struct {
		name   string
		modify func(*IntakeInput)
		want   string
	}{
		{"missing diagnosis", func(in *IntakeInput) { in.Diagnosis = "" }, "diagnosis is required"},
		{"score out of range", func(in *IntakeInput) { s := 120; in.UrgencyScore = &s }, "urgency_score"},
		{"bad priority", func(in *IntakeInput) { in.Priority = "Alta" }, "priority"},
		{"bad email", func(in *IntakeInput) { in.SenderEmail = "not-an-address" }, "sender_email"},
		{"adult to pediatrics", func(in *IntakeInput) { in.RequestedSpecialty = "Pediatría" }, "pediatrics"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := intakeInput(50)
			tt.modify(&in)
			_, err := f.svc.Intake(context.Background(), in)
			if !errors.Is(err, ErrValidationFailed) || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want validation error mentioning %q", err, tt.want)
			}
		})
	}
}

func TestIntake_DefaultsAndDuplicate(t *testing.T) {
	f := newFixture()
	in := intakeInput(0)
	in.UrgencyScore = nil
	in.Priority = ""
	r, err := f.svc.Intake(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if r.UrgencyScore != 50 || r.Priority != PriorityMedium || r.RequestType != "consultation" {
		t.Errorf("defaults not applied: %+v", r)
	}
	if got := f.audit.actions(); len(got) != 1 || got[0] != audit.ActionRequestReceived {
		t.Errorf("audit actions = %v", got)
	}

	if _, err := f.svc.Intake(context.Background(), in); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
}

func TestIngestHandler_AckPolicy(t *testing.T) {
	f := newFixture()
	h := f.svc.IngestHandler()

	body, _ := json.Marshal(intakeInput(30))
	if err := h(context.Background(), body); err != nil {
		t.Fatalf("valid message: %v", err)
	}
	if err := h(context.Background(), body); !ingest.IsPermanent(err) {
		t.Errorf("duplicate should be permanent, got %v", err)
	}
	if err := h(context.Background(), []byte("{")); !ingest.IsPermanent(err) {
		t.Errorf("malformed should be permanent, got %v", err)
	}
}

func TestPublishFailure_RelayRecovers(t *testing.T) {
	f := newFixture()
	f.bus.failErr = errors.New("nats unavailable")
	r, err := f.svc.Intake(context.Background(), intakeInput(88))
	if err != nil {
		t.Fatalf("publish failure must not fail intake: %v", err)
	}
	evs := f.repo.eventsOf(TopicUrgentCaseDetected)
	if len(evs) != 1 || evs[0].DeliveredAt != nil {
		t.Fatalf("expected one undelivered event, got %+v", evs)
	}

	f.bus.failErr = nil
	f.svc.nowFn = func() time.Time { return testNow.Add(time.Minute) }
	n, err := f.svc.RelayOutbox(context.Background(), 30*time.Second, 10)
	if err != nil || n != 1 {
		t.Fatalf("relay: n=%d err=%v", n, err)
	}
	if evs[0].RelayCount != 1 || evs[0].RelayedAt == nil {
		t.Errorf("relay not recorded: count=%d at=%v", evs[0].RelayCount, evs[0].RelayedAt)
	}
	msg := f.bus.msgs[0].payload.(eventbus.Keyed)
	if msg.EventID() != evs[0].ID.String() {
		t.Errorf("relayed id %s, want %s", msg.EventID(), evs[0].ID)
	}
	var ev UrgentCaseDetected
	json.Unmarshal(evs[0].Payload, &ev)
	if ev.Request.ID != r.ID {
		t.Errorf("payload request %s, want %s", ev.Request.ID, r.ID)
	}
}

func TestRelayOutbox_RedrivesUntilAcknowledged(t *testing.T) {
	f := newFixture()
	if _, err := f.svc.Intake(context.Background(), intakeInput(92)); err != nil {
		t.Fatal(err)
	}
	evs := f.repo.eventsOf(TopicUrgentCaseDetected)
	if len(evs) != 1 || f.bus.count(TopicUrgentCaseDetected) != 1 {
		t.Fatalf("expected one published event, got %d rows", len(evs))
	}

	at := func(d time.Duration) { f.svc.nowFn = func() time.Time { return testNow.Add(d) } }
	relay := func() int {
		t.Helper()
		n, err := f.svc.RelayOutbox(context.Background(), 30*time.Second, 10)
		if err != nil {
			t.Fatalf("relay: %v", err)
		}
		return n
	}

	// Published but never handled: re-sent once the relay window passes.
	at(10 * time.Second)
	if n := relay(); n != 0 {
		t.Errorf("relayed %d inside the window", n)
	}
	at(time.Minute)
	if n := relay(); n != 1 {
		t.Fatalf("relayed %d, want 1", n)
	}
	at(time.Minute + 10*time.Second)
	if n := relay(); n != 0 {
		t.Errorf("relayed %d again before the window since the last relay", n)
	}

	env := eventbus.Envelope{ID: evs[0].ID.String(), Topic: TopicUrgentCaseDetected}
	if err := f.svc.AckDelivered(context.Background(), env); err != nil {
		t.Fatal(err)
	}
	if evs[0].DeliveredAt == nil {
		t.Fatal("ack did not mark the event delivered")
	}
	at(time.Hour)
	if n := relay(); n != 0 {
		t.Errorf("relayed %d after delivery", n)
	}
	if got := f.bus.count(TopicUrgentCaseDetected); got != 2 {
		t.Errorf("published %d times, want 2", got)
	}
}

func TestRelayOutbox_StopsAfterMaxRelays(t *testing.T) {
	f := newFixture()
	f.svc.cfg.MaxRelays = 2
	if _, err := f.svc.Intake(context.Background(), intakeInput(92)); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 4; i++ {
		f.svc.nowFn = func() time.Time { return testNow.Add(time.Duration(i) * time.Minute) }
		if _, err := f.svc.RelayOutbox(context.Background(), 30*time.Second, 10); err != nil {
			t.Fatal(err)
		}
	}
	if got := f.bus.count(TopicUrgentCaseDetected); got != 3 {
		t.Errorf("published %d times, want the original plus 2 relays", got)
	}
}

func TestAckDelivered_IgnoresForeignIDs(t *testing.T) {
	f := newFixture()
	if err := f.svc.AckDelivered(context.Background(), eventbus.Envelope{ID: "not-a-uuid"}); err != nil {
		t.Errorf("unexpected error %v", err)
	}
}

func TestEmitFollowUps_OncePerClaim(t *testing.T) {
	doc := newUser("medico", true)
	f := newFixture(doc)
	r := f.seed(StateInReview, &doc.ID)
	old := testNow.Add(-25 * time.Hour)
	f.repo.requests[r.ID].AssignedAt = &old
	f.seed(StateInReview, &doc.ID)

	n, err := f.svc.EmitFollowUps(context.Background(), 24*time.Hour, 50)
	if err != nil || n != 1 {
		t.Fatalf("first run: n=%d err=%v", n, err)
	}
	n, err = f.svc.EmitFollowUps(context.Background(), 24*time.Hour, 50)
	if err != nil || n != 0 {
		t.Fatalf("second run: n=%d err=%v", n, err)
	}
	if got := f.bus.count(TopicFollowUpDue); got != 1 {
		t.Errorf("published %d follow-ups, want 1", got)
	}
}

func TestAttachmentURL(t *testing.T) {
	f := newFixture()
	store := blobstore.NewInMemoryStore("https://files.test")
	f.svc.blobs = store
	doc := newUser("medico", true)
	f.dir.users[doc.ID] = doc
	r := f.seed(StateInReview, &doc.ID)

	att, err := f.svc.AddAttachment(context.Background(), r.ID, "ekg.pdf", "application/pdf", strings.NewReader("%PDF-1.4"))
	if err != nil {
		t.Fatal(err)
	}
	if att.Size != 8 {
		t.Errorf("size = %d", att.Size)
	}
	if got := f.audit.actions(); got[len(got)-1] != audit.ActionAttachmentAdded {
		t.Errorf("audit actions = %v", got)
	}

	url, err := f.svc.AttachmentURL(context.Background(), r.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(url, "https://files.test/") {
		t.Errorf("url = %s", url)
	}
	if _, err := f.svc.AttachmentURL(context.Background(), r.ID, 3); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing index, got %v", err)
	}
	if _, err := f.svc.AddAttachment(context.Background(), r.ID, "run.exe", "application/x-msdownload", strings.NewReader("MZ")); !errors.Is(err, ErrValidationFailed) {
		t.Errorf("expected validation error for content type, got %v", err)
	}
}
