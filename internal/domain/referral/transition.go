package referral

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Actor is whoever drives a transition, as far as the state machine cares.
type Actor struct {
	ID uuid.UUID
	// Admin is true for administrators.
	Admin bool
	// Eligible is true for active physicians and administrators.
	Eligible bool
}

var decisionStates = map[string]string{
	DecisionAccept:      StateAccepted,
	DecisionReject:      StateRejected,
	DecisionRequestInfo: StatePendingInfo,
}

// StateForDecision returns the state a decision leads to.
func StateForDecision(decision string) (string, bool) {
	s, ok := decisionStates[decision]
	return s, ok
}

func invalidState(r Request, op string) error {
	return fmt.Errorf("%w: cannot %s a request in state %s", ErrInvalidState, op, r.State)
}

// Claim assigns ev to a received request and starts its review.
func Claim(r Request, ev Actor, now time.Time) (Request, error) {
	if r.State != StateReceived {
		return r, invalidState(r, "claim")
	}
	if !ev.Eligible {
		return r, fmt.Errorf("%w: evaluator is inactive or lacks an evaluating role", ErrForbidden)
	}
	next := r.clone()
	next.State = StateInReview
	next.EvaluatorID = &ev.ID
	next.AssignedAt = &now
	next.UpdatedAt = now
	return next, nil
}

// Evaluate records a decision on a request under review. Only the assigned
// evaluator or an administrator may evaluate; anyone else is refused
// whatever the request's state.
func Evaluate(r Request, actor Actor, in EvaluationInput, now time.Time) (Request, error) {
	if !actor.Admin && !r.HasEvaluator(actor.ID) {
		return r, fmt.Errorf("%w: only the assigned evaluator or an administrator may evaluate", ErrForbidden)
	}
	if r.State != StateInReview {
		return r, invalidState(r, "evaluate")
	}
	target, ok := StateForDecision(in.Decision)
	if !ok {
		return r, fmt.Errorf("%w: unknown decision %q", ErrValidationFailed, in.Decision)
	}
	notes := strings.TrimSpace(in.Notes)
	if notes == "" && in.Decision != DecisionAccept {
		return r, fmt.Errorf("%w: notes are required to %s", ErrValidationFailed, in.Decision)
	}
	if in.DecidedPriority != nil && !ValidPriority(*in.DecidedPriority) {
		return r, fmt.Errorf("%w: unknown priority %q", ErrValidationFailed, *in.DecidedPriority)
	}

	next := r.clone()
	next.State = target
	decision := in.Decision
	next.Decision = &decision
	if notes != "" {
		next.EvaluatorNotes = &notes
	} else {
		next.EvaluatorNotes = nil
	}
	next.DecidedPriority = copyPtr(in.DecidedPriority)
	next.EvaluatedAt = &now
	next.UpdatedAt = now
	return next, nil
}

// Resubmit returns a request waiting for information to review, keeping its
// evaluator.
func Resubmit(r Request, now time.Time) (Request, error) {
	if r.State != StatePendingInfo {
		return r, invalidState(r, "resubmit")
	}
	next := r.clone()
	next.State = StateInReview
	next.UpdatedAt = now
	return next, nil
}

// Complete closes an accepted or rejected request.
func Complete(r Request, now time.Time) (Request, error) {
	if r.State != StateAccepted && r.State != StateRejected {
		return r, invalidState(r, "complete")
	}
	next := r.clone()
	next.State = StateCompleted
	next.CompletedAt = &now
	next.UpdatedAt = now
	return next, nil
}

// Reassign hands a non-terminal request to another evaluator. The state is
// left alone.
func Reassign(r Request, actor, to Actor, now time.Time) (Request, error) {
	if !actor.Admin {
		return r, fmt.Errorf("%w: only administrators may reassign", ErrForbidden)
	}
	if r.Terminal() {
		return r, invalidState(r, "reassign")
	}
	if !to.Eligible {
		return r, fmt.Errorf("%w: new evaluator is inactive or lacks an evaluating role", ErrValidationFailed)
	}
	next := r.clone()
	next.EvaluatorID = &to.ID
	if r.State != StateReceived {
		next.AssignedAt = &now
	}
	next.UpdatedAt = now
	return next, nil
}

// ChangeScore sets the urgency score and, when given, the priority tier.
// crossed reports whether the score moved from below threshold to at or
// above it.
func ChangeScore(r Request, score int, priority string, threshold int, now time.Time) (next Request, crossed bool, err error) {
	if score < 0 || score > 100 {
		return r, false, fmt.Errorf("%w: urgency score %d outside 0..100", ErrValidationFailed, score)
	}
	if priority != "" && !ValidPriority(priority) {
		return r, false, fmt.Errorf("%w: unknown priority %q", ErrValidationFailed, priority)
	}
	if r.Terminal() {
		return r, false, invalidState(r, "rescore")
	}
	next = r.clone()
	next.UrgencyScore = score
	if priority != "" {
		next.Priority = priority
	}
	next.UpdatedAt = now
	return next, r.UrgencyScore < threshold && score >= threshold, nil
}
