package referral

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Bus topics, also stored as request_events.kind.
const (
	TopicRequestEvaluated   = "request_evaluated"
	TopicUrgentCaseDetected = "urgent_case_detected"
	TopicFollowUpDue        = "follow_up_due"
)

// Summary is the slice of a request that event consumers need.
type Summary struct {
	ID             uuid.UUID  `json:"id"`
	PatientName    string     `json:"patient_name"`
	Institution    string     `json:"institution"`
	ContactName    string     `json:"contact_name"`
	ContactEmail   string     `json:"contact_email"`
	Diagnosis      string     `json:"diagnosis"`
	Specialty      string     `json:"specialty"`
	Priority       string     `json:"priority"`
	UrgencyScore   int        `json:"urgency_score"`
	State          string     `json:"state"`
	EvaluatorID    *uuid.UUID `json:"evaluator_id,omitempty"`
	EvaluatorNotes string     `json:"evaluator_notes,omitempty"`
	ReceivedAt     time.Time  `json:"received_at"`
	AssignedAt     *time.Time `json:"assigned_at,omitempty"`
	EvaluatedAt    *time.Time `json:"evaluated_at,omitempty"`
}

func SummaryOf(r *Request) Summary {
	s := Summary{
		ID:           r.ID,
		PatientName:  r.FullName(),
		Institution:  r.SenderInstitution,
		ContactName:  r.SenderPhysician,
		ContactEmail: r.SenderEmail,
		Diagnosis:    r.Diagnosis,
		Specialty:    r.RequestedSpecialty,
		Priority:     r.Priority,
		UrgencyScore: r.UrgencyScore,
		State:        r.State,
		EvaluatorID:  copyPtr(r.EvaluatorID),
		ReceivedAt:   r.ReceivedAt,
		AssignedAt:   copyPtr(r.AssignedAt),
		EvaluatedAt:  copyPtr(r.EvaluatedAt),
	}
	if r.EvaluatorNotes != nil {
		s.EvaluatorNotes = *r.EvaluatorNotes
	}
	return s
}

// RequestEvaluated is emitted when an evaluator records a decision.
type RequestEvaluated struct {
	ID          uuid.UUID `json:"event_id"`
	Request     Summary   `json:"request"`
	Decision    string    `json:"decision"`
	EvaluatorID uuid.UUID `json:"evaluator_id"`
	OccurredAt  time.Time `json:"occurred_at"`
}

func (e RequestEvaluated) EventID() string { return e.ID.String() }

var escalationNamespace = uuid.MustParse("c41d7e0a-2f7b-4d8e-b6a1-5e93f0a4d2c7")

// EscalationEventID is stable per request and overdue hour.
func EscalationEventID(requestID uuid.UUID, hours int) uuid.UUID {
	return uuid.NewSHA1(escalationNamespace, []byte(fmt.Sprintf("%s/%dh", requestID, hours)))
}

// Escalation describes an overdue unclaimed case.
type Escalation struct {
	HoursOverdue int `json:"hours_overdue"`
}

// UrgentCaseDetected is emitted on intake or rescoring at or above the urgent
// threshold, and by the escalation sweep with Escalation set.
type UrgentCaseDetected struct {
	ID         uuid.UUID   `json:"event_id"`
	Request    Summary     `json:"request"`
	Escalation *Escalation `json:"escalation,omitempty"`
	OccurredAt time.Time   `json:"occurred_at"`
}

func (e UrgentCaseDetected) EventID() string { return e.ID.String() }

// FollowUpDue is emitted when a claimed request has waited too long for a
// decision.
type FollowUpDue struct {
	ID         uuid.UUID `json:"event_id"`
	Request    Summary   `json:"request"`
	HoursOpen  int       `json:"hours_open"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (e FollowUpDue) EventID() string { return e.ID.String() }

// OutboxEvent is a row of request_events.
type OutboxEvent struct {
	ID          uuid.UUID  `db:"id"`
	RequestID   uuid.UUID  `db:"request_id"`
	Kind        string     `db:"kind"`
	Payload     []byte     `db:"payload"`
	CreatedAt   time.Time  `db:"created_at"`
	RelayedAt   *time.Time `db:"relayed_at"`
	RelayCount  int        `db:"relay_count"`
	DeliveredAt *time.Time `db:"delivered_at"`
}
