package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Action names as stored and exposed on the wire.
const (
	ActionRequestReceived         = "request_received"
	ActionAIProcessingCompleted   = "ai_processing_completed"
	ActionEvaluatorAssigned       = "evaluator_assigned"
	ActionEvaluationStarted       = "evaluation_started"
	ActionPriorityChanged         = "priority_changed"
	ActionRequestAccepted         = "request_accepted"
	ActionRequestRejected         = "request_rejected"
	ActionAdditionalInfoRequested = "additional_info_requested"
	ActionRequestResubmitted      = "request_resubmitted"
	ActionRequestCompleted        = "request_completed"
	ActionEvaluatorReassigned     = "evaluator_reassigned"
	ActionNotificationSent        = "notification_sent"
	ActionCommentAdded            = "comment_added"
	ActionAttachmentAdded         = "attachment_added"
	ActionStateModified           = "state_modified"
	ActionEscalationTriggered     = "escalation_triggered"
	ActionUserCreated             = "user_created"
	ActionUserUpdated             = "user_updated"
)

var knownActions = map[string]bool{
	ActionRequestReceived: true, ActionAIProcessingCompleted: true, ActionEvaluatorAssigned: true,
	ActionEvaluationStarted: true, ActionPriorityChanged: true, ActionRequestAccepted: true,
	ActionRequestRejected: true, ActionAdditionalInfoRequested: true, ActionRequestResubmitted: true,
	ActionRequestCompleted: true, ActionEvaluatorReassigned: true, ActionNotificationSent: true,
	ActionCommentAdded: true, ActionAttachmentAdded: true, ActionStateModified: true,
	ActionEscalationTriggered: true, ActionUserCreated: true, ActionUserUpdated: true,
}

// IsKnownAction reports whether a is one of the defined actions.
func IsKnownAction(a string) bool { return knownActions[a] }

// SystemActor is the actor name recorded for background work.
const SystemActor = "system"

// Entry is one immutable audit record.
type Entry struct {
	ID          uuid.UUID       `db:"id" json:"id"`
	RequestID   *uuid.UUID      `db:"request_id" json:"request_id,omitempty"`
	ActorID     *uuid.UUID      `db:"actor_id" json:"actor_id,omitempty"`
	ActorName   string          `db:"actor_name" json:"actor_name"`
	ActorRole   string          `db:"actor_role" json:"actor_role"`
	Action      string          `db:"action" json:"action"`
	Description string          `db:"description" json:"description"`
	Before      json.RawMessage `db:"before" json:"before,omitempty"`
	After       json.RawMessage `db:"after" json:"after,omitempty"`
	IPAddress   string          `db:"ip_address" json:"ip_address,omitempty"`
	UserAgent   string          `db:"user_agent" json:"user_agent,omitempty"`
	Metadata    json.RawMessage `db:"metadata" json:"metadata,omitempty"`
	OccurredAt  time.Time       `db:"occurred_at" json:"occurred_at"`
}

// Filter narrows a query. Zero fields are ignored.
type Filter struct {
	RequestID *uuid.UUID
	ActorID   *uuid.UUID
	Action    string
	From      *time.Time
	To        *time.Time
}
