package notify

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Notification states.
const (
	StatePending = "pending"
	StateSent    = "sent"
	StateRead    = "read"
	StateFailed  = "failed"
)

// Notification priorities.
const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

var (
	// ErrChannelDeliveryFailed wraps provider errors. It is recorded on the
	// notification and never returned to API callers.
	ErrChannelDeliveryFailed = errors.New("channel delivery failed")
	ErrNotFound              = errors.New("notification not found")
	ErrForbidden             = errors.New("notification belongs to another user")
)

// Notification is one message to one recipient about one event, delivered
// over one or more channels.
type Notification struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	RequestID      *uuid.UUID      `db:"request_id" json:"request_id,omitempty"`
	RecipientID    *uuid.UUID      `db:"recipient_id" json:"recipient_id,omitempty"`
	RecipientEmail string          `db:"recipient_email" json:"-"`
	RecipientPhone string          `db:"recipient_phone" json:"-"`
	RecipientKey   string          `db:"recipient_key" json:"-"`
	EventKey       string          `db:"event_key" json:"-"`
	Type           string          `db:"type" json:"type"`
	Title          string          `db:"title" json:"title"`
	Message        string          `db:"message" json:"message"`
	Payload        json.RawMessage `db:"payload" json:"payload,omitempty"`
	State          string          `db:"state" json:"state"`
	Priority       string          `db:"priority" json:"priority"`

	ChannelDashboard bool `db:"channel_dashboard" json:"channel_dashboard"`
	ChannelEmail     bool `db:"channel_email" json:"channel_email"`
	ChannelSMS       bool `db:"channel_sms" json:"channel_sms"`
	ChannelPush      bool `db:"channel_push" json:"channel_push"`

	EmailSentAt *time.Time `db:"email_sent_at" json:"-"`
	SMSSentAt   *time.Time `db:"sms_sent_at" json:"-"`
	PushSentAt  *time.Time `db:"push_sent_at" json:"-"`

	Attempts    int        `db:"attempts" json:"-"`
	NextRetryAt *time.Time `db:"next_retry_at" json:"-"`
	LastError   string     `db:"last_error" json:"-"`
	SentAt      *time.Time `db:"sent_at" json:"sent_at,omitempty"`
	ReadAt      *time.Time `db:"read_at" json:"read_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}

// payload is the stored form of Notification.Payload.
type payload struct {
	Short string            `json:"short,omitempty"`
	Data  map[string]string `json:"data,omitempty"`
}

func (n *Notification) payload() payload {
	var p payload
	if len(n.Payload) > 0 {
		_ = json.Unmarshal(n.Payload, &p)
	}
	return p
}

// DispatchResult counts recipients of one dispatch.
type DispatchResult struct {
	Attempted    int `json:"attempted"`
	Succeeded    int `json:"succeeded"`
	Failed       int `json:"failed"`
	Deduplicated int `json:"deduplicated"`
}

func (r *DispatchResult) Add(o DispatchResult) {
	r.Attempted += o.Attempted
	r.Succeeded += o.Succeeded
	r.Failed += o.Failed
	r.Deduplicated += o.Deduplicated
}
