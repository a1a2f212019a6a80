package referral

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Lifecycle states.
const (
	StateReceived    = "received"
	StateInReview    = "in_review"
	StateAccepted    = "accepted"
	StateRejected    = "rejected"
	StatePendingInfo = "pending_info"
	StateCompleted   = "completed"
)

// Evaluation decisions.
const (
	DecisionAccept      = "accept"
	DecisionReject      = "reject"
	DecisionRequestInfo = "request_info"
)

// Priority tiers assigned by the classifier or an evaluator.
const (
	PriorityHigh   = "High"
	PriorityMedium = "Medium"
	PriorityLow    = "Low"
)

var (
	validStates = map[string]bool{
		StateReceived: true, StateInReview: true, StateAccepted: true,
		StateRejected: true, StatePendingInfo: true, StateCompleted: true,
	}
	validPriorities   = map[string]bool{PriorityHigh: true, PriorityMedium: true, PriorityLow: true}
	validRequestTypes = map[string]bool{
		"consultation": true, "hospitalization": true, "surgery": true, "emergency": true, "other": true,
	}
	validSexes = map[string]bool{"M": true, "F": true, "other": true}
)

func ValidState(s string) bool    { return validStates[s] }
func ValidPriority(p string) bool { return validPriorities[p] }

// Sender identifies the referring institution and contact.
type Sender struct {
	SenderInstitution string `db:"sender_institution" json:"sender_institution"`
	SenderPhysician   string `db:"sender_physician" json:"sender_physician"`
	SenderEmail       string `db:"sender_email" json:"sender_email"`
	SenderPhone       string `db:"sender_phone" json:"sender_phone"`
}

type Patient struct {
	PatientName       string `db:"patient_name" json:"patient_name"`
	PatientSurnames   string `db:"patient_surnames" json:"patient_surnames"`
	PatientIdentifier string `db:"patient_identifier" json:"patient_identifier"`
	PatientIDType     string `db:"patient_id_type" json:"patient_id_type"`
	PatientAge        *int   `db:"patient_age" json:"patient_age,omitempty"`
	PatientSex        string `db:"patient_sex" json:"patient_sex"`
	PatientPhone      string `db:"patient_phone" json:"patient_phone"`
}

// FullName joins name and surnames.
func (p Patient) FullName() string {
	if p.PatientSurnames == "" {
		return p.PatientName
	}
	return p.PatientName + " " + p.PatientSurnames
}

type Clinical struct {
	Diagnosis          string   `db:"diagnosis" json:"diagnosis"`
	SecondaryDiagnoses []string `db:"secondary_diagnoses" json:"secondary_diagnoses"`
	ChiefComplaint     string   `db:"chief_complaint" json:"chief_complaint"`
	CurrentIllness     string   `db:"current_illness" json:"current_illness"`
	History            string   `db:"history" json:"history"`
	Medications        string   `db:"medications" json:"medications"`
}

// Vitals are all optional.
type Vitals struct {
	HeartRate         *int     `db:"heart_rate" json:"heart_rate,omitempty"`
	RespiratoryRate   *int     `db:"respiratory_rate" json:"respiratory_rate,omitempty"`
	Temperature       *float64 `db:"temperature" json:"temperature,omitempty"`
	SystolicBP        *int     `db:"systolic_bp" json:"systolic_bp,omitempty"`
	DiastolicBP       *int     `db:"diastolic_bp" json:"diastolic_bp,omitempty"`
	OxygenSaturation  *int     `db:"oxygen_saturation" json:"oxygen_saturation,omitempty"`
	GlasgowScore      *int     `db:"glasgow_score" json:"glasgow_score,omitempty"`
	OxygenRequirement *string  `db:"oxygen_requirement" json:"oxygen_requirement,omitempty"`
}

// Attachment is a file stored in the blob store.
type Attachment struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// Request is the medical referral aggregate.
type Request struct {
	ID            uuid.UUID `db:"id" json:"id"`
	EmailUniqueID string    `db:"email_unique_id" json:"email_unique_id"`
	Sender
	Patient
	Clinical
	Vitals
	RequestedSpecialty string `db:"requested_specialty" json:"requested_specialty"`
	RequestType        string `db:"request_type" json:"request_type"`
	ReferralReason     string `db:"referral_reason" json:"referral_reason"`

	Priority      string          `db:"priority" json:"priority"`
	UrgencyScore  int             `db:"urgency_score" json:"urgency_score"`
	AICriteria    json.RawMessage `db:"ai_criteria" json:"ai_criteria,omitempty"`
	AIProcessedAt *time.Time      `db:"ai_processed_at" json:"ai_processed_at,omitempty"`

	State           string     `db:"state" json:"state"`
	EvaluatorID     *uuid.UUID `db:"evaluator_id" json:"evaluator_id,omitempty"`
	Decision        *string    `db:"decision" json:"decision,omitempty"`
	EvaluatorNotes  *string    `db:"evaluator_notes" json:"evaluator_notes,omitempty"`
	DecidedPriority *string    `db:"decided_priority" json:"decided_priority,omitempty"`
	AssignedAt      *time.Time `db:"assigned_at" json:"assigned_at,omitempty"`
	EvaluatedAt     *time.Time `db:"evaluated_at" json:"evaluated_at,omitempty"`
	CompletedAt     *time.Time `db:"completed_at" json:"completed_at,omitempty"`

	ReceivedAt         time.Time       `db:"received_at" json:"received_at"`
	Attachments        []Attachment    `db:"attachments" json:"attachments"`
	ExtractedText      string          `db:"extracted_text" json:"extracted_text,omitempty"`
	ProcessingMetadata json.RawMessage `db:"processing_metadata" json:"processing_metadata,omitempty"`

	Version   int        `db:"version" json:"version"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
	DeletedAt *time.Time `db:"deleted_at" json:"-"`
}

// Terminal reports whether no further transition is allowed.
func (r *Request) Terminal() bool { return r.State == StateCompleted }

// HasEvaluator reports whether id is the assigned evaluator.
func (r *Request) HasEvaluator(id uuid.UUID) bool {
	return r.EvaluatorID != nil && *r.EvaluatorID == id
}

// clone copies r deeply enough that transitions never alias the original's
// pointer fields.
func (r Request) clone() Request {
	cp := r
	cp.EvaluatorID = copyPtr(r.EvaluatorID)
	cp.Decision = copyPtr(r.Decision)
	cp.EvaluatorNotes = copyPtr(r.EvaluatorNotes)
	cp.DecidedPriority = copyPtr(r.DecidedPriority)
	cp.AssignedAt = copyPtr(r.AssignedAt)
	cp.EvaluatedAt = copyPtr(r.EvaluatedAt)
	cp.CompletedAt = copyPtr(r.CompletedAt)
	return cp
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// ListFilter narrows List. Empty fields are ignored.
type ListFilter struct {
	State       string
	Priority    string
	Specialty   string
	EvaluatorID *uuid.UUID
}

// EvaluationInput is an evaluator's verdict.
type EvaluationInput struct {
	Decision        string  `json:"decision"`
	Notes           string  `json:"notes"`
	DecidedPriority *string `json:"decided_priority"`
}
