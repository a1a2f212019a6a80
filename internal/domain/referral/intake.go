package referral

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vitalred/triage/internal/domain/audit"
	"github.com/vitalred/triage/internal/domain/evaluator"
	"github.com/vitalred/triage/internal/platform/blobstore"
	"github.com/vitalred/triage/internal/platform/ingest"
)

// Defaults applied when the classifier left a field blank.
const (
	defaultScore       = 50
	defaultPriority    = PriorityMedium
	defaultRequestType = "consultation"
	maxPediatricAge    = 17
)

// IntakeInput is a parsed referral as delivered by the ingestion pipeline.
type IntakeInput struct {
	EmailUniqueID string `json:"email_unique_id"`
	Sender
	Patient
	Clinical
	Vitals
	RequestedSpecialty string          `json:"requested_specialty"`
	RequestType        string          `json:"request_type"`
	ReferralReason     string          `json:"referral_reason"`
	Priority           string          `json:"priority"`
	UrgencyScore       *int            `json:"urgency_score"`
	AICriteria         json.RawMessage `json:"ai_criteria"`
	AIProcessedAt      *time.Time      `json:"ai_processed_at"`
	ReceivedAt         *time.Time      `json:"received_at"`
	Attachments        []Attachment    `json:"attachments"`
	ExtractedText      string          `json:"extracted_text"`
	ProcessingMetadata json.RawMessage `json:"processing_metadata"`
}

func (in *IntakeInput) validate() error {
	var problems []string
	for _, f := range []struct{ name, value string }{
		{"email_unique_id", in.EmailUniqueID},
		{"patient_name", in.PatientName},
		{"diagnosis", in.Diagnosis},
		{"requested_specialty", in.RequestedSpecialty},
		{"sender_institution", in.SenderInstitution},
	} {
		if strings.TrimSpace(f.value) == "" {
			problems = append(problems, f.name+" is required")
		}
	}
	if in.PatientAge != nil && (*in.PatientAge < 0 || *in.PatientAge > 120) {
		problems = append(problems, "patient_age must be between 0 and 120")
	}
	if in.PatientSex != "" && !validSexes[in.PatientSex] {
		problems = append(problems, "patient_sex must be M, F or other")
	}
	if in.RequestType != "" && !validRequestTypes[in.RequestType] {
		problems = append(problems, "unknown request_type "+in.RequestType)
	}
	if in.Priority != "" && !ValidPriority(in.Priority) {
		problems = append(problems, "priority must be High, Medium or Low")
	}
	if in.UrgencyScore != nil && (*in.UrgencyScore < 0 || *in.UrgencyScore > 100) {
		problems = append(problems, "urgency_score must be between 0 and 100")
	}
	if in.SenderEmail != "" {
		if _, err := mail.ParseAddress(in.SenderEmail); err != nil {
			problems = append(problems, "sender_email is not a valid address")
		}
	}
	if in.PatientAge != nil && *in.PatientAge > maxPediatricAge &&
		evaluator.NormalizeSpecialty(in.RequestedSpecialty) == "pediatria" {
		problems = append(problems, "patients older than 17 cannot be referred to pediatrics")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrValidationFailed, strings.Join(problems, "; "))
	}
	return nil
}

func (in *IntakeInput) toRequest(now time.Time) *Request {
	r := &Request{
		ID:                 uuid.New(),
		EmailUniqueID:      strings.TrimSpace(in.EmailUniqueID),
		Sender:             in.Sender,
		Patient:            in.Patient,
		Clinical:           in.Clinical,
		Vitals:             in.Vitals,
		RequestedSpecialty: strings.TrimSpace(in.RequestedSpecialty),
		RequestType:        in.RequestType,
		ReferralReason:     in.ReferralReason,
		Priority:           in.Priority,
		UrgencyScore:       defaultScore,
		AICriteria:         in.AICriteria,
		AIProcessedAt:      in.AIProcessedAt,
		State:              StateReceived,
		ReceivedAt:         now,
		Attachments:        in.Attachments,
		ExtractedText:      in.ExtractedText,
		ProcessingMetadata: in.ProcessingMetadata,
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if in.UrgencyScore != nil {
		r.UrgencyScore = *in.UrgencyScore
	}
	if r.Priority == "" {
		r.Priority = defaultPriority
	}
	if r.RequestType == "" {
		r.RequestType = defaultRequestType
	}
	if in.ReceivedAt != nil && !in.ReceivedAt.IsZero() {
		r.ReceivedAt = in.ReceivedAt.UTC()
	}
	if r.SecondaryDiagnoses == nil {
		r.SecondaryDiagnoses = []string{}
	}
	if r.Attachments == nil {
		r.Attachments = []Attachment{}
	}
	return r
}

// Intake stores a new referral in state received. A score at or above the
// urgent threshold emits UrgentCaseDetected.
func (s *Service) Intake(ctx context.Context, in IntakeInput) (*Request, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	now := s.nowFn()
	r := in.toRequest(now)

	var events []pending
	if r.UrgencyScore >= s.cfg.UrgentThreshold {
		ev := UrgentCaseDetected{ID: uuid.New(), Request: SummaryOf(r), OccurredAt: now}
		events = append(events, pending{TopicUrgentCaseDetected, ev.ID, ev})
	}
	outbox, err := s.outboxRows(r.ID, events, now)
	if err != nil {
		return nil, err
	}

	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, r); err != nil {
			return err
		}
		for _, ev := range outbox {
			if _, err := s.repo.AppendEvent(ctx, ev); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit.RecordBestEffort(ctx, audit.Entry{
		RequestID:   &r.ID,
		Action:      audit.ActionRequestReceived,
		Description: "referral received from " + r.SenderInstitution,
		After:       audit.Snapshot(stateOf(r)),
	})
	if r.AIProcessedAt != nil || len(r.AICriteria) > 0 {
		s.audit.RecordBestEffort(ctx, audit.Entry{
			RequestID:   &r.ID,
			Action:      audit.ActionAIProcessingCompleted,
			Description: fmt.Sprintf("classified %s with urgency score %d", r.Priority, r.UrgencyScore),
			Metadata:    r.AICriteria,
		})
	}
	s.publish(ctx, outbox)
	return r, nil
}

// IngestHandler adapts Intake to queue sources. Malformed, invalid and
// duplicate messages are acknowledged and dropped.
func (s *Service) IngestHandler() ingest.Handler {
	return func(ctx context.Context, body []byte) error {
		var in IntakeInput
		if err := json.Unmarshal(body, &in); err != nil {
			return ingest.Permanent(fmt.Errorf("%w: %v", ErrValidationFailed, err))
		}
		r, err := s.Intake(ctx, in)
		switch {
		case errors.Is(err, ErrValidationFailed), errors.Is(err, ErrDuplicate):
			s.logger.Warn().Err(err).Str("email_unique_id", in.EmailUniqueID).Msg("ingested message dropped")
			return ingest.Permanent(err)
		case err != nil:
			return err
		}
		s.logger.Info().Str("request_id", r.ID.String()).Int("urgency_score", r.UrgencyScore).Msg("request ingested")
		return nil
	}
}

// AddAttachment stores content and appends it to the request's attachment
// list.
func (s *Service) AddAttachment(ctx context.Context, id uuid.UUID, fileName, contentType string, content io.Reader) (*Attachment, error) {
	cur, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Terminal() {
		return nil, invalidState(*cur, "attach files to")
	}
	key := blobstore.AttachmentKey(id.String(), len(cur.Attachments), fileName)
	if err := blobstore.ValidateUpload(key, contentType); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}
	obj, err := s.blobs.Put(ctx, key, contentType, content)
	if errors.Is(err, blobstore.ErrFileTooLarge) {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}
	if err != nil {
		return nil, err
	}

	att := Attachment{Key: obj.Key, Name: fileName, ContentType: obj.ContentType, Size: obj.Size}
	next := cur.clone()
	next.Attachments = append(append([]Attachment{}, cur.Attachments...), att)
	next.UpdatedAt = s.nowFn()
	if _, err := s.commit(ctx, cur, next, change{
		action:      audit.ActionAttachmentAdded,
		description: "attachment added: " + fileName,
	}); err != nil {
		return nil, err
	}
	return &att, nil
}
