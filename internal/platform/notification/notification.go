// Package notification provides the outbound channel providers (email, SMS,
// push), message templates and the per-recipient urgent email throttle.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ---------------------------------------------------------------------------
// Channels
// ---------------------------------------------------------------------------

// Channel is a delivery medium for a notification.
type Channel string

const (
	ChannelDashboard Channel = "dashboard"
	ChannelEmail     Channel = "email"
	ChannelSMS       Channel = "sms"
	ChannelPush      Channel = "push"
)

// ---------------------------------------------------------------------------
// Sender Interfaces
// ---------------------------------------------------------------------------

// EmailSender is the interface for sending email messages.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// SMSSender is the interface for sending SMS messages.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// PushSender delivers a mobile push to every device registered for a user.
type PushSender interface {
	SendPush(ctx context.Context, userID, title, body string, data map[string]string) error
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

// Template IDs double as notification types.
const (
	TemplateUrgentCase          = "urgent_case"
	TemplateRequestAccepted     = "request_accepted"
	TemplateRequestRejected     = "request_rejected"
	TemplateInfoRequested       = "request_info_requested"
	TemplateEvaluationReminder  = "evaluation_reminder"
	TemplateSystemError         = "system_error"
	TemplateContactOutcome      = "contact_outcome"
	TemplateUrgentCaseEscalated = "urgent_case_escalated"
)

// Template defines a reusable notification template.
type Template struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	// SMS is the short form used for text messages and push bodies.
	SMS string `json:"sms,omitempty"`
}

// Message is a rendered template.
type Message struct {
	Subject string
	Body    string
	Short   string
}

// TemplateEngine manages notification templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*Template),
	}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:      TemplateUrgentCase,
			Subject: "Caso Médico Urgente Detectado",
			Body: "Se ha detectado un caso médico urgente que requiere atención inmediata:\n\n" +
				"Paciente: {{patient_name}}\nInstitución: {{institution}}\nEspecialidad: {{specialty}}\n" +
				"Diagnóstico: {{diagnosis}}\nPrioridad IA: {{priority}} (Score: {{score}}/100)\n\n" +
				"Por favor, evalúe esta solicitud con la mayor brevedad posible.",
			SMS: "URGENTE: {{patient_name}} ({{specialty}}) score {{score}}/100. Revise el panel.",
		},
		{
			ID:      TemplateUrgentCaseEscalated,
			Subject: "Caso Urgente sin Asignar ({{hours_overdue}}h)",
			Body: "La solicitud de {{patient_name}} ({{specialty}}, {{institution}}) de prioridad {{priority}} " +
				"lleva {{hours_overdue}} horas sin ser tomada por un evaluador.\n\n" +
				"Por favor, asigne un médico de inmediato.",
			SMS: "ESCALADO: {{patient_name}} ({{specialty}}) sin asignar hace {{hours_overdue}}h.",
		},
		{
			ID:      TemplateRequestAccepted,
			Subject: "Solicitud de Traslado Aceptada",
			Body: "La solicitud médica ha sido aceptada:\n\nPaciente: {{patient_name}}\nInstitución: {{institution}}\n" +
				"Especialidad: {{specialty}}\nEvaluado por: {{evaluator}}\nObservaciones: {{notes}}\n\n" +
				"Proceda con los trámites de admisión correspondientes.",
		},
		{
			ID:      TemplateRequestRejected,
			Subject: "Solicitud de Traslado Rechazada",
			Body: "La solicitud médica ha sido rechazada:\n\nPaciente: {{patient_name}}\nInstitución: {{institution}}\n" +
				"Especialidad: {{specialty}}\nEvaluado por: {{evaluator}}\nObservaciones: {{notes}}",
		},
		{
			ID:      TemplateInfoRequested,
			Subject: "Solicitud Requiere Información Adicional",
			Body: "La solicitud médica requiere información adicional:\n\nPaciente: {{patient_name}}\n" +
				"Institución: {{institution}}\nEspecialidad: {{specialty}}\nEvaluado por: {{evaluator}}\n" +
				"Observaciones: {{notes}}\n\n" +
				"Contacte a la institución remitente para obtener la información adicional requerida.",
		},
		{
			ID:      TemplateContactOutcome,
			Subject: "Respuesta a su solicitud de traslado: {{patient_name}}",
			Body: "Estimado/a {{contact_name}},\n\nSu solicitud para el paciente {{patient_name}} " +
				"({{specialty}}) ha sido {{outcome}}.\n\nObservaciones: {{notes}}",
		},
		{
			ID:      TemplateEvaluationReminder,
			Subject: "Recordatorio: Solicitud Pendiente de Seguimiento",
			Body: "La solicitud de {{patient_name}} ({{specialty}}) le fue asignada hace {{hours}} horas " +
				"y aún no tiene una decisión registrada.",
		},
		{
			ID:      TemplateSystemError,
			Subject: "Error de Entrega de Notificación",
			Body: "No se pudo entregar la notificación {{notification_id}} a {{recipient}} " +
				"tras {{attempts}} intentos. Último error: {{error}}",
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are left
// as-is. An empty SMS form falls back to the subject.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (Message, error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return Message{}, fmt.Errorf("template %q not found", templateID)
	}

	msg := Message{Subject: t.Subject, Body: t.Body, Short: t.SMS}
	if msg.Short == "" {
		msg.Short = t.Subject
	}
	pairs := make([]string, 0, len(data)*2)
	for k, v := range data {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	r := strings.NewReplacer(pairs...)
	msg.Subject = r.Replace(msg.Subject)
	msg.Body = r.Replace(msg.Body)
	msg.Short = r.Replace(msg.Short)
	return msg, nil
}

// ---------------------------------------------------------------------------
// Mock Senders (test doubles)
// ---------------------------------------------------------------------------

// EmailCall records a single call to SendEmail.
type EmailCall struct {
	To      string
	Subject string
	Body    string
}

// MockEmailSender is a test double for EmailSender.
type MockEmailSender struct {
	mu         sync.Mutex
	calls      []EmailCall
	ShouldFail bool
	FailError  string
}

// SendEmail records the call and optionally returns an error.
func (m *MockEmailSender) SendEmail(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, EmailCall{To: to, Subject: subject, Body: body})
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

// Calls returns a copy of recorded email calls.
func (m *MockEmailSender) Calls() []EmailCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EmailCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// SMSCall records a single call to SendSMS.
type SMSCall struct {
	To   string
	Body string
}

// MockSMSSender is a test double for SMSSender.
type MockSMSSender struct {
	mu         sync.Mutex
	calls      []SMSCall
	ShouldFail bool
	FailError  string
}

// SendSMS records the call and optionally returns an error.
func (m *MockSMSSender) SendSMS(_ context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, SMSCall{To: to, Body: body})
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

// Calls returns a copy of recorded SMS calls.
func (m *MockSMSSender) Calls() []SMSCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SMSCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// PushCall records a single call to SendPush.
type PushCall struct {
	UserID string
	Title  string
	Body   string
	Data   map[string]string
}

// MockPushSender is a test double for PushSender.
type MockPushSender struct {
	mu         sync.Mutex
	calls      []PushCall
	ShouldFail bool
	FailError  string
}

func (m *MockPushSender) SendPush(_ context.Context, userID, title, body string, data map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, PushCall{UserID: userID, Title: title, Body: body, Data: data})
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

func (m *MockPushSender) Calls() []PushCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PushCall, len(m.calls))
	copy(out, m.calls)
	return out
}
