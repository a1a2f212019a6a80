package notification

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

const sendGridHost = "https://api.sendgrid.com"

// SendGridSender delivers email through the SendGrid v3 API.
type SendGridSender struct {
	apiKey   string
	fromName string
	fromAddr string
	host     string
}

func NewSendGridSender(apiKey, fromAddr, fromName string) *SendGridSender {
	return &SendGridSender{apiKey: apiKey, fromAddr: fromAddr, fromName: fromName, host: sendGridHost}
}

func (s *SendGridSender) SendEmail(ctx context.Context, to, subject, body string) error {
	m := mail.NewV3MailInit(
		mail.NewEmail(s.fromName, s.fromAddr),
		subject,
		mail.NewEmail("", to),
		mail.NewContent("text/plain", body),
	)
	req := sendgrid.GetRequest(s.apiKey, "/v3/mail/send", s.host)
	req.Method = http.MethodPost
	req.Body = mail.GetRequestBody(m)

	res, err := sendgrid.MakeRequestWithContext(ctx, req)
	if err != nil {
		return fmt.Errorf("sendgrid send to %s: %w", to, err)
	}
	if res.StatusCode >= 300 {
		return fmt.Errorf("sendgrid send to %s: status %d: %s", to, res.StatusCode, res.Body)
	}
	return nil
}

// LogSender implements every channel by writing the message to the log. It
// is wired in development when no provider credentials are configured.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger.With().Str("component", "log_sender").Logger()}
}

func (s *LogSender) SendEmail(_ context.Context, to, subject, _ string) error {
	s.logger.Info().Str("channel", string(ChannelEmail)).Str("to", to).Str("subject", subject).Msg("email")
	return nil
}

func (s *LogSender) SendSMS(_ context.Context, to, body string) error {
	s.logger.Info().Str("channel", string(ChannelSMS)).Str("to", to).Int("length", len(body)).Msg("sms")
	return nil
}

func (s *LogSender) SendPush(_ context.Context, userID, title, _ string, _ map[string]string) error {
	s.logger.Info().Str("channel", string(ChannelPush)).Str("user_id", userID).Str("title", title).Msg("push")
	return nil
}
