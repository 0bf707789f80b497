package notification

import (
	"context"

	"github.com/rs/zerolog"
)

// LogEmailSender writes email deliveries to the log instead of sending
// them. Used in development where no SMTP relay is configured.
type LogEmailSender struct {
	logger zerolog.Logger
}

func NewLogEmailSender(logger zerolog.Logger) *LogEmailSender {
	return &LogEmailSender{logger: logger}
}

func (s *LogEmailSender) SendEmail(_ context.Context, to, subject, body string) error {
	s.logger.Info().
		Str("channel", "email").
		Str("to", to).
		Str("subject", subject).
		Int("body_len", len(body)).
		Msg("notification delivered to log")
	return nil
}

// LogSMSSender writes SMS deliveries to the log.
type LogSMSSender struct {
	logger zerolog.Logger
}

func NewLogSMSSender(logger zerolog.Logger) *LogSMSSender {
	return &LogSMSSender{logger: logger}
}

func (s *LogSMSSender) SendSMS(_ context.Context, to, body string) error {
	s.logger.Info().
		Str("channel", "sms").
		Str("to", to).
		Int("body_len", len(body)).
		Msg("notification delivered to log")
	return nil
}
