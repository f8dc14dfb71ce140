package smtp

import (
	"context"
	"log/slog"

	"github.com/keyxmakerx/coursehub/internal/apperror"
	"github.com/keyxmakerx/coursehub/internal/config"
)

// logMailer implements MailService by writing each message to the log.
// Used when no relay is configured.
type logMailer struct {
	cfg config.SMTPConfig
}

// NewLogMailer creates a mailer that logs instead of sending.
func NewLogMailer(cfg config.SMTPConfig) MailService {
	return &logMailer{cfg: cfg}
}

// SendMail logs that a message was dropped. The body can hold a recovery
// link, so it is only written at debug level, which development enables.
func (m *logMailer) SendMail(ctx context.Context, to []string, subject, body string) error {
	slog.Info("mail not sent, SMTP disabled",
		slog.Int("recipients", len(to)),
		slog.String("subject", subject),
	)
	slog.DebugContext(ctx, "undelivered mail body",
		slog.Any("to", to),
		slog.String("body", body),
	)
	return nil
}

func (m *logMailer) Settings() Settings {
	return settingsFrom(m.cfg, false)
}

// TestConnection always fails: there is nothing to connect to.
func (m *logMailer) TestConnection(context.Context) error {
	return apperror.NewBadRequest("SMTP is not configured")
}
