package smtp

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/mail"
	gosmtp "net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/keyxmakerx/coursehub/internal/apperror"
	"github.com/keyxmakerx/coursehub/internal/config"
)

// dialTimeout bounds connecting to the relay. sessionTimeout bounds the
// whole SMTP conversation when the caller's context has no deadline.
const (
	dialTimeout    = 10 * time.Second
	sessionTimeout = 30 * time.Second
)

// MailService is the interface other plugins use to send email.
// This is the cross-plugin contract -- auth uses it for recovery links.
type MailService interface {
	// SendMail sends an HTML message. It returns once the relay accepted
	// the message, ctx ended, or the session timed out.
	SendMail(ctx context.Context, to []string, subject, body string) error

	// Settings returns the active configuration with the password redacted.
	Settings() Settings

	// TestConnection verifies the relay accepts a connection and, when
	// credentials are set, authentication.
	TestConnection(ctx context.Context) error
}

// smtpService implements MailService against a real relay.
type smtpService struct {
	cfg config.SMTPConfig
	now func() time.Time
}

// NewSMTPService creates a mail service for the given relay settings.
func NewSMTPService(cfg config.SMTPConfig) MailService {
	return &smtpService{cfg: cfg, now: time.Now}
}

// New returns a relay-backed service when SMTP is configured and the log
// mailer otherwise.
func New(cfg config.SMTPConfig) MailService {
	if cfg.Enabled() {
		return NewSMTPService(cfg)
	}
	slog.Warn("SMTP_HOST not set, outgoing mail will be logged instead of sent")
	return NewLogMailer(cfg)
}

// Settings returns the relay settings without the password.
func (s *smtpService) Settings() Settings {
	return settingsFrom(s.cfg, true)
}

// SendMail sends an HTML message to every recipient.
func (s *smtpService) SendMail(ctx context.Context, to []string, subject, body string) error {
	if len(to) == 0 {
		return apperror.NewBadRequest("no recipients")
	}

	from := mail.Address{Name: s.cfg.FromName, Address: s.cfg.FromAddress}
	msg := buildMessage(from, to, subject, body, s.now())
	addr := s.addr()

	ss, err := s.open(ctx, addr)
	if err != nil {
		return fmt.Errorf("sending mail via %s: %w", addr, err)
	}
	defer ss.close()

	if err := s.authenticate(ss.client); err != nil {
		return fmt.Errorf("sending mail via %s: %w", addr, err)
	}
	if err := sendMessage(ss.client, from.Address, to, msg); err != nil {
		return fmt.Errorf("sending mail via %s: %w", addr, err)
	}

	slog.Info("mail sent",
		slog.Int("recipients", len(to)),
		slog.String("subject", subject),
	)
	return nil
}

// buildMessage renders an RFC 5322 HTML message.
func buildMessage(from mail.Address, to []string, subject, body string, now time.Time) string {
	var msg strings.Builder
	msg.WriteString(fmt.Sprintf("From: %s\r\n", from.String()))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(to, ", ")))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", sanitizeHeader(subject)))
	msg.WriteString(fmt.Sprintf("Date: %s\r\n", now.UTC().Format(time.RFC1123Z)))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)
	return msg.String()
}

// sanitizeHeader drops CR and LF so a value cannot inject extra headers.
func sanitizeHeader(v string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(v)
}

func (s *smtpService) addr() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

// session is one SMTP conversation with the relay.
type session struct {
	client *gosmtp.Client
	stop   func() bool
}

func (ss *session) close() {
	ss.stop()
	ss.client.Close()
}

// open connects to the relay, reads its greeting and upgrades the link when
// STARTTLS is configured. Every read and write on the connection is bounded
// by the ctx deadline, or by sessionTimeout when ctx has none, and
// cancelling ctx unblocks pending I/O at once.
func (s *smtpService) open(ctx context.Context, addr string) (*session, error) {
	conn, err := s.dial(ctx, addr)
	if err != nil {
		return nil, err
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(sessionTimeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setting deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})

	client, err := gosmtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		stop()
		conn.Close()
		return nil, fmt.Errorf("smtp handshake: %w", err)
	}
	ss := &session{client: client, stop: stop}

	if s.cfg.Encryption == "starttls" {
		if err := client.StartTLS(s.tlsConfig()); err != nil {
			ss.close()
			return nil, fmt.Errorf("starting TLS: %w", err)
		}
	}
	return ss, nil
}

// dial opens the TCP connection, with implicit TLS when Encryption is "ssl".
// The connection is returned unwrapped so net/smtp can see a *tls.Conn.
func (s *smtpService) dial(ctx context.Context, addr string) (net.Conn, error) {
	nd := &net.Dialer{Timeout: dialTimeout}
	if s.cfg.Encryption == "ssl" {
		d := &tls.Dialer{NetDialer: nd, Config: s.tlsConfig()}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("connecting to %s (SSL): %w", addr, err)
		}
		return conn, nil
	}

	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return conn, nil
}

func (s *smtpService) tlsConfig() *tls.Config {
	return &tls.Config{ServerName: s.cfg.Host, MinVersion: tls.VersionTLS12}
}

// authenticate runs PLAIN auth when a username is configured. net/smtp
// refuses PLAIN over an unencrypted link to anything but localhost.
func (s *smtpService) authenticate(client *gosmtp.Client) error {
	if s.cfg.Username == "" {
		return nil
	}
	auth := gosmtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("authenticating: %w", err)
	}
	return nil
}

// sendMessage handles MAIL FROM, RCPT TO, DATA for an existing SMTP client.
func sendMessage(client *gosmtp.Client, from string, to []string, msg string) error {
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	for _, recipient := range to {
		if err := client.Rcpt(recipient); err != nil {
			return fmt.Errorf("RCPT TO %s: %w", recipient, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write([]byte(msg)); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing data: %w", err)
	}
	return client.Quit()
}

// TestConnection verifies the relay greets us, upgrades to TLS when
// configured, and accepts the credentials.
func (s *smtpService) TestConnection(ctx context.Context) error {
	addr := s.addr()

	ss, err := s.open(ctx, addr)
	if err != nil {
		slog.Warn("smtp connection test failed", slog.String("addr", addr), slog.Any("error", err))
		return apperror.NewBadRequest(fmt.Sprintf("could not connect to %s", addr))
	}
	defer ss.close()

	if err := s.authenticate(ss.client); err != nil {
		slog.Warn("smtp authentication test failed", slog.String("addr", addr), slog.Any("error", err))
		return apperror.NewBadRequest("SMTP authentication failed")
	}

	return ss.client.Quit()
}

// settingsFrom builds the redacted view of cfg.
func settingsFrom(cfg config.SMTPConfig, enabled bool) Settings {
	return Settings{
		Enabled:     enabled,
		Host:        cfg.Host,
		Port:        cfg.Port,
		Username:    cfg.Username,
		HasPassword: cfg.Password != "",
		FromAddress: cfg.FromAddress,
		FromName:    cfg.FromName,
		Encryption:  cfg.Encryption,
	}
}
