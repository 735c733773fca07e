// Package mailer delivers notification emails over SMTP.
package mailer

import (
	"context"
	"crypto/tls"
	"errors"

	mail "github.com/go-mail/mail/v2"
	"go.uber.org/zap"

	"github.com/ekaya-inc/crm-migrations/pkg/config"
)

// Message is one outbound email.
type Message struct {
	To      []string
	Subject string
	HTML    string
}

// Mailer sends notification emails.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// New returns an SMTP mailer, or a logging no-op mailer when SMTP is not configured.
func New(cfg *config.SMTPConfig, logger *zap.Logger) Mailer {
	logger = logger.Named("mailer")
	if !cfg.Enabled() {
		logger.Info("SMTP not configured, notification emails will be logged only")
		return &logMailer{logger: logger}
	}
	return &smtpMailer{cfg: *cfg, logger: logger}
}

type sender interface {
	DialAndSend(m ...*mail.Message) error
}

type smtpMailer struct {
	cfg    config.SMTPConfig
	logger *zap.Logger
	dial   func() sender
}

func (m *smtpMailer) dialer() sender {
	if m.dial != nil {
		return m.dial()
	}
	d := mail.NewDialer(m.cfg.Host, m.cfg.Port, m.cfg.User, m.cfg.Password)
	d.StartTLSPolicy = mail.MandatoryStartTLS
	d.TLSConfig = &tls.Config{
		ServerName:         m.cfg.Host,
		InsecureSkipVerify: m.cfg.SkipTLSVerify, //nolint:gosec // opt-in for local relays
	}
	return d
}

// Send delivers msg. An empty recipient list is a no-op.
func (m *smtpMailer) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.Subject == "" {
		return errors.New("email subject is required")
	}

	em := mail.NewMessage()
	em.SetHeader("From", m.cfg.From)
	em.SetHeader("To", msg.To...)
	em.SetHeader("Subject", msg.Subject)
	em.SetBody("text/html", msg.HTML)

	if err := m.dialer().DialAndSend(em); err != nil {
		return err
	}
	m.logger.Debug("Sent email", zap.Strings("to", msg.To), zap.String("subject", msg.Subject))
	return nil
}

type logMailer struct {
	logger *zap.Logger
}

func (m *logMailer) Send(_ context.Context, msg Message) error {
	m.logger.Info("Email not sent (SMTP disabled)",
		zap.Strings("to", msg.To),
		zap.String("subject", msg.Subject))
	return nil
}
