package service

import (
	"context"
	"fmt"
	"net/smtp"
	"sort"
	"strings"

	"github.com/jordan-wright/email"
)

// SMTPConfig holds the mail relay settings for EmailSink.
type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	To       []string
}

// EmailSink mails each alert to a fixed recipient list.
type EmailSink struct {
	cfg  SMTPConfig
	send func(e *email.Email, addr string, auth smtp.Auth) error
}

func NewEmailSink(cfg SMTPConfig) *EmailSink {
	return &EmailSink{
		cfg: cfg,
		send: func(e *email.Email, addr string, auth smtp.Auth) error {
			return e.Send(addr, auth)
		},
	}
}

func (s *EmailSink) Name() string { return "email" }

func (s *EmailSink) Deliver(ctx context.Context, alert Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%s", s.cfg.Host, s.cfg.Port)
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}

	if err := s.send(s.message(alert), addr, auth); err != nil {
		return fmt.Errorf("failed to send alert email: %w", err)
	}
	return nil
}

func (s *EmailSink) message(alert Alert) *email.Email {
	e := email.NewEmail()
	e.From = s.cfg.From
	e.To = append([]string(nil), s.cfg.To...)
	e.Subject = fmt.Sprintf("[%s] %s", strings.ToUpper(string(alert.Severity)), alert.Subject)

	var body strings.Builder
	body.WriteString(alert.Message)
	body.WriteString("\n\n")

	keys := make([]string, 0, len(alert.Metadata))
	for k := range alert.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&body, "%s: %s\n", k, alert.Metadata[k])
	}
	fmt.Fprintf(&body, "\nRaised at %s\n", alert.CreatedAt.UTC().Format("2006-01-02 15:04:05 MST"))

	e.Text = []byte(body.String())
	return e
}
