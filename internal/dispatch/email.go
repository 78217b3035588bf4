package dispatch

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/jordan-wright/email"
)

type SMTPConfig struct {
	Host      string
	Port      string
	Username  string
	Password  string
	FromEmail string
	FromName  string
	// DefaultTo is used when the tenant has no email_to.
	DefaultTo string
}

func (c SMTPConfig) Enabled() bool { return c.Host != "" && c.FromEmail != "" }

// EmailSender mails alerts over SMTP with STARTTLS.
type EmailSender struct {
	cfg  SMTPConfig
	send func(e *email.Email) error
}

func NewEmailSender(cfg SMTPConfig) *EmailSender {
	if cfg.Port == "" {
		cfg.Port = "587"
	}
	if cfg.FromName == "" {
		cfg.FromName = "Homenavi Alerts"
	}
	s := &EmailSender{cfg: cfg}
	s.send = s.sendStartTLS
	return s
}

func (s *EmailSender) Name() string { return "email" }

func (s *EmailSender) Accepts(n Notification) bool {
	return s.cfg.Enabled() && len(s.recipients(n)) > 0
}

func (s *EmailSender) recipients(n Notification) []string {
	to := n.Settings.EmailTo
	if to == "" {
		to = s.cfg.DefaultTo
	}
	var out []string
	for _, addr := range strings.Split(to, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

func (s *EmailSender) Send(ctx context.Context, n Notification) error {
	to := s.recipients(n)
	if !s.cfg.Enabled() || len(to) == 0 {
		return ErrNotConfigured
	}
	e := email.NewEmail()
	e.From = fmt.Sprintf("%s <%s>", s.cfg.FromName, s.cfg.FromEmail)
	e.To = to
	e.Subject = subject(n.Alert)
	e.Text = []byte(text(n))

	// net/smtp has no context support; run it aside and give up on timeout.
	done := make(chan error, 1)
	go func() { done <- s.send(e) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *EmailSender) sendStartTLS(e *email.Email) error {
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	return e.SendWithStartTLS(
		fmt.Sprintf("%s:%s", s.cfg.Host, s.cfg.Port),
		auth,
		&tls.Config{ServerName: s.cfg.Host},
	)
}
