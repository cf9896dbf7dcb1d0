// Package email sends operator notifications over SMTP.
package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"

	"github.com/sysmanage/sysmanage-server/internal/server/config"
	"github.com/sysmanage/sysmanage-server/internal/server/faults"
)

// Mailer sends a plain-text message.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// New returns an SMTP mailer, or a no-op mailer when email is disabled.
func New(cfg config.Email) Mailer {
	if !cfg.Enabled {
		return noopMailer{}
	}
	return &smtpMailer{cfg: cfg}
}

type noopMailer struct{}

func (noopMailer) Send(_ context.Context, to, subject, _ string) error {
	slog.Debug("email disabled, dropping message", "to", to, "subject", subject)
	return nil
}

type smtpMailer struct {
	cfg config.Email
}

func (m *smtpMailer) Send(ctx context.Context, to, subject, body string) error {
	addr := net.JoinHostPort(m.cfg.Host, fmt.Sprintf("%d", m.cfg.Port))

	msg := strings.Join([]string{
		"From: " + m.cfg.FromAddress,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"",
		body,
	}, "\r\n")

	send := func() error {
		switch m.cfg.Encryption {
		case "ssl":
			return m.sendImplicitTLS(addr, to, []byte(msg))
		default:
			// "starttls" and "none" both go through the plain dialer; smtp
			// upgrades opportunistically when the server advertises STARTTLS.
			return smtp.SendMail(addr, m.auth(), m.cfg.FromAddress, []string{to}, []byte(msg))
		}
	}

	done := make(chan error, 1)
	go func() { done <- send() }()
	select {
	case <-ctx.Done():
		return faults.Wrap(faults.DependencyFailed, "email send cancelled", ctx.Err())
	case err := <-done:
		if err != nil {
			return faults.Wrap(faults.DependencyFailed, "failed to send email", err)
		}
		return nil
	}
}

func (m *smtpMailer) auth() smtp.Auth {
	if m.cfg.Username == "" {
		return nil
	}
	return smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
}

// sendImplicitTLS handles servers that expect TLS from the first byte
// (classic port 465) where smtp.SendMail's STARTTLS flow does not apply.
func (m *smtpMailer) sendImplicitTLS(addr, to string, msg []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: m.cfg.Host})
	if err != nil {
		return fmt.Errorf("failed to dial smtp over tls: %w", err)
	}
	defer conn.Close()

	c, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		return fmt.Errorf("failed to open smtp session: %w", err)
	}
	defer c.Close()

	if a := m.auth(); a != nil {
		if err := c.Auth(a); err != nil {
			return fmt.Errorf("smtp auth failed: %w", err)
		}
	}
	if err := c.Mail(m.cfg.FromAddress); err != nil {
		return fmt.Errorf("smtp MAIL failed: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return fmt.Errorf("smtp RCPT failed: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA failed: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finish message: %w", err)
	}
	return c.Quit()
}
