// Package alert sends operator notifications for events that need human
// attention: a campaign failing outright or an account being suspended.
package alert

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// Config holds alert mail settings
type Config struct {
	Enabled   bool
	Smarthost string // host:port of the relay
	Username  string
	Password  string
	From      string
	To        []string
}

// Mailer delivers alerts through a smarthost. Every call is fire-and-
// forget: alerting must never block or fail dispatch.
type Mailer struct {
	cfg      Config
	hostname string
	logger   *slog.Logger

	// sendMail is swappable for tests
	sendMail func(addr string, a sasl.Client, from string, to []string, r io.Reader) error
}

// NewMailer creates a mailer. A disabled config yields a mailer whose
// notifications only log.
func NewMailer(cfg Config, hostname string, logger *slog.Logger) *Mailer {
	return &Mailer{
		cfg:      cfg,
		hostname: hostname,
		logger:   logger.With("component", "alert"),
		sendMail: smtp.SendMail,
	}
}

// CampaignFailed notifies operators that a campaign reached the failed state
func (m *Mailer) CampaignFailed(name, reason string) {
	subject := fmt.Sprintf("[reachd] campaign %q failed", name)
	body := fmt.Sprintf("Campaign %q on %s transitioned to failed.\n\nReason: %s\n", name, m.hostname, reason)
	go m.deliver(subject, body)
}

// AccountSuspended notifies operators that an account left the rotation
func (m *Mailer) AccountSuspended(username, health string) {
	subject := fmt.Sprintf("[reachd] account %s is %s", username, health)
	body := fmt.Sprintf("Account %s on %s was marked %s and needs manual review.\n", username, m.hostname, health)
	go m.deliver(subject, body)
}

func (m *Mailer) deliver(subject, body string) {
	if !m.cfg.Enabled {
		m.logger.Info("alert (mail disabled)", "subject", subject)
		return
	}

	msg := m.buildMessage(subject, body)

	var auth sasl.Client
	if m.cfg.Username != "" {
		auth = sasl.NewPlainClient("", m.cfg.Username, m.cfg.Password)
	}

	if err := m.sendMail(m.cfg.Smarthost, auth, m.cfg.From, m.cfg.To, strings.NewReader(msg)); err != nil {
		m.logger.Error("failed to deliver alert mail", "subject", subject, "error", err)
		return
	}
	m.logger.Info("alert mail delivered", "subject", subject, "to", m.cfg.To)
}

func (m *Mailer) buildMessage(subject, body string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", m.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(m.cfg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return b.String()
}
