package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/philiplau114/PocketFlowProject/config"
	"github.com/philiplau114/PocketFlowProject/errors"
)

// SMTPNotifier sends alerts as plain-text email
type SMTPNotifier struct {
	cfg config.SMTPConfig
	// send is swappable for tests
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPNotifier creates an email channel from config
func NewSMTPNotifier(cfg config.SMTPConfig) *SMTPNotifier {
	return &SMTPNotifier{cfg: cfg, send: smtp.SendMail}
}

// Enabled reports whether the channel has enough config to send
func (n *SMTPNotifier) Enabled() bool {
	return n.cfg.Server != "" && n.cfg.From != "" && n.cfg.To != ""
}

func (n *SMTPNotifier) Notify(ctx context.Context, subject, body string) error {
	if !n.Enabled() {
		return nil
	}
	recipients := splitRecipients(n.cfg.To)
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		n.cfg.From, strings.Join(recipients, ", "), subject, body)

	var auth smtp.Auth
	if n.cfg.User != "" {
		auth = smtp.PlainAuth("", n.cfg.User, n.cfg.Password, n.cfg.Server)
	}
	addr := fmt.Sprintf("%s:%d", n.cfg.Server, n.cfg.Port)
	if err := n.send(addr, auth, n.cfg.From, recipients, []byte(msg)); err != nil {
		return errors.Wrapf(err, "send mail via %s", addr)
	}
	return nil
}

func splitRecipients(to string) []string {
	parts := strings.Split(to, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
