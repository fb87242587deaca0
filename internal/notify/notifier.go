// Package notify delivers access links and verification codes to providers.
// Delivery is an external collaborator: senders either succeed or fail, and
// callers decide whether a failure is fatal for the operation.
package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"carelink.org/internal/obs"
)

// Message is a single outbound notification.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Notifier sends a message to an address.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// LogNotifier writes notifications to the structured log instead of
// delivering them. Default outside production.
type LogNotifier struct{}

func (LogNotifier) Send(ctx context.Context, msg Message) error {
	obs.LogEvent("notify.log", map[string]any{
		"to":      MaskRecipient(msg.To),
		"subject": msg.Subject,
	})
	return nil
}

// SMTPNotifier delivers mail through a relay.
type SMTPNotifier struct {
	Host string
	Port int
	From string
}

func (s SMTPNotifier) Send(ctx context.Context, msg Message) error {
	addr := fmt.Sprintf("%s:%d", s.Host, s.Port)
	body := "Subject: " + msg.Subject + "\r\n\r\n" + msg.Body + "\r\n"
	if err := smtp.SendMail(addr, nil, s.From, []string{msg.To}, []byte(body)); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

// MaskRecipient renders an address safe for responses and logs:
// j***@example.org for emails, trailing two digits for phone numbers.
func MaskRecipient(to string) string {
	to = strings.TrimSpace(to)
	if at := strings.Index(to, "@"); at > 0 {
		return to[:1] + "***@" + to[at+1:]
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, to)
	if len(digits) >= 2 {
		return "…" + digits[len(digits)-2:]
	}
	return "***"
}
