package notifications

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"gopkg.in/gomail.v2"

	"pingcron/internal/config"
	"pingcron/internal/database"
)

// ErrSMTPDisabled is returned by email channels when no SMTP server is configured.
var ErrSMTPDisabled = errors.New("smtp is not configured")

// mailSender is satisfied by *gomail.Dialer.
type mailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

type EmailNotifier struct {
	sender mailSender
	from   string
}

func NewEmailNotifier(c config.SMTPConfig) *EmailNotifier {
	if !c.Enabled() {
		return &EmailNotifier{}
	}

	var d *gomail.Dialer
	if c.Username == "" {
		d = &gomail.Dialer{Host: c.Host, Port: c.Port}
	} else {
		d = gomail.NewPlainDialer(c.Host, c.Port, c.Username, c.Password)
	}
	if c.NoVerify {
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &EmailNotifier{sender: d, from: c.From}
}

func (n *EmailNotifier) Type() database.ChannelType { return database.ChannelEmail }

// Send delivers one message. gomail has no context support, so the send runs
// in its own goroutine and is abandoned when ctx ends.
func (n *EmailNotifier) Send(ctx context.Context, cfg database.ChannelConfig, alert *Alert) error {
	c, ok := cfg.(database.EmailConfig)
	if !ok {
		return configMismatch(database.ChannelEmail, cfg)
	}
	if n.sender == nil {
		return ErrSMTPDisabled
	}

	subject, body, err := renderMessage(alert)
	if err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.from)
	m.SetHeader("To", c.Email)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)

	done := make(chan error, 1)
	go func() { done <- n.sender.DialAndSend(m) }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to send email: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to send email: %w", ctx.Err())
	}
}
