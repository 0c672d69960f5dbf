package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"

	"github.com/rs/zerolog"
	"github.com/wneessen/go-mail"
)

var ErrNotConfigured = errors.New("smtp not configured")

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPNotifier sends the "your secret was viewed" email.
type SMTPNotifier struct {
	cfg SMTPConfig
	log zerolog.Logger
}

func NewSMTPNotifier(cfg SMTPConfig, log zerolog.Logger) *SMTPNotifier {
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	return &SMTPNotifier{cfg: cfg, log: log}
}

func (n *SMTPNotifier) Notify(ctx context.Context, email, secretIDPrefix string, view View) error {
	if n.cfg.Username == "" || n.cfg.Password == "" {
		n.log.Debug().Msg("smtp not configured, skipping notification")
		return ErrNotConfigured
	}

	msg, err := buildMessage(n.cfg.From, email, secretIDPrefix, view)
	if err != nil {
		return err
	}

	client, err := mail.NewClient(n.cfg.Host,
		mail.WithPort(n.cfg.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(n.cfg.Username),
		mail.WithPassword(n.cfg.Password),
		mail.WithTLSPortPolicy(mail.TLSMandatory),
	)
	if err != nil {
		return fmt.Errorf("creating mail client: %w", err)
	}

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("sending notification: %w", err)
	}
	return nil
}

func buildMessage(from, to, secretIDPrefix string, view View) (*mail.Msg, error) {
	body, err := renderBody(secretIDPrefix, view)
	if err != nil {
		return nil, err
	}

	msg := mail.NewMsg()
	if err := msg.FromFormat("PrivaLink", from); err != nil {
		return nil, fmt.Errorf("invalid from address: %w", err)
	}
	if err := msg.To(to); err != nil {
		return nil, fmt.Errorf("invalid recipient: %w", err)
	}
	msg.Subject(subject(view))
	msg.SetBodyString(mail.TypeTextHTML, body)
	return msg, nil
}

func subject(view View) string {
	if view.IsLastView {
		return "Your secret was viewed and destroyed"
	}
	return "Your secret was viewed"
}

var bodyTemplate = template.Must(template.New("viewed").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: sans-serif; background: #0a0a0a; color: #ffffff; padding: 40px 20px;">
  <div style="max-width: 500px; margin: 0 auto; background: #1a1a2e; border-radius: 16px; padding: 32px;">
    <h2>Your Secret Was Viewed</h2>
    <p style="padding: 16px; border-radius: 12px; background: {{if .IsLastView}}#7f1d1d{{else}}#1e3a5f{{end}};">
      {{if .IsLastView}}Your secret has been destroyed{{else}}{{.RemainingViews}} view(s) remaining{{end}}
    </p>
    <p>Viewed at: {{.ViewedAt}}</p>
    <p>Secret ID: {{.Prefix}}...</p>
    <p>Status: {{if .IsLastView}}Destroyed{{else}}Active{{end}}</p>
    <p style="color: #6b7280; font-size: 12px;">This notification was sent because you enabled view alerts for this secret.</p>
  </div>
</body>
</html>`))

func renderBody(secretIDPrefix string, view View) (string, error) {
	var buf bytes.Buffer
	err := bodyTemplate.Execute(&buf, struct {
		Prefix         string
		RemainingViews int
		IsLastView     bool
		ViewedAt       string
	}{
		Prefix:         secretIDPrefix,
		RemainingViews: view.RemainingViews,
		IsLastView:     view.IsLastView,
		ViewedAt:       view.ViewedAt.UTC().Format("Jan 2, 2006 15:04 MST"),
	})
	if err != nil {
		return "", fmt.Errorf("rendering notification: %w", err)
	}
	return buf.String(), nil
}
