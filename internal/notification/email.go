package notification

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/rs/zerolog"

	"github.com/smukkama/weather-alerts/internal/logger"
	"github.com/smukkama/weather-alerts/internal/protocol"
	"github.com/smukkama/weather-alerts/pkg/config"
)

// SendFunc matches smtp.SendMail
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailNotifier renders alert notifications and sends them over SMTP
type EmailNotifier struct {
	config *config.SMTPConfig
	send   SendFunc
	log    zerolog.Logger
}

// NewEmailNotifier creates a new email notifier
func NewEmailNotifier(cfg *config.SMTPConfig) *EmailNotifier {
	return &EmailNotifier{
		config: cfg,
		send:   smtp.SendMail,
		log:    logger.WithComponent("email"),
	}
}

var templates = map[protocol.NotificationType]*template.Template{
	protocol.AlertTriggered: parseTemplate("triggered", `
Weather Alert Triggered
=======================

Alert: {{.AlertName}}
Location: {{.Location}}
Parameter: {{.Parameter}}
Current Value: {{value .}}
Condition: {{.Parameter}} {{.Operator}} {{.Threshold}}
Time: {{.Timestamp.Format "2006-01-02 15:04:05 MST"}}
Alert ID: {{.AlertID}}

The {{.Parameter}} at {{.Location}} now meets your condition
({{.Operator}} {{.Threshold}}). The current value is {{value .}}.

---
Weather Alerts Notification System
`),
	protocol.AlertResolved: parseTemplate("resolved", `
Weather Alert Resolved
======================

Alert: {{.AlertName}}
Location: {{.Location}}
Parameter: {{.Parameter}}
Current Value: {{value .}}
Time: {{.Timestamp.Format "2006-01-02 15:04:05 MST"}}
Alert ID: {{.AlertID}}

The {{.Parameter}} at {{.Location}} no longer meets your condition
({{.Operator}} {{.Threshold}}).

---
Weather Alerts Notification System
`),
	protocol.AlertError: parseTemplate("error", `
Weather Alert Needs Attention
=============================

Alert: {{.AlertName}}
Location: {{.Location}}
Time: {{.Timestamp.Format "2006-01-02 15:04:05 MST"}}
Alert ID: {{.AlertID}}

This alert could not be evaluated:
{{.Error}}

It will be retried on the next check.

---
Weather Alerts Notification System
`),
}

var subjects = map[protocol.NotificationType]string{
	protocol.AlertTriggered: "Weather alert TRIGGERED - %s",
	protocol.AlertResolved:  "Weather alert resolved - %s",
	protocol.AlertError:     "Weather alert error - %s",
}

func parseTemplate(name, text string) *template.Template {
	return template.Must(template.New(name).Funcs(template.FuncMap{"value": formatValue}).Parse(text))
}

func formatValue(n *protocol.AlertNotification) string {
	if n.Value == nil {
		return "n/a"
	}
	return strconv.FormatFloat(*n.Value, 'f', -1, 64)
}

// Render returns the subject and body for n
func (e *EmailNotifier) Render(n *protocol.AlertNotification) (string, string, error) {
	tmpl, ok := templates[n.Type]
	if !ok {
		return "", "", fmt.Errorf("unknown notification type: %s", n.Type)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, n); err != nil {
		return "", "", fmt.Errorf("failed to render email template: %w", err)
	}
	return fmt.Sprintf(subjects[n.Type], n.AlertName), buf.String(), nil
}

// Send renders and emails n. Without SMTP credentials the message is only
// logged.
func (e *EmailNotifier) Send(_ context.Context, n *protocol.AlertNotification) error {
	subject, body, err := e.Render(n)
	if err != nil {
		return err
	}

	if e.config.Username == "" || e.config.Password == "" {
		e.log.Info().
			Str("subject", subject).
			Str("alert_id", n.AlertID).
			Msg("SMTP not configured, skipping email")
		return nil
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", e.config.From)
	fmt.Fprintf(&msg, "To: %s\r\n", e.config.To)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	msg.WriteString("\r\n")
	msg.WriteString(body)

	auth := smtp.PlainAuth("", e.config.Username, e.config.Password, e.config.Host)
	addr := net.JoinHostPort(e.config.Host, strconv.Itoa(e.config.Port))
	if err := e.send(addr, auth, e.config.From, []string{e.config.To}, []byte(msg.String())); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	e.log.Info().Str("subject", subject).Str("alert_id", n.AlertID).Msg("email sent")
	return nil
}
