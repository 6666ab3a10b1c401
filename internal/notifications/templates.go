// internal/notifications/templates.go - Message rendering shared by the text transports
package notifications

import (
	"bytes"
	"fmt"
	"text/template"
	"time"
)

const (
	subjectTemplate = `{{if eq .Event "down"}}[DOWN]{{else if eq .Event "recovered"}}[UP]{{else}}[TEST]{{end}} {{.Monitor}}`

	bodyTemplate = `{{- if eq .Event "down" -}}
{{.Emoji}} {{.Monitor}} is DOWN
No ping received since {{.LastPing}}.
Expected by {{.Expected}}, overdue since {{.Started}}.
{{- else if eq .Event "recovered" -}}
{{.Emoji}} {{.Monitor}} is UP again
Down for {{.Duration}} (since {{.Started}}).
{{- else -}}
{{.Emoji}} Test notification from pingcron.
If you can read this, the channel works.
{{- end}}`
)

var (
	subjectTmpl = template.Must(template.New("subject").Parse(subjectTemplate))
	bodyTmpl    = template.Must(template.New("body").Parse(bodyTemplate))
)

type messageData struct {
	Event    string
	Emoji    string
	Monitor  string
	LastPing string
	Expected string
	Started  string
	Duration string
}

func templateData(alert *Alert) messageData {
	data := messageData{
		Event:    string(alert.Event),
		Monitor:  alert.Monitor.Name,
		LastPing: "never",
		Expected: "unknown",
		Started:  formatTime(alert.Incident.StartedAt),
	}
	if alert.Monitor.LastPingAt != nil {
		data.LastPing = formatTime(*alert.Monitor.LastPingAt)
	}
	if alert.Monitor.NextExpected != nil {
		data.Expected = formatTime(*alert.Monitor.NextExpected)
	}
	if alert.Incident.DurationSecs != nil {
		data.Duration = (time.Duration(*alert.Incident.DurationSecs) * time.Second).String()
	}

	switch alert.Event {
	case EventDown:
		data.Emoji = "🔴"
	case EventRecovered:
		data.Emoji = "✅"
	default:
		data.Emoji = "🔔"
	}
	return data
}

// renderMessage returns the subject line and plain-text body for alert.
func renderMessage(alert *Alert) (string, string, error) {
	data := templateData(alert)

	var subject, body bytes.Buffer
	if err := subjectTmpl.Execute(&subject, data); err != nil {
		return "", "", fmt.Errorf("failed to execute template subject: %w", err)
	}
	if err := bodyTmpl.Execute(&body, data); err != nil {
		return "", "", fmt.Errorf("failed to execute template body: %w", err)
	}
	return subject.String(), body.String(), nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.UTC().Format(time.RFC3339)
}
