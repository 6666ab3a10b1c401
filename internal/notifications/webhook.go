package notifications

import (
	"context"
	"net/http"
	"time"

	"pingcron/internal/database"
)

// WebhookPayload is the JSON body posted to generic webhooks.
type WebhookPayload struct {
	Event     EventType       `json:"event"`
	Timestamp time.Time       `json:"timestamp"`
	Monitor   webhookMonitor  `json:"monitor"`
	Incident  webhookIncident `json:"incident"`
}

type webhookMonitor struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Slug         string                 `json:"slug"`
	Status       database.MonitorStatus `json:"status"`
	Schedule     string                 `json:"schedule"`
	LastPingAt   *time.Time             `json:"last_ping_at"`
	NextExpected *time.Time             `json:"next_expected"`
}

type webhookIncident struct {
	ID           string     `json:"id"`
	StartedAt    time.Time  `json:"started_at"`
	ResolvedAt   *time.Time `json:"resolved_at"`
	DurationSecs *int64     `json:"duration_secs"`
}

type WebhookNotifier struct {
	poster jsonPoster
}

func NewWebhookNotifier(client *http.Client, userAgent string) *WebhookNotifier {
	return &WebhookNotifier{poster: jsonPoster{client: client, userAgent: userAgent}}
}

func (n *WebhookNotifier) Type() database.ChannelType { return database.ChannelWebhook }

func (n *WebhookNotifier) Send(ctx context.Context, cfg database.ChannelConfig, alert *Alert) error {
	c, ok := cfg.(database.WebhookConfig)
	if !ok {
		return configMismatch(database.ChannelWebhook, cfg)
	}
	return n.poster.postJSON(ctx, c.URL, newWebhookPayload(alert))
}

func newWebhookPayload(alert *Alert) WebhookPayload {
	m, inc := alert.Monitor, alert.Incident
	return WebhookPayload{
		Event:     alert.Event,
		Timestamp: alert.Timestamp,
		Monitor: webhookMonitor{
			ID:           m.ID,
			Name:         m.Name,
			Slug:         m.Slug,
			Status:       m.Status,
			Schedule:     m.Schedule,
			LastPingAt:   m.LastPingAt,
			NextExpected: m.NextExpected,
		},
		Incident: webhookIncident{
			ID:           inc.ID,
			StartedAt:    inc.StartedAt,
			ResolvedAt:   inc.ResolvedAt,
			DurationSecs: inc.DurationSecs,
		},
	}
}
