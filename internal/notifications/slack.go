package notifications

import (
	"context"
	"fmt"
	"net/http"

	"pingcron/internal/database"
)

type slackMessage struct {
	Text string `json:"text"`
}

// SlackNotifier posts to a Slack incoming webhook.
type SlackNotifier struct {
	poster jsonPoster
}

func NewSlackNotifier(client *http.Client, userAgent string) *SlackNotifier {
	return &SlackNotifier{poster: jsonPoster{client: client, userAgent: userAgent}}
}

func (n *SlackNotifier) Type() database.ChannelType { return database.ChannelSlack }

func (n *SlackNotifier) Send(ctx context.Context, cfg database.ChannelConfig, alert *Alert) error {
	c, ok := cfg.(database.SlackConfig)
	if !ok {
		return configMismatch(database.ChannelSlack, cfg)
	}

	subject, body, err := renderMessage(alert)
	if err != nil {
		return err
	}
	return n.poster.postJSON(ctx, c.WebhookURL, slackMessage{Text: fmt.Sprintf("*%s*\n%s", subject, body)})
}
