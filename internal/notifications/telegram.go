package notifications

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"pingcron/internal/database"
)

type telegramMessage struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

// TelegramNotifier sends through the Bot API sendMessage method.
type TelegramNotifier struct {
	apiURL string
	poster jsonPoster
}

func NewTelegramNotifier(apiURL string, client *http.Client, userAgent string) *TelegramNotifier {
	return &TelegramNotifier{
		apiURL: strings.TrimSuffix(apiURL, "/"),
		poster: jsonPoster{client: client, userAgent: userAgent},
	}
}

func (n *TelegramNotifier) Type() database.ChannelType { return database.ChannelTelegram }

func (n *TelegramNotifier) Send(ctx context.Context, cfg database.ChannelConfig, alert *Alert) error {
	c, ok := cfg.(database.TelegramConfig)
	if !ok {
		return configMismatch(database.ChannelTelegram, cfg)
	}

	subject, body, err := renderMessage(alert)
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", n.apiURL, c.BotToken)
	err = n.poster.postJSON(ctx, endpoint, telegramMessage{
		ChatID:                c.ChatID,
		Text:                  subject + "\n\n" + body,
		DisableWebPagePreview: true,
	})
	return redactToken(err, c.BotToken)
}

// redactToken strips the bot token from transport errors, which carry the
// full request URL and end up in delivery records and logs.
func redactToken(err error, token string) error {
	if err == nil || token == "" {
		return err
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		urlErr.URL = strings.ReplaceAll(urlErr.URL, token, "<redacted>")
	}
	if !strings.Contains(err.Error(), token) {
		return err
	}
	return &redactedError{msg: strings.ReplaceAll(err.Error(), token, "<redacted>"), err: err}
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }
