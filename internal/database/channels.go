package database

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

type ChannelType string

const (
	ChannelEmail    ChannelType = "email"
	ChannelTelegram ChannelType = "telegram"
	ChannelSlack    ChannelType = "slack"
	ChannelWebhook  ChannelType = "webhook"
)

// ChannelConfig is the validated, type-specific configuration of an alert
// channel. Exactly one implementation exists per ChannelType.
type ChannelConfig interface {
	Type() ChannelType
	Validate() error
	// Fields returns the flat key/value form used on the wire.
	Fields() map[string]string
}

// ChannelConfigError describes a field that failed validation.
type ChannelConfigError struct {
	Type   ChannelType
	Field  string
	Reason string
}

func (e *ChannelConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid %s channel: %s", e.Type, e.Reason)
	}
	return fmt.Sprintf("invalid %s channel: %s %s", e.Type, e.Field, e.Reason)
}

type EmailConfig struct {
	Email string `json:"email" validate:"required,email"`
}

func (c EmailConfig) Type() ChannelType { return ChannelEmail }

func (c EmailConfig) Validate() error { return validateConfig(ChannelEmail, c) }

func (c EmailConfig) Fields() map[string]string {
	return map[string]string{"email": c.Email}
}

type TelegramConfig struct {
	BotToken string `json:"bot_token" validate:"required,bot_token"`
	ChatID   string `json:"chat_id" validate:"required"`
}

func (c TelegramConfig) Type() ChannelType { return ChannelTelegram }

func (c TelegramConfig) Validate() error { return validateConfig(ChannelTelegram, c) }

func (c TelegramConfig) Fields() map[string]string {
	return map[string]string{"bot_token": c.BotToken, "chat_id": c.ChatID}
}

type SlackConfig struct {
	WebhookURL string `json:"webhook_url" validate:"required,http_url,has_host"`
}

func (c SlackConfig) Type() ChannelType { return ChannelSlack }

func (c SlackConfig) Validate() error { return validateConfig(ChannelSlack, c) }

func (c SlackConfig) Fields() map[string]string {
	return map[string]string{"webhook_url": c.WebhookURL}
}

type WebhookConfig struct {
	URL string `json:"url" validate:"required,http_url,has_host"`
}

func (c WebhookConfig) Type() ChannelType { return ChannelWebhook }

func (c WebhookConfig) Validate() error { return validateConfig(ChannelWebhook, c) }

func (c WebhookConfig) Fields() map[string]string {
	return map[string]string{"url": c.URL}
}

var channelFields = map[ChannelType][]string{
	ChannelEmail:    {"email"},
	ChannelTelegram: {"bot_token", "chat_id"},
	ChannelSlack:    {"webhook_url"},
	ChannelWebhook:  {"url"},
}

// ParseChannelConfig builds and validates the config variant for t from a
// flat field map. Unknown types and unknown fields are rejected.
func ParseChannelConfig(t ChannelType, fields map[string]string) (ChannelConfig, error) {
	allowed, ok := channelFields[t]
	if !ok {
		return nil, &ChannelConfigError{Type: t, Reason: "unknown channel type"}
	}

	var unknown []string
	for k := range fields {
		if !contains(allowed, k) {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, &ChannelConfigError{Type: t, Field: strings.Join(unknown, ","), Reason: "is not a recognised field"}
	}

	get := func(k string) string { return strings.TrimSpace(fields[k]) }

	var cfg ChannelConfig
	switch t {
	case ChannelEmail:
		cfg = EmailConfig{Email: get("email")}
	case ChannelTelegram:
		cfg = TelegramConfig{BotToken: get("bot_token"), ChatID: get("chat_id")}
	case ChannelSlack:
		cfg = SlackConfig{WebhookURL: get("webhook_url")}
	case ChannelWebhook:
		cfg = WebhookConfig{URL: get("url")}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type alertChannelJSON struct {
	ID        string            `json:"id"`
	OwnerID   string            `json:"user_id"`
	Type      ChannelType       `json:"type"`
	Config    map[string]string `json:"config"`
	Enabled   bool              `json:"enabled"`
	CreatedAt time.Time         `json:"created_at"`
}

func (c AlertChannel) MarshalJSON() ([]byte, error) {
	out := alertChannelJSON{
		ID:        c.ID,
		OwnerID:   c.OwnerID,
		Type:      c.Type,
		Enabled:   c.Enabled,
		CreatedAt: c.CreatedAt,
	}
	if c.Config != nil {
		out.Config = c.Config.Fields()
	}
	return json.Marshal(out)
}

func (c *AlertChannel) UnmarshalJSON(data []byte) error {
	var in alertChannelJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	cfg, err := ParseChannelConfig(in.Type, in.Config)
	if err != nil {
		return err
	}

	*c = AlertChannel{
		ID:        in.ID,
		OwnerID:   in.OwnerID,
		Type:      in.Type,
		Config:    cfg,
		Enabled:   in.Enabled,
		CreatedAt: in.CreatedAt,
	}
	return nil
}

var (
	configValidator = newConfigValidator()
	botTokenPattern = regexp.MustCompile(`^[0-9]+:[A-Za-z0-9_-]+$`)
)

func newConfigValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
	})
	v.RegisterValidation("has_host", func(fl validator.FieldLevel) bool {
		u, err := url.Parse(fl.Field().String())
		return err == nil && u.Host != ""
	})
	v.RegisterValidation("bot_token", func(fl validator.FieldLevel) bool {
		return botTokenPattern.MatchString(fl.Field().String())
	})
	return v
}

// validateConfig runs the struct tags of cfg and reports the first failing
// field as a ChannelConfigError.
func validateConfig(t ChannelType, cfg interface{}) error {
	err := configValidator.Struct(cfg)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &ChannelConfigError{Type: t, Reason: err.Error()}
	}
	fe := fieldErrs[0]
	return &ChannelConfigError{Type: t, Field: fe.Field(), Reason: configReason(fe.Tag())}
}

func configReason(tag string) string {
	switch tag {
	case "required":
		return "is required"
	case "email":
		return "is not a valid address"
	case "http_url", "has_host":
		return "must be an http(s) URL"
	case "bot_token":
		return "is not a valid bot token"
	}
	return "is invalid"
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
