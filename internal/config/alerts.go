// internal/config/alerts.go - Alert delivery configuration structures
package config

import (
	"fmt"
	"time"
)

// AlertsConfig holds the dispatcher and transport settings
type AlertsConfig struct {
	Workers        int            `yaml:"workers"`
	QueueSize      int            `yaml:"queue_size"` // per worker
	MaxAttempts    int            `yaml:"max_attempts"`
	InitialBackoff time.Duration  `yaml:"initial_backoff"`
	MaxBackoff     time.Duration  `yaml:"max_backoff"`
	AttemptTimeout time.Duration  `yaml:"attempt_timeout"`
	UserAgent      string         `yaml:"user_agent"`
	SMTP           SMTPConfig     `yaml:"smtp"`
	Telegram       TelegramConfig `yaml:"telegram"`
}

// SMTPConfig is the outbound mail server used by email channels
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	NoVerify bool   `yaml:"no_verify"` // skip TLS certificate verification
}

type TelegramConfig struct {
	APIURL string `yaml:"api_url"`
}

// Enabled reports whether email delivery is possible at all.
func (s SMTPConfig) Enabled() bool {
	return s.Host != ""
}

func setAlertDefaults(a *AlertsConfig) {
	if a.Workers == 0 {
		a.Workers = 4
	}
	if a.QueueSize == 0 {
		a.QueueSize = 256
	}
	if a.MaxAttempts == 0 {
		a.MaxAttempts = 3
	}
	if a.InitialBackoff == 0 {
		a.InitialBackoff = time.Second
	}
	if a.MaxBackoff == 0 {
		a.MaxBackoff = 30 * time.Second
	}
	if a.AttemptTimeout == 0 {
		a.AttemptTimeout = 5 * time.Second
	}
	if a.UserAgent == "" {
		a.UserAgent = "pingcron/1.0"
	}
	if a.SMTP.Port == 0 {
		a.SMTP.Port = 587
	}
	if a.SMTP.From == "" && a.SMTP.Username != "" {
		a.SMTP.From = a.SMTP.Username
	}
	if a.Telegram.APIURL == "" {
		a.Telegram.APIURL = "https://api.telegram.org"
	}
}

// Validate ensures the alert configuration is usable
func (a *AlertsConfig) Validate() error {
	if a.Workers < 1 {
		return fmt.Errorf("alerts.workers must be at least 1")
	}
	if a.QueueSize < 1 {
		return fmt.Errorf("alerts.queue_size must be at least 1")
	}
	if a.MaxAttempts < 1 {
		return fmt.Errorf("alerts.max_attempts must be at least 1")
	}
	if a.InitialBackoff < 0 || a.MaxBackoff < a.InitialBackoff {
		return fmt.Errorf("alerts.max_backoff must be greater than or equal to alerts.initial_backoff")
	}
	if a.AttemptTimeout <= 0 {
		return fmt.Errorf("alerts.attempt_timeout must be positive")
	}

	if a.SMTP.Enabled() {
		if a.SMTP.Port < 1 || a.SMTP.Port > 65535 {
			return fmt.Errorf("alerts.smtp.port must be between 1 and 65535")
		}
		if a.SMTP.From == "" {
			return fmt.Errorf("alerts.smtp.from is required when alerts.smtp.host is set")
		}
	}

	if !isValidURL(a.Telegram.APIURL) {
		return fmt.Errorf("alerts.telegram.api_url must be a valid URL")
	}

	return nil
}
