// internal/notifications/notifier.go - Alert events and the per-channel transport contract
package notifications

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pingcron/internal/database"
)

type EventType string

const (
	EventDown      EventType = "down"
	EventRecovered EventType = "recovered"
	EventTest      EventType = "test"
)

// Alert is one dispatch request: an incident transition of a monitor.
type Alert struct {
	Event     EventType
	Monitor   database.Monitor
	Incident  database.Incident
	Timestamp time.Time
}

// Notifier delivers an alert through one channel type. Implementations
// perform exactly one attempt; retries belong to the Dispatcher.
type Notifier interface {
	Type() database.ChannelType
	Send(ctx context.Context, cfg database.ChannelConfig, alert *Alert) error
}

// HTTPError is returned when a remote endpoint answers with a non-2xx status.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether retrying the request could succeed.
func (e *HTTPError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// isPermanent reports whether err can never succeed on retry.
func isPermanent(err error) bool {
	if errors.Is(err, ErrSMTPDisabled) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return !httpErr.Temporary()
	}
	var cfgErr *database.ChannelConfigError
	return errors.As(err, &cfgErr)
}

func configMismatch(want database.ChannelType, cfg database.ChannelConfig) error {
	return &database.ChannelConfigError{Type: want, Reason: fmt.Sprintf("got %T config", cfg)}
}

// TestAlert builds the synthetic alert sent by a channel test.
func TestAlert(ownerID string, now time.Time) *Alert {
	return &Alert{
		Event: EventTest,
		Monitor: database.Monitor{
			ID:      "test",
			OwnerID: ownerID,
			Name:    "Test monitor",
			Slug:    "test",
			Status:  database.StatusUp,
		},
		Incident:  database.Incident{ID: "test", StartedAt: now},
		Timestamp: now,
	}
}
