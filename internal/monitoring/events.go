package monitoring

import (
	"time"

	"pingcron/internal/database"
)

const (
	EventMonitorStatus    = "monitor.status"
	EventIncidentOpened   = "incident.opened"
	EventIncidentResolved = "incident.resolved"
	EventPingReceived     = "ping.received"
)

// Event is a state change published to live sinks.
type Event struct {
	Type      string      `json:"type"`
	OwnerID   string      `json:"-"`
	MonitorID string      `json:"monitor_id"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

type StatusChange struct {
	Monitor  database.Monitor       `json:"monitor"`
	Previous database.MonitorStatus `json:"previous"`
}

type IncidentChange struct {
	Incident database.Incident `json:"incident"`
	Monitor  database.Monitor  `json:"monitor"`
}

// EventSink receives engine events. Publish is called while the monitor is
// locked and must not block.
type EventSink interface {
	Publish(event Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(event Event)

func (f EventSinkFunc) Publish(event Event) { f(event) }
