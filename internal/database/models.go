// internal/database/models.go
package database

import (
	"time"
)

type MonitorStatus string

const (
	StatusNew    MonitorStatus = "new"
	StatusUp     MonitorStatus = "up"
	StatusDown   MonitorStatus = "down"
	StatusPaused MonitorStatus = "paused"
)

// Valid reports whether s is one of the known monitor states.
func (s MonitorStatus) Valid() bool {
	switch s {
	case StatusNew, StatusUp, StatusDown, StatusPaused:
		return true
	}
	return false
}

type Monitor struct {
	ID           string        `json:"id"`
	OwnerID      string        `json:"user_id"`
	Name         string        `json:"name"`
	Slug         string        `json:"slug"`
	Schedule     string        `json:"schedule"`
	GraceSeconds int           `json:"grace_seconds"`
	Status       MonitorStatus `json:"status"`
	LastPingAt   *time.Time    `json:"last_ping_at"`
	NextExpected *time.Time    `json:"next_expected"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Grace returns the grace period as a duration.
func (m *Monitor) Grace() time.Duration {
	return time.Duration(m.GraceSeconds) * time.Second
}

// Ping is an immutable heartbeat record.
type Ping struct {
	ID        int64     `json:"id"`
	MonitorID string    `json:"monitor_id"`
	PingedAt  time.Time `json:"pinged_at"`
	SourceIP  string    `json:"source_ip"`
	LatencyMS *int64    `json:"latency_ms"`
}

type Incident struct {
	ID           string     `json:"id"`
	MonitorID    string     `json:"monitor_id"`
	OwnerID      string     `json:"user_id"`
	StartedAt    time.Time  `json:"started_at"`
	ResolvedAt   *time.Time `json:"resolved_at"`
	DurationSecs *int64     `json:"duration_secs"`
	AlertSent    bool       `json:"alert_sent"`
}

// Open reports whether the incident is unresolved.
func (i *Incident) Open() bool {
	return i.ResolvedAt == nil
}

type AlertChannel struct {
	ID        string        `json:"id"`
	OwnerID   string        `json:"user_id"`
	Type      ChannelType   `json:"type"`
	Config    ChannelConfig `json:"config"`
	Enabled   bool          `json:"enabled"`
	CreatedAt time.Time     `json:"created_at"`
}

// Delivery records the outcome of sending one event to one channel.
type Delivery struct {
	ID          string    `json:"id"`
	IncidentID  string    `json:"incident_id"`
	ChannelID   string    `json:"channel_id"`
	MonitorID   string    `json:"monitor_id"`
	Event       string    `json:"event"`
	Attempts    int       `json:"attempts"`
	Success     bool      `json:"success"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at"`
}

type StatusPage struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"user_id"`
	Slug       string    `json:"slug"`
	Title      string    `json:"title"`
	MonitorIDs []string  `json:"monitors"`
	IsPublic   bool      `json:"is_public"`
	CreatedAt  time.Time `json:"created_at"`
}

type MonitorFilters struct {
	OwnerID  string
	Statuses []MonitorStatus
}

func (f MonitorFilters) match(m *Monitor) bool {
	if f.OwnerID != "" && m.OwnerID != f.OwnerID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if m.Status == s {
			return true
		}
	}
	return false
}

type IncidentFilters struct {
	OwnerID   string
	MonitorID string
	OpenOnly  bool
	Limit     int
}

func (f IncidentFilters) match(i *Incident) bool {
	if f.OwnerID != "" && i.OwnerID != f.OwnerID {
		return false
	}
	if f.MonitorID != "" && i.MonitorID != f.MonitorID {
		return false
	}
	if f.OpenOnly && !i.Open() {
		return false
	}
	return true
}

type DeliveryFilters struct {
	ChannelID  string
	IncidentID string
	Limit      int
}

func (f DeliveryFilters) match(d *Delivery) bool {
	if f.ChannelID != "" && d.ChannelID != f.ChannelID {
		return false
	}
	if f.IncidentID != "" && d.IncidentID != f.IncidentID {
		return false
	}
	return true
}
