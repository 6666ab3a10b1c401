// internal/database/store.go
package database

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrSlugTaken is returned when a monitor slug is reused by the same
	// owner, or a status page slug is reused globally.
	ErrSlugTaken = errors.New("slug already in use")
	// ErrOpenIncidentExists is the storage-level backstop for the
	// one-unresolved-incident-per-monitor rule.
	ErrOpenIncidentExists = errors.New("monitor already has an open incident")
	ErrIncidentResolved   = errors.New("incident already resolved")
)

// Store defines the interface for database operations
type Store interface {
	// Monitor operations
	GetMonitors(ctx context.Context, filters MonitorFilters) ([]Monitor, error)
	GetMonitor(ctx context.Context, id string) (*Monitor, error)
	CreateMonitor(ctx context.Context, monitor *Monitor) error
	UpdateMonitor(ctx context.Context, monitor *Monitor) error
	// DeleteMonitor removes the monitor with its pings, incidents and deliveries.
	DeleteMonitor(ctx context.Context, id string) error

	// Ping operations
	CreatePing(ctx context.Context, ping *Ping) error
	GetPings(ctx context.Context, monitorID string, limit int) ([]Ping, error)

	// Incident operations
	CreateIncident(ctx context.Context, incident *Incident) error
	GetIncident(ctx context.Context, id string) (*Incident, error)
	GetOpenIncident(ctx context.Context, monitorID string) (*Incident, error)
	GetIncidents(ctx context.Context, filters IncidentFilters) ([]Incident, error)
	ResolveIncident(ctx context.Context, id string, resolvedAt time.Time, durationSecs int64) (*Incident, error)
	MarkIncidentAlerted(ctx context.Context, id string) error

	// Alert channel operations
	GetAlertChannels(ctx context.Context, ownerID string) ([]AlertChannel, error)
	GetAlertChannel(ctx context.Context, id string) (*AlertChannel, error)
	CreateAlertChannel(ctx context.Context, channel *AlertChannel) error
	UpdateAlertChannel(ctx context.Context, channel *AlertChannel) error
	DeleteAlertChannel(ctx context.Context, id string) error

	// Delivery operations
	CreateDelivery(ctx context.Context, delivery *Delivery) error
	GetDeliveries(ctx context.Context, filters DeliveryFilters) ([]Delivery, error)

	// Status page operations
	GetStatusPages(ctx context.Context, ownerID string) ([]StatusPage, error)
	GetStatusPage(ctx context.Context, id string) (*StatusPage, error)
	GetStatusPageBySlug(ctx context.Context, slug string) (*StatusPage, error)
	CreateStatusPage(ctx context.Context, page *StatusPage) error
	UpdateStatusPage(ctx context.Context, page *StatusPage) error
	DeleteStatusPage(ctx context.Context, id string) error

	// Close the database connection
	Close() error
}
