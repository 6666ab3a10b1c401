// internal/database/store_extensions.go - Extended store interface for retention
package database

import (
	"context"
	"time"
)

// ExtendedStore extends the basic Store interface with maintenance operations
type ExtendedStore interface {
	Store

	// DeletePingsBefore prunes pings older than cutoffTime and returns how many were removed.
	DeletePingsBefore(ctx context.Context, cutoffTime time.Time) (int, error)
	GetDatabaseStats(ctx context.Context) (*DatabaseStats, error)
}

// DatabaseStats provides information about database size and health
type DatabaseStats struct {
	Backend        string     `json:"backend"`
	TotalMonitors  int        `json:"total_monitors"`
	TotalPings     int        `json:"total_pings"`
	TotalIncidents int        `json:"total_incidents"`
	OpenIncidents  int        `json:"open_incidents"`
	TotalChannels  int        `json:"total_channels"`
	TotalDelivered int        `json:"total_deliveries"`
	TotalPages     int        `json:"total_status_pages"`
	DatabaseSize   int64      `json:"database_size_bytes"`
	OldestPing     *time.Time `json:"oldest_ping,omitempty"`
	NewestPing     *time.Time `json:"newest_ping,omitempty"`
}
