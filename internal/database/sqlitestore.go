// internal/database/sqlitestore.go - SQLite implementation
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite" // SQLite driver registration
)

const (
	sqliteSchemaVersion = 1
	sqliteBusyTimeoutMS = 5000
	// Fixed-width UTC layout so that text columns sort chronologically.
	sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS monitors (
		id            TEXT PRIMARY KEY,
		owner_id      TEXT    NOT NULL,
		name          TEXT    NOT NULL,
		slug          TEXT    NOT NULL,
		schedule      TEXT    NOT NULL,
		grace_seconds INTEGER NOT NULL,
		status        TEXT    NOT NULL,
		last_ping_at  TEXT,
		next_expected TEXT,
		created_at    TEXT    NOT NULL,
		updated_at    TEXT    NOT NULL,
		UNIQUE (owner_id, slug)
	)`,

	`CREATE TABLE IF NOT EXISTS pings (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		monitor_id TEXT NOT NULL,
		pinged_at  TEXT NOT NULL,
		source_ip  TEXT NOT NULL DEFAULT '',
		latency_ms INTEGER
	)`,

	`CREATE INDEX IF NOT EXISTS idx_pings_monitor ON pings(monitor_id, pinged_at)`,
	`CREATE INDEX IF NOT EXISTS idx_pings_time ON pings(pinged_at)`,

	`CREATE TABLE IF NOT EXISTS incidents (
		id            TEXT PRIMARY KEY,
		monitor_id    TEXT    NOT NULL,
		owner_id      TEXT    NOT NULL,
		started_at    TEXT    NOT NULL,
		resolved_at   TEXT,
		duration_secs INTEGER,
		alert_sent    INTEGER NOT NULL DEFAULT 0
	)`,

	`CREATE INDEX IF NOT EXISTS idx_incidents_monitor ON incidents(monitor_id, started_at)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_incidents_open ON incidents(monitor_id) WHERE resolved_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS alert_channels (
		id         TEXT PRIMARY KEY,
		owner_id   TEXT    NOT NULL,
		type       TEXT    NOT NULL,
		config     TEXT    NOT NULL DEFAULT '{}',
		enabled    INTEGER NOT NULL DEFAULT 1,
		created_at TEXT    NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS deliveries (
		id           TEXT PRIMARY KEY,
		incident_id  TEXT    NOT NULL,
		channel_id   TEXT    NOT NULL,
		monitor_id   TEXT    NOT NULL,
		event        TEXT    NOT NULL,
		attempts     INTEGER NOT NULL,
		success      INTEGER NOT NULL,
		last_error   TEXT    NOT NULL DEFAULT '',
		created_at   TEXT    NOT NULL,
		completed_at TEXT    NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_deliveries_channel ON deliveries(channel_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS status_pages (
		id          TEXT PRIMARY KEY,
		owner_id    TEXT    NOT NULL,
		slug        TEXT    NOT NULL UNIQUE,
		title       TEXT    NOT NULL,
		monitor_ids TEXT    NOT NULL DEFAULT '[]',
		is_public   INTEGER NOT NULL DEFAULT 0,
		created_at  TEXT    NOT NULL
	)`,
}

type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens the database at path with WAL mode, a busy timeout
// and a single connection, then migrates the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d", sqliteBusyTimeoutMS)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy_timeout: %w", err)
	}

	store := &SQLiteStore{db: db, path: path}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("failed to create schema_version: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if current >= sqliteSchemaVersion {
		return nil
	}

	for _, stmt := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate: %w\nstatement: %s", err, stmt)
		}
	}

	if _, err := s.db.ExecContext(ctx, "INSERT OR REPLACE INTO schema_version (version) VALUES (?)", sqliteSchemaVersion); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(sqliteTimeLayout, s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

const monitorColumns = `id, owner_id, name, slug, schedule, grace_seconds, status, last_ping_at, next_expected, created_at, updated_at`

func scanMonitor(row rowScanner) (*Monitor, error) {
	var (
		m                    Monitor
		status               string
		lastPing, next       sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&m.ID, &m.OwnerID, &m.Name, &m.Slug, &m.Schedule, &m.GraceSeconds, &status,
		&lastPing, &next, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	m.Status = MonitorStatus(status)

	var err error
	if m.LastPingAt, err = parseNullTime(lastPing); err != nil {
		return nil, err
	}
	if m.NextExpected, err = parseNullTime(next); err != nil {
		return nil, err
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if m.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *SQLiteStore) GetMonitors(ctx context.Context, filters MonitorFilters) ([]Monitor, error) {
	query := `SELECT ` + monitorColumns + ` FROM monitors`
	var args []interface{}
	if filters.OwnerID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, filters.OwnerID)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query monitors: %w", err)
	}
	defer rows.Close()

	var monitors []Monitor
	for rows.Next() {
		m, err := scanMonitor(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan monitor: %w", err)
		}
		if filters.match(m) {
			monitors = append(monitors, *m)
		}
	}
	return monitors, rows.Err()
}

func (s *SQLiteStore) GetMonitor(ctx context.Context, id string) (*Monitor, error) {
	m, err := scanMonitor(s.db.QueryRowContext(ctx, `SELECT `+monitorColumns+` FROM monitors WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get monitor: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) CreateMonitor(ctx context.Context, monitor *Monitor) error {
	if monitor.ID == "" {
		monitor.ID = uuid.New().String()
	}
	if monitor.CreatedAt.IsZero() {
		monitor.CreatedAt = time.Now().UTC()
	}
	if monitor.UpdatedAt.IsZero() {
		monitor.UpdatedAt = monitor.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO monitors (`+monitorColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		monitor.ID, monitor.OwnerID, monitor.Name, monitor.Slug, monitor.Schedule, monitor.GraceSeconds,
		string(monitor.Status), formatNullTime(monitor.LastPingAt), formatNullTime(monitor.NextExpected),
		formatTime(monitor.CreatedAt), formatTime(monitor.UpdatedAt))
	if isUniqueViolation(err) {
		return ErrSlugTaken
	}
	if err != nil {
		return fmt.Errorf("failed to create monitor: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateMonitor(ctx context.Context, monitor *Monitor) error {
	if monitor.UpdatedAt.IsZero() {
		monitor.UpdatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `UPDATE monitors SET owner_id = ?, name = ?, slug = ?, schedule = ?,
		grace_seconds = ?, status = ?, last_ping_at = ?, next_expected = ?, updated_at = ? WHERE id = ?`,
		monitor.OwnerID, monitor.Name, monitor.Slug, monitor.Schedule, monitor.GraceSeconds, string(monitor.Status),
		formatNullTime(monitor.LastPingAt), formatNullTime(monitor.NextExpected), formatTime(monitor.UpdatedAt), monitor.ID)
	if isUniqueViolation(err) {
		return ErrSlugTaken
	}
	if err != nil {
		return fmt.Errorf("failed to update monitor: %w", err)
	}
	return expectOneRow(res)
}

func (s *SQLiteStore) DeleteMonitor(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM monitors WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete monitor: %w", err)
	}
	if err := expectOneRow(res); err != nil {
		return err
	}

	for _, stmt := range []string{
		`DELETE FROM pings WHERE monitor_id = ?`,
		`DELETE FROM incidents WHERE monitor_id = ?`,
		`DELETE FROM deliveries WHERE monitor_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("failed to cascade monitor delete: %w", err)
		}
	}

	return tx.Commit()
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) CreatePing(ctx context.Context, ping *Ping) error {
	var latency sql.NullInt64
	if ping.LatencyMS != nil {
		latency = sql.NullInt64{Int64: *ping.LatencyMS, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `INSERT INTO pings (monitor_id, pinged_at, source_ip, latency_ms) VALUES (?, ?, ?, ?)`,
		ping.MonitorID, formatTime(ping.PingedAt), ping.SourceIP, latency)
	if err != nil {
		return fmt.Errorf("failed to create ping: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read ping id: %w", err)
	}
	ping.ID = id
	return nil
}

func (s *SQLiteStore) GetPings(ctx context.Context, monitorID string, limit int) ([]Ping, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, monitor_id, pinged_at, source_ip, latency_ms FROM pings
		WHERE monitor_id = ? ORDER BY pinged_at DESC, id DESC LIMIT ?`, monitorID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pings: %w", err)
	}
	defer rows.Close()

	var pings []Ping
	for rows.Next() {
		var (
			p        Ping
			pingedAt string
			latency  sql.NullInt64
		)
		if err := rows.Scan(&p.ID, &p.MonitorID, &pingedAt, &p.SourceIP, &latency); err != nil {
			return nil, fmt.Errorf("failed to scan ping: %w", err)
		}
		if p.PingedAt, err = parseTime(pingedAt); err != nil {
			return nil, err
		}
		if latency.Valid {
			v := latency.Int64
			p.LatencyMS = &v
		}
		pings = append(pings, p)
	}
	return pings, rows.Err()
}

const incidentColumns = `id, monitor_id, owner_id, started_at, resolved_at, duration_secs, alert_sent`

func scanIncident(row rowScanner) (*Incident, error) {
	var (
		i         Incident
		startedAt string
		resolved  sql.NullString
		duration  sql.NullInt64
	)
	if err := row.Scan(&i.ID, &i.MonitorID, &i.OwnerID, &startedAt, &resolved, &duration, &i.AlertSent); err != nil {
		return nil, err
	}

	var err error
	if i.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if i.ResolvedAt, err = parseNullTime(resolved); err != nil {
		return nil, err
	}
	if duration.Valid {
		d := duration.Int64
		i.DurationSecs = &d
	}
	return &i, nil
}

func (s *SQLiteStore) CreateIncident(ctx context.Context, incident *Incident) error {
	if incident.ID == "" {
		incident.ID = uuid.New().String()
	}

	var duration sql.NullInt64
	if incident.DurationSecs != nil {
		duration = sql.NullInt64{Int64: *incident.DurationSecs, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO incidents (`+incidentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		incident.ID, incident.MonitorID, incident.OwnerID, formatTime(incident.StartedAt),
		formatNullTime(incident.ResolvedAt), duration, incident.AlertSent)
	if isUniqueViolation(err) {
		return ErrOpenIncidentExists
	}
	if err != nil {
		return fmt.Errorf("failed to create incident: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetIncident(ctx context.Context, id string) (*Incident, error) {
	i, err := scanIncident(s.db.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get incident: %w", err)
	}
	return i, nil
}

func (s *SQLiteStore) GetOpenIncident(ctx context.Context, monitorID string) (*Incident, error) {
	i, err := scanIncident(s.db.QueryRowContext(ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE monitor_id = ? AND resolved_at IS NULL`, monitorID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open incident: %w", err)
	}
	return i, nil
}

func (s *SQLiteStore) GetIncidents(ctx context.Context, filters IncidentFilters) ([]Incident, error) {
	var (
		where []string
		args  []interface{}
	)
	if filters.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, filters.OwnerID)
	}
	if filters.MonitorID != "" {
		where = append(where, "monitor_id = ?")
		args = append(args, filters.MonitorID)
	}
	if filters.OpenOnly {
		where = append(where, "resolved_at IS NULL")
	}

	query := `SELECT ` + incidentColumns + ` FROM incidents`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY started_at DESC, id DESC`
	if filters.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filters.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query incidents: %w", err)
	}
	defer rows.Close()

	var incidents []Incident
	for rows.Next() {
		i, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		incidents = append(incidents, *i)
	}
	return incidents, rows.Err()
}

func (s *SQLiteStore) ResolveIncident(ctx context.Context, id string, resolvedAt time.Time, durationSecs int64) (*Incident, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE incidents SET resolved_at = ?, duration_secs = ?
		WHERE id = ? AND resolved_at IS NULL`, formatTime(resolvedAt), durationSecs, id)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve incident: %w", err)
	}

	if err := expectOneRow(res); errors.Is(err, ErrNotFound) {
		if _, getErr := s.GetIncident(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrIncidentResolved
	} else if err != nil {
		return nil, err
	}

	return s.GetIncident(ctx, id)
}

func (s *SQLiteStore) MarkIncidentAlerted(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE incidents SET alert_sent = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark incident alerted: %w", err)
	}
	return expectOneRow(res)
}

const channelColumns = `id, owner_id, type, config, enabled, created_at`

func scanChannel(row rowScanner) (*AlertChannel, error) {
	var (
		c           AlertChannel
		channelType string
		rawConfig   string
		createdAt   string
	)
	if err := row.Scan(&c.ID, &c.OwnerID, &channelType, &rawConfig, &c.Enabled, &createdAt); err != nil {
		return nil, err
	}
	c.Type = ChannelType(channelType)

	var fields map[string]string
	if err := json.Unmarshal([]byte(rawConfig), &fields); err != nil {
		return nil, fmt.Errorf("failed to decode channel config: %w", err)
	}
	cfg, err := ParseChannelConfig(c.Type, fields)
	if err != nil {
		return nil, err
	}
	c.Config = cfg

	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLiteStore) GetAlertChannels(ctx context.Context, ownerID string) ([]AlertChannel, error) {
	query := `SELECT ` + channelColumns + ` FROM alert_channels`
	var args []interface{}
	if ownerID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query channels: %w", err)
	}
	defer rows.Close()

	var channels []AlertChannel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan channel: %w", err)
		}
		channels = append(channels, *c)
	}
	return channels, rows.Err()
}

func (s *SQLiteStore) GetAlertChannel(ctx context.Context, id string) (*AlertChannel, error) {
	c, err := scanChannel(s.db.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM alert_channels WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) CreateAlertChannel(ctx context.Context, channel *AlertChannel) error {
	if channel.Config == nil {
		return fmt.Errorf("alert channel has no config")
	}
	if channel.ID == "" {
		channel.ID = uuid.New().String()
	}
	if channel.CreatedAt.IsZero() {
		channel.CreatedAt = time.Now().UTC()
	}
	channel.Type = channel.Config.Type()

	rawConfig, err := json.Marshal(channel.Config.Fields())
	if err != nil {
		return fmt.Errorf("failed to marshal channel config: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO alert_channels (`+channelColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		channel.ID, channel.OwnerID, string(channel.Type), string(rawConfig), channel.Enabled, formatTime(channel.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create channel: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateAlertChannel(ctx context.Context, channel *AlertChannel) error {
	rawConfig, err := json.Marshal(channel.Config.Fields())
	if err != nil {
		return fmt.Errorf("failed to marshal channel config: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `UPDATE alert_channels SET type = ?, config = ?, enabled = ? WHERE id = ?`,
		string(channel.Config.Type()), string(rawConfig), channel.Enabled, channel.ID)
	if err != nil {
		return fmt.Errorf("failed to update channel: %w", err)
	}
	return expectOneRow(res)
}

func (s *SQLiteStore) DeleteAlertChannel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM alert_channels WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete channel: %w", err)
	}
	return expectOneRow(res)
}

func (s *SQLiteStore) CreateDelivery(ctx context.Context, d *Delivery) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO deliveries (id, incident_id, channel_id, monitor_id, event,
		attempts, success, last_error, created_at, completed_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.IncidentID, d.ChannelID, d.MonitorID, d.Event, d.Attempts, d.Success, d.LastError,
		formatTime(d.CreatedAt), formatTime(d.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to create delivery: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetDeliveries(ctx context.Context, filters DeliveryFilters) ([]Delivery, error) {
	var (
		where []string
		args  []interface{}
	)
	if filters.ChannelID != "" {
		where = append(where, "channel_id = ?")
		args = append(args, filters.ChannelID)
	}
	if filters.IncidentID != "" {
		where = append(where, "incident_id = ?")
		args = append(args, filters.IncidentID)
	}

	query := `SELECT id, incident_id, channel_id, monitor_id, event, attempts, success, last_error, created_at, completed_at FROM deliveries`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id`
	if filters.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filters.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []Delivery
	for rows.Next() {
		var (
			d                      Delivery
			createdAt, completedAt string
		)
		if err := rows.Scan(&d.ID, &d.IncidentID, &d.ChannelID, &d.MonitorID, &d.Event, &d.Attempts,
			&d.Success, &d.LastError, &createdAt, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		if d.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if d.CompletedAt, err = parseTime(completedAt); err != nil {
			return nil, err
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}

const pageColumns = `id, owner_id, slug, title, monitor_ids, is_public, created_at`

func scanStatusPage(row rowScanner) (*StatusPage, error) {
	var (
		p          StatusPage
		monitorIDs string
		createdAt  string
	)
	if err := row.Scan(&p.ID, &p.OwnerID, &p.Slug, &p.Title, &monitorIDs, &p.IsPublic, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(monitorIDs), &p.MonitorIDs); err != nil {
		return nil, fmt.Errorf("failed to decode status page monitors: %w", err)
	}

	var err error
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLiteStore) GetStatusPages(ctx context.Context, ownerID string) ([]StatusPage, error) {
	query := `SELECT ` + pageColumns + ` FROM status_pages`
	var args []interface{}
	if ownerID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query status pages: %w", err)
	}
	defer rows.Close()

	var pages []StatusPage
	for rows.Next() {
		p, err := scanStatusPage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan status page: %w", err)
		}
		pages = append(pages, *p)
	}
	return pages, rows.Err()
}

func (s *SQLiteStore) GetStatusPage(ctx context.Context, id string) (*StatusPage, error) {
	p, err := scanStatusPage(s.db.QueryRowContext(ctx, `SELECT `+pageColumns+` FROM status_pages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get status page: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) GetStatusPageBySlug(ctx context.Context, slug string) (*StatusPage, error) {
	p, err := scanStatusPage(s.db.QueryRowContext(ctx, `SELECT `+pageColumns+` FROM status_pages WHERE slug = ?`, slug))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get status page: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) CreateStatusPage(ctx context.Context, page *StatusPage) error {
	if page.ID == "" {
		page.ID = uuid.New().String()
	}
	if page.CreatedAt.IsZero() {
		page.CreatedAt = time.Now().UTC()
	}
	if page.MonitorIDs == nil {
		page.MonitorIDs = []string{}
	}

	monitorIDs, err := json.Marshal(page.MonitorIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal status page monitors: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO status_pages (`+pageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		page.ID, page.OwnerID, page.Slug, page.Title, string(monitorIDs), page.IsPublic, formatTime(page.CreatedAt))
	if isUniqueViolation(err) {
		return ErrSlugTaken
	}
	if err != nil {
		return fmt.Errorf("failed to create status page: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateStatusPage(ctx context.Context, page *StatusPage) error {
	if page.MonitorIDs == nil {
		page.MonitorIDs = []string{}
	}
	monitorIDs, err := json.Marshal(page.MonitorIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal status page monitors: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `UPDATE status_pages SET slug = ?, title = ?, monitor_ids = ?, is_public = ? WHERE id = ?`,
		page.Slug, page.Title, string(monitorIDs), page.IsPublic, page.ID)
	if isUniqueViolation(err) {
		return ErrSlugTaken
	}
	if err != nil {
		return fmt.Errorf("failed to update status page: %w", err)
	}
	return expectOneRow(res)
}

func (s *SQLiteStore) DeleteStatusPage(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM status_pages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete status page: %w", err)
	}
	return expectOneRow(res)
}

func (s *SQLiteStore) DeletePingsBefore(ctx context.Context, cutoffTime time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pings WHERE pinged_at < ?`, formatTime(cutoffTime))
	if err != nil {
		return 0, fmt.Errorf("failed to delete old pings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLiteStore) GetDatabaseStats(ctx context.Context) (*DatabaseStats, error) {
	stats := &DatabaseStats{Backend: "sqlite"}

	counts := []struct {
		query string
		dest  *int
	}{
		{`SELECT COUNT(*) FROM monitors`, &stats.TotalMonitors},
		{`SELECT COUNT(*) FROM pings`, &stats.TotalPings},
		{`SELECT COUNT(*) FROM incidents`, &stats.TotalIncidents},
		{`SELECT COUNT(*) FROM incidents WHERE resolved_at IS NULL`, &stats.OpenIncidents},
		{`SELECT COUNT(*) FROM alert_channels`, &stats.TotalChannels},
		{`SELECT COUNT(*) FROM deliveries`, &stats.TotalDelivered},
		{`SELECT COUNT(*) FROM status_pages`, &stats.TotalPages},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("failed to get database stats: %w", err)
		}
	}

	var oldest, newest sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT MIN(pinged_at), MAX(pinged_at) FROM pings`).Scan(&oldest, &newest); err != nil {
		return nil, fmt.Errorf("failed to get ping range: %w", err)
	}
	var err error
	if stats.OldestPing, err = parseNullTime(oldest); err != nil {
		return nil, err
	}
	if stats.NewestPing, err = parseNullTime(newest); err != nil {
		return nil, err
	}

	if fileInfo, err := os.Stat(s.path); err == nil {
		stats.DatabaseSize = fileInfo.Size()
	}
	return stats, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
