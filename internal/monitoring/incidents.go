// internal/monitoring/incidents.go - Incident open/resolve with dedup
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"pingcron/internal/database"
	"pingcron/internal/metrics"
	"pingcron/internal/notifications"
)

// AlertDispatcher queues alerts for asynchronous delivery.
type AlertDispatcher interface {
	Dispatch(alert notifications.Alert) bool
	Start(ctx context.Context)
	Stop()
}

// Tracker creates and resolves incidents. It only talks to the store and the
// dispatcher, never back to the engine.
type Tracker struct {
	store      database.Store
	dispatcher AlertDispatcher
}

func NewTracker(store database.Store, dispatcher AlertDispatcher) *Tracker {
	return &Tracker{store: store, dispatcher: dispatcher}
}

// Open starts an incident for m at startedAt and requests a down alert. It
// returns nil without error when m already has an unresolved incident.
func (t *Tracker) Open(ctx context.Context, m *database.Monitor, startedAt time.Time) (*database.Incident, error) {
	existing, err := t.store.GetOpenIncident(ctx, m.ID)
	if err == nil {
		logrus.WithFields(logrus.Fields{
			"monitor_id":  m.ID,
			"incident_id": existing.ID,
		}).Debug("Incident already open, skipping")
		return nil, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("failed to check open incident: %w", err)
	}

	incident := &database.Incident{
		MonitorID: m.ID,
		OwnerID:   m.OwnerID,
		StartedAt: startedAt.UTC(),
	}
	if err := t.store.CreateIncident(ctx, incident); err != nil {
		if errors.Is(err, database.ErrOpenIncidentExists) {
			logrus.WithField("monitor_id", m.ID).Debug("Incident opened concurrently, skipping")
			return nil, nil
		}
		return nil, fmt.Errorf("failed to create incident: %w", err)
	}

	metrics.IncidentsOpened.Inc()
	logrus.WithFields(logrus.Fields{
		"monitor_id":  m.ID,
		"monitor":     m.Name,
		"incident_id": incident.ID,
		"started_at":  incident.StartedAt,
	}).Info("Incident opened")

	t.dispatch(notifications.EventDown, m, incident, startedAt)
	return incident, nil
}

// Resolve closes the open incident of m at resolvedAt and requests a recovery
// alert. It returns nil without error when nothing is open.
func (t *Tracker) Resolve(ctx context.Context, m *database.Monitor, resolvedAt time.Time) (*database.Incident, error) {
	open, err := t.store.GetOpenIncident(ctx, m.ID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load open incident: %w", err)
	}

	resolved, err := t.store.ResolveIncident(ctx, open.ID, resolvedAt.UTC(), durationSeconds(open.StartedAt, resolvedAt))
	if err != nil {
		if errors.Is(err, database.ErrIncidentResolved) || errors.Is(err, database.ErrNotFound) {
			logrus.WithField("incident_id", open.ID).Debug("Incident already resolved, skipping")
			return nil, nil
		}
		return nil, fmt.Errorf("failed to resolve incident: %w", err)
	}

	metrics.IncidentsResolved.Inc()
	metrics.IncidentDuration.Observe(float64(*resolved.DurationSecs))
	logrus.WithFields(logrus.Fields{
		"monitor_id":    m.ID,
		"monitor":       m.Name,
		"incident_id":   resolved.ID,
		"duration_secs": *resolved.DurationSecs,
	}).Info("Incident resolved")

	t.dispatch(notifications.EventRecovered, m, resolved, resolvedAt)
	return resolved, nil
}

func (t *Tracker) dispatch(event notifications.EventType, m *database.Monitor, incident *database.Incident, at time.Time) {
	if t.dispatcher == nil {
		return
	}
	t.dispatcher.Dispatch(notifications.Alert{
		Event:     event,
		Monitor:   *m,
		Incident:  *incident,
		Timestamp: at.UTC(),
	})
}

// durationSeconds floors resolved-started to whole seconds, never below zero.
func durationSeconds(started, resolved time.Time) int64 {
	d := int64(resolved.Sub(started) / time.Second)
	if d < 0 {
		return 0
	}
	return d
}
