// internal/monitoring/engine.go
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"pingcron/internal/config"
	"pingcron/internal/database"
	"pingcron/internal/metrics"
	"pingcron/internal/schedule"
)

var (
	ErrUnknownMonitor    = fmt.Errorf("unknown monitor: %w", database.ErrNotFound)
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrGraceTooShort     = errors.New("grace period too short")
)

// Engine is the monitor state machine. Every transition of a monitor runs
// under that monitor's lock, whether it comes from a ping, a sweep or the API.
type Engine struct {
	config     *config.Config
	store      database.ExtendedStore
	metrics    *metrics.Collector
	parser     schedule.Parser
	clock      clock.Clock
	locks      *keyedMutex
	index      *deadlineIndex
	tracker    *Tracker
	dispatcher AlertDispatcher
	sweeper    *Sweeper
	retention  *RetentionJob

	sinksMu sync.RWMutex
	sinks   []EventSink

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

type Option func(*Engine)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithEventSink(sink EventSink) Option {
	return func(e *Engine) { e.sinks = append(e.sinks, sink) }
}

func WithMetrics(c *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = c }
}

// CreateMonitorInput is the caller-supplied part of a new monitor. Zero
// Schedule and GraceSeconds take the configured defaults.
type CreateMonitorInput struct {
	OwnerID      string
	Name         string
	Slug         string
	Schedule     string
	GraceSeconds int
}

// MonitorPatch holds the optional fields of an update. Status only accepts
// paused (pause) and up (resume).
type MonitorPatch struct {
	Name         *string
	Slug         *string
	Schedule     *string
	GraceSeconds *int
	Status       *database.MonitorStatus
}

// PingSource describes where a ping came from.
type PingSource struct {
	Channel   string
	IP        string
	LatencyMS *int64
}

func NewEngine(cfg *config.Config, store database.ExtendedStore, dispatcher AlertDispatcher, opts ...Option) *Engine {
	e := &Engine{
		config:     cfg,
		store:      store,
		parser:     schedule.Parser{MinInterval: cfg.Monitoring.MinInterval},
		clock:      clock.New(),
		locks:      newKeyedMutex(),
		index:      newDeadlineIndex(),
		dispatcher: dispatcher,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = metrics.NewCollector(store)
	}

	e.tracker = NewTracker(store, dispatcher)
	e.sweeper = NewSweeper(e, cfg.Monitoring.SweepInterval, e.clock)
	e.retention = NewRetentionJob(store, cfg.Database.PingRetention, e.clock)
	return e
}

// Subscribe registers an additional event sink.
func (e *Engine) Subscribe(sink EventSink) {
	e.sinksMu.Lock()
	defer e.sinksMu.Unlock()
	e.sinks = append(e.sinks, sink)
}

func (e *Engine) emit(event Event) {
	e.sinksMu.RLock()
	defer e.sinksMu.RUnlock()
	for _, sink := range e.sinks {
		sink.Publish(event)
	}
}

func (e *Engine) Clock() clock.Clock {
	return e.clock
}

func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	logrus.Info("Starting monitoring engine")

	if err := e.LoadIndex(ctx); err != nil {
		e.mu.Lock()
		e.running = false
		e.cancel()
		e.mu.Unlock()
		return err
	}

	if e.dispatcher != nil {
		e.dispatcher.Start(ctx)
	}
	e.retention.Schedule(ctx, e.config.Database.CleanupInterval)
	e.sweeper.Start(ctx)
	return nil
}

func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	logrus.Info("Stopping monitoring engine")
	cancel()
	e.sweeper.Stop()
	e.retention.Wait()
	if e.dispatcher != nil {
		e.dispatcher.Stop()
	}
}

// LoadIndex fills the deadline index from the store.
func (e *Engine) LoadIndex(ctx context.Context) error {
	monitors, err := e.store.GetMonitors(ctx, database.MonitorFilters{
		Statuses: []database.MonitorStatus{database.StatusNew, database.StatusUp, database.StatusDown},
	})
	if err != nil {
		return fmt.Errorf("failed to load monitors: %w", err)
	}

	for i := range monitors {
		if deadline, ok := Deadline(&monitors[i]); ok {
			e.index.Upsert(monitors[i].ID, deadline)
		}
	}
	metrics.IndexedMonitors.Set(float64(e.index.Len()))

	logrus.WithField("indexed_monitors", e.index.Len()).Info("Loaded monitors into deadline index")
	return nil
}

// Monitor returns the monitor if it exists and belongs to ownerID.
func (e *Engine) Monitor(ctx context.Context, ownerID, id string) (*database.Monitor, error) {
	m, err := e.store.GetMonitor(ctx, id)
	if errors.Is(err, database.ErrNotFound) || (err == nil && m.OwnerID != ownerID) {
		return nil, ErrUnknownMonitor
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get monitor: %w", err)
	}
	return m, nil
}

func (e *Engine) parseSchedule(spec string) (schedule.Schedule, error) {
	return e.parser.Parse(spec)
}

func (e *Engine) checkGrace(grace int) error {
	if grace < e.config.Monitoring.MinGraceSeconds {
		return fmt.Errorf("%w: %d seconds is below the minimum of %d", ErrGraceTooShort, grace, e.config.Monitoring.MinGraceSeconds)
	}
	return nil
}

func (e *Engine) CreateMonitor(ctx context.Context, in CreateMonitorInput) (*database.Monitor, error) {
	if in.Schedule == "" {
		in.Schedule = e.config.Monitoring.DefaultSchedule
	}
	if in.GraceSeconds == 0 {
		in.GraceSeconds = e.config.Monitoring.DefaultGraceSeconds
	}

	sched, err := e.parseSchedule(in.Schedule)
	if err != nil {
		return nil, err
	}
	if err := e.checkGrace(in.GraceSeconds); err != nil {
		return nil, err
	}

	now := e.clock.Now().UTC()
	m := &database.Monitor{
		OwnerID:      in.OwnerID,
		Name:         in.Name,
		Slug:         in.Slug,
		Schedule:     sched.String(),
		GraceSeconds: in.GraceSeconds,
		Status:       database.StatusNew,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	next := NextExpected(sched, m)
	m.NextExpected = &next

	if err := e.store.CreateMonitor(ctx, m); err != nil {
		return nil, err
	}
	e.reindex(m)

	logrus.WithFields(logrus.Fields{
		"monitor_id": m.ID,
		"owner_id":   m.OwnerID,
		"schedule":   m.Schedule,
	}).Info("Monitor created")
	return m, nil
}

// UpdateMonitor applies patch to the owner's monitor. Field changes are
// applied before a status change.
func (e *Engine) UpdateMonitor(ctx context.Context, ownerID, id string, patch MonitorPatch) (*database.Monitor, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	m, err := e.Monitor(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	previous := m.Status
	now := e.clock.Now().UTC()
	changed := false

	if patch.Name != nil && *patch.Name != m.Name {
		m.Name = *patch.Name
		changed = true
	}
	if patch.Slug != nil && *patch.Slug != m.Slug {
		m.Slug = *patch.Slug
		changed = true
	}

	rearm := false
	if patch.Schedule != nil && *patch.Schedule != m.Schedule {
		sched, err := e.parseSchedule(*patch.Schedule)
		if err != nil {
			return nil, err
		}
		m.Schedule = sched.String()
		rearm = true
	}
	if patch.GraceSeconds != nil && *patch.GraceSeconds != m.GraceSeconds {
		if err := e.checkGrace(*patch.GraceSeconds); err != nil {
			return nil, err
		}
		m.GraceSeconds = *patch.GraceSeconds
		rearm = true
	}
	if rearm {
		sched, err := e.parseSchedule(m.Schedule)
		if err != nil {
			return nil, err
		}
		next := NextExpected(sched, m)
		m.NextExpected = &next
		changed = true
	}

	if patch.Status != nil {
		switch *patch.Status {
		case database.StatusPaused:
			if m.Status != database.StatusPaused {
				m.Status = database.StatusPaused
				changed = true
			}
		case database.StatusUp:
			if m.Status == database.StatusPaused {
				sched, err := e.parseSchedule(m.Schedule)
				if err != nil {
					return nil, err
				}
				next := sched.Next(now)
				m.NextExpected = &next
				m.Status = database.StatusUp
				changed = true
			}
		default:
			return nil, fmt.Errorf("%w: status can only be set to %q or %q", ErrInvalidTransition, database.StatusPaused, database.StatusUp)
		}
	}

	if !changed {
		return m, nil
	}

	m.UpdatedAt = now
	if err := e.store.UpdateMonitor(ctx, m); err != nil {
		return nil, err
	}
	e.reindex(m)

	if m.Status != previous {
		e.recordTransition(m, previous, now)
	}
	return m, nil
}

func (e *Engine) Pause(ctx context.Context, ownerID, id string) (*database.Monitor, error) {
	status := database.StatusPaused
	return e.UpdateMonitor(ctx, ownerID, id, MonitorPatch{Status: &status})
}

// Resume re-arms the deadline from now. An incident left open stays open
// until a ping arrives.
func (e *Engine) Resume(ctx context.Context, ownerID, id string) (*database.Monitor, error) {
	status := database.StatusUp
	return e.UpdateMonitor(ctx, ownerID, id, MonitorPatch{Status: &status})
}

func (e *Engine) DeleteMonitor(ctx context.Context, ownerID, id string) error {
	unlock := e.locks.Lock(id)
	defer unlock()

	if _, err := e.Monitor(ctx, ownerID, id); err != nil {
		return err
	}
	if err := e.store.DeleteMonitor(ctx, id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return ErrUnknownMonitor
		}
		return fmt.Errorf("failed to delete monitor: %w", err)
	}
	e.index.Remove(id)
	metrics.IndexedMonitors.Set(float64(e.index.Len()))

	logrus.WithField("monitor_id", id).Info("Monitor deleted")
	return nil
}

// RecordPing stores a ping for monitor id and applies the ping transition.
// A ping that arrives past a deadline the sweep has not yet seen first opens
// the missed incident and then resolves it.
func (e *Engine) RecordPing(ctx context.Context, id string, src PingSource) (*database.Monitor, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	m, err := e.store.GetMonitor(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrUnknownMonitor
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get monitor: %w", err)
	}

	now := e.clock.Now().UTC()
	ping := &database.Ping{
		MonitorID: id,
		PingedAt:  now,
		SourceIP:  src.IP,
		LatencyMS: src.LatencyMS,
	}
	if err := e.store.CreatePing(ctx, ping); err != nil {
		return nil, fmt.Errorf("failed to record ping: %w", err)
	}

	channel := src.Channel
	if channel == "" {
		channel = "http"
	}
	e.metrics.RecordPing(channel)
	e.emit(Event{Type: EventPingReceived, OwnerID: m.OwnerID, MonitorID: id, Timestamp: now, Data: ping})

	if sweepable(m) && IsOverdue(m, now) {
		if err := e.markDown(ctx, m, now); err != nil {
			return nil, fmt.Errorf("failed to record missed deadline: %w", err)
		}
	}

	sched, err := e.parseSchedule(m.Schedule)
	if err != nil {
		return nil, fmt.Errorf("stored schedule for monitor %s is invalid: %w", id, err)
	}

	previous := m.Status
	m.LastPingAt = &now
	next := NextExpected(sched, m)
	m.NextExpected = &next
	m.UpdatedAt = now
	if m.Status != database.StatusPaused {
		m.Status = database.StatusUp
	}

	if err := e.store.UpdateMonitor(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to update monitor: %w", err)
	}
	e.reindex(m)

	if previous != m.Status {
		e.recordTransition(m, previous, now)
	}

	if m.Status != database.StatusPaused {
		incident, err := e.tracker.Resolve(ctx, m, now)
		if err != nil {
			logrus.WithError(err).WithField("monitor_id", id).Error("Failed to resolve incident")
		} else if incident != nil {
			e.emit(Event{
				Type: EventIncidentResolved, OwnerID: m.OwnerID, MonitorID: id, Timestamp: now,
				Data: IncidentChange{Incident: *incident, Monitor: *m},
			})
		}
	}

	return m, nil
}

// Sweep evaluates every monitor whose deadline has passed and returns how
// many went down. Failures are isolated per monitor.
func (e *Engine) Sweep(ctx context.Context) int {
	start := e.clock.Now()
	now := start.UTC()
	due := e.index.Due(now)

	workers := e.config.Monitoring.SweepWorkers
	if workers < 1 {
		workers = 1
	}
	if workers > len(due) {
		workers = len(due)
	}

	jobs := make(chan string)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		down     int
		failures int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				wentDown, err := e.evaluate(ctx, id, now)
				mu.Lock()
				if err != nil {
					failures++
				}
				if wentDown {
					down++
				}
				mu.Unlock()
				if err != nil {
					logrus.WithError(err).WithField("monitor_id", id).Error("Sweep failed for monitor")
				}
			}
		}()
	}

feed:
	for _, id := range due {
		select {
		case <-ctx.Done():
			break feed
		case jobs <- id:
		}
	}
	close(jobs)
	wg.Wait()

	e.metrics.RecordSweep(e.clock.Since(start), failures)
	metrics.IndexedMonitors.Set(float64(e.index.Len()))

	if len(due) > 0 {
		logrus.WithFields(logrus.Fields{
			"due":      len(due),
			"down":     down,
			"failures": failures,
		}).Debug("Sweep cycle finished")
	}
	return down
}

// evaluate applies the sweep transition to one monitor.
func (e *Engine) evaluate(ctx context.Context, id string, now time.Time) (bool, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	m, err := e.store.GetMonitor(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		e.index.Remove(id)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get monitor: %w", err)
	}

	if !sweepable(m) {
		e.index.Remove(id)
		return false, nil
	}
	if !IsOverdue(m, now) {
		// a ping landed after the index snapshot
		e.reindex(m)
		return false, nil
	}

	if err := e.markDown(ctx, m, now); err != nil {
		return false, err
	}
	return true, nil
}

// markDown moves m to down and opens its incident at the missed deadline.
// Callers hold the monitor lock.
func (e *Engine) markDown(ctx context.Context, m *database.Monitor, now time.Time) error {
	deadline, _ := Deadline(m)
	previous := m.Status

	// The incident goes first. A monitor that fails here stays indexed and
	// the next sweep retries; Open skips an incident that already exists.
	m.Status = database.StatusDown
	incident, err := e.tracker.Open(ctx, m, deadline)
	if err != nil {
		m.Status = previous
		return fmt.Errorf("failed to open incident: %w", err)
	}

	m.UpdatedAt = now
	if err := e.store.UpdateMonitor(ctx, m); err != nil {
		m.Status = previous
		return fmt.Errorf("failed to mark monitor down: %w", err)
	}
	e.index.Remove(m.ID)
	e.recordTransition(m, previous, now)

	if incident != nil {
		e.emit(Event{
			Type: EventIncidentOpened, OwnerID: m.OwnerID, MonitorID: m.ID, Timestamp: now,
			Data: IncidentChange{Incident: *incident, Monitor: *m},
		})
	}
	return nil
}

func (e *Engine) reindex(m *database.Monitor) {
	if deadline, ok := Deadline(m); ok && sweepable(m) {
		e.index.Upsert(m.ID, deadline)
	} else {
		e.index.Remove(m.ID)
	}
}

func (e *Engine) recordTransition(m *database.Monitor, previous database.MonitorStatus, now time.Time) {
	e.metrics.RecordTransition(previous, m.Status)
	logrus.WithFields(logrus.Fields{
		"monitor_id": m.ID,
		"monitor":    m.Name,
		"from":       previous,
		"to":         m.Status,
	}).Info("Monitor status changed")

	e.emit(Event{
		Type: EventMonitorStatus, OwnerID: m.OwnerID, MonitorID: m.ID, Timestamp: now,
		Data: StatusChange{Monitor: *m, Previous: previous},
	})
}
