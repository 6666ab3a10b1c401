package monitoring

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pingcron/internal/config"
	"pingcron/internal/database"
	"pingcron/internal/notifications"
	"pingcron/internal/schedule"
)

var t0 = time.Date(2024, time.June, 1, 8, 0, 0, 0, time.UTC)

type fakeDispatcher struct {
	mu     sync.Mutex
	alerts []notifications.Alert
}

func (f *fakeDispatcher) Dispatch(a notifications.Alert) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, a)
	return true
}

func (f *fakeDispatcher) Start(context.Context) {}
func (f *fakeDispatcher) Stop()                 {}

func (f *fakeDispatcher) events() []notifications.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []notifications.EventType
	for _, a := range f.alerts {
		out = append(out, a.Event)
	}
	return out
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Publish(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Monitoring = config.MonitoringConfig{
		SweepInterval:       15 * time.Second,
		SweepWorkers:        4,
		MinGraceSeconds:     30,
		DefaultGraceSeconds: 300,
		DefaultSchedule:     "5m",
		UptimeWindow:        720 * time.Hour,
	}
	cfg.Database.PingRetention = 720 * time.Hour
	return cfg
}

type harness struct {
	engine     *Engine
	store      database.ExtendedStore
	clock      *clock.Mock
	dispatcher *fakeDispatcher
	events     *eventRecorder
}

// flakyStore fails selected calls once, then behaves like the wrapped store.
type flakyStore struct {
	database.ExtendedStore

	mu                 sync.Mutex
	failCreateIncident int
	failGetMonitor     map[string]int
}

var errFlaky = errors.New("store unavailable")

func (f *flakyStore) CreateIncident(ctx context.Context, incident *database.Incident) error {
	f.mu.Lock()
	if f.failCreateIncident > 0 {
		f.failCreateIncident--
		f.mu.Unlock()
		return errFlaky
	}
	f.mu.Unlock()
	return f.ExtendedStore.CreateIncident(ctx, incident)
}

func (f *flakyStore) GetMonitor(ctx context.Context, id string) (*database.Monitor, error) {
	f.mu.Lock()
	if f.failGetMonitor[id] > 0 {
		f.failGetMonitor[id]--
		f.mu.Unlock()
		return nil, errFlaky
	}
	f.mu.Unlock()
	return f.ExtendedStore.GetMonitor(ctx, id)
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithStore(t, nil)
}

func newHarnessWithStore(t *testing.T, wrap func(database.ExtendedStore) database.ExtendedStore) *harness {
	t.Helper()

	base, err := database.Open("boltdb", filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { base.Close() })

	store := base
	if wrap != nil {
		store = wrap(store)
	}

	mock := clock.NewMock()
	mock.Set(t0)

	h := &harness{store: store, clock: mock, dispatcher: &fakeDispatcher{}, events: &eventRecorder{}}
	h.engine = NewEngine(testConfig(), store, h.dispatcher, WithClock(mock), WithEventSink(h.events))
	return h
}

func (h *harness) create(t *testing.T, slug string) *database.Monitor {
	t.Helper()
	m, err := h.engine.CreateMonitor(context.Background(), CreateMonitorInput{OwnerID: "alice", Name: slug, Slug: slug})
	require.NoError(t, err)
	return m
}

func (h *harness) reload(t *testing.T, id string) *database.Monitor {
	t.Helper()
	m, err := h.store.GetMonitor(context.Background(), id)
	require.NoError(t, err)
	return m
}

func (h *harness) incidents(t *testing.T, id string) []database.Incident {
	t.Helper()
	incidents, err := h.store.GetIncidents(context.Background(), database.IncidentFilters{MonitorID: id})
	require.NoError(t, err)
	return incidents
}

func TestCreateMonitorDefaults(t *testing.T) {
	h := newHarness(t)
	m := h.create(t, "backup")

	assert.Equal(t, database.StatusNew, m.Status)
	assert.Equal(t, "5m", m.Schedule)
	assert.Equal(t, 300, m.GraceSeconds)
	require.NotNil(t, m.NextExpected)
	assert.True(t, t0.Add(5*time.Minute).Equal(*m.NextExpected))

	deadline, ok := h.engine.index.Deadline(m.ID)
	require.True(t, ok)
	assert.True(t, t0.Add(10*time.Minute).Equal(deadline))
}

func TestCreateMonitorValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.CreateMonitor(ctx, CreateMonitorInput{OwnerID: "alice", Name: "x", Slug: "x", Schedule: "every day"})
	var schedErr *schedule.InvalidScheduleError
	assert.True(t, errors.As(err, &schedErr))

	_, err = h.engine.CreateMonitor(ctx, CreateMonitorInput{OwnerID: "alice", Name: "x", Slug: "x", GraceSeconds: 10})
	assert.ErrorIs(t, err, ErrGraceTooShort)

	h.create(t, "dup")
	_, err = h.engine.CreateMonitor(ctx, CreateMonitorInput{OwnerID: "alice", Name: "dup", Slug: "dup"})
	assert.ErrorIs(t, err, database.ErrSlugTaken)
}

func TestNeverPingedMonitorGoesDownAfterGrace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.create(t, "nightly")

	h.clock.Add(10 * time.Minute)
	assert.Equal(t, 0, h.engine.Sweep(ctx))
	assert.Equal(t, database.StatusNew, h.reload(t, m.ID).Status)

	h.clock.Add(time.Second)
	assert.Equal(t, 1, h.engine.Sweep(ctx))
	assert.Equal(t, database.StatusDown, h.reload(t, m.ID).Status)

	incidents := h.incidents(t, m.ID)
	require.Len(t, incidents, 1)
	assert.True(t, t0.Add(10*time.Minute).Equal(incidents[0].StartedAt))
	assert.True(t, incidents[0].Open())
	assert.Equal(t, []notifications.EventType{notifications.EventDown}, h.dispatcher.events())

	_, indexed := h.engine.index.Deadline(m.ID)
	assert.False(t, indexed)
}

func TestSweepRetriesWhenIncidentCannotBeOpened(t *testing.T) {
	flaky := &flakyStore{failCreateIncident: 1}
	h := newHarnessWithStore(t, func(s database.ExtendedStore) database.ExtendedStore {
		flaky.ExtendedStore = s
		return flaky
	})
	ctx := context.Background()
	m := h.create(t, "flaky")

	h.clock.Add(11 * time.Minute)
	assert.Equal(t, 0, h.engine.Sweep(ctx))
	assert.Equal(t, database.StatusNew, h.reload(t, m.ID).Status)
	assert.Empty(t, h.incidents(t, m.ID))
	assert.Empty(t, h.dispatcher.events())
	_, indexed := h.engine.index.Deadline(m.ID)
	assert.True(t, indexed)

	h.clock.Add(15 * time.Second)
	assert.Equal(t, 1, h.engine.Sweep(ctx))
	assert.Equal(t, database.StatusDown, h.reload(t, m.ID).Status)

	incidents := h.incidents(t, m.ID)
	require.Len(t, incidents, 1)
	assert.True(t, t0.Add(10*time.Minute).Equal(incidents[0].StartedAt))
	assert.Equal(t, []notifications.EventType{notifications.EventDown}, h.dispatcher.events())
	assert.Equal(t, []string{EventMonitorStatus, EventIncidentOpened}, h.events.types())
}

func TestSweepFailureForOneMonitorDoesNotBlockOthers(t *testing.T) {
	flaky := &flakyStore{failGetMonitor: map[string]int{}}
	h := newHarnessWithStore(t, func(s database.ExtendedStore) database.ExtendedStore {
		flaky.ExtendedStore = s
		return flaky
	})
	ctx := context.Background()
	a := h.create(t, "alpha")
	b := h.create(t, "bravo")

	flaky.mu.Lock()
	flaky.failGetMonitor[a.ID] = 1
	flaky.mu.Unlock()

	h.clock.Add(11 * time.Minute)
	assert.Equal(t, 1, h.engine.Sweep(ctx))
	assert.Equal(t, database.StatusDown, h.reload(t, b.ID).Status)
	assert.Equal(t, database.StatusNew, h.reload(t, a.ID).Status)
	_, indexed := h.engine.index.Deadline(a.ID)
	assert.True(t, indexed)

	assert.Equal(t, 1, h.engine.Sweep(ctx))
	assert.Equal(t, database.StatusDown, h.reload(t, a.ID).Status)

	incidents := h.incidents(t, a.ID)
	require.Len(t, incidents, 1)
	assert.True(t, t0.Add(10*time.Minute).Equal(incidents[0].StartedAt))
	assert.Len(t, h.incidents(t, b.ID), 1)
}

func TestRepeatedSweepsOpenOneIncident(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.create(t, "dedup")

	h.clock.Add(11 * time.Minute)
	assert.Equal(t, 1, h.engine.Sweep(ctx))
	assert.Equal(t, 0, h.engine.Sweep(ctx))

	// force the monitor back into the index to simulate an overlapping cycle
	h.engine.index.Upsert(m.ID, t0)
	assert.Equal(t, 0, h.engine.Sweep(ctx))

	assert.Len(t, h.incidents(t, m.ID), 1)
	assert.Len(t, h.dispatcher.events(), 1)
}

func TestPingRecoversDownMonitor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.create(t, "recover")

	h.clock.Add(10*time.Minute + time.Second)
	require.Equal(t, 1, h.engine.Sweep(ctx))

	h.clock.Add(2 * time.Minute)
	got, err := h.engine.RecordPing(ctx, m.ID, PingSource{IP: "10.1.1.1"})
	require.NoError(t, err)
	assert.Equal(t, database.StatusUp, got.Status)

	now := h.clock.Now().UTC()
	require.NotNil(t, got.LastPingAt)
	assert.True(t, now.Equal(*got.LastPingAt))
	assert.True(t, now.Add(5*time.Minute).Equal(*got.NextExpected))

	incidents := h.incidents(t, m.ID)
	require.Len(t, incidents, 1)
	require.NotNil(t, incidents[0].ResolvedAt)
	assert.True(t, now.Equal(*incidents[0].ResolvedAt))
	require.NotNil(t, incidents[0].DurationSecs)
	assert.Equal(t, int64(121), *incidents[0].DurationSecs)

	assert.Equal(t, []notifications.EventType{notifications.EventDown, notifications.EventRecovered}, h.dispatcher.events())

	pings, err := h.store.GetPings(ctx, m.ID, 0)
	require.NoError(t, err)
	require.Len(t, pings, 1)
	assert.Equal(t, "10.1.1.1", pings[0].SourceIP)
}

func TestFirstPingMovesNewToUp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.create(t, "first")

	h.clock.Add(time.Minute)
	latency := int64(12)
	got, err := h.engine.RecordPing(ctx, m.ID, PingSource{IP: "127.0.0.1", LatencyMS: &latency})
	require.NoError(t, err)
	assert.Equal(t, database.StatusUp, got.Status)
	assert.True(t, t0.Add(6*time.Minute).Equal(*got.NextExpected))

	assert.Empty(t, h.incidents(t, m.ID))
	assert.Empty(t, h.dispatcher.events())
	assert.Equal(t, []string{EventPingReceived, EventMonitorStatus}, h.events.types())
}

func TestLatePingRecordsMissedIncident(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.create(t, "late")

	// past the deadline, but no sweep has run yet
	h.clock.Add(11 * time.Minute)
	got, err := h.engine.RecordPing(ctx, m.ID, PingSource{})
	require.NoError(t, err)
	assert.Equal(t, database.StatusUp, got.Status)

	incidents := h.incidents(t, m.ID)
	require.Len(t, incidents, 1)
	assert.True(t, t0.Add(10*time.Minute).Equal(incidents[0].StartedAt))
	require.NotNil(t, incidents[0].DurationSecs)
	assert.Equal(t, int64(60), *incidents[0].DurationSecs)
	assert.Equal(t, []notifications.EventType{notifications.EventDown, notifications.EventRecovered}, h.dispatcher.events())
}

func TestLatePingFailsWhenMissCannotBeRecorded(t *testing.T) {
	flaky := &flakyStore{failCreateIncident: 1}
	h := newHarnessWithStore(t, func(s database.ExtendedStore) database.ExtendedStore {
		flaky.ExtendedStore = s
		return flaky
	})
	ctx := context.Background()
	m := h.create(t, "late-flaky")

	h.clock.Add(11 * time.Minute)
	_, err := h.engine.RecordPing(ctx, m.ID, PingSource{})
	require.Error(t, err)
	assert.Equal(t, database.StatusNew, h.reload(t, m.ID).Status)

	assert.Equal(t, 1, h.engine.Sweep(ctx))
	incidents := h.incidents(t, m.ID)
	require.Len(t, incidents, 1)
	assert.True(t, t0.Add(10*time.Minute).Equal(incidents[0].StartedAt))
}

func TestPauseSuspendsSweep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.create(t, "paused")

	paused, err := h.engine.Pause(ctx, "alice", m.ID)
	require.NoError(t, err)
	assert.Equal(t, database.StatusPaused, paused.Status)

	h.clock.Add(24 * time.Hour)
	assert.Equal(t, 0, h.engine.Sweep(ctx))
	assert.Empty(t, h.incidents(t, m.ID))

	resumeAt := h.clock.Now().UTC()
	resumed, err := h.engine.Resume(ctx, "alice", m.ID)
	require.NoError(t, err)
	assert.Equal(t, database.StatusUp, resumed.Status)
	assert.True(t, resumeAt.Add(5*time.Minute).Equal(*resumed.NextExpected))

	h.clock.Add(10 * time.Minute)
	assert.Equal(t, 0, h.engine.Sweep(ctx))

	h.clock.Add(time.Second)
	assert.Equal(t, 1, h.engine.Sweep(ctx))
	incidents := h.incidents(t, m.ID)
	require.Len(t, incidents, 1)
	assert.True(t, resumeAt.Add(10*time.Minute).Equal(incidents[0].StartedAt))
}

func TestPauseAndResumeAreIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.create(t, "idem")

	resumed, err := h.engine.Resume(ctx, "alice", m.ID)
	require.NoError(t, err)
	assert.Equal(t, database.StatusNew, resumed.Status)
	assert.True(t, m.NextExpected.Equal(*resumed.NextExpected))

	_, err = h.engine.Pause(ctx, "alice", m.ID)
	require.NoError(t, err)
	again, err := h.engine.Pause(ctx, "alice", m.ID)
	require.NoError(t, err)
	assert.Equal(t, database.StatusPaused, again.Status)

	assert.Equal(t, []string{EventMonitorStatus}, h.events.types())
}

func TestResumeKeepsOpenIncidentUntilPing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.create(t, "resume-open")

	h.clock.Add(11 * time.Minute)
	require.Equal(t, 1, h.engine.Sweep(ctx))

	_, err := h.engine.Pause(ctx, "alice", m.ID)
	require.NoError(t, err)
	_, err = h.engine.Resume(ctx, "alice", m.ID)
	require.NoError(t, err)

	open, err := h.store.GetOpenIncident(ctx, m.ID)
	require.NoError(t, err)

	// overdue again: down, but the existing incident stays the only one
	h.clock.Add(11 * time.Minute)
	require.Equal(t, 1, h.engine.Sweep(ctx))
	assert.Equal(t, database.StatusDown, h.reload(t, m.ID).Status)
	incidents := h.incidents(t, m.ID)
	require.Len(t, incidents, 1)
	assert.Equal(t, open.ID, incidents[0].ID)

	_, err = h.engine.RecordPing(ctx, m.ID, PingSource{})
	require.NoError(t, err)
	_, err = h.store.GetOpenIncident(ctx, m.ID)
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestPingWhilePaused(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.create(t, "paused-ping")

	h.clock.Add(11 * time.Minute)
	require.Equal(t, 1, h.engine.Sweep(ctx))
	_, err := h.engine.Pause(ctx, "alice", m.ID)
	require.NoError(t, err)

	got, err := h.engine.RecordPing(ctx, m.ID, PingSource{})
	require.NoError(t, err)
	assert.Equal(t, database.StatusPaused, got.Status)
	require.NotNil(t, got.LastPingAt)

	_, err = h.store.GetOpenIncident(ctx, m.ID)
	assert.NoError(t, err, "a paused monitor does not resolve incidents")
}

func TestUpdateMonitor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.create(t, "update")

	name, sched, grace := "Renamed", "1h", 600
	got, err := h.engine.UpdateMonitor(ctx, "alice", m.ID, MonitorPatch{Name: &name, Schedule: &sched, GraceSeconds: &grace})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
	assert.True(t, t0.Add(time.Hour).Equal(*got.NextExpected))

	deadline, ok := h.engine.index.Deadline(m.ID)
	require.True(t, ok)
	assert.True(t, t0.Add(time.Hour+10*time.Minute).Equal(deadline))

	bad := "61x"
	_, err = h.engine.UpdateMonitor(ctx, "alice", m.ID, MonitorPatch{Schedule: &bad})
	var schedErr *schedule.InvalidScheduleError
	assert.True(t, errors.As(err, &schedErr))

	short := 5
	_, err = h.engine.UpdateMonitor(ctx, "alice", m.ID, MonitorPatch{GraceSeconds: &short})
	assert.ErrorIs(t, err, ErrGraceTooShort)

	down := database.StatusDown
	_, err = h.engine.UpdateMonitor(ctx, "alice", m.ID, MonitorPatch{Status: &down})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = h.engine.UpdateMonitor(ctx, "bob", m.ID, MonitorPatch{Name: &name})
	assert.ErrorIs(t, err, ErrUnknownMonitor)
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestDeleteMonitorMakesPingsUnknown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.create(t, "gone")

	_, err := h.engine.RecordPing(ctx, m.ID, PingSource{})
	require.NoError(t, err)

	assert.ErrorIs(t, h.engine.DeleteMonitor(ctx, "bob", m.ID), ErrUnknownMonitor)
	require.NoError(t, h.engine.DeleteMonitor(ctx, "alice", m.ID))

	_, err = h.engine.RecordPing(ctx, m.ID, PingSource{})
	assert.ErrorIs(t, err, ErrUnknownMonitor)

	pings, err := h.store.GetPings(ctx, m.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, pings)
	assert.Equal(t, 0, h.engine.index.Len())
}

func TestConcurrentPingAndSweepConverge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var monitors []*database.Monitor
	for _, slug := range []string{"a", "b", "c", "d", "e", "f"} {
		monitors = append(monitors, h.create(t, slug))
	}
	h.clock.Add(11 * time.Minute)

	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		h.engine.Sweep(ctx)
	}()
	for _, m := range monitors {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			<-start
			_, err := h.engine.RecordPing(ctx, id, PingSource{})
			assert.NoError(t, err)
		}(m.ID)
	}
	close(start)
	wg.Wait()

	for _, m := range monitors {
		assert.Equal(t, database.StatusUp, h.reload(t, m.ID).Status)
		_, err := h.store.GetOpenIncident(ctx, m.ID)
		assert.ErrorIs(t, err, database.ErrNotFound)
		assert.Len(t, h.incidents(t, m.ID), 1)
	}
	assert.Equal(t, 0, h.engine.locks.size())
}

func TestLoadIndexRestoresDeadlines(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.create(t, "restored")

	fresh := NewEngine(testConfig(), h.store, h.dispatcher, WithClock(h.clock))
	require.NoError(t, fresh.LoadIndex(ctx))
	deadline, ok := fresh.index.Deadline(m.ID)
	require.True(t, ok)
	assert.True(t, t0.Add(10*time.Minute).Equal(deadline))

	h.clock.Add(11 * time.Minute)
	assert.Equal(t, 1, fresh.Sweep(ctx))
}

func TestEngineStartSweepsOnTicker(t *testing.T) {
	h := newHarness(t)
	m := h.create(t, "ticker")
	h.clock.Add(11 * time.Minute)

	require.NoError(t, h.engine.Start(context.Background()))
	defer h.engine.Stop()

	assert.Eventually(t, func() bool {
		h.clock.Add(15 * time.Second)
		got, err := h.store.GetMonitor(context.Background(), m.ID)
		return err == nil && got.Status == database.StatusDown
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEventsFollowTransitions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.create(t, "events")

	h.clock.Add(11 * time.Minute)
	h.engine.Sweep(ctx)
	_, err := h.engine.RecordPing(ctx, m.ID, PingSource{})
	require.NoError(t, err)

	assert.Equal(t, []string{
		EventMonitorStatus, EventIncidentOpened,
		EventPingReceived, EventMonitorStatus, EventIncidentResolved,
	}, h.events.types())

	h.events.mu.Lock()
	defer h.events.mu.Unlock()
	change, ok := h.events.events[0].Data.(StatusChange)
	require.True(t, ok)
	assert.Equal(t, database.StatusNew, change.Previous)
	assert.Equal(t, database.StatusDown, change.Monitor.Status)
	assert.Equal(t, "alice", h.events.events[0].OwnerID)
}
