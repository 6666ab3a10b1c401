package notifications

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pingcron/internal/config"
	"pingcron/internal/database"
)

var t0 = time.Date(2024, time.June, 1, 8, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	typ database.ChannelType
	err error

	mu     sync.Mutex
	alerts []*Alert
}

func (r *recordingNotifier) Type() database.ChannelType { return r.typ }

func (r *recordingNotifier) Send(ctx context.Context, cfg database.ChannelConfig, alert *Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	return r.err
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

func testAlertsConfig() config.AlertsConfig {
	return config.AlertsConfig{
		Workers:        2,
		QueueSize:      8,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		AttemptTimeout: time.Second,
		UserAgent:      "pingcron-test",
	}
}

func newTestStore(t *testing.T) database.ExtendedStore {
	t.Helper()
	store, err := database.Open("boltdb", filepath.Join(t.TempDir(), "alerts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func addChannel(t *testing.T, store database.Store, typ database.ChannelType, fields map[string]string, enabled bool) *database.AlertChannel {
	t.Helper()
	cfg, err := database.ParseChannelConfig(typ, fields)
	require.NoError(t, err)
	ch := &database.AlertChannel{OwnerID: "alice", Config: cfg, Enabled: enabled}
	require.NoError(t, store.CreateAlertChannel(context.Background(), ch))
	return ch
}

func downAlert(t *testing.T, store database.Store) Alert {
	t.Helper()
	incident := &database.Incident{MonitorID: "m1", OwnerID: "alice", StartedAt: t0}
	require.NoError(t, store.CreateIncident(context.Background(), incident))
	return Alert{
		Event:     EventDown,
		Monitor:   database.Monitor{ID: "m1", OwnerID: "alice", Name: "Nightly backup", Status: database.StatusDown},
		Incident:  *incident,
		Timestamp: t0,
	}
}

func waitForDeliveries(t *testing.T, store database.Store, incidentID string, n int) []database.Delivery {
	t.Helper()
	var deliveries []database.Delivery
	require.Eventually(t, func() bool {
		var err error
		deliveries, err = store.GetDeliveries(context.Background(), database.DeliveryFilters{IncidentID: incidentID})
		return err == nil && len(deliveries) == n
	}, 5*time.Second, 10*time.Millisecond)
	return deliveries
}

func TestDispatcherIsolatesFailingChannel(t *testing.T) {
	store := newTestStore(t)

	var hits int32
	unreachable := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer unreachable.Close()

	email := &recordingNotifier{typ: database.ChannelEmail}
	emailCh := addChannel(t, store, database.ChannelEmail, map[string]string{"email": "ops@example.com"}, true)
	hookCh := addChannel(t, store, database.ChannelWebhook, map[string]string{"url": unreachable.URL}, true)

	d := NewDispatcher(testAlertsConfig(), store, WithNotifier(email))
	alert := downAlert(t, store)
	require.True(t, d.Dispatch(alert))

	d.Start(context.Background())
	defer d.Stop()

	deliveries := waitForDeliveries(t, store, alert.Incident.ID, 2)
	byChannel := map[string]database.Delivery{}
	for _, del := range deliveries {
		byChannel[del.ChannelID] = del
	}

	assert.True(t, byChannel[emailCh.ID].Success)
	assert.Equal(t, 1, byChannel[emailCh.ID].Attempts)

	assert.False(t, byChannel[hookCh.ID].Success)
	assert.Equal(t, 3, byChannel[hookCh.ID].Attempts)
	assert.Contains(t, byChannel[hookCh.ID].LastError, "503")
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
	assert.Equal(t, 1, email.count())

	assert.Eventually(t, func() bool {
		inc, err := store.GetIncident(context.Background(), alert.Incident.ID)
		return err == nil && inc.AlertSent
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDispatcherDoesNotRetryClientErrors(t *testing.T) {
	store := newTestStore(t)

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	addChannel(t, store, database.ChannelSlack, map[string]string{"webhook_url": srv.URL}, true)

	d := NewDispatcher(testAlertsConfig(), store)
	alert := downAlert(t, store)
	d.Dispatch(alert)
	d.Start(context.Background())
	defer d.Stop()

	deliveries := waitForDeliveries(t, store, alert.Incident.ID, 1)
	assert.False(t, deliveries[0].Success)
	assert.Equal(t, 1, deliveries[0].Attempts)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))

	inc, err := store.GetIncident(context.Background(), alert.Incident.ID)
	require.NoError(t, err)
	assert.False(t, inc.AlertSent)
}

func TestDispatcherRetriesUntilSuccess(t *testing.T) {
	store := newTestStore(t)

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	addChannel(t, store, database.ChannelWebhook, map[string]string{"url": srv.URL}, true)

	d := NewDispatcher(testAlertsConfig(), store)
	alert := downAlert(t, store)
	d.Dispatch(alert)
	d.Start(context.Background())
	defer d.Stop()

	deliveries := waitForDeliveries(t, store, alert.Incident.ID, 1)
	assert.True(t, deliveries[0].Success)
	assert.Equal(t, 3, deliveries[0].Attempts)
	assert.Empty(t, deliveries[0].LastError)
}

func TestDispatcherAttemptTimeout(t *testing.T) {
	store := newTestStore(t)

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	addChannel(t, store, database.ChannelWebhook, map[string]string{"url": srv.URL}, true)

	cfg := testAlertsConfig()
	cfg.MaxAttempts = 2
	cfg.AttemptTimeout = 20 * time.Millisecond

	d := NewDispatcher(cfg, store)
	alert := downAlert(t, store)
	d.Dispatch(alert)
	d.Start(context.Background())
	defer d.Stop()

	deliveries := waitForDeliveries(t, store, alert.Incident.ID, 1)
	assert.False(t, deliveries[0].Success)
	assert.Equal(t, 2, deliveries[0].Attempts)
}

func TestDispatcherSkipsDisabledAndForeignChannels(t *testing.T) {
	store := newTestStore(t)

	email := &recordingNotifier{typ: database.ChannelEmail}
	addChannel(t, store, database.ChannelEmail, map[string]string{"email": "off@example.com"}, false)

	other, err := database.ParseChannelConfig(database.ChannelEmail, map[string]string{"email": "bob@example.com"})
	require.NoError(t, err)
	require.NoError(t, store.CreateAlertChannel(context.Background(), &database.AlertChannel{OwnerID: "bob", Config: other, Enabled: true}))

	on := addChannel(t, store, database.ChannelEmail, map[string]string{"email": "on@example.com"}, true)

	d := NewDispatcher(testAlertsConfig(), store, WithNotifier(email))
	alert := downAlert(t, store)
	d.Dispatch(alert)
	d.Start(context.Background())
	defer d.Stop()

	deliveries := waitForDeliveries(t, store, alert.Incident.ID, 1)
	assert.Equal(t, on.ID, deliveries[0].ChannelID)
	assert.Equal(t, 1, email.count())
}

// slowDownNotifier holds down alerts long enough for a later recovery to
// overtake them if both were picked up by different workers.
type slowDownNotifier struct {
	recordingNotifier
	delay time.Duration
}

func (s *slowDownNotifier) Send(ctx context.Context, cfg database.ChannelConfig, alert *Alert) error {
	if alert.Event == EventDown {
		time.Sleep(s.delay)
	}
	return s.recordingNotifier.Send(ctx, cfg, alert)
}

func TestDispatcherKeepsPerMonitorOrder(t *testing.T) {
	store := newTestStore(t)
	cfg := testAlertsConfig()
	cfg.Workers = 4

	email := &slowDownNotifier{recordingNotifier: recordingNotifier{typ: database.ChannelEmail}, delay: 100 * time.Millisecond}
	addChannel(t, store, database.ChannelEmail, map[string]string{"email": "ops@example.com"}, true)

	d := NewDispatcher(cfg, store, WithNotifier(email))
	down := downAlert(t, store)
	recovered := down
	recovered.Event = EventRecovered
	recovered.Monitor.Status = database.StatusUp

	assert.Equal(t, d.queueFor("m1"), d.queueFor("m1"))

	d.Start(context.Background())
	defer d.Stop()

	require.True(t, d.Dispatch(down))
	require.True(t, d.Dispatch(recovered))

	require.Eventually(t, func() bool { return email.count() == 2 }, 5*time.Second, 10*time.Millisecond)
	email.mu.Lock()
	defer email.mu.Unlock()
	assert.Equal(t, EventDown, email.alerts[0].Event)
	assert.Equal(t, EventRecovered, email.alerts[1].Event)
}

func TestDispatchDropsWhenQueueFull(t *testing.T) {
	store := newTestStore(t)
	cfg := testAlertsConfig()
	cfg.QueueSize = 1

	d := NewDispatcher(cfg, store)
	alert := Alert{Event: EventDown, Monitor: database.Monitor{ID: "m1", OwnerID: "alice"}}
	assert.True(t, d.Dispatch(alert))
	assert.False(t, d.Dispatch(alert))
}

func TestSendTest(t *testing.T) {
	store := newTestStore(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	email := &recordingNotifier{typ: database.ChannelEmail}
	d := NewDispatcher(testAlertsConfig(), store, WithNotifier(email))

	ok := addChannel(t, store, database.ChannelEmail, map[string]string{"email": "ops@example.com"}, true)
	require.NoError(t, d.SendTest(context.Background(), ok))
	require.Equal(t, 1, email.count())
	assert.Equal(t, EventTest, email.alerts[0].Event)

	bad := addChannel(t, store, database.ChannelWebhook, map[string]string{"url": srv.URL}, true)
	err := d.SendTest(context.Background(), bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")

	deliveries, err := store.GetDeliveries(context.Background(), database.DeliveryFilters{})
	require.NoError(t, err)
	assert.Empty(t, deliveries)
}
