// internal/notifications/dispatcher.go - Queued fan-out of alerts to channels
package notifications

import (
	"context"
	"fmt"
	"hash/fnv"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"pingcron/internal/config"
	"pingcron/internal/database"
	"pingcron/internal/metrics"
)

// Dispatcher delivers alerts to every enabled channel of the monitor's owner.
// Channels are handled concurrently and retried independently. Alerts for one
// monitor always land on the same worker queue so they are delivered in the
// order they were raised.
type Dispatcher struct {
	cfg       config.AlertsConfig
	store     database.Store
	notifiers map[database.ChannelType]Notifier
	clock     clock.Clock
	metrics   *metrics.Collector
	queues    []chan Alert

	mu      sync.Mutex
	running bool
	quit    chan struct{}
	wg      sync.WaitGroup
}

type DispatcherOption func(*Dispatcher)

func WithClock(c clock.Clock) DispatcherOption {
	return func(d *Dispatcher) { d.clock = c }
}

// WithNotifier replaces the transport for n.Type().
func WithNotifier(n Notifier) DispatcherOption {
	return func(d *Dispatcher) { d.notifiers[n.Type()] = n }
}

func NewDispatcher(cfg config.AlertsConfig, store database.Store, opts ...DispatcherOption) *Dispatcher {
	client := &http.Client{}

	d := &Dispatcher{
		cfg:   cfg,
		store: store,
		notifiers: map[database.ChannelType]Notifier{
			database.ChannelEmail:    NewEmailNotifier(cfg.SMTP),
			database.ChannelTelegram: NewTelegramNotifier(cfg.Telegram.APIURL, client, cfg.UserAgent),
			database.ChannelSlack:    NewSlackNotifier(client, cfg.UserAgent),
			database.ChannelWebhook:  NewWebhookNotifier(client, cfg.UserAgent),
		},
		clock:   clock.New(),
		metrics: metrics.NewCollector(store),
	}
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	d.queues = make([]chan Alert, workers)
	for i := range d.queues {
		d.queues[i] = make(chan Alert, cfg.QueueSize)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// queueFor picks the worker queue owning monitorID.
func (d *Dispatcher) queueFor(monitorID string) chan Alert {
	h := fnv.New32a()
	h.Write([]byte(monitorID))
	return d.queues[h.Sum32()%uint32(len(d.queues))]
}

// Dispatch queues alert without blocking. It reports false when the queue is
// full and the alert was dropped.
func (d *Dispatcher) Dispatch(alert Alert) bool {
	select {
	case d.queueFor(alert.Monitor.ID) <- alert:
		return true
	default:
		metrics.DispatchDropped.Inc()
		logrus.WithFields(logrus.Fields{
			"monitor_id":  alert.Monitor.ID,
			"incident_id": alert.Incident.ID,
			"event":       alert.Event,
		}).Error("Alert queue full, dropping dispatch")
		return false
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return
	}
	d.running = true
	d.quit = make(chan struct{})

	for i := range d.queues {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
	logrus.WithField("workers", len(d.queues)).Info("Started alert dispatcher")
}

// Stop signals the workers and waits for in-flight deliveries to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.quit)
	d.mu.Unlock()

	d.wg.Wait()
	pending := 0
	for _, q := range d.queues {
		pending += len(q)
	}
	if pending > 0 {
		logrus.WithField("pending", pending).Warn("Alert dispatcher stopped with queued alerts")
	}
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()

	queue := d.queues[id]
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.quit:
			return
		case alert := <-queue:
			d.process(ctx, alert)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, alert Alert) {
	channels, err := d.store.GetAlertChannels(ctx, alert.Monitor.OwnerID)
	if err != nil {
		logrus.WithError(err).WithField("monitor_id", alert.Monitor.ID).Error("Failed to load alert channels")
		return
	}

	var (
		wg        sync.WaitGroup
		delivered atomic.Bool
	)
	for i := range channels {
		if !channels[i].Enabled {
			continue
		}
		wg.Add(1)
		go func(ch *database.AlertChannel) {
			defer wg.Done()
			if d.deliver(ctx, ch, &alert) {
				delivered.Store(true)
			}
		}(&channels[i])
	}
	wg.Wait()

	if alert.Event == EventDown && delivered.Load() {
		if err := d.store.MarkIncidentAlerted(context.WithoutCancel(ctx), alert.Incident.ID); err != nil {
			logrus.WithError(err).WithField("incident_id", alert.Incident.ID).Error("Failed to mark incident alerted")
		}
	}
}

// deliver sends alert to one channel with retries and records the outcome.
func (d *Dispatcher) deliver(ctx context.Context, ch *database.AlertChannel, alert *Alert) bool {
	started := d.clock.Now().UTC()

	var (
		attempts int
		err      error
	)
	if n, ok := d.notifiers[ch.Type]; ok {
		attempts, err = d.sendWithRetry(ctx, n, ch, alert)
	} else {
		err = fmt.Errorf("no notifier for channel type %q", ch.Type)
	}

	delivery := &database.Delivery{
		IncidentID:  alert.Incident.ID,
		ChannelID:   ch.ID,
		MonitorID:   alert.Monitor.ID,
		Event:       string(alert.Event),
		Attempts:    attempts,
		Success:     err == nil,
		CreatedAt:   started,
		CompletedAt: d.clock.Now().UTC(),
	}
	if err != nil {
		delivery.LastError = err.Error()
	}
	if recErr := d.store.CreateDelivery(context.WithoutCancel(ctx), delivery); recErr != nil {
		logrus.WithError(recErr).WithField("channel_id", ch.ID).Error("Failed to record delivery")
	}
	d.metrics.RecordDelivery(string(ch.Type), string(alert.Event), attempts, err == nil)

	fields := logrus.Fields{
		"channel_id":   ch.ID,
		"channel_type": ch.Type,
		"monitor_id":   alert.Monitor.ID,
		"event":        alert.Event,
		"attempts":     attempts,
	}
	if err != nil {
		logrus.WithError(err).WithFields(fields).Error("Alert delivery failed")
		return false
	}
	logrus.WithFields(fields).Info("Alert delivered")
	return true
}

func (d *Dispatcher) sendWithRetry(ctx context.Context, n Notifier, ch *database.AlertChannel, alert *Alert) (int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.InitialBackoff
	b.MaxInterval = d.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Clock = d.clock
	b.Reset()

	maxRetries := 0
	if d.cfg.MaxAttempts > 1 {
		maxRetries = d.cfg.MaxAttempts - 1
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxRetries)), ctx)

	attempts := 0
	operation := func() error {
		attempts++
		err := d.attempt(ctx, n, ch, alert)
		if err != nil && isPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logrus.WithFields(logrus.Fields{
			"channel_id": ch.ID,
			"attempt":    attempts,
			"retry_in":   wait,
			"error":      err,
		}).Warn("Alert delivery attempt failed, retrying")
	}

	err := backoff.RetryNotify(operation, policy, notify)
	return attempts, err
}

// attempt performs a single send bounded by the per-attempt timeout.
func (d *Dispatcher) attempt(ctx context.Context, n Notifier, ch *database.AlertChannel, alert *Alert) error {
	actx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()
	return n.Send(actx, ch.Config, alert)
}

// SendTest delivers a synthetic alert to ch once, synchronously.
func (d *Dispatcher) SendTest(ctx context.Context, ch *database.AlertChannel) error {
	n, ok := d.notifiers[ch.Type]
	if !ok {
		return fmt.Errorf("no notifier for channel type %q", ch.Type)
	}
	return d.attempt(ctx, n, ch, TestAlert(ch.OwnerID, d.clock.Now().UTC()))
}
