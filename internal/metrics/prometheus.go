// internal/metrics/prometheus.go
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"pingcron/internal/database"
)

// Prometheus metrics
var (
	PingsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pingcron_pings_received_total",
			Help: "Total number of pings accepted",
		},
		[]string{"source"},
	)

	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pingcron_status_transitions_total",
			Help: "Monitor status transitions",
		},
		[]string{"from", "to"},
	)

	IncidentsOpened = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pingcron_incidents_opened_total",
			Help: "Incidents opened by the sweep or a late ping",
		},
	)

	IncidentsResolved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pingcron_incidents_resolved_total",
			Help: "Incidents resolved by a ping",
		},
	)

	IncidentDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pingcron_incident_duration_seconds",
			Help:    "Duration of resolved incidents",
			Buckets: prometheus.ExponentialBuckets(60, 2, 12),
		},
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pingcron_sweep_duration_seconds",
			Help:    "Time spent in one sweep cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	SweepErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pingcron_sweep_errors_total",
			Help: "Per-monitor failures during sweep cycles",
		},
	)

	IndexedMonitors = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pingcron_indexed_monitors",
			Help: "Monitors currently held in the deadline index",
		},
	)

	MonitorsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pingcron_monitors",
			Help: "Number of monitors per status",
		},
		[]string{"status"},
	)

	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pingcron_alert_deliveries_total",
			Help: "Alert deliveries by channel type, event and result",
		},
		[]string{"channel_type", "event", "result"},
	)

	DeliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pingcron_alert_delivery_attempts_total",
			Help: "Individual alert delivery attempts including retries",
		},
		[]string{"channel_type"},
	)

	DispatchDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pingcron_alert_dispatch_dropped_total",
			Help: "Dispatch requests dropped because the queue was full",
		},
	)

	DatabaseOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pingcron_database_operations_total",
			Help: "Total database operations performed",
		},
		[]string{"operation", "status"},
	)

	PingsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pingcron_pings_pruned_total",
			Help: "Pings removed by the retention job",
		},
	)

	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pingcron_websocket_connections_active",
			Help: "Number of active WebSocket connections",
		},
	)
)

type Collector struct {
	store database.Store
}

func NewCollector(store database.Store) *Collector {
	return &Collector{store: store}
}

func (c *Collector) RecordPing(source string) {
	PingsReceived.WithLabelValues(source).Inc()
}

func (c *Collector) RecordTransition(from, to database.MonitorStatus) {
	StatusTransitions.WithLabelValues(string(from), string(to)).Inc()
}

func (c *Collector) RecordSweep(duration time.Duration, failures int) {
	SweepDuration.Observe(duration.Seconds())
	SweepErrors.Add(float64(failures))
}

func (c *Collector) RecordDelivery(channelType, event string, attempts int, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	Deliveries.WithLabelValues(channelType, event, result).Inc()
	DeliveryAttempts.WithLabelValues(channelType).Add(float64(attempts))
}

// UpdateSystemMetrics refreshes the per-status monitor gauges from the store.
func (c *Collector) UpdateSystemMetrics(ctx context.Context) error {
	monitors, err := c.store.GetMonitors(ctx, database.MonitorFilters{})
	if err != nil {
		DatabaseOperations.WithLabelValues("get_monitors", "error").Inc()
		return err
	}
	DatabaseOperations.WithLabelValues("get_monitors", "success").Inc()

	counts := map[database.MonitorStatus]int{
		database.StatusNew:    0,
		database.StatusUp:     0,
		database.StatusDown:   0,
		database.StatusPaused: 0,
	}
	for _, m := range monitors {
		counts[m.Status]++
	}
	for status, n := range counts {
		MonitorsByStatus.WithLabelValues(string(status)).Set(float64(n))
	}

	return nil
}

func (c *Collector) RecordWebSocketConnection(delta int) {
	WebSocketConnections.Add(float64(delta))
}
