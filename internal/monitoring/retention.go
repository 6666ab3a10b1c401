// internal/monitoring/retention.go - Periodic ping pruning
package monitoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"pingcron/internal/database"
	"pingcron/internal/metrics"
)

// RetentionJob prunes pings older than the retention window and logs store
// statistics after each run.
type RetentionJob struct {
	store     database.ExtendedStore
	retention time.Duration
	clock     clock.Clock
	wg        sync.WaitGroup
}

func NewRetentionJob(store database.ExtendedStore, retention time.Duration, c clock.Clock) *RetentionJob {
	return &RetentionJob{store: store, retention: retention, clock: c}
}

// RunOnce deletes expired pings and returns how many were removed.
func (r *RetentionJob) RunOnce(ctx context.Context) (int, error) {
	if r.retention <= 0 {
		return 0, nil
	}

	cutoff := r.clock.Now().UTC().Add(-r.retention)
	deleted, err := r.store.DeletePingsBefore(ctx, cutoff)
	if err != nil {
		metrics.DatabaseOperations.WithLabelValues("delete_pings", "error").Inc()
		return 0, fmt.Errorf("failed to prune pings: %w", err)
	}
	metrics.DatabaseOperations.WithLabelValues("delete_pings", "success").Inc()
	metrics.PingsPruned.Add(float64(deleted))

	stats, err := r.store.GetDatabaseStats(ctx)
	if err != nil {
		logrus.WithError(err).Warn("Failed to read database stats after pruning")
		return deleted, nil
	}

	logrus.WithFields(logrus.Fields{
		"deleted_pings":  deleted,
		"cutoff":         cutoff,
		"total_pings":    stats.TotalPings,
		"open_incidents": stats.OpenIncidents,
		"size_bytes":     stats.DatabaseSize,
	}).Info("Ping retention completed")

	return deleted, nil
}

// Schedule runs the job immediately and then every interval until ctx ends.
func (r *RetentionJob) Schedule(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		if _, err := r.RunOnce(ctx); err != nil {
			logrus.WithError(err).Error("Initial retention run failed")
		}

		ticker := r.clock.Ticker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logrus.Debug("Stopping retention scheduler")
				return
			case <-ticker.C:
				if _, err := r.RunOnce(ctx); err != nil {
					logrus.WithError(err).Error("Scheduled retention run failed")
				}
			}
		}
	}()

	logrus.WithField("interval", interval).Info("Scheduled periodic ping retention")
}

// Wait blocks until the scheduled loop has exited.
func (r *RetentionJob) Wait() {
	r.wg.Wait()
}
