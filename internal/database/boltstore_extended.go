// internal/database/boltstore_extended.go - Retention and stats for BoltDB
package database

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"
)

// DeletePingsBefore removes pings older than cutoffTime. The timestamp is
// read from the key so values are never decoded.
func (s *BoltStore) DeletePingsBefore(ctx context.Context, cutoffTime time.Time) (int, error) {
	deletedCount := 0
	cutoff := cutoffTime.UnixNano()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(PingsBucket)

		var keysToDelete [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			nanos, ok := pingKeyTime(k)
			if !ok {
				continue
			}
			if nanos < cutoff {
				keysToDelete = append(keysToDelete, copyBytes(k))
			}
		}

		for _, key := range keysToDelete {
			if err := b.Delete(key); err != nil {
				return err
			}
			deletedCount++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete old pings: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"deleted_count": deletedCount,
		"cutoff_time":   cutoffTime,
	}).Debug("Deleted old pings")

	return deletedCount, nil
}

func pingKeyTime(k []byte) (int64, bool) {
	parts := strings.Split(string(k), ":")
	if len(parts) != 3 {
		return 0, false
	}
	nanos, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return nanos, true
}

// GetDatabaseStats returns information about database size and health
func (s *BoltStore) GetDatabaseStats(ctx context.Context) (*DatabaseStats, error) {
	stats := &DatabaseStats{Backend: "boltdb"}

	err := s.db.View(func(tx *bbolt.Tx) error {
		stats.TotalMonitors = tx.Bucket(MonitorsBucket).Stats().KeyN
		stats.TotalIncidents = tx.Bucket(IncidentsBucket).Stats().KeyN
		stats.OpenIncidents = tx.Bucket(OpenIncidentsBucket).Stats().KeyN
		stats.TotalChannels = tx.Bucket(ChannelsBucket).Stats().KeyN
		stats.TotalDelivered = tx.Bucket(DeliveriesBucket).Stats().KeyN
		stats.TotalPages = tx.Bucket(StatusPagesBucket).Stats().KeyN

		pings := tx.Bucket(PingsBucket)
		stats.TotalPings = pings.Stats().KeyN

		// Keys are grouped by monitor, so the extremes need a scan.
		var oldest, newest int64
		c := pings.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			nanos, ok := pingKeyTime(k)
			if !ok {
				continue
			}
			if oldest == 0 || nanos < oldest {
				oldest = nanos
			}
			if nanos > newest {
				newest = nanos
			}
		}
		if newest > 0 {
			o, n := time.Unix(0, oldest).UTC(), time.Unix(0, newest).UTC()
			stats.OldestPing, stats.NewestPing = &o, &n
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get database stats: %w", err)
	}

	if fileInfo, err := os.Stat(s.path); err == nil {
		stats.DatabaseSize = fileInfo.Size()
	}

	return stats, nil
}

// copyBytes creates a copy of a byte slice
func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	copied := make([]byte, len(b))
	copy(copied, b)
	return copied
}
