package monitoring

import (
	"context"
	"fmt"
	"math"
	"time"

	"pingcron/internal/database"
)

// UptimePercent returns the share of the window ending at now that m spent
// outside incidents, rounded to two decimals. The window never starts before
// the monitor was created and open incidents count up to now.
func UptimePercent(m *database.Monitor, incidents []database.Incident, now time.Time, window time.Duration) float64 {
	start := now.Add(-window)
	if m.CreatedAt.After(start) {
		start = m.CreatedAt
	}
	span := now.Sub(start)
	if span <= 0 {
		return 100
	}

	var down time.Duration
	for _, inc := range incidents {
		from := inc.StartedAt
		if from.Before(start) {
			from = start
		}
		to := now
		if inc.ResolvedAt != nil && inc.ResolvedAt.Before(now) {
			to = *inc.ResolvedAt
		}
		if to.After(from) {
			down += to.Sub(from)
		}
	}
	if down > span {
		down = span
	}

	pct := 100 - float64(down)/float64(span)*100
	return math.Round(pct*100) / 100
}

// Uptime loads the incidents of m and computes its uptime over the
// configured window.
func (e *Engine) Uptime(ctx context.Context, m *database.Monitor) (float64, error) {
	incidents, err := e.store.GetIncidents(ctx, database.IncidentFilters{MonitorID: m.ID})
	if err != nil {
		return 0, fmt.Errorf("failed to get incidents: %w", err)
	}
	return UptimePercent(m, incidents, e.clock.Now().UTC(), e.config.Monitoring.UptimeWindow), nil
}
