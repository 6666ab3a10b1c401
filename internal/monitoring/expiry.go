package monitoring

import (
	"time"

	"pingcron/internal/database"
	"pingcron/internal/schedule"
)

// NextExpected computes when the next ping is due. Monitors that were never
// pinged count from their creation time.
func NextExpected(sched schedule.Schedule, m *database.Monitor) time.Time {
	from := m.CreatedAt
	if m.LastPingAt != nil {
		from = *m.LastPingAt
	}
	return sched.Next(from)
}

// Deadline returns next_expected plus grace. ok is false when the monitor has
// no cached next_expected yet.
func Deadline(m *database.Monitor) (deadline time.Time, ok bool) {
	if m.NextExpected == nil || m.NextExpected.IsZero() {
		return time.Time{}, false
	}
	return m.NextExpected.Add(m.Grace()), true
}

// IsOverdue reports whether m has missed its deadline at now. Paused monitors
// are never overdue.
func IsOverdue(m *database.Monitor, now time.Time) bool {
	if m.Status == database.StatusPaused {
		return false
	}
	deadline, ok := Deadline(m)
	return ok && now.After(deadline)
}

// sweepable reports whether a sweep may transition m to down.
func sweepable(m *database.Monitor) bool {
	return m.Status == database.StatusUp || m.Status == database.StatusNew
}
