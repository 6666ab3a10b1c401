package monitoring

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pingcron/internal/database"
	"pingcron/internal/notifications"
	"pingcron/internal/schedule"
)

func TestExpiry(t *testing.T) {
	sched, err := schedule.Parse("5m")
	require.NoError(t, err)

	m := &database.Monitor{CreatedAt: t0, GraceSeconds: 60, Status: database.StatusNew}
	assert.True(t, t0.Add(5*time.Minute).Equal(NextExpected(sched, m)))

	_, ok := Deadline(m)
	assert.False(t, ok)
	assert.False(t, IsOverdue(m, t0.Add(time.Hour)))

	last := t0.Add(time.Hour)
	m.LastPingAt = &last
	next := NextExpected(sched, m)
	assert.True(t, last.Add(5*time.Minute).Equal(next))
	m.NextExpected = &next

	deadline, ok := Deadline(m)
	require.True(t, ok)
	assert.True(t, last.Add(6*time.Minute).Equal(deadline))

	assert.False(t, IsOverdue(m, deadline))
	assert.True(t, IsOverdue(m, deadline.Add(time.Nanosecond)))

	m.Status = database.StatusPaused
	assert.False(t, IsOverdue(m, deadline.Add(time.Hour)))
}

func TestDeadlineIndex(t *testing.T) {
	x := newDeadlineIndex()
	x.Upsert("c", t0.Add(3*time.Minute))
	x.Upsert("a", t0.Add(time.Minute))
	x.Upsert("b", t0.Add(time.Minute))
	x.Upsert("d", t0.Add(10*time.Minute))

	assert.Equal(t, []string{"a", "b", "c"}, x.Due(t0.Add(5*time.Minute)))
	assert.Empty(t, x.Due(t0.Add(time.Minute)))

	x.Upsert("a", t0.Add(20*time.Minute))
	assert.Equal(t, []string{"b", "c", "d"}, x.Due(t0.Add(15*time.Minute)))
	assert.Equal(t, 4, x.Len())

	x.Remove("b")
	x.Remove("missing")
	assert.Equal(t, []string{"c", "d"}, x.Due(t0.Add(15*time.Minute)))
	assert.Equal(t, 3, x.Len())
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	k := newKeyedMutex()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("m1")
			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.Equal(t, 0, k.size())

	// distinct keys do not block each other
	unlockA := k.Lock("a")
	unlockB := k.Lock("b")
	assert.Equal(t, 2, k.size())
	unlockA()
	unlockB()
}

func TestTrackerDedupAndDuration(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.create(t, "tracker")
	tracker := NewTracker(h.store, h.dispatcher)

	first, err := tracker.Open(ctx, m, t0)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := tracker.Open(ctx, m, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Nil(t, second)

	resolved, err := tracker.Resolve(ctx, m, t0.Add(90*time.Second+900*time.Millisecond))
	require.NoError(t, err)
	require.NotNil(t, resolved)
	assert.Equal(t, int64(90), *resolved.DurationSecs)

	again, err := tracker.Resolve(ctx, m, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Nil(t, again)

	assert.Equal(t, []notifications.EventType{notifications.EventDown, notifications.EventRecovered}, h.dispatcher.events())
	assert.Equal(t, int64(0), durationSeconds(t0, t0.Add(-time.Minute)))
}

func TestUptimePercent(t *testing.T) {
	now := t0.Add(100 * time.Hour)
	resolved := func(d time.Duration) *time.Time {
		r := t0.Add(d)
		return &r
	}

	tests := []struct {
		name      string
		createdAt time.Time
		incidents []database.Incident
		window    time.Duration
		want      float64
	}{
		{"no incidents", t0, nil, 720 * time.Hour, 100},
		{"clipped to creation", t0, []database.Incident{{StartedAt: t0, ResolvedAt: resolved(10 * time.Hour)}}, 720 * time.Hour, 90},
		{"open incident counts to now", t0, []database.Incident{{StartedAt: t0.Add(75 * time.Hour)}}, 720 * time.Hour, 75},
		{"incident before window", t0, []database.Incident{{StartedAt: t0, ResolvedAt: resolved(50 * time.Hour)}}, 50 * time.Hour, 100},
		{"partial overlap", t0, []database.Incident{{StartedAt: t0.Add(40 * time.Hour), ResolvedAt: resolved(60 * time.Hour)}}, 50 * time.Hour, 80},
		{"rounded", t0, []database.Incident{{StartedAt: t0, ResolvedAt: resolved(time.Hour)}}, 720 * time.Hour, 99},
		{"thirds", t0.Add(97 * time.Hour), []database.Incident{{StartedAt: t0.Add(99 * time.Hour), ResolvedAt: resolved(100 * time.Hour)}}, 720 * time.Hour, 66.67},
		{"created now", now, nil, 720 * time.Hour, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &database.Monitor{CreatedAt: tt.createdAt}
			assert.Equal(t, tt.want, UptimePercent(m, tt.incidents, now, tt.window))
		})
	}
}

func TestRetentionRunOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.create(t, "retention")

	for _, age := range []time.Duration{800 * time.Hour, 721 * time.Hour, 10 * time.Hour} {
		require.NoError(t, h.store.CreatePing(ctx, &database.Ping{MonitorID: m.ID, PingedAt: t0.Add(-age)}))
	}

	job := NewRetentionJob(h.store, 720*time.Hour, h.clock)
	deleted, err := job.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	pings, err := h.store.GetPings(ctx, m.ID, 0)
	require.NoError(t, err)
	assert.Len(t, pings, 1)

	disabled := NewRetentionJob(h.store, 0, h.clock)
	deleted, err = disabled.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)
}
