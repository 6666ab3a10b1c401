package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pingcron/internal/database"
	"pingcron/internal/monitoring"
)

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{subject: subject, data: data})
	return f.err
}

type fakePinger struct {
	calls []string
	srcs  []monitoring.PingSource
	err   error
}

func (f *fakePinger) RecordPing(ctx context.Context, id string, src monitoring.PingSource) (*database.Monitor, error) {
	f.calls = append(f.calls, id)
	f.srcs = append(f.srcs, src)
	if f.err != nil {
		return nil, f.err
	}
	return &database.Monitor{ID: id, Status: database.StatusUp}, nil
}

func TestEventPublisherSubjects(t *testing.T) {
	pub := &fakePublisher{}
	p := NewEventPublisher(pub, "pingcron.events.")

	p.Publish(monitoring.Event{
		Type:      monitoring.EventIncidentOpened,
		MonitorID: "m1",
		OwnerID:   "alice",
		Timestamp: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC),
		Data:      map[string]string{"k": "v"},
	})

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "pingcron.events.incident.opened.m1", pub.msgs[0].subject)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(pub.msgs[0].data, &decoded))
	assert.Equal(t, "incident.opened", decoded["type"])
	assert.Equal(t, "m1", decoded["monitor_id"])
	assert.NotContains(t, decoded, "OwnerID")
}

func TestEventPublisherSwallowsErrors(t *testing.T) {
	pub := &fakePublisher{err: errors.New("nats: connection closed")}
	p := NewEventPublisher(pub, "ev")
	assert.NotPanics(t, func() {
		p.Publish(monitoring.Event{Type: monitoring.EventPingReceived, MonitorID: "m1"})
	})
}

func TestIngestorRecordsPings(t *testing.T) {
	pinger := &fakePinger{}
	reply := &fakePublisher{}
	in := NewIngestor(pinger, reply, "pingcron.ping")

	in.handle(context.Background(), &nats.Msg{Subject: "pingcron.ping.m1", Data: []byte(`{"latency_ms": 42}`), Reply: "_INBOX.1"})
	in.handle(context.Background(), &nats.Msg{Subject: "pingcron.ping.m2"})
	in.handle(context.Background(), &nats.Msg{Subject: "pingcron.ping.m3", Data: []byte(`not json`)})

	require.Equal(t, []string{"m1", "m2", "m3"}, pinger.calls)
	require.NotNil(t, pinger.srcs[0].LatencyMS)
	assert.Equal(t, int64(42), *pinger.srcs[0].LatencyMS)
	assert.Equal(t, "nats", pinger.srcs[0].Channel)
	assert.Nil(t, pinger.srcs[1].LatencyMS)
	assert.Nil(t, pinger.srcs[2].LatencyMS)

	require.Len(t, reply.msgs, 1)
	assert.Equal(t, "_INBOX.1", reply.msgs[0].subject)
	assert.Equal(t, "OK", string(reply.msgs[0].data))
}

func TestIngestorIgnoresForeignSubjects(t *testing.T) {
	pinger := &fakePinger{}
	in := NewIngestor(pinger, nil, "pingcron.ping")

	in.handle(context.Background(), &nats.Msg{Subject: "other.m1"})
	in.handle(context.Background(), &nats.Msg{Subject: "pingcron.ping.a.b"})
	in.handle(context.Background(), &nats.Msg{Subject: "pingcron.ping"})

	assert.Empty(t, pinger.calls)
}

func TestIngestorRepliesNotFound(t *testing.T) {
	pinger := &fakePinger{err: monitoring.ErrUnknownMonitor}
	reply := &fakePublisher{}
	in := NewIngestor(pinger, reply, "pingcron.ping")

	in.handle(context.Background(), &nats.Msg{Subject: "pingcron.ping.gone", Reply: "_INBOX.2"})

	require.Len(t, reply.msgs, 1)
	assert.Equal(t, "not found", string(reply.msgs[0].data))
}
