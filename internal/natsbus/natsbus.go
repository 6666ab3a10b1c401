// Package natsbus connects the engine to NATS: pings arrive on subjects and
// engine events are published back out.
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"pingcron/internal/config"
	"pingcron/internal/database"
	"pingcron/internal/monitoring"
)

// Publisher is the subset of *nats.Conn used for outbound messages.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Subscriber is the subset of *nats.Conn used for inbound messages.
type Subscriber interface {
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Pinger records a ping against a monitor. *monitoring.Engine implements it.
type Pinger interface {
	RecordPing(ctx context.Context, id string, src monitoring.PingSource) (*database.Monitor, error)
}

// Connect dials the configured server and logs connection state changes.
func Connect(cfg config.NATSConfig) (*nats.Conn, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("pingcron"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logrus.WithError(err).Warn("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logrus.WithField("url", c.ConnectedUrl()).Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

func joinSubject(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.Trim(p, "."); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ".")
}

// EventPublisher forwards engine events to <prefix>.<type>.<monitor_id>.
type EventPublisher struct {
	pub    Publisher
	prefix string
}

func NewEventPublisher(pub Publisher, prefix string) *EventPublisher {
	return &EventPublisher{pub: pub, prefix: prefix}
}

func (p *EventPublisher) Subject(event monitoring.Event) string {
	return joinSubject(p.prefix, event.Type, event.MonitorID)
}

// Publish implements monitoring.EventSink. Failures are logged and dropped.
func (p *EventPublisher) Publish(event monitoring.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		logrus.WithError(err).WithField("type", event.Type).Error("Failed to encode event")
		return
	}
	subject := p.Subject(event)
	if err := p.pub.Publish(subject, payload); err != nil {
		logrus.WithError(err).WithField("subject", subject).Warn("Failed to publish event")
	}
}

type pingMessage struct {
	LatencyMS *int64 `json:"latency_ms"`
}

// Ingestor turns messages on <prefix>.<monitor_id> into pings.
type Ingestor struct {
	pinger Pinger
	reply  Publisher
	prefix string
	sub    *nats.Subscription
}

func NewIngestor(pinger Pinger, reply Publisher, prefix string) *Ingestor {
	return &Ingestor{pinger: pinger, reply: reply, prefix: strings.Trim(prefix, ".")}
}

// Start subscribes to every monitor subject under the prefix.
func (in *Ingestor) Start(ctx context.Context, sub Subscriber) error {
	subject := joinSubject(in.prefix, "*")
	s, err := sub.Subscribe(subject, func(msg *nats.Msg) {
		in.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	in.sub = s
	logrus.WithField("subject", subject).Info("NATS ping ingest subscribed")
	return nil
}

func (in *Ingestor) Stop() {
	if in.sub != nil {
		if err := in.sub.Unsubscribe(); err != nil {
			logrus.WithError(err).Warn("Failed to unsubscribe NATS ping ingest")
		}
		in.sub = nil
	}
}

func (in *Ingestor) monitorID(subject string) (string, bool) {
	id := strings.TrimPrefix(subject, in.prefix+".")
	if id == subject || id == "" || strings.Contains(id, ".") {
		return "", false
	}
	return id, true
}

func (in *Ingestor) handle(ctx context.Context, msg *nats.Msg) {
	id, ok := in.monitorID(msg.Subject)
	if !ok {
		logrus.WithField("subject", msg.Subject).Debug("Ignoring ping on unexpected subject")
		return
	}

	src := monitoring.PingSource{Channel: "nats", IP: "nats"}
	if len(msg.Data) > 0 {
		var body pingMessage
		if err := json.Unmarshal(msg.Data, &body); err == nil && body.LatencyMS != nil && *body.LatencyMS >= 0 {
			src.LatencyMS = body.LatencyMS
		}
	}

	result := "OK"
	if _, err := in.pinger.RecordPing(ctx, id, src); err != nil {
		if errors.Is(err, monitoring.ErrUnknownMonitor) {
			result = "not found"
		} else {
			result = "error"
			logrus.WithError(err).WithField("monitor_id", id).Error("Failed to record NATS ping")
		}
	}

	if msg.Reply != "" && in.reply != nil {
		if err := in.reply.Publish(msg.Reply, []byte(result)); err != nil {
			logrus.WithError(err).Debug("Failed to reply to NATS ping")
		}
	}
}
