// Package nats publishes change events to NATS subjects, optionally through
// JetStream for durable delivery.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

// DefaultSubjectPrefix is prepended to every topic.
const DefaultSubjectPrefix = "pagewatch"

// Config configures a Publisher.
type Config struct {
	SubjectPrefix string
	// JetStream publishes with acknowledgements; the subject must be bound to
	// a stream.
	JetStream bool
}

// Publisher sends JSON payloads to "<prefix>.<topic>".
type Publisher struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	prefix string
	seq    atomic.Uint64
	logger *zap.Logger
}

// New wraps an established connection.
func New(conn *nats.Conn, cfg Config, logger *zap.Logger) (*Publisher, error) {
	if conn == nil {
		return nil, fmt.Errorf("nats connection is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := strings.Trim(cfg.SubjectPrefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	p := &Publisher{conn: conn, prefix: prefix, logger: logger.Named("nats")}
	if cfg.JetStream {
		js, err := jetstream.New(conn)
		if err != nil {
			return nil, fmt.Errorf("jetstream context: %w", err)
		}
		p.js = js
	}
	return p, nil
}

// Subject returns the subject a topic is published on.
func (p *Publisher) Subject(topic string) string {
	return p.prefix + "." + topic
}

// Publish encodes payload and publishes it. The returned id is the stream
// sequence under JetStream and a local sequence otherwise.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("publish: topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := nats.NewMsg(p.Subject(topic))
	msg.Data = data
	msg.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(http.Header(msg.Header)))

	if p.js != nil {
		ack, err := p.js.PublishMsg(ctx, msg)
		if err != nil {
			return "", fmt.Errorf("publish message: %w", err)
		}
		return fmt.Sprintf("%s:%d", ack.Stream, ack.Sequence), nil
	}

	if err := p.conn.PublishMsg(msg); err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return "", fmt.Errorf("flush: %w", err)
	}
	id := fmt.Sprintf("%s:%d", msg.Subject, p.seq.Add(1))
	p.logger.Debug("published change event", zap.String("subject", msg.Subject), zap.String("id", id))
	return id, nil
}
