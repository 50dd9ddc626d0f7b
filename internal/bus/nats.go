package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// NATSBus is the Pro tier bus. One NATS connection per process;
// tenancy lives in the subject space, kestrel.{tenant}.{topic}.
type NATSBus struct {
	conn *nats.Conn

	mu   sync.Mutex
	subs map[*natsSub]struct{}
}

type natsSub struct {
	topic string
	bus   *NATSBus
	inner *nats.Subscription
}

// natsOptions translates bus config into connection options. The
// connection retries in the background; a broker outage degrades
// Ping rather than crashing the engine.
func natsOptions(cfg domain.EventBusConfig) []nats.Option {
	opts := []nats.Option{
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.NATSMaxReconnects),
		nats.ReconnectWait(time.Duration(cfg.NATSReconnectWait) * time.Second),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("nats disconnected", "error", err, "reconnecting", !nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			slog.Info("nats connection closed")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			slog.Error("nats async error", "subject", subject, "error", err)
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}
	return opts
}

// NewNATSBus connects to NATS. Reconnect handling is delegated to the
// client; failed initial connects keep retrying in the background.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	if cfg.NATSUrl == "" {
		cfg.NATSUrl = nats.DefaultURL
	}
	if cfg.NATSMaxReconnects <= 0 {
		cfg.NATSMaxReconnects = 10
	}
	if cfg.NATSReconnectWait <= 0 {
		cfg.NATSReconnectWait = 5
	}

	conn, err := nats.Connect(cfg.NATSUrl, natsOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", cfg.NATSUrl, err)
	}

	slog.Info("nats bus ready", "url", cfg.NATSUrl, "connected", conn.IsConnected())

	return &NATSBus{
		conn: conn,
		subs: make(map[*natsSub]struct{}),
	}, nil
}

func subject(tenantID, topic string) string {
	return "kestrel." + tenantID + "." + topic
}

// Publish marshals the envelope and hands it to NATS. During a broker
// outage the client buffers until the reconnect buffer fills.
func (b *NATSBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if tenantID == "" {
		return errors.New("tenant id is required")
	}

	data, err := json.Marshal(newEnvelope(tenantID, topic, payload))
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return b.conn.Publish(subject(tenantID, topic), data)
}

// Subscribe binds a handler to a tenant-scoped subject. Messages that
// do not parse as envelopes are logged and skipped.
func (b *NATSBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, errors.New("tenant id is required")
	}

	inner, err := b.conn.Subscribe(subject(tenantID, topic), func(m *nats.Msg) {
		var msg domain.Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			slog.Error("dropping malformed bus message", "subject", m.Subject, "error", err)
			return
		}
		if err := handler(ctx, &msg); err != nil {
			slog.Error("bus handler failed", "subject", m.Subject, "message_id", msg.ID, "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	s := &natsSub{topic: topic, bus: b, inner: inner}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s, nil
}

// Ping flushes the connection to prove the broker is reachable.
func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return errors.New("nats not connected")
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drains outstanding subscriptions and closes the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	for s := range b.subs {
		_ = s.inner.Unsubscribe()
	}
	b.subs = make(map[*natsSub]struct{})
	b.mu.Unlock()

	b.conn.Close()
	return nil
}

// Unsubscribe removes the NATS subscription and forgets it.
func (s *natsSub) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	return s.inner.Unsubscribe()
}

// Topic returns the logical topic, without the subject prefix.
func (s *natsSub) Topic() string {
	return s.topic
}
