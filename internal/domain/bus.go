package domain

import (
	"context"
)

// Message is the envelope every bus implementation delivers. The
// payload is an opaque JSON document; the envelope carries the routing
// fields so handlers never guess where a message came from.
type Message struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenantId"`
	Topic     string `json:"topic"`
	Payload   []byte `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

// MessageHandler consumes one delivered message. Returning an error
// logs the failure; the bus does not redeliver.
type MessageHandler func(ctx context.Context, msg *Message) error

// EventBus moves messages between the pipeline and the outside world.
// Community tier runs on in-process channels, Pro on NATS. Every
// publish and subscribe is scoped to a tenant.
type EventBus interface {
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	Ping(ctx context.Context) error

	Close() error
}

// Subscription is a live topic registration.
type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig selects and tunes the bus backend.
type EventBusConfig struct {
	// Type: "channel" or "nats".
	Type string

	// ChannelBufferSize bounds each subscriber's inbox on the channel
	// bus; publishes drop rather than block when an inbox is full.
	ChannelBufferSize int

	// NATS connection settings.
	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds
}

// Logical topics of the scoring pipeline. On NATS the wire subject is
// kestrel.{tenantID}.{topic}.
const (
	TopicTransactionEnriched = "transaction.enriched"
	TopicReferenceCustomer   = "reference.customer"
	TopicReferenceAccount    = "reference.account"
	TopicScore               = "score"
	TopicScoreAlert          = "score.alert"
	TopicScoreFailed         = "score.failed"
)
