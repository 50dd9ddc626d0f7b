package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var errBusClosed = errors.New("channel bus is closed")

// ChannelBus is the in-process event bus. Each subscriber owns a
// bounded inbox drained by its own goroutine; a publish that finds an
// inbox full drops the message for that subscriber instead of
// blocking the pipeline.
type ChannelBus struct {
	mu      sync.RWMutex
	inboxes map[string][]*chanSub
	bufSize int
	closed  bool
}

type chanSub struct {
	topic   string
	key     string
	bus     *ChannelBus
	inbox   chan *domain.Message
	done    chan struct{}
	stopped sync.Once
}

// NewChannelBus creates an in-process bus. bufSize bounds each
// subscriber inbox; non-positive values fall back to 1000.
func NewChannelBus(bufSize int) *ChannelBus {
	if bufSize <= 0 {
		bufSize = 1000
	}
	return &ChannelBus{
		inboxes: make(map[string][]*chanSub),
		bufSize: bufSize,
	}
}

func subKey(tenantID, topic string) string {
	return tenantID + "/" + topic
}

// Publish delivers to every subscriber of (tenant, topic). Never
// blocks: full inboxes lose the message.
func (b *ChannelBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if tenantID == "" {
		return errors.New("tenant id is required")
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errBusClosed
	}
	subs := b.inboxes[subKey(tenantID, topic)]
	b.mu.RUnlock()

	if len(subs) == 0 {
		return nil
	}

	msg := newEnvelope(tenantID, topic, payload)
	for _, s := range subs {
		select {
		case s.inbox <- msg:
		default:
		}
	}
	return nil
}

// Subscribe registers a handler and starts its drain goroutine. The
// handler runs with the subscriber's context; its errors are the
// handler's problem, not the publisher's.
func (b *ChannelBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, errors.New("tenant id is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errBusClosed
	}

	s := &chanSub{
		topic: topic,
		key:   subKey(tenantID, topic),
		bus:   b,
		inbox: make(chan *domain.Message, b.bufSize),
		done:  make(chan struct{}),
	}
	b.inboxes[s.key] = append(b.inboxes[s.key], s)

	go s.drain(ctx, handler)
	return s, nil
}

func (s *chanSub) drain(ctx context.Context, handler domain.MessageHandler) {
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case msg := <-s.inbox:
			if msg == nil {
				return
			}
			_ = handler(ctx, msg)
		}
	}
}

// Ping reports whether the bus is still accepting traffic.
func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errBusClosed
	}
	return nil
}

// Close stops every subscriber and rejects further publishes.
// Idempotent.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	for _, subs := range b.inboxes {
		for _, s := range subs {
			s.stop()
		}
	}
	b.inboxes = make(map[string][]*chanSub)
	return nil
}

func (s *chanSub) stop() {
	s.stopped.Do(func() { close(s.done) })
}

// Unsubscribe detaches the subscriber and stops its drain goroutine.
func (s *chanSub) Unsubscribe() error {
	s.bus.mu.Lock()
	subs := s.bus.inboxes[s.key]
	for i, candidate := range subs {
		if candidate == s {
			s.bus.inboxes[s.key] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	s.bus.mu.Unlock()

	s.stop()
	return nil
}

// Topic returns the subscribed topic.
func (s *chanSub) Topic() string {
	return s.topic
}
