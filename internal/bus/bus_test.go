package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// recorder is a test subscriber that exposes deliveries on a channel.
type recorder struct {
	got chan *domain.Message
}

func newRecorder(capacity int) *recorder {
	return &recorder{got: make(chan *domain.Message, capacity)}
}

func (r *recorder) handle(ctx context.Context, msg *domain.Message) error {
	r.got <- msg
	return nil
}

func (r *recorder) next(t *testing.T) *domain.Message {
	t.Helper()
	select {
	case msg := <-r.got:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}

func (r *recorder) expectNone(t *testing.T) {
	t.Helper()
	select {
	case msg := <-r.got:
		t.Fatalf("unexpected delivery: topic=%s payload=%s", msg.Topic, msg.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannelBusDelivery(t *testing.T) {
	b := NewChannelBus(0) // zero falls back to the default buffer
	defer b.Close()
	ctx := context.Background()

	rec := newRecorder(1)
	if _, err := b.Subscribe(ctx, "tenant-a", domain.TopicScore, rec.handle); err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}

	if err := b.Publish(ctx, "tenant-a", domain.TopicScore, []byte(`{"score":0.42}`)); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	msg := rec.next(t)
	if msg.ID == "" {
		t.Error("envelope id is empty")
	}
	if msg.TenantID != "tenant-a" {
		t.Errorf("tenant = %q, want tenant-a", msg.TenantID)
	}
	if msg.Topic != domain.TopicScore {
		t.Errorf("topic = %q, want %q", msg.Topic, domain.TopicScore)
	}
	if string(msg.Payload) != `{"score":0.42}` {
		t.Errorf("payload = %s", msg.Payload)
	}
	if msg.Timestamp <= 0 {
		t.Errorf("timestamp = %d, want > 0", msg.Timestamp)
	}
}

func TestChannelBusOrdering(t *testing.T) {
	b := NewChannelBus(64)
	defer b.Close()
	ctx := context.Background()

	rec := newRecorder(32)
	if _, err := b.Subscribe(ctx, "tenant-a", domain.TopicScoreAlert, rec.handle); err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}

	payloads := []string{"alpha", "beta", "gamma", "delta"}
	for _, p := range payloads {
		if err := b.Publish(ctx, "tenant-a", domain.TopicScoreAlert, []byte(p)); err != nil {
			t.Fatalf("Publish(%s) error: %v", p, err)
		}
	}

	for _, want := range payloads {
		if got := string(rec.next(t).Payload); got != want {
			t.Fatalf("out of order: got %q, want %q", got, want)
		}
	}
}

func TestChannelBusTenantIsolation(t *testing.T) {
	b := NewChannelBus(8)
	defer b.Close()
	ctx := context.Background()

	recA := newRecorder(1)
	recB := newRecorder(1)
	b.Subscribe(ctx, "tenant-a", domain.TopicScore, recA.handle)
	b.Subscribe(ctx, "tenant-b", domain.TopicScore, recB.handle)

	if err := b.Publish(ctx, "tenant-a", domain.TopicScore, []byte("for-a")); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	if got := string(recA.next(t).Payload); got != "for-a" {
		t.Errorf("tenant-a payload = %q", got)
	}
	recB.expectNone(t)
}

func TestChannelBusFanout(t *testing.T) {
	b := NewChannelBus(8)
	defer b.Close()
	ctx := context.Background()

	first := newRecorder(1)
	second := newRecorder(1)
	b.Subscribe(ctx, "tenant-a", domain.TopicScoreFailed, first.handle)
	b.Subscribe(ctx, "tenant-a", domain.TopicScoreFailed, second.handle)

	if err := b.Publish(ctx, "tenant-a", domain.TopicScoreFailed, []byte("broadcast")); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	if got := string(first.next(t).Payload); got != "broadcast" {
		t.Errorf("first subscriber payload = %q", got)
	}
	if got := string(second.next(t).Payload); got != "broadcast" {
		t.Errorf("second subscriber payload = %q", got)
	}
}

func TestChannelBusUnsubscribe(t *testing.T) {
	b := NewChannelBus(8)
	defer b.Close()
	ctx := context.Background()

	rec := newRecorder(4)
	sub, err := b.Subscribe(ctx, "tenant-a", domain.TopicReferenceCustomer, rec.handle)
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	if sub.Topic() != domain.TopicReferenceCustomer {
		t.Errorf("Topic() = %q", sub.Topic())
	}

	b.Publish(ctx, "tenant-a", domain.TopicReferenceCustomer, []byte("first"))
	rec.next(t)

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe() error: %v", err)
	}

	b.Publish(ctx, "tenant-a", domain.TopicReferenceCustomer, []byte("second"))
	rec.expectNone(t)
}

func TestChannelBusRequiresTenant(t *testing.T) {
	b := NewChannelBus(8)
	defer b.Close()
	ctx := context.Background()

	if err := b.Publish(ctx, "", domain.TopicScore, []byte("x")); err == nil {
		t.Error("Publish with empty tenant should fail")
	}
	if _, err := b.Subscribe(ctx, "", domain.TopicScore, func(context.Context, *domain.Message) error { return nil }); err == nil {
		t.Error("Subscribe with empty tenant should fail")
	}
}

func TestChannelBusSlowSubscriber(t *testing.T) {
	// A subscriber that stops draining must not block publishers; the
	// bus drops for that subscriber instead.
	b := NewChannelBus(1)
	defer b.Close()
	ctx := context.Background()

	gate := make(chan struct{})
	var handled atomic.Int32
	b.Subscribe(ctx, "tenant-a", domain.TopicScore, func(ctx context.Context, msg *domain.Message) error {
		<-gate
		handled.Add(1)
		return nil
	})

	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := b.Publish(ctx, "tenant-a", domain.TopicScore, []byte("burst")); err != nil {
			t.Fatalf("Publish() error: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("publishing blocked for %v", elapsed)
	}

	close(gate)
	time.Sleep(100 * time.Millisecond)

	got := handled.Load()
	if got < 1 || got >= 5 {
		t.Errorf("handled = %d, want at least 1 and fewer than the 5 published", got)
	}
}

func TestChannelBusClosed(t *testing.T) {
	b := NewChannelBus(8)
	ctx := context.Background()

	b.Subscribe(ctx, "tenant-a", domain.TopicScore, func(context.Context, *domain.Message) error { return nil })

	if err := b.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("second Close() error: %v", err)
	}

	if err := b.Publish(ctx, "tenant-a", domain.TopicScore, []byte("x")); err == nil {
		t.Error("Publish after Close should fail")
	}
	if _, err := b.Subscribe(ctx, "tenant-a", domain.TopicScore, func(context.Context, *domain.Message) error { return nil }); err == nil {
		t.Error("Subscribe after Close should fail")
	}
	if err := b.Ping(ctx); err == nil {
		t.Error("Ping after Close should fail")
	}
}

func TestNewBus(t *testing.T) {
	t.Run("Channel", func(t *testing.T) {
		b, err := New(domain.EventBusConfig{Type: "channel", ChannelBufferSize: 32})
		if err != nil {
			t.Fatalf("New() error: %v", err)
		}
		defer b.Close()
		if _, ok := b.(*ChannelBus); !ok {
			t.Errorf("New(channel) = %T, want *ChannelBus", b)
		}
	})

	t.Run("Unsupported", func(t *testing.T) {
		if _, err := New(domain.EventBusConfig{Type: "rabbitmq"}); err == nil {
			t.Error("expected error for unsupported bus type")
		}
	})
}
