package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agentcoord/agentcoord/internal/common/logger"
)

func newTestBus() *MemoryEventBus {
	return NewMemoryEventBus(logger.Default())
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPublishSubscribe(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	var mu sync.Mutex
	var got []*Event

	_, err := b.Subscribe("session.created", func(ctx context.Context, e *Event) error {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	event := NewEvent("session_created", "test", map[string]any{"session_id": "ses_abc"})
	if err := b.Publish(context.Background(), "session.created", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if got[0].ID != event.ID {
		t.Errorf("expected event %s, got %s", event.ID, got[0].ID)
	}
}

func TestWildcardSubscription(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	var mu sync.Mutex
	count := 0

	_, err := b.Subscribe("session.>", func(ctx context.Context, e *Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	_ = b.Publish(context.Background(), "session.created", NewEvent("session_created", "test", nil))
	_ = b.Publish(context.Background(), "session.event.ses_abc", NewEvent("event", "test", nil))
	_ = b.Publish(context.Background(), "runner.registered", NewEvent("registered", "test", nil))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 2
	})
}

func TestDeliveryPreservesPublishOrder(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	var mu sync.Mutex
	var seen []string

	_, err := b.Subscribe("session.event", func(ctx context.Context, e *Event) error {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	for _, typ := range []string{"e1", "e2", "e3", "e4", "e5"} {
		_ = b.Publish(context.Background(), "session.event", NewEvent(typ, "test", nil))
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 5
	})

	mu.Lock()
	defer mu.Unlock()
	for i, want := range []string{"e1", "e2", "e3", "e4", "e5"} {
		if seen[i] != want {
			t.Fatalf("out of order delivery: got %v", seen)
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	var mu sync.Mutex
	count := 0

	sub, err := b.Subscribe("session.created", func(ctx context.Context, e *Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("subscription still valid after Unsubscribe")
	}

	_ = b.Publish(context.Background(), "session.created", NewEvent("session_created", "test", nil))
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Errorf("received %d events after unsubscribe", count)
	}
}

func TestPublishAfterClose(t *testing.T) {
	b := newTestBus()
	b.Close()

	if b.IsConnected() {
		t.Error("bus reports connected after Close")
	}
	if err := b.Publish(context.Background(), "session.created", NewEvent("x", "test", nil)); err == nil {
		t.Error("expected error publishing to closed bus")
	}
}
