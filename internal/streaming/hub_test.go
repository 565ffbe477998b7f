package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcoord/agentcoord/internal/common/logger"
	"github.com/agentcoord/agentcoord/internal/events/bus"
)

func newTestHub(t *testing.T) (*Hub, *bus.MemoryEventBus) {
	t.Helper()
	b := bus.NewMemoryEventBus(logger.Default())
	h := NewHub(16, nil, logger.Default())
	require.NoError(t, h.Start(b))
	t.Cleanup(func() {
		h.Stop()
		b.Close()
	})
	return h, b
}

func publish(t *testing.T, b *bus.MemoryEventBus, subject, eventType string, data map[string]any) {
	t.Helper()
	require.NoError(t, b.Publish(context.Background(), subject, bus.NewEvent(eventType, "test", data)))
}

func collect(t *testing.T, client *Client, n int) []StreamEvent {
	t.Helper()
	var out []StreamEvent
	deadline := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev := <-client.Events:
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestBroadcastAssignsMonotonicIDs(t *testing.T) {
	h, b := newTestHub(t)

	client, cancel := h.Subscribe(Filter{})
	defer cancel()

	publish(t, b, "session.created", "session_created", map[string]any{"session_id": "ses_a"})
	publish(t, b, "session.event.ses_a", "run_started", map[string]any{"session_id": "ses_a"})
	publish(t, b, "run.failed", "run_failed", map[string]any{"session_id": "ses_a", "run_id": "run_1"})

	events := collect(t, client, 3)
	assert.Equal(t, "session_created", events[0].Event)
	assert.Equal(t, "event", events[1].Event)
	assert.Equal(t, "run_failed", events[2].Event)
	assert.Less(t, events[0].ID, events[1].ID)
	assert.Less(t, events[1].ID, events[2].ID)
}

func TestSessionFilter(t *testing.T) {
	h, b := newTestHub(t)

	client, cancel := h.Subscribe(Filter{SessionID: "ses_a"})
	defer cancel()

	publish(t, b, "session.event.ses_b", "noise", map[string]any{"session_id": "ses_b"})
	publish(t, b, "session.event.ses_a", "wanted", map[string]any{"session_id": "ses_a"})

	events := collect(t, client, 1)
	assert.Equal(t, "ses_a", events[0].SessionID)
}

func TestCreatedByFilterUsesResolver(t *testing.T) {
	b := bus.NewMemoryEventBus(logger.Default())
	defer b.Close()
	h := NewHub(16, func(sessionID string) string {
		if sessionID == "ses_mine" {
			return "alice"
		}
		return "bob"
	}, logger.Default())
	require.NoError(t, h.Start(b))
	defer h.Stop()

	client, cancel := h.Subscribe(Filter{CreatedBy: "alice"})
	defer cancel()

	publish(t, b, "session.event.ses_other", "noise", map[string]any{"session_id": "ses_other"})
	publish(t, b, "session.event.ses_mine", "wanted", map[string]any{"session_id": "ses_mine"})

	events := collect(t, client, 1)
	assert.Equal(t, "ses_mine", events[0].SessionID)
	assert.Equal(t, "alice", events[0].CreatedBy)
}

func TestReplayAfterID(t *testing.T) {
	h, b := newTestHub(t)

	for i := 0; i < 5; i++ {
		publish(t, b, "session.created", "session_created", map[string]any{"session_id": "ses_a"})
	}

	require.Eventually(t, func() bool {
		return len(h.Replay(0, Filter{})) == 5
	}, 2*time.Second, 5*time.Millisecond)

	all := h.Replay(0, Filter{})
	tail := h.Replay(all[2].ID, Filter{})
	require.Len(t, tail, 2)
	assert.Equal(t, all[3].ID, tail[0].ID)
	assert.Equal(t, all[4].ID, tail[1].ID)
}

func TestRingEvictsOldest(t *testing.T) {
	b := bus.NewMemoryEventBus(logger.Default())
	defer b.Close()
	h := NewHub(3, nil, logger.Default())
	require.NoError(t, h.Start(b))
	defer h.Stop()

	for i := 0; i < 10; i++ {
		publish(t, b, "session.created", "session_created", map[string]any{"session_id": "ses_a"})
	}

	require.Eventually(t, func() bool {
		buffered := h.Replay(0, Filter{})
		return len(buffered) == 3 && buffered[2].ID == 10
	}, 2*time.Second, 5*time.Millisecond)
}
