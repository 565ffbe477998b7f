// Package streaming fans session and run events out to SSE clients.
//
// The hub subscribes to the event bus, assigns each broadcast a monotonic
// id and keeps a bounded replay ring so clients can resume with
// Last-Event-ID. Per-session ordering follows bus delivery order; slow
// clients miss events rather than blocking the hub, and recover through
// the ring on reconnect.
package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/agentcoord/agentcoord/internal/common/logger"
	"github.com/agentcoord/agentcoord/internal/events/bus"
)

const clientBuffer = 64

// StreamEvent is one SSE frame.
type StreamEvent struct {
	ID        int64
	Event     string // event | session_created | session_updated | session_deleted | run_failed
	SessionID string
	CreatedBy string
	Data      []byte
}

// Filter restricts which events a client receives. Zero value matches all.
type Filter struct {
	SessionID string
	CreatedBy string
}

func (f Filter) matches(ev StreamEvent) bool {
	if f.SessionID != "" && f.SessionID != ev.SessionID {
		return false
	}
	if f.CreatedBy != "" && f.CreatedBy != ev.CreatedBy {
		return false
	}
	return true
}

// Client is one connected SSE consumer.
type Client struct {
	Events chan StreamEvent
	filter Filter
}

// Hub is the SSE broadcaster.
type Hub struct {
	mu      sync.Mutex
	clients map[*Client]struct{}
	ring    []StreamEvent
	ringCap int
	nextID  atomic.Int64

	// resolveCreatedBy maps a session id to its creator for filtering;
	// results are cached. May be nil.
	resolveCreatedBy func(sessionID string) string
	creators         map[string]string

	subs   []bus.Subscription
	logger *logger.Logger
}

// NewHub creates a hub with the given replay ring capacity.
func NewHub(ringCap int, resolveCreatedBy func(sessionID string) string, log *logger.Logger) *Hub {
	if ringCap <= 0 {
		ringCap = 1024
	}
	return &Hub{
		clients:          make(map[*Client]struct{}),
		ringCap:          ringCap,
		resolveCreatedBy: resolveCreatedBy,
		creators:         make(map[string]string),
		logger:           log,
	}
}

// Start attaches the hub to the event bus.
func (h *Hub) Start(eventBus bus.EventBus) error {
	subjects := map[string]string{
		"session.created": "session_created",
		"session.updated": "session_updated",
		"session.deleted": "session_deleted",
		"session.event.>": "event",
		"run.failed":      "run_failed",
	}
	for subject, sseEvent := range subjects {
		name := sseEvent
		sub, err := eventBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
			h.broadcast(name, event)
			return nil
		})
		if err != nil {
			return err
		}
		h.subs = append(h.subs, sub)
	}
	return nil
}

// Stop detaches the hub from the event bus.
func (h *Hub) Stop() {
	for _, sub := range h.subs {
		_ = sub.Unsubscribe()
	}
	h.subs = nil
}

// CurrentID returns the id of the most recent broadcast.
func (h *Hub) CurrentID() int64 {
	return h.nextID.Load()
}

func (h *Hub) broadcast(sseEvent string, event *bus.Event) {
	sessionID, _ := event.Data["session_id"].(string)

	data, err := json.Marshal(event.Data)
	if err != nil {
		h.logger.Warn("Failed to encode stream event", zap.Error(err))
		return
	}

	ev := StreamEvent{
		ID:        h.nextID.Add(1),
		Event:     sseEvent,
		SessionID: sessionID,
		CreatedBy: h.creatorOf(sessionID, event),
		Data:      data,
	}

	h.mu.Lock()
	h.ring = append(h.ring, ev)
	if len(h.ring) > h.ringCap {
		h.ring = h.ring[len(h.ring)-h.ringCap:]
	}
	for client := range h.clients {
		if !client.filter.matches(ev) {
			continue
		}
		select {
		case client.Events <- ev:
		default:
			// Slow client; it resumes via Last-Event-ID.
		}
	}
	h.mu.Unlock()

	if sseEvent == "session_deleted" {
		h.mu.Lock()
		delete(h.creators, sessionID)
		h.mu.Unlock()
	}
}

func (h *Hub) creatorOf(sessionID string, event *bus.Event) string {
	if sessionID == "" {
		return ""
	}
	if createdBy, ok := event.Data["created_by"].(string); ok && createdBy != "" {
		h.mu.Lock()
		h.creators[sessionID] = createdBy
		h.mu.Unlock()
		return createdBy
	}

	h.mu.Lock()
	createdBy, cached := h.creators[sessionID]
	h.mu.Unlock()
	if cached {
		return createdBy
	}
	if h.resolveCreatedBy == nil {
		return ""
	}
	createdBy = h.resolveCreatedBy(sessionID)
	h.mu.Lock()
	h.creators[sessionID] = createdBy
	h.mu.Unlock()
	return createdBy
}

// Subscribe registers a client. The returned cancel function detaches it.
func (h *Hub) Subscribe(filter Filter) (*Client, func()) {
	client := &Client{
		Events: make(chan StreamEvent, clientBuffer),
		filter: filter,
	}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	return client, func() {
		h.mu.Lock()
		delete(h.clients, client)
		h.mu.Unlock()
	}
}

// Replay returns buffered events with id greater than afterID that pass
// the filter, oldest first.
func (h *Hub) Replay(afterID int64, filter Filter) []StreamEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []StreamEvent
	for _, ev := range h.ring {
		if ev.ID <= afterID {
			continue
		}
		if filter.matches(ev) {
			out = append(out, ev)
		}
	}
	return out
}
