package streaming

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentcoord/agentcoord/internal/common/logger"
)

const heartbeatInterval = 15 * time.Second

// Handler serves the SSE endpoint.
type Handler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewHandler creates the SSE handler.
func NewHandler(hub *Hub, log *logger.Logger) *Handler {
	return &Handler{hub: hub, logger: log}
}

// RegisterRoutes mounts the SSE endpoint on the router.
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.GET("/sse/sessions", h.stream)
}

// stream handles GET /sse/sessions?session_id=…|created_by=… with
// Last-Event-ID resume.
func (h *Handler) stream(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{
			"kind":    "Internal",
			"message": "streaming unsupported",
		}})
		return
	}

	filter := Filter{
		SessionID: c.Query("session_id"),
		CreatedBy: c.Query("created_by"),
	}

	lastID := int64(0)
	if raw := c.GetHeader("Last-Event-ID"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			lastID = parsed
		}
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	// Subscribe before replaying so nothing falls between the ring and the
	// live channel; duplicates are filtered by id below.
	client, cancel := h.hub.Subscribe(filter)
	defer cancel()

	fmt.Fprintf(c.Writer, "id: %d\nevent: init\ndata: {\"last_event_id\": %d}\n\n", h.hub.CurrentID(), h.hub.CurrentID())

	for _, ev := range h.hub.Replay(lastID, filter) {
		writeEvent(c, ev)
		lastID = ev.ID
	}
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(c.Writer, ": heartbeat\n\n")
			flusher.Flush()
		case ev := <-client.Events:
			if ev.ID <= lastID {
				continue
			}
			writeEvent(c, ev)
			lastID = ev.ID
			flusher.Flush()
		}
	}
}

func writeEvent(c *gin.Context, ev StreamEvent) {
	fmt.Fprintf(c.Writer, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Event, ev.Data)
}
