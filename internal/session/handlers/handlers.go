// Package handlers exposes the session and relation HTTP API.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentcoord/agentcoord/internal/common/apperr"
	"github.com/agentcoord/agentcoord/internal/common/httpmw"
	"github.com/agentcoord/agentcoord/internal/common/logger"
	runsvc "github.com/agentcoord/agentcoord/internal/run/service"
	"github.com/agentcoord/agentcoord/internal/session/models"
	"github.com/agentcoord/agentcoord/internal/session/service"
)

// Handler contains the session HTTP handlers.
type Handler struct {
	sessions *service.Service
	runs     *runsvc.Service
	logger   *logger.Logger
}

// NewHandler creates a session handler.
func NewHandler(sessions *service.Service, runs *runsvc.Service, log *logger.Logger) *Handler {
	return &Handler{
		sessions: sessions,
		runs:     runs,
		logger:   log.WithFields(zap.String("component", "session-api")),
	}
}

// RegisterRoutes mounts the session and relation endpoints.
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.GET("/sessions", h.listSessions)
	router.GET("/sessions/:session_id", h.getSession)
	router.DELETE("/sessions/:session_id", h.deleteSession)
	router.POST("/sessions/:session_id/bind", h.bindExecutor)
	router.POST("/sessions/:session_id/events", h.appendEvent)
	router.GET("/sessions/:session_id/events", h.listEvents)
	router.POST("/sessions/:session_id/stop", h.stopSession)
	router.GET("/sessions/:session_id/relations", h.listRelations)

	router.GET("/relations/definitions", h.relationDefinitions)
	router.POST("/relations", h.createRelation)
	router.PATCH("/relations/:id", h.updateRelation)
	router.DELETE("/relations/:id", h.deleteRelation)
}

// listSessions handles GET /sessions?created_by=…&parent=….
func (h *Handler) listSessions(c *gin.Context) {
	sessions, err := h.sessions.ListSessions(c.Request.Context(), c.Query("created_by"), c.Query("parent"))
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "total": len(sessions)})
}

// getSession handles GET /sessions/:session_id.
func (h *Handler) getSession(c *gin.Context) {
	sess, err := h.sessions.GetSession(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// deleteSession handles DELETE /sessions/:session_id, the admin cascade.
func (h *Handler) deleteSession(c *gin.Context) {
	deleted, err := h.sessions.DeleteSession(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted_session_ids": deleted})
}

// BindRequest is the POST /sessions/:session_id/bind body.
type BindRequest struct {
	ExecutorSessionID string `json:"executor_session_id" binding:"required"`
	ExecutorType      string `json:"executor_type" binding:"required"`
	Hostname          string `json:"hostname" binding:"required"`
	ProjectDir        string `json:"project_dir" binding:"required"`
}

// bindExecutor handles POST /sessions/:session_id/bind.
func (h *Handler) bindExecutor(c *gin.Context) {
	var req BindRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.RespondError(c, h.logger, apperr.Newf(apperr.KindValidation, "invalid request body: %v", err))
		return
	}

	sess, err := h.sessions.BindExecutor(c.Request.Context(), c.Param("session_id"),
		req.ExecutorSessionID, req.ExecutorType, req.Hostname, req.ProjectDir)
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// AppendEventRequest is the POST /sessions/:session_id/events body.
type AppendEventRequest struct {
	EventType string         `json:"event_type" binding:"required"`
	RunID     string         `json:"run_id"`
	Payload   map[string]any `json:"payload"`
}

// appendEvent handles POST /sessions/:session_id/events.
func (h *Handler) appendEvent(c *gin.Context) {
	var req AppendEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.RespondError(c, h.logger, apperr.Newf(apperr.KindValidation, "invalid request body: %v", err))
		return
	}

	event := &models.SessionEvent{
		SessionID: c.Param("session_id"),
		RunID:     req.RunID,
		EventType: req.EventType,
		Payload:   req.Payload,
	}
	if err := h.sessions.AppendEvent(c.Request.Context(), event); err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, event)
}

// listEvents handles GET /sessions/:session_id/events?after=…&limit=….
func (h *Handler) listEvents(c *gin.Context) {
	var query struct {
		After int64 `form:"after"`
		Limit int   `form:"limit"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		httpmw.RespondError(c, h.logger, apperr.Newf(apperr.KindValidation, "invalid query: %v", err))
		return
	}

	events, err := h.sessions.ListEvents(c.Request.Context(), c.Param("session_id"), query.After, query.Limit)
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "total": len(events)})
}

// StopRequest is the POST /sessions/:session_id/stop body.
type StopRequest struct {
	Reason string `json:"reason"`
}

// stopSession handles POST /sessions/:session_id/stop.
func (h *Handler) stopSession(c *gin.Context) {
	var req StopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		req = StopRequest{}
	}

	run, err := h.runs.StopSession(c.Request.Context(), c.Param("session_id"), req.Reason)
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusAccepted, run)
}

// relationDefinitions handles GET /relations/definitions.
func (h *Handler) relationDefinitions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"definitions": h.sessions.RelationDefinitions()})
}

// CreateRelationRequest is the POST /relations body.
type CreateRelationRequest struct {
	Definition     string `json:"definition" binding:"required"`
	FromDocumentID string `json:"from_document_id" binding:"required"`
	ToDocumentID   string `json:"to_document_id" binding:"required"`
	FromToNote     string `json:"from_to_note"`
	ToFromNote     string `json:"to_from_note"`
}

// createRelation handles POST /relations; a relation is stored as two
// directional rows and both are returned.
func (h *Handler) createRelation(c *gin.Context) {
	var req CreateRelationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.RespondError(c, h.logger, apperr.Newf(apperr.KindValidation, "invalid request body: %v", err))
		return
	}

	fwd, rev, err := h.sessions.CreateRelation(c.Request.Context(),
		models.RelationType(req.Definition), req.FromDocumentID, req.ToDocumentID,
		req.FromToNote, req.ToFromNote)
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"relations": []*models.Relation{fwd, rev}})
}

// listRelations handles GET /sessions/:session_id/relations.
func (h *Handler) listRelations(c *gin.Context) {
	relations, err := h.sessions.ListRelations(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"relations": relations, "total": len(relations)})
}

// UpdateRelationRequest is the PATCH /relations/:id body. Only the note of
// the addressed row may change.
type UpdateRelationRequest struct {
	Note string `json:"note"`
}

// updateRelation handles PATCH /relations/:id.
func (h *Handler) updateRelation(c *gin.Context) {
	var req UpdateRelationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.RespondError(c, h.logger, apperr.Newf(apperr.KindValidation, "invalid request body: %v", err))
		return
	}

	if err := h.sessions.UpdateRelationNote(c.Request.Context(), c.Param("id"), req.Note); err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	relation, err := h.sessions.GetRelation(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, relation)
}

// deleteRelation handles DELETE /relations/:id, removing both rows.
func (h *Handler) deleteRelation(c *gin.Context) {
	if err := h.sessions.DeleteRelation(c.Request.Context(), c.Param("id")); err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}
