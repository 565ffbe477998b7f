// Package handlers exposes the run HTTP API.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentcoord/agentcoord/internal/common/apperr"
	"github.com/agentcoord/agentcoord/internal/common/httpmw"
	"github.com/agentcoord/agentcoord/internal/common/logger"
	"github.com/agentcoord/agentcoord/internal/demand"
	"github.com/agentcoord/agentcoord/internal/run/service"
	sessionmodels "github.com/agentcoord/agentcoord/internal/session/models"
)

// Handler contains the run HTTP handlers.
type Handler struct {
	runs   *service.Service
	logger *logger.Logger
}

// NewHandler creates a run handler.
func NewHandler(runs *service.Service, log *logger.Logger) *Handler {
	return &Handler{
		runs:   runs,
		logger: log.WithFields(zap.String("component", "run-api")),
	}
}

// RegisterRoutes mounts the run endpoints.
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.POST("/runs", h.createRun)
	router.GET("/runs", h.listRuns)
	router.GET("/runs/stats", h.stats)
	router.GET("/runs/:run_id", h.getRun)
}

// CreateRunRequest is the POST /runs body.
type CreateRunRequest struct {
	Type              string            `json:"type" binding:"required"`
	AgentName         string            `json:"agent_name"`
	SessionID         string            `json:"session_id"`
	ParentSessionID   string            `json:"parent_session_id"`
	ExecutionMode     string            `json:"execution_mode"`
	Parameters        map[string]any    `json:"parameters"`
	AdditionalDemands demand.Demands    `json:"additional_demands"`
	Scope             map[string]string `json:"scope"`
	CreatedBy         string            `json:"created_by"`
}

// CreateRunResponse is the POST /runs response.
type CreateRunResponse struct {
	RunID     string `json:"run_id"`
	SessionID string `json:"session_id"`
}

// createRun handles POST /runs.
func (h *Handler) createRun(c *gin.Context) {
	var req CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.RespondError(c, h.logger, apperr.Newf(apperr.KindValidation, "invalid request body: %v", err))
		return
	}

	run, err := h.runs.CreateRun(c.Request.Context(), service.CreateRunRequest{
		Type:              service.RunType(req.Type),
		AgentName:         req.AgentName,
		SessionID:         req.SessionID,
		ParentSessionID:   req.ParentSessionID,
		ExecutionMode:     sessionmodels.ExecutionMode(req.ExecutionMode),
		Parameters:        req.Parameters,
		AdditionalDemands: req.AdditionalDemands,
		Scope:             req.Scope,
		CreatedBy:         req.CreatedBy,
	})
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, CreateRunResponse{
		RunID:     run.ID,
		SessionID: run.SessionID,
	})
}

// getRun handles GET /runs/:run_id.
func (h *Handler) getRun(c *gin.Context) {
	run, err := h.runs.GetRun(c.Param("run_id"))
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// listRuns handles GET /runs?session_id=….
func (h *Handler) listRuns(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		httpmw.RespondError(c, h.logger, apperr.New(apperr.KindValidation, "session_id is required"))
		return
	}
	runs := h.runs.ListRunsBySession(sessionID)
	c.JSON(http.StatusOK, gin.H{"runs": runs, "total": len(runs)})
}

// stats handles GET /runs/stats.
func (h *Handler) stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"statuses": h.runs.Stats()})
}
