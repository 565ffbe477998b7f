// Package handlers exposes the runner-facing HTTP API: registration,
// heartbeats, the long-poll claim loop and run status reports.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentcoord/agentcoord/internal/common/apperr"
	"github.com/agentcoord/agentcoord/internal/common/httpmw"
	"github.com/agentcoord/agentcoord/internal/common/logger"
	"github.com/agentcoord/agentcoord/internal/demand"
	"github.com/agentcoord/agentcoord/internal/run/dispatch"
	"github.com/agentcoord/agentcoord/internal/run/models"
	runsvc "github.com/agentcoord/agentcoord/internal/run/service"
	"github.com/agentcoord/agentcoord/internal/runner/registry"
)

// Handler contains the runner HTTP handlers.
type Handler struct {
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	runs       *runsvc.Service
	logger     *logger.Logger
}

// NewHandler creates a runner handler.
func NewHandler(reg *registry.Registry, dispatcher *dispatch.Dispatcher, runs *runsvc.Service, log *logger.Logger) *Handler {
	return &Handler{
		registry:   reg,
		dispatcher: dispatcher,
		runs:       runs,
		logger:     log.WithFields(zap.String("component", "runner-api")),
	}
}

// RegisterRoutes mounts the runner endpoints.
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.POST("/runner/register", h.register)
	router.POST("/runner/heartbeat", h.heartbeat)
	router.GET("/runner/runs", h.poll)
	router.POST("/runner/runs/:run_id/started", h.reportStarted)
	router.POST("/runner/runs/:run_id/completed", h.reportCompleted)
	router.GET("/runners", h.listRunners)
}

// RegisterRequest is the POST /runner/register body.
type RegisterRequest struct {
	Hostname     string   `json:"hostname" binding:"required"`
	ProjectDir   string   `json:"project_dir" binding:"required"`
	ExecutorType string   `json:"executor_type" binding:"required"`
	Tags         []string `json:"tags"`
}

// register handles POST /runner/register; registering the same identity
// tuple again refreshes the existing record.
func (h *Handler) register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.RespondError(c, h.logger, apperr.Newf(apperr.KindValidation, "invalid request body: %v", err))
		return
	}

	runner, err := h.registry.Register(c.Request.Context(), demand.Properties{
		Hostname:     req.Hostname,
		ProjectDir:   req.ProjectDir,
		ExecutorType: req.ExecutorType,
	}, req.Tags)
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runner_id": runner.ID, "runner": runner})
}

// heartbeat handles POST /runner/heartbeat?runner_id=….
func (h *Handler) heartbeat(c *gin.Context) {
	runnerID := c.Query("runner_id")
	if runnerID == "" {
		httpmw.RespondError(c, h.logger, apperr.New(apperr.KindValidation, "runner_id is required"))
		return
	}

	runner, err := h.registry.Heartbeat(runnerID)
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, runner)
}

// poll handles GET /runner/runs?runner_id=…&max_wait_ms=…, the long-poll
// claim. It returns a run payload, a stop envelope, or 204 on timeout.
func (h *Handler) poll(c *gin.Context) {
	runnerID := c.Query("runner_id")
	if runnerID == "" {
		httpmw.RespondError(c, h.logger, apperr.New(apperr.KindValidation, "runner_id is required"))
		return
	}

	var query struct {
		MaxWaitMS int64 `form:"max_wait_ms"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		httpmw.RespondError(c, h.logger, apperr.Newf(apperr.KindValidation, "invalid query: %v", err))
		return
	}

	item, err := h.dispatcher.Poll(c.Request.Context(),
		runnerID, time.Duration(query.MaxWaitMS)*time.Millisecond)
	if err != nil {
		if c.Request.Context().Err() != nil {
			// Client went away; the claim, if any, was already made.
			return
		}
		httpmw.RespondError(c, h.logger, err)
		return
	}
	if item == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, item)
}

// reportStarted handles POST /runner/runs/:run_id/started?runner_id=….
func (h *Handler) reportStarted(c *gin.Context) {
	runnerID := c.Query("runner_id")
	if runnerID == "" {
		httpmw.RespondError(c, h.logger, apperr.New(apperr.KindValidation, "runner_id is required"))
		return
	}

	run, err := h.runs.ReportStarted(c.Request.Context(), c.Param("run_id"), runnerID)
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// CompleteRequest is the POST /runner/runs/:run_id/completed body.
type CompleteRequest struct {
	Status     string         `json:"status" binding:"required"`
	ResultText string         `json:"result_text"`
	ResultData map[string]any `json:"result_data"`
	ErrorKind  string         `json:"error_kind"`
	Error      string         `json:"error"`
}

// reportCompleted handles POST /runner/runs/:run_id/completed?runner_id=….
func (h *Handler) reportCompleted(c *gin.Context) {
	runnerID := c.Query("runner_id")
	if runnerID == "" {
		httpmw.RespondError(c, h.logger, apperr.New(apperr.KindValidation, "runner_id is required"))
		return
	}

	var req CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.RespondError(c, h.logger, apperr.Newf(apperr.KindValidation, "invalid request body: %v", err))
		return
	}

	run, err := h.runs.ReportCompleted(c.Request.Context(), c.Param("run_id"), runnerID, runsvc.CompletionReport{
		Status:       models.RunStatus(req.Status),
		ResultText:   req.ResultText,
		ResultData:   req.ResultData,
		ErrorKind:    req.ErrorKind,
		ErrorMessage: req.Error,
	})
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// listRunners handles GET /runners.
func (h *Handler) listRunners(c *gin.Context) {
	runners := h.registry.List()
	c.JSON(http.StatusOK, gin.H{"runners": runners, "total": len(runners)})
}
