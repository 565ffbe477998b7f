// Package service implements run creation and the run lifecycle.
//
// CreateRun is the pipeline from an API request to an enqueued run:
// blueprint load, parameter validation, additive demand merge, placeholder
// resolution, session creation or resume wiring, enqueue. Terminal
// transitions flow back through one hook that updates the session,
// records history and feeds the callback processor.
package service

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/agentcoord/agentcoord/internal/blueprint"
	"github.com/agentcoord/agentcoord/internal/common/apperr"
	"github.com/agentcoord/agentcoord/internal/common/logger"
	"github.com/agentcoord/agentcoord/internal/demand"
	"github.com/agentcoord/agentcoord/internal/events/bus"
	"github.com/agentcoord/agentcoord/internal/identity"
	"github.com/agentcoord/agentcoord/internal/run/models"
	"github.com/agentcoord/agentcoord/internal/run/queue"
	"github.com/agentcoord/agentcoord/internal/runner/registry"
	sessionmodels "github.com/agentcoord/agentcoord/internal/session/models"
	sessionsvc "github.com/agentcoord/agentcoord/internal/session/service"
)

// SubjectRunFailed announces failed runs for the streaming layer.
const SubjectRunFailed = "run.failed"

// RunType selects the create-run operation.
type RunType string

const (
	TypeStartSession  RunType = "start_session"
	TypeResumeSession RunType = "resume_session"
	TypeExecuteTask   RunType = "execute_task"
)

// CreateRunRequest is a validated POST /runs body.
type CreateRunRequest struct {
	Type              RunType
	AgentName         string
	SessionID         string // required for resume
	ParentSessionID   string
	ExecutionMode     sessionmodels.ExecutionMode
	Parameters        map[string]any
	AdditionalDemands demand.Demands
	Scope             map[string]string
	CreatedBy         string
}

// CompletionReport is a runner's terminal report for a run.
type CompletionReport struct {
	Status       models.RunStatus
	ResultText   string
	ResultData   map[string]any
	ErrorKind    string
	ErrorMessage string
}

// Service orchestrates runs.
type Service struct {
	queue     *queue.Queue
	registry  *registry.Registry
	sessions  *sessionsvc.Service
	loader    *blueprint.Loader
	bus       bus.EventBus
	logger    *logger.Logger
	terminals []func(ctx context.Context, run *models.Run)
}

// NewService creates a run service and hooks itself into the queue's
// terminal transitions.
func NewService(q *queue.Queue, reg *registry.Registry, sessions *sessionsvc.Service, loader *blueprint.Loader, eventBus bus.EventBus, log *logger.Logger) *Service {
	s := &Service{
		queue:    q,
		registry: reg,
		sessions: sessions,
		loader:   loader,
		bus:      eventBus,
		logger:   log,
	}
	q.OnTerminal(func(run *models.Run) {
		s.handleTerminal(context.Background(), run)
	})
	return s
}

// AddTerminalHook registers an extra observer for terminal runs. The
// callback processor registers here.
func (s *Service) AddTerminalHook(fn func(ctx context.Context, run *models.Run)) {
	s.terminals = append(s.terminals, fn)
}

// CreateRun runs the full creation pipeline and enqueues the run.
func (s *Service) CreateRun(ctx context.Context, req CreateRunRequest) (*models.Run, error) {
	switch req.Type {
	case TypeStartSession:
		return s.createStart(ctx, req)
	case TypeResumeSession:
		return s.createResume(ctx, req)
	case TypeExecuteTask:
		return s.createTask(ctx, req)
	default:
		return nil, apperr.Newf(apperr.KindValidation, "unknown run type %q", req.Type)
	}
}

func (s *Service) createStart(ctx context.Context, req CreateRunRequest) (*models.Run, error) {
	bp, err := s.loader.Load(req.AgentName)
	if err != nil {
		return nil, err
	}
	if bp.Type != blueprint.TypeAgent {
		return nil, apperr.Newf(apperr.KindValidation,
			"blueprint %q is a %s blueprint; use execute_task", req.AgentName, bp.Type)
	}
	return s.createFresh(ctx, req, bp, models.KindStart)
}

// createTask enqueues a one-shot run of a deterministic blueprint. It gets
// a session like any other run so the result and history land somewhere.
func (s *Service) createTask(ctx context.Context, req CreateRunRequest) (*models.Run, error) {
	bp, err := s.loader.Load(req.AgentName)
	if err != nil {
		return nil, err
	}
	if bp.Type != blueprint.TypeDeterministic {
		return nil, apperr.Newf(apperr.KindValidation,
			"blueprint %q is a %s blueprint; use start_session", req.AgentName, bp.Type)
	}
	return s.createFresh(ctx, req, bp, models.KindTask)
}

func (s *Service) createFresh(ctx context.Context, req CreateRunRequest, bp *blueprint.Blueprint, kind models.RunKind) (*models.Run, error) {
	if err := blueprint.ValidateBlueprintParams(bp, req.Parameters); err != nil {
		return nil, err
	}
	demands, err := demand.Merge(bp.Demands, req.AdditionalDemands)
	if err != nil {
		return nil, err
	}

	sess, err := s.sessions.CreateSession(ctx, sessionsvc.CreateSessionParams{
		AgentName:       req.AgentName,
		ParentSessionID: req.ParentSessionID,
		ExecutionMode:   req.ExecutionMode,
		CreatedBy:       req.CreatedBy,
	})
	if err != nil {
		return nil, err
	}

	run := &models.Run{
		ID:        identity.NewRunID(),
		SessionID: sess.ID,
		AgentName: req.AgentName,
		Kind:      kind,
		Demands:   demands,
	}
	payload, err := s.buildPayload(bp, req, run.ID, sess)
	if err != nil {
		return nil, err
	}
	run.Payload = payload

	return s.enqueue(ctx, run)
}

func (s *Service) createResume(ctx context.Context, req CreateRunRequest) (*models.Run, error) {
	if req.SessionID == "" {
		return nil, apperr.New(apperr.KindValidation, "session_id is required for resume runs")
	}
	sess, err := s.sessions.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Bound() {
		return nil, apperr.Newf(apperr.KindValidation,
			"session %s has no executor binding to resume", sess.ID)
	}

	// Resume is conversational: always the implicit prompt contract.
	if err := blueprint.ValidateImplicitParams(req.Parameters); err != nil {
		return nil, err
	}

	bp, err := s.loader.Load(sess.AgentName)
	if err != nil {
		return nil, err
	}
	demands, err := demand.Merge(bp.Demands, req.AdditionalDemands)
	if err != nil {
		return nil, err
	}
	// The affinity tuple pins the resume to the co-located runner.
	demands.Hostname = sess.Hostname
	demands.ProjectDir = sess.ProjectDir
	demands.ExecutorType = sess.ExecutorType

	mode := sess.ExecutionMode
	if req.ExecutionMode != "" {
		if !req.ExecutionMode.Valid() {
			return nil, apperr.Newf(apperr.KindValidation, "unknown execution_mode %q", req.ExecutionMode)
		}
		mode = req.ExecutionMode
	}

	run := &models.Run{
		ID:        identity.NewRunID(),
		SessionID: sess.ID,
		AgentName: sess.AgentName,
		Kind:      models.KindResume,
		Demands:   demands,
	}
	payload, err := s.buildPayload(bp, req, run.ID, sess)
	if err != nil {
		return nil, err
	}
	payload.ExecutorSessionID = sess.ExecutorSessionID
	run.Payload = payload

	created, err := s.enqueue(ctx, run)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.TouchResumed(ctx, sess.ID, mode); err != nil {
		s.logger.Warn("Failed to record resume",
			zap.String("session_id", sess.ID), zap.Error(err))
	}
	return created, nil
}

// buildPayload resolves placeholders and assembles the self-contained
// payload handed to the runner. ${runner.*} tokens stay unresolved.
func (s *Service) buildPayload(bp *blueprint.Blueprint, req CreateRunRequest, runID string, sess *sessionmodels.Session) (models.Payload, error) {
	rctx := blueprint.ResolveContext{
		Params: req.Parameters,
		Scope:  req.Scope,
		Runtime: map[string]string{
			"session_id":        sess.ID,
			"run_id":            runID,
			"parent_session_id": sess.ParentSessionID,
		},
	}

	prompt := ""
	if raw, ok := req.Parameters["prompt"]; ok {
		prompt = fmt.Sprintf("%v", raw)
	}
	prompt, err := blueprint.Resolve(prompt, rctx)
	if err != nil {
		return models.Payload{}, err
	}
	systemPrompt, err := blueprint.Resolve(bp.SystemPrompt, rctx)
	if err != nil {
		return models.Payload{}, err
	}

	payload := models.Payload{
		Prompt:       prompt,
		SystemPrompt: systemPrompt,
		ExecutorType: bp.Demands.ExecutorType,
		OutputSchema: bp.OutputSchema,
		Settings:     map[string]any{"parameters": req.Parameters},
	}

	if len(bp.MCPServers) > 0 {
		resolved, err := blueprint.Resolve(string(bp.MCPServers), rctx)
		if err != nil {
			return models.Payload{}, err
		}
		payload.Settings["mcp_servers"] = json.RawMessage(resolved)
	}
	if bp.Type == blueprint.TypeDeterministic {
		command, err := blueprint.Resolve(bp.Command, rctx)
		if err != nil {
			return models.Payload{}, err
		}
		payload.Settings["command"] = command
		payload.Settings["parameter_strategy"] = string(bp.ParameterStrategy)
		payload.Settings["timeout_seconds"] = bp.TimeoutSeconds
	}
	return payload, nil
}

func (s *Service) enqueue(ctx context.Context, run *models.Run) (*models.Run, error) {
	if err := s.queue.Enqueue(run); err != nil {
		return nil, err
	}
	s.recordEvent(ctx, run, "run_enqueued", map[string]any{
		"agent_name": run.AgentName,
		"kind":       string(run.Kind),
	})
	return run, nil
}

// CreateCallbackResume enqueues a resume run delivering a callback message
// to a parent session, but only if the parent is idle. The idleness check
// and the enqueue are atomic under the queue lock.
func (s *Service) CreateCallbackResume(ctx context.Context, parentSessionID, prompt string) (bool, error) {
	sess, err := s.sessions.GetSession(ctx, parentSessionID)
	if err != nil {
		return false, err
	}
	if !sess.Bound() {
		return false, apperr.Newf(apperr.KindValidation,
			"parent session %s has no executor binding", parentSessionID)
	}
	bp, err := s.loader.Load(sess.AgentName)
	if err != nil {
		return false, err
	}

	run := &models.Run{
		ID:        identity.NewRunID(),
		SessionID: sess.ID,
		AgentName: sess.AgentName,
		Kind:      models.KindResume,
		Demands: demand.Demands{
			Hostname:     sess.Hostname,
			ProjectDir:   sess.ProjectDir,
			ExecutorType: sess.ExecutorType,
		},
	}
	payload, err := s.buildPayload(bp, CreateRunRequest{
		Parameters: map[string]any{"prompt": prompt},
	}, run.ID, sess)
	if err != nil {
		return false, err
	}
	payload.ExecutorSessionID = sess.ExecutorSessionID
	run.Payload = payload

	if !s.queue.EnqueueIfSessionIdle(run) {
		return false, nil
	}
	s.recordEvent(ctx, run, "callback_delivered", map[string]any{
		"agent_name": run.AgentName,
	})
	return true, nil
}

// ReportStarted records a runner's start report and flips the session to
// running.
func (s *Service) ReportStarted(ctx context.Context, runID, runnerID string) (*models.Run, error) {
	s.registry.Touch(runnerID)
	run, err := s.queue.ReportStarted(runID, runnerID)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.SetStatus(ctx, run.SessionID, sessionmodels.SessionStatusRunning, "", nil); err != nil {
		s.logger.Warn("Failed to mark session running",
			zap.String("session_id", run.SessionID), zap.Error(err))
	}
	s.recordEvent(ctx, run, "run_started", map[string]any{"runner_id": runnerID})
	return run, nil
}

// ReportCompleted records a runner's terminal report. result_text and
// result_data are mutually exclusive; result_data requires the agent to
// declare an output schema.
func (s *Service) ReportCompleted(ctx context.Context, runID, runnerID string, report CompletionReport) (*models.Run, error) {
	s.registry.Touch(runnerID)

	if !report.Status.IsTerminal() {
		return nil, apperr.Newf(apperr.KindValidation,
			"status must be one of completed, failed, stopped; got %q", report.Status)
	}
	if report.ResultText != "" && len(report.ResultData) > 0 {
		return nil, apperr.New(apperr.KindValidation, "result_text and result_data are mutually exclusive")
	}
	if len(report.ResultData) > 0 {
		run, err := s.queue.Get(runID)
		if err != nil {
			return nil, err
		}
		if len(run.Payload.OutputSchema) == 0 {
			return nil, apperr.New(apperr.KindValidation,
				"result_data requires the agent to declare an output schema")
		}
	}

	return s.queue.Complete(runID, runnerID, queue.Outcome{
		Status:       report.Status,
		ResultText:   report.ResultText,
		ResultData:   report.ResultData,
		ErrorKind:    report.ErrorKind,
		ErrorMessage: report.ErrorMessage,
	})
}

// StopSession requests a stop of the session's active run. Queued runs are
// stopped on the spot; active runs get a stop command delivered to the
// holding runner, backed by the grace timer.
func (s *Service) StopSession(ctx context.Context, sessionID, reason string) (*models.Run, error) {
	if _, err := s.sessions.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	active := s.queue.ActiveBySession(sessionID)
	if active == nil {
		return nil, apperr.Newf(apperr.KindNotFound, "session %s has no active run", sessionID)
	}

	run, err := s.queue.RequestStop(active.ID, reason)
	if err != nil {
		return nil, err
	}
	if run.Active() && run.HeldBy != "" {
		if err := s.registry.PushStop(run.HeldBy, registry.StopCommand{
			RunID:     run.ID,
			SessionID: run.SessionID,
			Reason:    reason,
		}); err != nil {
			s.logger.Warn("Failed to deliver stop command",
				zap.String("runner_id", run.HeldBy), zap.Error(err))
		}
	}
	s.recordEvent(ctx, run, "stop_requested", map[string]any{"reason": reason})
	return run, nil
}

// GetRun returns a run snapshot.
func (s *Service) GetRun(runID string) (*models.Run, error) {
	return s.queue.Get(runID)
}

// ListRunsBySession returns a session's runs, oldest first.
func (s *Service) ListRunsBySession(sessionID string) []*models.Run {
	return s.queue.GetBySession(sessionID)
}

// Stats returns run counts per status.
func (s *Service) Stats() map[models.RunStatus]int {
	return s.queue.Stats()
}

// handleTerminal is the single sink for terminal runs, whatever path got
// them there: runner reports, grace timer, no-match expiry, runner loss.
func (s *Service) handleTerminal(ctx context.Context, run *models.Run) {
	status := sessionStatusFor(run)
	if err := s.sessions.SetStatus(ctx, run.SessionID, status, run.ResultText, run.ResultData); err != nil {
		s.logger.WithSessionID(run.SessionID).WithRunID(run.ID).WithError(err).
			Warn("Failed to update session after terminal run")
	}

	eventType := "run_" + string(run.Status)
	payload := map[string]any{"status": string(run.Status)}
	if run.ErrorKind != "" {
		payload["error_kind"] = run.ErrorKind
		payload["error"] = run.ErrorMessage
	}
	s.recordEvent(ctx, run, eventType, payload)

	if run.Status == models.RunStatusFailed && s.bus != nil {
		event := bus.NewEvent("run_failed", "run-service", map[string]any{
			"run_id":     run.ID,
			"session_id": run.SessionID,
			"error_kind": run.ErrorKind,
			"error":      run.ErrorMessage,
		})
		if err := s.bus.Publish(ctx, SubjectRunFailed, event); err != nil {
			s.logger.Warn("Failed to publish run failure", zap.Error(err))
		}
	}

	for _, hook := range s.terminals {
		hook(ctx, run)
	}
}

func (s *Service) recordEvent(ctx context.Context, run *models.Run, eventType string, payload map[string]any) {
	err := s.sessions.AppendEvent(ctx, &sessionmodels.SessionEvent{
		SessionID: run.SessionID,
		RunID:     run.ID,
		EventType: eventType,
		Payload:   payload,
	})
	if err != nil {
		s.logger.WithRunID(run.ID).WithError(err).
			Warn("Failed to record run event", zap.String("event_type", eventType))
	}
}

func sessionStatusFor(run *models.Run) sessionmodels.SessionStatus {
	switch run.Status {
	case models.RunStatusCompleted:
		return sessionmodels.SessionStatusFinished
	case models.RunStatusStopped:
		return sessionmodels.SessionStatusStopped
	default:
		return sessionmodels.SessionStatusError
	}
}

