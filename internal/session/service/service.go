// Package service coordinates session persistence with event publication.
package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentcoord/agentcoord/internal/common/apperr"
	"github.com/agentcoord/agentcoord/internal/common/logger"
	"github.com/agentcoord/agentcoord/internal/events/bus"
	"github.com/agentcoord/agentcoord/internal/identity"
	"github.com/agentcoord/agentcoord/internal/session/models"
	"github.com/agentcoord/agentcoord/internal/session/store"
)

// Bus subjects for session lifecycle and history events.
const (
	SubjectSessionCreated = "session.created"
	SubjectSessionUpdated = "session.updated"
	SubjectSessionDeleted = "session.deleted"
	subjectSessionEvent   = "session.event." // + session id
)

// Service owns session lifecycle operations. Every mutation is persisted
// first, then announced on the event bus.
type Service struct {
	store  *store.Store
	bus    bus.EventBus
	logger *logger.Logger
}

// NewService creates a session service.
func NewService(st *store.Store, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		store:  st,
		bus:    eventBus,
		logger: log,
	}
}

// CreateSessionParams are the caller-supplied fields of a new session.
type CreateSessionParams struct {
	AgentName       string
	ParentSessionID string
	ExecutionMode   models.ExecutionMode
	CreatedBy       string
}

// CreateSession creates a pending session with a fresh id.
func (s *Service) CreateSession(ctx context.Context, params CreateSessionParams) (*models.Session, error) {
	if params.AgentName == "" {
		return nil, apperr.New(apperr.KindValidation, "agent_name is required")
	}
	if params.ExecutionMode == "" {
		params.ExecutionMode = models.ModeSync
	}
	if !params.ExecutionMode.Valid() {
		return nil, apperr.Newf(apperr.KindValidation, "unknown execution_mode %q", params.ExecutionMode)
	}
	if params.ParentSessionID != "" {
		if _, err := s.store.GetSession(ctx, params.ParentSessionID); err != nil {
			return nil, err
		}
	}

	sess := &models.Session{
		ID:              identity.NewSessionID(),
		AgentName:       params.AgentName,
		ParentSessionID: params.ParentSessionID,
		ExecutionMode:   params.ExecutionMode,
		CreatedBy:       params.CreatedBy,
		Status:          models.SessionStatusPending,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	s.publish(ctx, SubjectSessionCreated, "session_created", map[string]any{
		"session_id": sess.ID,
		"agent_name": sess.AgentName,
	})
	s.logger.Info("Session created",
		zap.String("session_id", sess.ID),
		zap.String("agent_name", sess.AgentName))
	return sess, nil
}

// GetSession returns a session by id.
func (s *Service) GetSession(ctx context.Context, id string) (*models.Session, error) {
	return s.store.GetSession(ctx, id)
}

// ListSessions returns sessions filtered by creator and/or parent.
func (s *Service) ListSessions(ctx context.Context, createdBy, parentID string) ([]*models.Session, error) {
	return s.store.ListSessions(ctx, createdBy, parentID)
}

// GetChildren returns a session's direct children.
func (s *Service) GetChildren(ctx context.Context, parentID string) ([]*models.Session, error) {
	return s.store.GetChildren(ctx, parentID)
}

// BindExecutor performs the write-once executor binding and records it in
// the session history.
func (s *Service) BindExecutor(ctx context.Context, id, executorSessionID, executorType, hostname, projectDir string) (*models.Session, error) {
	if executorSessionID == "" {
		return nil, apperr.New(apperr.KindValidation, "executor_session_id is required")
	}
	if err := s.store.BindExecutor(ctx, id, executorSessionID, executorType, hostname, projectDir); err != nil {
		return nil, err
	}

	if err := s.AppendEvent(ctx, &models.SessionEvent{
		SessionID: id,
		EventType: "executor_bound",
		Payload: map[string]any{
			"executor_session_id": executorSessionID,
			"executor_type":       executorType,
			"hostname":            hostname,
			"project_dir":         projectDir,
		},
	}); err != nil {
		s.logger.Warn("Failed to record bind event",
			zap.String("session_id", id), zap.Error(err))
	}

	s.publish(ctx, SubjectSessionUpdated, "executor_bound", map[string]any{"session_id": id})
	return s.store.GetSession(ctx, id)
}

// AppendEvent appends to the session history and announces the event on the
// per-session subject.
func (s *Service) AppendEvent(ctx context.Context, ev *models.SessionEvent) error {
	if ev.EventType == "" {
		return apperr.New(apperr.KindValidation, "event_type is required")
	}
	if err := s.store.AppendEvent(ctx, ev); err != nil {
		return err
	}

	s.publish(ctx, subjectSessionEvent+ev.SessionID, ev.EventType, map[string]any{
		"session_id": ev.SessionID,
		"sequence":   ev.Sequence,
		"run_id":     ev.RunID,
		"payload":    ev.Payload,
		"timestamp":  ev.Timestamp.Format(time.RFC3339Nano),
	})
	return nil
}

// ListEvents returns session history after the given sequence.
func (s *Service) ListEvents(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*models.SessionEvent, error) {
	return s.store.ListEvents(ctx, sessionID, afterSeq, limit)
}

// SetStatus transitions the session status, storing the result payload for
// terminal states.
func (s *Service) SetStatus(ctx context.Context, id string, status models.SessionStatus, resultText string, resultData map[string]any) error {
	if !status.Valid() {
		return apperr.Newf(apperr.KindValidation, "unknown session status %q", status)
	}
	if err := s.store.UpdateSessionStatus(ctx, id, status, resultText, resultData); err != nil {
		return err
	}
	s.publish(ctx, SubjectSessionUpdated, "session_status_changed", map[string]any{
		"session_id": id,
		"status":     string(status),
	})
	return nil
}

// TouchResumed records a resume and resets the session to pending.
func (s *Service) TouchResumed(ctx context.Context, id string, mode models.ExecutionMode) error {
	if err := s.store.TouchResumed(ctx, id, mode, time.Now().UTC()); err != nil {
		return err
	}
	s.publish(ctx, SubjectSessionUpdated, "session_resumed", map[string]any{"session_id": id})
	return nil
}

// DeleteSession cascade-deletes a session and its descendants, announcing
// each deleted id.
func (s *Service) DeleteSession(ctx context.Context, id string) ([]string, error) {
	deleted, err := s.store.CascadeDelete(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, sid := range deleted {
		s.publish(ctx, SubjectSessionDeleted, "session_deleted", map[string]any{"session_id": sid})
	}
	s.logger.Info("Session deleted",
		zap.String("session_id", id),
		zap.Int("cascade_count", len(deleted)))
	return deleted, nil
}

// RelationDefinitions returns the closed set of relation definitions.
func (s *Service) RelationDefinitions() []models.RelationDefinition {
	return models.RelationDefinitions()
}

// CreateRelation records a bidirectional relation pair.
func (s *Service) CreateRelation(ctx context.Context, def models.RelationType, fromID, toID, note, reverseNote string) (*models.Relation, *models.Relation, error) {
	fwd, rev, err := s.store.CreateRelationPair(ctx, def, fromID, toID, note, reverseNote)
	if err != nil {
		return nil, nil, err
	}
	s.publish(ctx, SubjectSessionUpdated, "relation_created", map[string]any{
		"from_session_id": fromID,
		"to_session_id":   toID,
		"definition":      string(def),
	})
	return fwd, rev, nil
}

// GetRelation returns one relation row.
func (s *Service) GetRelation(ctx context.Context, id string) (*models.Relation, error) {
	return s.store.GetRelation(ctx, id)
}

// ListRelations returns relations outbound from a session.
func (s *Service) ListRelations(ctx context.Context, sessionID string) ([]*models.Relation, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListRelationsFrom(ctx, sessionID)
}

// UpdateRelationNote updates the directional note on one relation row.
func (s *Service) UpdateRelationNote(ctx context.Context, id, note string) error {
	return s.store.UpdateRelationNote(ctx, id, note)
}

// DeleteRelation removes a relation pair by either row's id.
func (s *Service) DeleteRelation(ctx context.Context, id string) error {
	return s.store.DeleteRelationPair(ctx, id)
}

func (s *Service) publish(ctx context.Context, subject, eventType string, data map[string]any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, subject, bus.NewEvent(eventType, "session-service", data)); err != nil {
		s.logger.Warn("Failed to publish event",
			zap.String("subject", subject), zap.Error(err))
	}
}
