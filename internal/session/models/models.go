// Package models defines the persistent session entities.
package models

import "time"

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionStatusPending  SessionStatus = "pending"
	SessionStatusRunning  SessionStatus = "running"
	SessionStatusFinished SessionStatus = "finished"
	SessionStatusError    SessionStatus = "error"
	SessionStatusStopped  SessionStatus = "stopped"
)

// IsTerminal reports whether the status is final.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusFinished || s == SessionStatusError || s == SessionStatusStopped
}

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusPending, SessionStatusRunning, SessionStatusFinished,
		SessionStatusError, SessionStatusStopped:
		return true
	}
	return false
}

// ExecutionMode controls whether a parent session is notified when this
// session completes.
type ExecutionMode string

const (
	ModeSync          ExecutionMode = "SYNC"
	ModeAsyncPoll     ExecutionMode = "ASYNC_POLL"
	ModeAsyncCallback ExecutionMode = "ASYNC_CALLBACK"
)

// Valid reports whether m is a known execution mode.
func (m ExecutionMode) Valid() bool {
	switch m {
	case ModeSync, ModeAsyncPoll, ModeAsyncCallback:
		return true
	}
	return false
}

// Session is the durable record of one conversation with an external
// AI/task executor. The coordinator generates the session id at creation;
// the executor binds its own id (ExecutorSessionID) and the affinity tuple
// at first contact. The affinity tuple is immutable after binding and
// routes resume runs to the co-located runner.
type Session struct {
	ID                string        `json:"session_id" db:"id"`
	AgentName         string        `json:"agent_name" db:"agent_name"`
	ParentSessionID   string        `json:"parent_session_id,omitempty" db:"parent_session_id"`
	ExecutionMode     ExecutionMode `json:"execution_mode" db:"execution_mode"`
	CreatedBy         string        `json:"created_by,omitempty" db:"created_by"`
	ExecutorSessionID string        `json:"executor_session_id,omitempty" db:"executor_session_id"`
	ExecutorType      string        `json:"executor_type,omitempty" db:"executor_type"`
	Hostname          string        `json:"hostname,omitempty" db:"hostname"`
	ProjectDir        string        `json:"project_dir,omitempty" db:"project_dir"`
	Status            SessionStatus `json:"status" db:"status"`
	ResultText        string        `json:"result_text,omitempty" db:"result_text"`
	ResultData        map[string]any `json:"result_data,omitempty" db:"-"`
	CreatedAt         time.Time     `json:"created_at" db:"created_at"`
	LastResumedAt     *time.Time    `json:"last_resumed_at,omitempty" db:"last_resumed_at"`
}

// Bound reports whether the executor has bound this session.
func (s *Session) Bound() bool {
	return s.ExecutorSessionID != ""
}

// SessionEvent is one append-only record of activity inside a session.
// Sequence is monotonic within the session.
type SessionEvent struct {
	SessionID string         `json:"session_id" db:"session_id"`
	Sequence  int64          `json:"sequence" db:"sequence"`
	RunID     string         `json:"run_id,omitempty" db:"run_id"`
	EventType string         `json:"event_type" db:"event_type"`
	Payload   map[string]any `json:"payload,omitempty" db:"-"`
	Timestamp time.Time      `json:"timestamp" db:"created_at"`
}

// RelationType identifies one of the closed set of relation definitions.
type RelationType string

const (
	RelationParentChild          RelationType = "parent-child"
	RelationRelated              RelationType = "related"
	RelationPredecessorSuccessor RelationType = "predecessor-successor"
)

// Valid reports whether r is a known relation definition.
func (r RelationType) Valid() bool {
	switch r {
	case RelationParentChild, RelationRelated, RelationPredecessorSuccessor:
		return true
	}
	return false
}

// RelationDefinitions lists the closed set of relation definitions with
// their delete semantics.
func RelationDefinitions() []RelationDefinition {
	return []RelationDefinition{
		{Type: RelationParentChild, Cascading: true},
		{Type: RelationRelated, Cascading: false},
		{Type: RelationPredecessorSuccessor, Cascading: false},
	}
}

// RelationDefinition describes one relation type.
type RelationDefinition struct {
	Type      RelationType `json:"definition"`
	Cascading bool         `json:"cascading"`
}

// Relation is one stored row of a bidirectional relation. A single
// logical relation produces two rows sharing a PairID, one from each
// endpoint's perspective.
type Relation struct {
	ID         string       `json:"id" db:"id"`
	PairID     string       `json:"pair_id" db:"pair_id"`
	Definition RelationType `json:"definition" db:"definition"`
	FromID     string       `json:"from_session_id" db:"from_session_id"`
	ToID       string       `json:"to_session_id" db:"to_session_id"`
	Note       string       `json:"note,omitempty" db:"note"`
	CreatedAt  time.Time    `json:"created_at" db:"created_at"`
}
