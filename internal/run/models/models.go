// Package models defines the run entities flowing through the queue.
package models

import (
	"encoding/json"
	"time"

	"github.com/agentcoord/agentcoord/internal/demand"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	// RunStatusPending means the run is queued and at least one registered
	// runner satisfies its demands. Unclaimed pending runs expire after
	// the no-match TTL.
	RunStatusPending RunStatus = "pending"
	// RunStatusPendingNoMatch means the run is queued but no registered
	// runner currently satisfies its demands. It stays claimable and
	// shares the pending expiry.
	RunStatusPendingNoMatch RunStatus = "pending_no_match"
	RunStatusClaimed        RunStatus = "claimed"
	RunStatusRunning        RunStatus = "running"
	// RunStatusStopping means a stop was requested while the run was held
	// by a runner; the stop command is in flight.
	RunStatusStopping  RunStatus = "stopping"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusStopped   RunStatus = "stopped"
)

// IsTerminal reports whether the status is final.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusStopped
}

// Claimable reports whether a runner may claim a run in this status.
func (s RunStatus) Claimable() bool {
	return s == RunStatusPending || s == RunStatusPendingNoMatch
}

// RunKind distinguishes how a run engages its session.
type RunKind string

const (
	// KindStart begins a fresh executor conversation for the session.
	KindStart RunKind = "start"
	// KindResume continues the session's existing executor conversation.
	KindResume RunKind = "resume"
	// KindTask runs a deterministic blueprint's command to completion.
	KindTask RunKind = "task"
)

// Payload is everything a runner needs to execute the run.
type Payload struct {
	Prompt            string            `json:"prompt"`
	SystemPrompt      string            `json:"system_prompt,omitempty"`
	Model             string            `json:"model,omitempty"`
	ExecutorType      string            `json:"executor_type,omitempty"`
	ExecutorSessionID string            `json:"executor_session_id,omitempty"`
	ProjectDir        string            `json:"project_dir,omitempty"`
	Env               map[string]string `json:"env,omitempty"`
	OutputSchema      json.RawMessage   `json:"output_schema,omitempty"`
	Settings          map[string]any    `json:"settings,omitempty"`
}

// Run is one unit of queued work.
type Run struct {
	ID        string         `json:"run_id"`
	SessionID string         `json:"session_id"`
	AgentName string         `json:"agent_name"`
	Kind      RunKind        `json:"kind"`
	Demands   demand.Demands `json:"demands"`
	Payload   Payload        `json:"payload"`

	Status        RunStatus `json:"status"`
	HeldBy        string    `json:"held_by,omitempty"`
	StopRequested bool      `json:"stop_requested,omitempty"`

	ErrorKind    string         `json:"error_kind,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	ResultText   string         `json:"result_text,omitempty"`
	ResultData   map[string]any `json:"result_data,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Active reports whether the run is held by a runner.
func (r *Run) Active() bool {
	return r.Status == RunStatusClaimed || r.Status == RunStatusRunning ||
		r.Status == RunStatusStopping
}
