// Package dispatch implements the runner long-poll loop.
//
// A poll first drains pending stop commands, then tries to claim a run,
// and only then parks on the runner's signal channel. Stop delivery rides
// the same wakeup path as new work, so a stop issued while a runner is
// parked reaches it on the next loop iteration rather than on the next
// poll cycle.
package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentcoord/agentcoord/internal/common/logger"
	"github.com/agentcoord/agentcoord/internal/run/models"
	"github.com/agentcoord/agentcoord/internal/run/queue"
	"github.com/agentcoord/agentcoord/internal/runner/registry"
)

// WorkItemKind discriminates what a poll returned.
type WorkItemKind string

const (
	KindRun  WorkItemKind = "run"
	KindStop WorkItemKind = "stop"
)

// WorkItem is one unit handed to a polling runner.
type WorkItem struct {
	Kind WorkItemKind          `json:"kind"`
	Run  *models.Run           `json:"run,omitempty"`
	Stop *registry.StopCommand `json:"stop,omitempty"`
}

// Dispatcher matches polling runners with queued work.
type Dispatcher struct {
	queue    *queue.Queue
	registry *registry.Registry
	maxWait  time.Duration
	logger   *logger.Logger
}

// New creates a dispatcher. maxWait caps how long a poll may park.
func New(q *queue.Queue, reg *registry.Registry, maxWait time.Duration, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		queue:    q,
		registry: reg,
		maxWait:  maxWait,
		logger:   log,
	}
}

// Poll blocks until work is available for the runner or the wait elapses.
// A nil item with nil error means nothing arrived in time. wait <= 0 or
// above the configured ceiling is clamped to the ceiling.
func (d *Dispatcher) Poll(ctx context.Context, runnerID string, wait time.Duration) (*WorkItem, error) {
	runner, err := d.registry.Get(runnerID)
	if err != nil {
		return nil, err
	}
	d.registry.Touch(runnerID)

	if wait <= 0 || wait > d.maxWait {
		wait = d.maxWait
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		// Stop commands outrank new work.
		if cmd, ok := d.registry.PopStop(runnerID); ok {
			d.logger.Info("Dispatching stop command",
				zap.String("runner_id", runnerID),
				zap.String("run_id", cmd.RunID))
			return &WorkItem{Kind: KindStop, Stop: &cmd}, nil
		}

		if run := d.queue.ClaimOne(runnerID, runner.Properties, runner.Tags); run != nil {
			d.logger.Info("Dispatching run",
				zap.String("runner_id", runnerID),
				zap.String("run_id", run.ID),
				zap.String("session_id", run.SessionID))
			return &WorkItem{Kind: KindRun, Run: run}, nil
		}

		signal, ok := d.registry.SignalChan(runnerID)
		if !ok {
			// Swept between the Get above and now.
			return nil, nil
		}

		// The signal channel holds one buffered wakeup, so anything queued
		// between ClaimOne and this select is not lost.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-signal:
		}
	}
}
