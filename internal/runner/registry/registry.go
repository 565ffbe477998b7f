// Package registry tracks the live runner fleet.
//
// Runners are ephemeral: registration is an upsert keyed by the
// deterministic runner id, liveness comes from heartbeats, and records
// whose heartbeat goes quiet long enough are swept away. Each runner
// carries a capacity-one signal channel that wakes its long-poll, and a
// small FIFO of pending stop commands that the dispatcher drains before
// offering new work.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentcoord/agentcoord/internal/common/apperr"
	"github.com/agentcoord/agentcoord/internal/common/logger"
	"github.com/agentcoord/agentcoord/internal/demand"
	"github.com/agentcoord/agentcoord/internal/events/bus"
	"github.com/agentcoord/agentcoord/internal/identity"
)

// Bus subjects for runner lifecycle.
const (
	SubjectRunnerRegistered = "runner.registered"
	SubjectRunnerRemoved    = "runner.removed"
)

const sweepInterval = 30 * time.Second

// Status is the derived liveness of a runner.
type Status string

const (
	StatusOnline Status = "online"
	StatusStale  Status = "stale"
)

// Runner is one registered runner process.
type Runner struct {
	ID           string            `json:"runner_id"`
	Properties   demand.Properties `json:"properties"`
	Tags         []string          `json:"tags,omitempty"`
	Status       Status            `json:"status"`
	RegisteredAt time.Time         `json:"registered_at"`
	LastSeenAt   time.Time         `json:"last_seen_at"`
}

// StopCommand instructs a runner to interrupt a specific run.
type StopCommand struct {
	RunID     string `json:"run_id"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

type runnerState struct {
	runner Runner
	signal chan struct{}
	stops  []StopCommand
}

// Registry is the in-memory runner registry.
type Registry struct {
	mu      sync.Mutex
	runners map[string]*runnerState

	staleAfter  time.Duration
	removeAfter time.Duration

	// onRegistered fires after a register upsert; the run queue hooks it
	// to re-evaluate runs parked with no matching runner.
	onRegistered func(runnerID string)
	// onRemoved fires when a quiet runner is swept; the run queue hooks it
	// to fail runs the runner still held.
	onRemoved func(runnerID string)

	bus    bus.EventBus
	logger *logger.Logger
	clock  func() time.Time
}

// New creates a registry with the given liveness thresholds.
func New(staleAfter, removeAfter time.Duration, eventBus bus.EventBus, log *logger.Logger) *Registry {
	return &Registry{
		runners:     make(map[string]*runnerState),
		staleAfter:  staleAfter,
		removeAfter: removeAfter,
		bus:         eventBus,
		logger:      log,
		clock:       time.Now,
	}
}

// OnRegistered sets the hook fired after each registration.
func (r *Registry) OnRegistered(fn func(runnerID string)) {
	r.onRegistered = fn
}

// OnRemoved sets the hook fired when a runner is swept.
func (r *Registry) OnRemoved(fn func(runnerID string)) {
	r.onRemoved = fn
}

// Register upserts a runner. The id is deterministic over the identity
// tuple, so a restarted runner resumes its previous identity and any
// pending stop commands survive the restart window.
func (r *Registry) Register(ctx context.Context, props demand.Properties, tags []string) (*Runner, error) {
	if props.Hostname == "" || props.ProjectDir == "" || props.ExecutorType == "" {
		return nil, apperr.New(apperr.KindValidation, "hostname, project_dir and executor_type are required")
	}

	id := identity.RunnerID(props.Hostname, props.ProjectDir, props.ExecutorType)
	now := r.clock()

	r.mu.Lock()
	state, ok := r.runners[id]
	if !ok {
		state = &runnerState{
			runner: Runner{
				ID:           id,
				Properties:   props,
				RegisteredAt: now,
			},
			signal: make(chan struct{}, 1),
		}
		r.runners[id] = state
	}
	state.runner.Tags = normalizeTags(tags)
	state.runner.LastSeenAt = now
	runner := r.snapshot(state, now)
	r.mu.Unlock()

	r.signalLocked(id)
	if r.onRegistered != nil {
		r.onRegistered(id)
	}
	r.publish(ctx, SubjectRunnerRegistered, "runner_registered", map[string]any{
		"runner_id":     id,
		"hostname":      props.Hostname,
		"project_dir":   props.ProjectDir,
		"executor_type": props.ExecutorType,
	})
	r.logger.WithRunnerID(id).Info("Runner registered",
		zap.String("hostname", props.Hostname),
		zap.String("executor_type", props.ExecutorType))
	return &runner, nil
}

// Heartbeat refreshes a runner's liveness.
func (r *Registry) Heartbeat(id string) (*Runner, error) {
	now := r.clock()
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.runners[id]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "runner %s not found", id)
	}
	state.runner.LastSeenAt = now
	runner := r.snapshot(state, now)
	return &runner, nil
}

// Touch refreshes liveness without requiring prior registration knowledge;
// unknown ids are ignored. Used on poll and report endpoints.
func (r *Registry) Touch(id string) {
	now := r.clock()
	r.mu.Lock()
	defer r.mu.Unlock()
	if state, ok := r.runners[id]; ok {
		state.runner.LastSeenAt = now
	}
}

// Get returns a runner with its derived status.
func (r *Registry) Get(id string) (*Runner, error) {
	now := r.clock()
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.runners[id]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "runner %s not found", id)
	}
	runner := r.snapshot(state, now)
	return &runner, nil
}

// List returns all registered runners sorted by id.
func (r *Registry) List() []*Runner {
	now := r.clock()
	r.mu.Lock()
	defer r.mu.Unlock()

	runners := make([]*Runner, 0, len(r.runners))
	for _, state := range r.runners {
		runner := r.snapshot(state, now)
		runners = append(runners, &runner)
	}
	sort.Slice(runners, func(i, j int) bool { return runners[i].ID < runners[j].ID })
	return runners
}

// Signal wakes the runner's long-poll if one is waiting. The channel has
// capacity one, so signals coalesce instead of accumulating.
func (r *Registry) Signal(id string) {
	r.signalLocked(id)
}

// SignalMatching wakes every runner satisfying the demands and returns how
// many matched. Zero means no registered runner can currently serve the
// demands.
func (r *Registry) SignalMatching(d demand.Demands) int {
	r.mu.Lock()
	var matched []chan struct{}
	for _, state := range r.runners {
		if demand.Satisfies(state.runner.Properties, state.runner.Tags, d) {
			matched = append(matched, state.signal)
		}
	}
	r.mu.Unlock()

	for _, ch := range matched {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return len(matched)
}

// SignalChan returns the runner's wakeup channel for long-poll waits.
func (r *Registry) SignalChan(id string) (<-chan struct{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.runners[id]
	if !ok {
		return nil, false
	}
	return state.signal, true
}

// PushStop queues a stop command for a runner and wakes its poll.
func (r *Registry) PushStop(id string, cmd StopCommand) error {
	r.mu.Lock()
	state, ok := r.runners[id]
	if !ok {
		r.mu.Unlock()
		return apperr.Newf(apperr.KindNotFound, "runner %s not found", id)
	}
	state.stops = append(state.stops, cmd)
	r.mu.Unlock()

	r.signalLocked(id)
	r.logger.WithRunnerID(id).Info("Stop command queued",
		zap.String("run_id", cmd.RunID))
	return nil
}

// PopStop dequeues the oldest pending stop command for a runner.
func (r *Registry) PopStop(id string) (StopCommand, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.runners[id]
	if !ok || len(state.stops) == 0 {
		return StopCommand{}, false
	}
	cmd := state.stops[0]
	state.stops = state.stops[1:]
	return cmd, true
}

// Start runs the removal sweeper until ctx is cancelled.
func (r *Registry) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep(ctx)
			}
		}
	}()
}

// sweep removes runners whose last heartbeat is older than removeAfter.
func (r *Registry) sweep(ctx context.Context) {
	now := r.clock()

	r.mu.Lock()
	var removed []string
	for id, state := range r.runners {
		if now.Sub(state.runner.LastSeenAt) > r.removeAfter {
			removed = append(removed, id)
			delete(r.runners, id)
		}
	}
	r.mu.Unlock()

	for _, id := range removed {
		if r.onRemoved != nil {
			r.onRemoved(id)
		}
		r.publish(ctx, SubjectRunnerRemoved, "runner_removed", map[string]any{"runner_id": id})
		r.logger.WithRunnerID(id).Warn("Runner removed after missed heartbeats")
	}
}

func (r *Registry) snapshot(state *runnerState, now time.Time) Runner {
	runner := state.runner
	runner.Status = StatusOnline
	if now.Sub(runner.LastSeenAt) > r.staleAfter {
		runner.Status = StatusStale
	}
	return runner
}

func (r *Registry) signalLocked(id string) {
	r.mu.Lock()
	state, ok := r.runners[id]
	r.mu.Unlock()
	if !ok {
		return
	}
	select {
	case state.signal <- struct{}{}:
	default:
	}
}

func (r *Registry) publish(ctx context.Context, subject, eventType string, data map[string]any) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(ctx, subject, bus.NewEvent(eventType, "runner-registry", data)); err != nil {
		r.logger.Warn("Failed to publish event",
			zap.String("subject", subject), zap.Error(err))
	}
}

func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}
