// Package queue implements the in-memory run queue.
//
// All state lives behind one mutex. Claiming is the only way a run leaves
// the pending states, and it happens atomically with the demand check, so
// two runners polling concurrently can never claim the same run. Runs are
// not persisted: a coordinator restart loses queued runs by design, and
// runners re-register and re-poll.
package queue

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentcoord/agentcoord/internal/common/apperr"
	"github.com/agentcoord/agentcoord/internal/common/logger"
	"github.com/agentcoord/agentcoord/internal/demand"
	"github.com/agentcoord/agentcoord/internal/run/models"
)

const (
	sweepInterval = 5 * time.Second

	// terminalRetention bounds how long finished runs stay readable via
	// the run API before the sweeper evicts them.
	terminalRetention = 30 * time.Minute
)

// Notifier wakes runners that may be able to claim newly queued work.
// Implemented by the runner registry.
type Notifier interface {
	SignalMatching(d demand.Demands) int
}

// Queue is the in-memory run queue.
type Queue struct {
	mu    sync.Mutex
	runs  map[string]*models.Run
	order []string // enqueue order, drives FIFO claiming

	notifier   Notifier
	noMatchTTL time.Duration
	stopGrace  time.Duration
	retention  time.Duration

	// onTerminal fires outside the queue lock for every terminal
	// transition, including forced stops and runner-lost failures that
	// originate inside the queue.
	onTerminal func(run *models.Run)

	logger *logger.Logger
	clock  func() time.Time
	done   chan struct{}
}

// New creates a queue.
func New(notifier Notifier, noMatchTTL, stopGrace time.Duration, log *logger.Logger) *Queue {
	return &Queue{
		runs:       make(map[string]*models.Run),
		notifier:   notifier,
		noMatchTTL: noMatchTTL,
		stopGrace:  stopGrace,
		retention:  terminalRetention,
		logger:     log,
		clock:      time.Now,
		done:       make(chan struct{}),
	}
}

// OnTerminal sets the hook fired after each terminal transition.
func (q *Queue) OnTerminal(fn func(run *models.Run)) {
	q.onTerminal = fn
}

// Start runs the expiry and eviction sweeper until Stop is called.
func (q *Queue) Start() {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-q.done:
				return
			case <-ticker.C:
				q.expirePending()
				q.evictTerminal()
			}
		}
	}()
}

// Stop halts the sweeper.
func (q *Queue) Stop() {
	close(q.done)
}

// Enqueue adds a run. A session may have at most one non-terminal run;
// violating that fails with ActiveRunExists. If no registered runner
// satisfies the demands the run is parked as pending_no_match.
func (q *Queue) Enqueue(run *models.Run) error {
	q.mu.Lock()
	if active := q.activeBySessionLocked(run.SessionID); active != nil {
		q.mu.Unlock()
		return apperr.Newf(apperr.KindActiveRunExists, "session %s already has active run %s", run.SessionID, active.ID).
			WithDetails(map[string]any{"run_id": active.ID, "status": string(active.Status)})
	}
	q.enqueueLocked(run)
	q.mu.Unlock()

	q.settle(run)
	return nil
}

// EnqueueIfSessionIdle adds a run only when the session has no active or
// queued run. The check and the insert are one atomic step; the callback
// processor relies on this to decide deliver-now versus park without racing
// a concurrent enqueue.
func (q *Queue) EnqueueIfSessionIdle(run *models.Run) bool {
	q.mu.Lock()
	if q.activeBySessionLocked(run.SessionID) != nil {
		q.mu.Unlock()
		return false
	}
	q.enqueueLocked(run)
	q.mu.Unlock()

	q.settle(run)
	return true
}

func (q *Queue) enqueueLocked(run *models.Run) {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = q.clock()
	}
	run.Status = models.RunStatusPending
	q.runs[run.ID] = run
	q.order = append(q.order, run.ID)
}

// settle signals matching runners and parks the run when none match.
func (q *Queue) settle(run *models.Run) {
	matched := 0
	if q.notifier != nil {
		matched = q.notifier.SignalMatching(run.Demands)
	}
	if matched > 0 {
		q.logger.Info("Run enqueued",
			zap.String("run_id", run.ID),
			zap.String("session_id", run.SessionID),
			zap.Int("matching_runners", matched))
		return
	}

	q.mu.Lock()
	if r, ok := q.runs[run.ID]; ok && r.Status == models.RunStatusPending {
		r.Status = models.RunStatusPendingNoMatch
	}
	q.mu.Unlock()
	q.logger.Warn("Run enqueued with no matching runner",
		zap.String("run_id", run.ID),
		zap.String("session_id", run.SessionID))
}

// ClaimOne atomically claims the oldest queued run the runner satisfies.
// Returns nil when nothing matches.
func (q *Queue) ClaimOne(runnerID string, props demand.Properties, tags []string) *models.Run {
	now := q.clock()

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range q.order {
		run, ok := q.runs[id]
		if !ok || !run.Status.Claimable() {
			continue
		}
		if !demand.Satisfies(props, tags, run.Demands) {
			continue
		}
		run.Status = models.RunStatusClaimed
		run.HeldBy = runnerID
		run.ClaimedAt = &now
		snapshot := *run
		return &snapshot
	}
	return nil
}

// ReportStarted transitions a claimed run to running.
func (q *Queue) ReportStarted(runID, runnerID string) (*models.Run, error) {
	now := q.clock()

	q.mu.Lock()
	defer q.mu.Unlock()

	run, ok := q.runs[runID]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "run %s not found", runID)
	}
	if run.HeldBy != runnerID {
		return nil, apperr.Newf(apperr.KindConflict, "run %s is not held by runner %s", runID, runnerID)
	}
	switch run.Status {
	case models.RunStatusClaimed:
		run.Status = models.RunStatusRunning
	case models.RunStatusStopping:
		// Stop already requested; record the start but stay stopping.
		if run.StartedAt != nil {
			return nil, apperr.Newf(apperr.KindConflict, "run %s already started", runID)
		}
	default:
		return nil, apperr.Newf(apperr.KindConflict, "run %s is %s, expected claimed", runID, run.Status)
	}
	run.StartedAt = &now
	snapshot := *run
	return &snapshot, nil
}

// Outcome is the terminal result of a run.
type Outcome struct {
	Status       models.RunStatus
	ErrorKind    string
	ErrorMessage string
	ResultText   string
	ResultData   map[string]any
}

// Complete transitions a run to a terminal status as reported by the
// holding runner.
func (q *Queue) Complete(runID, runnerID string, outcome Outcome) (*models.Run, error) {
	if !outcome.Status.IsTerminal() {
		return nil, apperr.Newf(apperr.KindValidation, "status %s is not terminal", outcome.Status)
	}

	q.mu.Lock()
	run, ok := q.runs[runID]
	if !ok {
		q.mu.Unlock()
		return nil, apperr.Newf(apperr.KindNotFound, "run %s not found", runID)
	}
	if run.HeldBy != runnerID {
		q.mu.Unlock()
		return nil, apperr.Newf(apperr.KindConflict, "run %s is not held by runner %s", runID, runnerID)
	}
	if run.Status.IsTerminal() {
		q.mu.Unlock()
		return nil, apperr.Newf(apperr.KindConflict, "run %s is already %s", runID, run.Status)
	}
	q.finishLocked(run, outcome)
	snapshot := *run
	q.mu.Unlock()

	q.fireTerminal(&snapshot)
	return &snapshot, nil
}

// RequestStop marks a run for stopping. Queued runs stop immediately.
// Active runs move to stopping; the caller delivers a stop command to the
// holding runner and the queue arms a grace timer that forces the stop if
// the runner never reports back.
func (q *Queue) RequestStop(runID, reason string) (*models.Run, error) {
	q.mu.Lock()
	run, ok := q.runs[runID]
	if !ok {
		q.mu.Unlock()
		return nil, apperr.Newf(apperr.KindNotFound, "run %s not found", runID)
	}
	if run.Status.IsTerminal() {
		snapshot := *run
		q.mu.Unlock()
		return &snapshot, nil
	}
	run.StopRequested = true

	if run.Status.Claimable() {
		q.finishLocked(run, Outcome{Status: models.RunStatusStopped, ErrorMessage: reason})
		snapshot := *run
		q.mu.Unlock()
		q.fireTerminal(&snapshot)
		return &snapshot, nil
	}

	run.Status = models.RunStatusStopping
	snapshot := *run
	q.mu.Unlock()

	time.AfterFunc(q.stopGrace, func() { q.forceStop(runID, reason) })
	return &snapshot, nil
}

// forceStop is the stop-grace safety net: if the runner has not reported a
// terminal status by the time the grace window closes, the run is stopped
// coordinator-side.
func (q *Queue) forceStop(runID, reason string) {
	q.mu.Lock()
	run, ok := q.runs[runID]
	if !ok || run.Status.IsTerminal() {
		q.mu.Unlock()
		return
	}
	q.finishLocked(run, Outcome{Status: models.RunStatusStopped, ErrorMessage: reason})
	snapshot := *run
	q.mu.Unlock()

	q.logger.Warn("Run stopped by grace timer",
		zap.String("run_id", runID),
		zap.String("held_by", snapshot.HeldBy))
	q.fireTerminal(&snapshot)
}

// FailRunsHeldBy fails every non-terminal run held by a removed runner.
func (q *Queue) FailRunsHeldBy(runnerID string) []*models.Run {
	q.mu.Lock()
	var failed []*models.Run
	for _, run := range q.runs {
		if run.HeldBy != runnerID || run.Status.IsTerminal() {
			continue
		}
		q.finishLocked(run, Outcome{
			Status:       models.RunStatusFailed,
			ErrorKind:    string(apperr.KindRunnerLost),
			ErrorMessage: "runner " + runnerID + " stopped heartbeating while holding the run",
		})
		snapshot := *run
		failed = append(failed, &snapshot)
	}
	q.mu.Unlock()

	for _, run := range failed {
		q.logger.Warn("Run failed, runner lost",
			zap.String("run_id", run.ID),
			zap.String("runner_id", runnerID))
		q.fireTerminal(run)
	}
	return failed
}

// RecalcNoMatch re-evaluates parked runs after the runner fleet changes.
func (q *Queue) RecalcNoMatch() {
	q.mu.Lock()
	var parked []*models.Run
	for _, run := range q.runs {
		if run.Status == models.RunStatusPendingNoMatch {
			parked = append(parked, run)
		}
	}
	q.mu.Unlock()

	for _, run := range parked {
		if q.notifier == nil {
			continue
		}
		if q.notifier.SignalMatching(run.Demands) == 0 {
			continue
		}
		q.mu.Lock()
		if r, ok := q.runs[run.ID]; ok && r.Status == models.RunStatusPendingNoMatch {
			r.Status = models.RunStatusPending
		}
		q.mu.Unlock()
	}
}

// expirePending fails queued runs older than the no-match TTL. Both
// pending states age out: a parked run for which no runner ever existed,
// and a pending run whose matching runners never claimed it.
func (q *Queue) expirePending() {
	now := q.clock()

	q.mu.Lock()
	var expired []*models.Run
	for _, run := range q.runs {
		if !run.Status.Claimable() {
			continue
		}
		if now.Sub(run.CreatedAt) <= q.noMatchTTL {
			continue
		}
		q.finishLocked(run, Outcome{
			Status:       models.RunStatusFailed,
			ErrorKind:    string(apperr.KindNoMatchingRunner),
			ErrorMessage: "no runner claimed the run within " + q.noMatchTTL.String(),
		})
		snapshot := *run
		expired = append(expired, &snapshot)
	}
	q.mu.Unlock()

	for _, run := range expired {
		q.logger.Warn("Run expired unclaimed",
			zap.String("run_id", run.ID),
			zap.String("session_id", run.SessionID))
		q.fireTerminal(run)
	}
}

// evictTerminal forgets terminal runs past the retention window so the
// in-memory table does not grow for the process lifetime.
func (q *Queue) evictTerminal() {
	now := q.clock()

	q.mu.Lock()
	defer q.mu.Unlock()
	for id, run := range q.runs {
		if !run.Status.IsTerminal() {
			continue
		}
		if run.CompletedAt == nil || now.Sub(*run.CompletedAt) <= q.retention {
			continue
		}
		delete(q.runs, id)
	}
}

// Get returns a snapshot of a run.
func (q *Queue) Get(runID string) (*models.Run, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	run, ok := q.runs[runID]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "run %s not found", runID)
	}
	snapshot := *run
	return &snapshot, nil
}

// GetBySession returns snapshots of all runs for a session, oldest first.
func (q *Queue) GetBySession(sessionID string) []*models.Run {
	q.mu.Lock()
	defer q.mu.Unlock()

	var runs []*models.Run
	for _, run := range q.runs {
		if run.SessionID == sessionID {
			snapshot := *run
			runs = append(runs, &snapshot)
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID < runs[j].ID
		}
		return runs[i].CreatedAt.Before(runs[j].CreatedAt)
	})
	return runs
}

// ActiveBySession returns the session's non-terminal run, if any.
func (q *Queue) ActiveBySession(sessionID string) *models.Run {
	q.mu.Lock()
	defer q.mu.Unlock()
	if run := q.activeBySessionLocked(sessionID); run != nil {
		snapshot := *run
		return &snapshot
	}
	return nil
}

// Stats returns the number of runs per status.
func (q *Queue) Stats() map[models.RunStatus]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := make(map[models.RunStatus]int)
	for _, run := range q.runs {
		stats[run.Status]++
	}
	return stats
}

func (q *Queue) activeBySessionLocked(sessionID string) *models.Run {
	for _, run := range q.runs {
		if run.SessionID == sessionID && !run.Status.IsTerminal() {
			return run
		}
	}
	return nil
}

func (q *Queue) finishLocked(run *models.Run, outcome Outcome) {
	now := q.clock()
	run.Status = outcome.Status
	run.ErrorKind = outcome.ErrorKind
	run.ErrorMessage = outcome.ErrorMessage
	run.ResultText = outcome.ResultText
	run.ResultData = outcome.ResultData
	run.CompletedAt = &now

	// Terminal runs leave the claim order; ClaimOne only walks live work.
	for i, id := range q.order {
		if id == run.ID {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

func (q *Queue) fireTerminal(run *models.Run) {
	if q.onTerminal != nil {
		q.onTerminal(run)
	}
}
