// Package callback delivers child-session results to their parents.
//
// When a child session with execution mode ASYNC_CALLBACK reaches a
// terminal run, its result is wrapped in a tagged message and delivered to
// the parent as a resume run. A busy parent gets the delivery parked;
// parked deliveries drain, possibly aggregated, as soon as one of the
// parent's own runs ends. The park/deliver decision races with the parent's
// queue state, so the final idleness check happens atomically with the
// enqueue inside the run queue.
package callback

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agentcoord/agentcoord/internal/common/logger"
	runmodels "github.com/agentcoord/agentcoord/internal/run/models"
	sessionmodels "github.com/agentcoord/agentcoord/internal/session/models"
)

// ChildStatus is how a delivery reports the child's fate.
type ChildStatus string

const (
	ChildCompleted ChildStatus = "completed"
	ChildFailed    ChildStatus = "failed"
)

// Delivery is one pending child result.
type Delivery struct {
	SessionID string
	Status    ChildStatus
	Body      string
}

// RunCreator enqueues the callback resume run; the bool result reports
// whether the parent was idle and the run was accepted.
type RunCreator interface {
	CreateCallbackResume(ctx context.Context, parentSessionID, prompt string) (bool, error)
}

// SessionReader looks up sessions.
type SessionReader interface {
	GetSession(ctx context.Context, id string) (*sessionmodels.Session, error)
}

// Processor is the callback delivery loop.
type Processor struct {
	mu      sync.Mutex
	pending map[string][]Delivery // parent session id -> parked deliveries
	gen     map[string]uint64     // terminal-run count per session, guards re-park races

	runs     RunCreator
	sessions SessionReader
	logger   *logger.Logger
}

// NewProcessor creates a callback processor.
func NewProcessor(runs RunCreator, sessions SessionReader, log *logger.Logger) *Processor {
	return &Processor{
		pending:  make(map[string][]Delivery),
		gen:      make(map[string]uint64),
		runs:     runs,
		sessions: sessions,
		logger:   log,
	}
}

// RunTerminal is the terminal-run hook. It queues a delivery toward the
// parent when the finished run belongs to an ASYNC_CALLBACK child, and it
// drains parked deliveries addressed to the finished run's own session.
func (p *Processor) RunTerminal(ctx context.Context, run *runmodels.Run) {
	p.mu.Lock()
	p.gen[run.SessionID]++
	p.mu.Unlock()

	p.notifyParent(ctx, run)
	p.drain(ctx, run.SessionID)
}

func (p *Processor) notifyParent(ctx context.Context, run *runmodels.Run) {
	sess, err := p.sessions.GetSession(ctx, run.SessionID)
	if err != nil {
		p.logger.Warn("Callback lookup failed",
			zap.String("session_id", run.SessionID), zap.Error(err))
		return
	}
	if sess.ParentSessionID == "" || sess.ExecutionMode != sessionmodels.ModeAsyncCallback {
		return
	}

	delivery := Delivery{SessionID: sess.ID}
	if run.Status == runmodels.RunStatusCompleted {
		delivery.Status = ChildCompleted
		delivery.Body = resultSummary(run)
	} else {
		delivery.Status = ChildFailed
		delivery.Body = errorSummary(run)
	}

	p.mu.Lock()
	p.pending[sess.ParentSessionID] = append(p.pending[sess.ParentSessionID], delivery)
	p.mu.Unlock()

	p.drain(ctx, sess.ParentSessionID)
}

// drain attempts to deliver everything parked for a parent. The enqueue is
// done outside the pending-map lock; if the parent turns out to be busy the
// deliveries are re-parked. A parent run may go terminal between the busy
// answer and the re-park, and that run's own drain sees an empty map, so
// the re-park checks the parent's terminal generation and retries when it
// moved.
func (p *Processor) drain(ctx context.Context, parentID string) {
	for {
		p.mu.Lock()
		gen := p.gen[parentID]
		deliveries := p.pending[parentID]
		delete(p.pending, parentID)
		p.mu.Unlock()
		if len(deliveries) == 0 {
			return
		}

		prompt := FormatDeliveries(deliveries)
		accepted, err := p.runs.CreateCallbackResume(ctx, parentID, prompt)
		if err != nil {
			p.logger.Error("Callback delivery failed",
				zap.String("parent_session_id", parentID),
				zap.Int("children", len(deliveries)),
				zap.Error(err))
			return
		}
		if accepted {
			p.logger.Info("Callback delivered",
				zap.String("parent_session_id", parentID),
				zap.Int("children", len(deliveries)))
			return
		}

		// Parent is busy; park again, in front of anything that arrived
		// while the lock was released.
		p.mu.Lock()
		p.pending[parentID] = append(deliveries, p.pending[parentID]...)
		stale := p.gen[parentID] != gen
		p.mu.Unlock()
		if !stale {
			return
		}
	}
}

// PendingFor returns how many deliveries are parked for a parent.
func (p *Processor) PendingFor(parentID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending[parentID])
}

// FormatDeliveries renders the callback prompt: the single-child format
// for one delivery, the aggregated format for several.
func FormatDeliveries(deliveries []Delivery) string {
	if len(deliveries) == 1 {
		return FormatSingle(deliveries[0])
	}
	return FormatAggregated(deliveries)
}

// FormatSingle renders one child result with tagged delimiters so the
// parent agent can distinguish it from user input.
func FormatSingle(d Delivery) string {
	return singleBlock(d) + "\n\nPlease continue with the orchestration based on this result."
}

// FormatAggregated renders multiple child results in one wrapper.
func FormatAggregated(deliveries []Delivery) string {
	blocks := make([]string, 0, len(deliveries))
	for _, d := range deliveries {
		blocks = append(blocks, singleBlock(d))
	}
	return fmt.Sprintf("<agent-callback type=\"aggregated\" count=\"%d\">\n%s\n</agent-callback>",
		len(deliveries), strings.Join(blocks, "\n\n")) +
		"\n\nPlease continue with the orchestration based on these results."
}

func singleBlock(d Delivery) string {
	heading := "## Child Result"
	if d.Status == ChildFailed {
		heading = "## Error"
	}
	return fmt.Sprintf("<agent-callback session=%q status=%q>\n%s\n\n%s\n</agent-callback>",
		d.SessionID, d.Status, heading, d.Body)
}

func resultSummary(run *runmodels.Run) string {
	if run.ResultText != "" {
		return run.ResultText
	}
	if len(run.ResultData) > 0 {
		if raw, err := json.Marshal(run.ResultData); err == nil {
			return string(raw)
		}
	}
	return "(no result)"
}

func errorSummary(run *runmodels.Run) string {
	if run.ErrorMessage != "" {
		return run.ErrorMessage
	}
	if run.ErrorKind != "" {
		return run.ErrorKind
	}
	return "run " + string(run.Status)
}
