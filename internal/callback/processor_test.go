package callback

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcoord/agentcoord/internal/common/apperr"
	"github.com/agentcoord/agentcoord/internal/common/logger"
	runmodels "github.com/agentcoord/agentcoord/internal/run/models"
	sessionmodels "github.com/agentcoord/agentcoord/internal/session/models"
)

type fakeRunCreator struct {
	mu       sync.Mutex
	idle     bool
	prompts  []string
	parents  []string
	failWith error

	// onAttempt fires once, after the idleness answer is decided but
	// before it is returned, mimicking queue activity mid-delivery.
	onAttempt func()
}

func (f *fakeRunCreator) CreateCallbackResume(ctx context.Context, parentID, prompt string) (bool, error) {
	f.mu.Lock()
	idle := f.idle
	fail := f.failWith
	hook := f.onAttempt
	f.onAttempt = nil
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if fail != nil {
		return false, fail
	}
	if !idle {
		return false, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.parents = append(f.parents, parentID)
	f.prompts = append(f.prompts, prompt)
	return true, nil
}

type fakeSessionReader struct {
	sessions map[string]*sessionmodels.Session
}

func (f *fakeSessionReader) GetSession(ctx context.Context, id string) (*sessionmodels.Session, error) {
	if sess, ok := f.sessions[id]; ok {
		return sess, nil
	}
	return nil, apperr.Newf(apperr.KindNotFound, "session %s not found", id)
}

func newFixture(idle bool) (*Processor, *fakeRunCreator, *fakeSessionReader) {
	runs := &fakeRunCreator{idle: idle}
	sessions := &fakeSessionReader{sessions: map[string]*sessionmodels.Session{
		"ses_parent": {ID: "ses_parent", AgentName: "orchestrator", ExecutionMode: sessionmodels.ModeSync},
		"ses_child": {
			ID:              "ses_child",
			AgentName:       "worker",
			ParentSessionID: "ses_parent",
			ExecutionMode:   sessionmodels.ModeAsyncCallback,
		},
		"ses_child2": {
			ID:              "ses_child2",
			AgentName:       "worker",
			ParentSessionID: "ses_parent",
			ExecutionMode:   sessionmodels.ModeAsyncCallback,
		},
		"ses_poll_child": {
			ID:              "ses_poll_child",
			AgentName:       "worker",
			ParentSessionID: "ses_parent",
			ExecutionMode:   sessionmodels.ModeAsyncPoll,
		},
		"ses_orphan": {ID: "ses_orphan", AgentName: "worker", ExecutionMode: sessionmodels.ModeAsyncCallback},
	}}
	return NewProcessor(runs, sessions, logger.Default()), runs, sessions
}

func terminalRun(sessionID string, status runmodels.RunStatus) *runmodels.Run {
	return &runmodels.Run{
		ID:         "run_" + sessionID,
		SessionID:  sessionID,
		Status:     status,
		ResultText: "child finished the task",
	}
}

func TestNoParentOrWrongModeIsNoop(t *testing.T) {
	p, runs, _ := newFixture(true)

	p.RunTerminal(context.Background(), terminalRun("ses_orphan", runmodels.RunStatusCompleted))
	p.RunTerminal(context.Background(), terminalRun("ses_poll_child", runmodels.RunStatusCompleted))

	assert.Empty(t, runs.prompts)
	assert.Zero(t, p.PendingFor("ses_parent"))
}

func TestSingleChildDeliveredToIdleParent(t *testing.T) {
	p, runs, _ := newFixture(true)

	p.RunTerminal(context.Background(), terminalRun("ses_child", runmodels.RunStatusCompleted))

	require.Len(t, runs.prompts, 1)
	assert.Equal(t, []string{"ses_parent"}, runs.parents)

	want := "<agent-callback session=\"ses_child\" status=\"completed\">\n" +
		"## Child Result\n\n" +
		"child finished the task\n" +
		"</agent-callback>\n\n" +
		"Please continue with the orchestration based on this result."
	assert.Equal(t, want, runs.prompts[0])
	assert.Zero(t, p.PendingFor("ses_parent"))
}

func TestFailedChildUsesErrorBody(t *testing.T) {
	p, runs, _ := newFixture(true)

	run := terminalRun("ses_child", runmodels.RunStatusFailed)
	run.ResultText = ""
	run.ErrorMessage = "executor crashed"
	p.RunTerminal(context.Background(), run)

	require.Len(t, runs.prompts, 1)
	want := "<agent-callback session=\"ses_child\" status=\"failed\">\n" +
		"## Error\n\n" +
		"executor crashed\n" +
		"</agent-callback>\n\n" +
		"Please continue with the orchestration based on this result."
	assert.Equal(t, want, runs.prompts[0])
}

func TestBusyParentParksThenAggregates(t *testing.T) {
	p, runs, _ := newFixture(false)
	ctx := context.Background()

	p.RunTerminal(ctx, terminalRun("ses_child", runmodels.RunStatusCompleted))
	second := terminalRun("ses_child2", runmodels.RunStatusFailed)
	second.ResultText = ""
	second.ErrorMessage = "timed out"
	p.RunTerminal(ctx, second)

	assert.Empty(t, runs.prompts)
	assert.Equal(t, 2, p.PendingFor("ses_parent"))

	// The parent's own run ends; it is idle now and the parked deliveries
	// drain as one aggregated message.
	runs.mu.Lock()
	runs.idle = true
	runs.mu.Unlock()
	p.RunTerminal(ctx, terminalRun("ses_parent", runmodels.RunStatusCompleted))

	require.Len(t, runs.prompts, 1)
	prompt := runs.prompts[0]
	assert.Contains(t, prompt, "<agent-callback type=\"aggregated\" count=\"2\">")
	assert.Contains(t, prompt, "<agent-callback session=\"ses_child\" status=\"completed\">")
	assert.Contains(t, prompt, "<agent-callback session=\"ses_child2\" status=\"failed\">")
	assert.Contains(t, prompt, "timed out")
	assert.Contains(t, prompt, "Please continue with the orchestration based on these results.")
	assert.Zero(t, p.PendingFor("ses_parent"))
}

func TestParentTerminalDuringBusyAnswerRetriesDrain(t *testing.T) {
	p, runs, _ := newFixture(false)
	ctx := context.Background()

	// The parent's active run ends while the delivery attempt is in
	// flight: the busy answer is already decided, and the terminal hook
	// for the parent fires before the batch is re-parked. The drain must
	// notice and retry instead of stranding the batch.
	runs.onAttempt = func() {
		runs.mu.Lock()
		runs.idle = true
		runs.mu.Unlock()
		p.RunTerminal(ctx, terminalRun("ses_parent", runmodels.RunStatusCompleted))
	}

	p.RunTerminal(ctx, terminalRun("ses_child", runmodels.RunStatusCompleted))

	require.Len(t, runs.prompts, 1)
	assert.Contains(t, runs.prompts[0], `<agent-callback session="ses_child"`)
	assert.Zero(t, p.PendingFor("ses_parent"))
}

func TestResultDataRendersAsJSON(t *testing.T) {
	p, runs, _ := newFixture(true)

	run := terminalRun("ses_child", runmodels.RunStatusCompleted)
	run.ResultText = ""
	run.ResultData = map[string]any{"verdict": "approve"}
	p.RunTerminal(context.Background(), run)

	require.Len(t, runs.prompts, 1)
	assert.Contains(t, runs.prompts[0], `{"verdict":"approve"}`)
}

func TestDeliveryErrorDropsBatch(t *testing.T) {
	p, runs, _ := newFixture(true)
	runs.failWith = fmt.Errorf("parent session has no executor binding")

	p.RunTerminal(context.Background(), terminalRun("ses_child", runmodels.RunStatusCompleted))

	assert.Empty(t, runs.prompts)
	// Dropped, not re-parked: retrying forever cannot succeed.
	assert.Zero(t, p.PendingFor("ses_parent"))
}
