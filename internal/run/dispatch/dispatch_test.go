package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcoord/agentcoord/internal/common/apperr"
	"github.com/agentcoord/agentcoord/internal/common/logger"
	"github.com/agentcoord/agentcoord/internal/demand"
	"github.com/agentcoord/agentcoord/internal/identity"
	"github.com/agentcoord/agentcoord/internal/run/models"
	"github.com/agentcoord/agentcoord/internal/run/queue"
	"github.com/agentcoord/agentcoord/internal/runner/registry"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *queue.Queue, *registry.Registry) {
	t.Helper()
	log := logger.Default()
	reg := registry.New(2*time.Minute, 10*time.Minute, nil, log)
	q := queue.New(reg, 5*time.Minute, 5*time.Second, log)
	reg.OnRegistered(func(string) { q.RecalcNoMatch() })
	return New(q, reg, 30*time.Second, log), q, reg
}

func registerRunner(t *testing.T, reg *registry.Registry, host string) *registry.Runner {
	t.Helper()
	runner, err := reg.Register(context.Background(), demand.Properties{
		Hostname:     host,
		ProjectDir:   "/work",
		ExecutorType: "claude-code",
	}, nil)
	require.NoError(t, err)
	return runner
}

func makeRun(sessionID string) *models.Run {
	return &models.Run{
		ID:        identity.NewRunID(),
		SessionID: sessionID,
		AgentName: "worker",
		Kind:      models.KindStart,
	}
}

func TestPollUnknownRunner(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	_, err := d.Poll(context.Background(), "lnch_000000000000", time.Second)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestPollReturnsQueuedRunImmediately(t *testing.T) {
	d, q, reg := newTestDispatcher(t)
	runner := registerRunner(t, reg, "host-a")

	run := makeRun("ses_1")
	require.NoError(t, q.Enqueue(run))

	item, err := d.Poll(context.Background(), runner.ID, time.Second)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, KindRun, item.Kind)
	assert.Equal(t, run.ID, item.Run.ID)
	assert.Equal(t, runner.ID, item.Run.HeldBy)
}

func TestPollTimesOutEmpty(t *testing.T) {
	d, _, reg := newTestDispatcher(t)
	runner := registerRunner(t, reg, "host-a")

	start := time.Now()
	item, err := d.Poll(context.Background(), runner.ID, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, item)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestPollWakesOnEnqueue(t *testing.T) {
	d, q, reg := newTestDispatcher(t)
	runner := registerRunner(t, reg, "host-a")

	// Drain the registration wakeup so the poll actually parks.
	_, err := d.Poll(context.Background(), runner.ID, 10*time.Millisecond)
	require.NoError(t, err)

	run := makeRun("ses_1")
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = q.Enqueue(run)
	}()

	start := time.Now()
	item, err := d.Poll(context.Background(), runner.ID, 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, run.ID, item.Run.ID)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPollStopOutranksRun(t *testing.T) {
	d, q, reg := newTestDispatcher(t)
	runner := registerRunner(t, reg, "host-a")

	require.NoError(t, q.Enqueue(makeRun("ses_1")))
	require.NoError(t, reg.PushStop(runner.ID, registry.StopCommand{RunID: "run_active", SessionID: "ses_0"}))

	item, err := d.Poll(context.Background(), runner.ID, time.Second)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, KindStop, item.Kind)
	assert.Equal(t, "run_active", item.Stop.RunID)

	// The queued run arrives on the next poll.
	item, err = d.Poll(context.Background(), runner.ID, time.Second)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, KindRun, item.Kind)
}

func TestStopReachesParkedPollQuickly(t *testing.T) {
	d, _, reg := newTestDispatcher(t)
	runner := registerRunner(t, reg, "host-a")

	// Drain the registration wakeup.
	_, err := d.Poll(context.Background(), runner.ID, 10*time.Millisecond)
	require.NoError(t, err)

	type result struct {
		item    *WorkItem
		elapsed time.Duration
	}
	results := make(chan result, 1)
	go func() {
		start := time.Now()
		item, _ := d.Poll(context.Background(), runner.ID, 5*time.Second)
		results <- result{item, time.Since(start)}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, reg.PushStop(runner.ID, registry.StopCommand{RunID: "run_x", SessionID: "ses_x"}))

	res := <-results
	require.NotNil(t, res.item)
	assert.Equal(t, KindStop, res.item.Kind)
	assert.Less(t, res.elapsed, 500*time.Millisecond)
}

func TestPollHonorsContextCancel(t *testing.T) {
	d, _, reg := newTestDispatcher(t)
	runner := registerRunner(t, reg, "host-a")

	// Drain the registration wakeup.
	_, err := d.Poll(context.Background(), runner.ID, 10*time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = d.Poll(ctx, runner.ID, 5*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParkedNoMatchRunFlowsAfterRegistration(t *testing.T) {
	d, q, reg := newTestDispatcher(t)

	run := makeRun("ses_1")
	run.Demands = demand.Demands{Hostname: "host-a"}
	require.NoError(t, q.Enqueue(run))

	got, err := q.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPendingNoMatch, got.Status)

	runner := registerRunner(t, reg, "host-a")

	item, err := d.Poll(context.Background(), runner.ID, time.Second)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, run.ID, item.Run.ID)
}
