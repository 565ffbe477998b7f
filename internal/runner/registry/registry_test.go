package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcoord/agentcoord/internal/common/apperr"
	"github.com/agentcoord/agentcoord/internal/common/logger"
	"github.com/agentcoord/agentcoord/internal/demand"
)

func newTestRegistry() *Registry {
	return New(2*time.Minute, 10*time.Minute, nil, logger.Default())
}

func testProps(host string) demand.Properties {
	return demand.Properties{
		Hostname:     host,
		ProjectDir:   "/work/proj",
		ExecutorType: "claude-code",
	}
}

func TestRegisterIsDeterministicUpsert(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	first, err := r.Register(ctx, testProps("host-a"), []string{"gpu"})
	require.NoError(t, err)
	assert.Regexp(t, `^lnch_[0-9a-f]{12}$`, first.ID)
	assert.Equal(t, StatusOnline, first.Status)

	second, err := r.Register(ctx, testProps("host-a"), []string{"gpu", "fast"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, []string{"fast", "gpu"}, second.Tags)
	assert.Equal(t, first.RegisteredAt, second.RegisteredAt)

	assert.Len(t, r.List(), 1)

	_, err = r.Register(ctx, demand.Properties{Hostname: "host-a"}, nil)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestHeartbeatAndStatus(t *testing.T) {
	r := newTestRegistry()
	now := time.Now()
	r.clock = func() time.Time { return now }

	runner, err := r.Register(context.Background(), testProps("host-a"), nil)
	require.NoError(t, err)

	// Past the stale threshold the derived status flips.
	now = now.Add(3 * time.Minute)
	got, err := r.Get(runner.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusStale, got.Status)

	// A heartbeat brings it back online.
	got, err = r.Heartbeat(runner.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, got.Status)

	_, err = r.Heartbeat("lnch_000000000000")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestSweepRemovesQuietRunners(t *testing.T) {
	r := newTestRegistry()
	now := time.Now()
	r.clock = func() time.Time { return now }

	var removed []string
	r.OnRemoved(func(id string) { removed = append(removed, id) })

	runner, err := r.Register(context.Background(), testProps("host-a"), nil)
	require.NoError(t, err)
	keeper, err := r.Register(context.Background(), testProps("host-b"), nil)
	require.NoError(t, err)

	now = now.Add(11 * time.Minute)
	_, err = r.Heartbeat(keeper.ID)
	require.NoError(t, err)

	r.sweep(context.Background())

	assert.Equal(t, []string{runner.ID}, removed)
	_, err = r.Get(runner.ID)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	_, err = r.Get(keeper.ID)
	require.NoError(t, err)
}

func TestSignalMatching(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	a, err := r.Register(ctx, testProps("host-a"), []string{"gpu"})
	require.NoError(t, err)
	b, err := r.Register(ctx, testProps("host-b"), nil)
	require.NoError(t, err)

	// Drain the registration wakeups.
	chA, ok := r.SignalChan(a.ID)
	require.True(t, ok)
	chB, ok := r.SignalChan(b.ID)
	require.True(t, ok)
	drain(chA)
	drain(chB)

	count := r.SignalMatching(demand.Demands{Hostname: "host-a"})
	assert.Equal(t, 1, count)
	assert.True(t, pending(chA))
	assert.False(t, pending(chB))

	count = r.SignalMatching(demand.Demands{})
	assert.Equal(t, 2, count)

	count = r.SignalMatching(demand.Demands{Tags: []string{"tpu"}})
	assert.Equal(t, 0, count)
}

func TestSignalCoalesces(t *testing.T) {
	r := newTestRegistry()
	runner, err := r.Register(context.Background(), testProps("host-a"), nil)
	require.NoError(t, err)

	ch, ok := r.SignalChan(runner.ID)
	require.True(t, ok)
	drain(ch)

	r.Signal(runner.ID)
	r.Signal(runner.ID)
	r.Signal(runner.ID)

	assert.True(t, pending(ch))
	assert.False(t, pending(ch))
}

func TestStopCommandQueue(t *testing.T) {
	r := newTestRegistry()
	runner, err := r.Register(context.Background(), testProps("host-a"), nil)
	require.NoError(t, err)

	_, ok := r.PopStop(runner.ID)
	assert.False(t, ok)

	require.NoError(t, r.PushStop(runner.ID, StopCommand{RunID: "run_1", SessionID: "ses_1"}))
	require.NoError(t, r.PushStop(runner.ID, StopCommand{RunID: "run_2", SessionID: "ses_2"}))

	cmd, ok := r.PopStop(runner.ID)
	require.True(t, ok)
	assert.Equal(t, "run_1", cmd.RunID)

	cmd, ok = r.PopStop(runner.ID)
	require.True(t, ok)
	assert.Equal(t, "run_2", cmd.RunID)

	_, ok = r.PopStop(runner.ID)
	assert.False(t, ok)

	err = r.PushStop("lnch_000000000000", StopCommand{RunID: "run_3"})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func drain(ch <-chan struct{}) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func pending(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
