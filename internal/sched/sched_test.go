package sched

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberhost/crucible/internal/model"
	"github.com/emberhost/crucible/internal/pool"
	"github.com/emberhost/crucible/internal/substrate"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockSubstrate struct {
	mu      sync.Mutex
	created []string
}

func (m *mockSubstrate) CreateUnit(ctx context.Context, spec substrate.UnitSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, spec.UnitID)
	return nil
}

func (m *mockSubstrate) DestroyUnit(ctx context.Context, unitID string) error { return nil }

func (m *mockSubstrate) ApplyPolicy(ctx context.Context, unitID string, policy substrate.Policy) error {
	return nil
}

func (m *mockSubstrate) RemovePolicy(ctx context.Context, unitID string) error { return nil }

func (m *mockSubstrate) Exec(ctx context.Context, unitID string, spec substrate.ExecSpec) (substrate.ExecResult, error) {
	return substrate.ExecResult{}, nil
}

func (m *mockSubstrate) Capabilities() substrate.Capabilities {
	return substrate.Capabilities{Name: "mock"}
}

func defaultWeights() Weights {
	return Weights{Warm: 4.0, Headroom: 2.0, Failure: 3.0, Affinity: 1.0}
}

func newTestPool(t *testing.T, nodeID string, maxUnits int) *pool.Pool {
	t.Helper()
	p := pool.New(pool.Config{NodeID: nodeID, MaxUnits: maxUnits}, &mockSubstrate{}, nil, testLogger())
	t.Cleanup(func() { p.Close(context.Background()) })
	return p
}

func newTestScheduler(t *testing.T, cfg Config) *Scheduler {
	t.Helper()
	if cfg.Weights == (Weights{}) {
		cfg.Weights = defaultWeights()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Second
	}
	return New(cfg, testLogger())
}

func TestSchedulePlacesOnOnlyNode(t *testing.T) {
	s := newTestScheduler(t, Config{})
	s.RegisterNode("node-a", newTestPool(t, "node-a", 4))

	pl, err := s.Schedule(context.Background(), "python", "")
	require.NoError(t, err)
	assert.Equal(t, "node-a", pl.NodeID)
	require.NotNil(t, pl.Handle)
	pl.Handle.Release(context.Background(), pool.OutcomeClean)
}

func TestSchedulePrefersWarmNode(t *testing.T) {
	s := newTestScheduler(t, Config{})
	cold := newTestPool(t, "cold", 4)
	warm := newTestPool(t, "warm", 4)
	require.NoError(t, warm.Prewarm(context.Background(), "python", 2))

	s.RegisterNode("cold", cold)
	s.RegisterNode("warm", warm)

	pl, err := s.Schedule(context.Background(), "python", "")
	require.NoError(t, err)
	assert.Equal(t, "warm", pl.NodeID)
	pl.Handle.Release(context.Background(), pool.OutcomeClean)
}

func TestSchedulePrefersHeadroom(t *testing.T) {
	s := newTestScheduler(t, Config{})
	busy := newTestPool(t, "busy", 2)
	idle := newTestPool(t, "idle", 2)

	// Fill the busy node.
	h, err := busy.Acquire(context.Background(), "python")
	require.NoError(t, err)
	defer h.Release(context.Background(), pool.OutcomeClean)

	s.RegisterNode("busy", busy)
	s.RegisterNode("idle", idle)

	pl, err := s.Schedule(context.Background(), "python", "")
	require.NoError(t, err)
	assert.Equal(t, "idle", pl.NodeID)
	pl.Handle.Release(context.Background(), pool.OutcomeClean)
}

func TestScheduleAffinityBreaksEvenScore(t *testing.T) {
	s := newTestScheduler(t, Config{})
	s.RegisterNode("node-a", newTestPool(t, "node-a", 4))
	s.RegisterNode("node-b", newTestPool(t, "node-b", 4))

	for range 5 {
		pl, err := s.Schedule(context.Background(), "python", "node-b")
		require.NoError(t, err)
		assert.Equal(t, "node-b", pl.NodeID)
		pl.Handle.Release(context.Background(), pool.OutcomeClean)
	}
}

func TestScheduleNoNodes(t *testing.T) {
	s := newTestScheduler(t, Config{})

	_, err := s.Schedule(context.Background(), "python", "")
	assert.ErrorIs(t, err, model.ErrNoAvailableCapacity)
}

func TestScheduleSkipsDegradedNode(t *testing.T) {
	s := newTestScheduler(t, Config{DegradeThreshold: 2})
	s.RegisterNode("flaky", newTestPool(t, "flaky", 4))
	s.RegisterNode("healthy", newTestPool(t, "healthy", 4))

	s.RecordSetupResult("flaky", true)
	s.RecordSetupResult("flaky", true)
	require.True(t, s.Degraded("flaky"))

	for range 5 {
		pl, err := s.Schedule(context.Background(), "python", "flaky")
		require.NoError(t, err)
		assert.Equal(t, "healthy", pl.NodeID)
		pl.Handle.Release(context.Background(), pool.OutcomeClean)
	}
}

func TestScheduleAllNodesDegraded(t *testing.T) {
	s := newTestScheduler(t, Config{DegradeThreshold: 1})
	s.RegisterNode("node-a", newTestPool(t, "node-a", 4))
	s.RecordSetupResult("node-a", true)

	_, err := s.Schedule(context.Background(), "python", "")
	assert.ErrorIs(t, err, model.ErrNoAvailableCapacity)
}

func TestScheduleFullNodeIsBackpressure(t *testing.T) {
	s := newTestScheduler(t, Config{Timeout: 150 * time.Millisecond})
	p := newTestPool(t, "node-a", 1)
	h, err := p.Acquire(context.Background(), "python")
	require.NoError(t, err)
	defer h.Release(context.Background(), pool.OutcomeClean)
	s.RegisterNode("node-a", p)

	// A node at capacity for the whole wait surfaces pool exhaustion, the
	// retryable backpressure signal, not a scheduling timeout.
	start := time.Now()
	_, err = s.Schedule(context.Background(), "python", "")
	assert.ErrorIs(t, err, model.ErrPoolExhausted)
	assert.NotErrorIs(t, err, model.ErrSchedulingTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestScheduleReschedulesToSecondNode(t *testing.T) {
	s := newTestScheduler(t, Config{Timeout: 500 * time.Millisecond, RetryBackoff: time.Millisecond})
	full := newTestPool(t, "full", 1)
	require.NoError(t, full.Prewarm(context.Background(), "python", 1))
	spare := newTestPool(t, "spare", 1)

	// The warm unit makes "full" score highest, then we take it out from
	// under the scheduler so the first placement attempt loses the race
	// and the request falls over to "spare".
	h, err := full.Acquire(context.Background(), "python")
	require.NoError(t, err)
	defer h.Release(context.Background(), pool.OutcomeClean)

	s.RegisterNode("full", full)
	s.RegisterNode("spare", spare)

	pl, err := s.Schedule(context.Background(), "python", "")
	require.NoError(t, err)
	assert.Equal(t, "spare", pl.NodeID)
	pl.Handle.Release(context.Background(), pool.OutcomeClean)
}

func TestRecordSetupResultRecovers(t *testing.T) {
	s := newTestScheduler(t, Config{DegradeThreshold: 3})
	s.RegisterNode("node-a", newTestPool(t, "node-a", 4))

	s.RecordSetupResult("node-a", true)
	s.RecordSetupResult("node-a", true)
	assert.False(t, s.Degraded("node-a"))

	// A success resets the consecutive counter.
	s.RecordSetupResult("node-a", false)
	s.RecordSetupResult("node-a", true)
	s.RecordSetupResult("node-a", true)
	assert.False(t, s.Degraded("node-a"))

	s.RecordSetupResult("node-a", true)
	assert.True(t, s.Degraded("node-a"))
}

func TestRecordSetupResultUnknownNode(t *testing.T) {
	s := newTestScheduler(t, Config{})
	s.RecordSetupResult("nope", true)
	assert.False(t, s.Degraded("nope"))
}

func TestHealthProbeClearsDegraded(t *testing.T) {
	s := newTestScheduler(t, Config{DegradeThreshold: 1})
	s.RegisterNode("node-a", newTestPool(t, "node-a", 4))
	s.RecordSetupResult("node-a", true)
	require.True(t, s.Degraded("node-a"))

	s.probeDegraded(context.Background(), "python")
	assert.False(t, s.Degraded("node-a"))

	pl, err := s.Schedule(context.Background(), "python", "")
	require.NoError(t, err)
	assert.Equal(t, "node-a", pl.NodeID)
	pl.Handle.Release(context.Background(), pool.OutcomeClean)
}

func TestScheduleFailureRateLowersScore(t *testing.T) {
	s := newTestScheduler(t, Config{DegradeThreshold: 100})
	s.RegisterNode("shaky", newTestPool(t, "shaky", 4))
	s.RegisterNode("steady", newTestPool(t, "steady", 4))

	// Failures interleaved with successes keep "shaky" out of the degraded
	// state but push its failure EWMA up.
	for range 10 {
		s.RecordSetupResult("shaky", true)
		s.RecordSetupResult("shaky", false)
	}

	pl, err := s.Schedule(context.Background(), "python", "")
	require.NoError(t, err)
	assert.Equal(t, "steady", pl.NodeID)
	pl.Handle.Release(context.Background(), pool.OutcomeClean)
}

func TestScheduleContextCancelled(t *testing.T) {
	s := newTestScheduler(t, Config{})
	p := newTestPool(t, "node-a", 1)
	h, err := p.Acquire(context.Background(), "python")
	require.NoError(t, err)
	defer h.Release(context.Background(), pool.OutcomeClean)
	s.RegisterNode("node-a", p)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err = s.Schedule(ctx, "python", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrSchedulingTimeout) || errors.Is(err, context.Canceled))
}
