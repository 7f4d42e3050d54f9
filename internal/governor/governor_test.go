package governor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/openfarm/farm-runtime-go/internal/errors"
	"github.com/openfarm/farm-runtime-go/internal/model"
)

func newTestGovernor(cfg Config) *Governor {
	return New(cfg, NewMemoryCooldowns())
}

func TestCooldownRejectsBackToBackCalls(t *testing.T) {
	g := newTestGovernor(Config{GlobalLimit: 20, InflightLimit: 1, WriteCooldown: 80 * time.Millisecond})
	ctx := context.Background()

	lease, err := g.Acquire(ctx, "alice", "1", model.ActionFarm)
	require.NoError(t, err)
	lease.Release()

	_, err = g.Acquire(ctx, "alice", "1", model.ActionFarm)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeCooldownActive, apperrors.GetCode(err))

	// reads run on their own cooldown track
	lease, err = g.Acquire(ctx, "alice", "1", model.ActionStatus)
	require.NoError(t, err)
	lease.Release()

	time.Sleep(100 * time.Millisecond)
	lease, err = g.Acquire(ctx, "alice", "1", model.ActionFarm)
	require.NoError(t, err)
	lease.Release()
}

func TestCooldownTracksUserNotAccount(t *testing.T) {
	g := newTestGovernor(Config{GlobalLimit: 20, InflightLimit: 2, WriteCooldown: time.Hour})
	ctx := context.Background()

	// a scheduler write warms nothing for the humans behind the account
	sched, err := g.Acquire(ctx, "sched:1", "1", model.ActionFarm)
	require.NoError(t, err)
	sched.Release()

	lease, err := g.Acquire(ctx, "alice", "1", model.ActionFarm)
	require.NoError(t, err, "a user's first write must not inherit the scheduler's cooldown")
	lease.Release()

	_, err = g.Acquire(ctx, "alice", "1", model.ActionSell)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeCooldownActive, apperrors.GetCode(err))

	other, err := g.Acquire(ctx, "bob", "1", model.ActionFarm)
	require.NoError(t, err, "cooldowns are per user, not shared through the account")
	other.Release()
}

func TestInflightCapRejectsImmediately(t *testing.T) {
	g := newTestGovernor(Config{GlobalLimit: 20, InflightLimit: 1})
	ctx := context.Background()

	lease, err := g.Acquire(ctx, "alice", "1", model.ActionFarm)
	require.NoError(t, err)
	defer lease.Release()

	start := time.Now()
	_, err = g.Acquire(ctx, "alice", "2", model.ActionFriend)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeAdmissionRejected, apperrors.GetCode(err))
	assert.Less(t, time.Since(start), 50*time.Millisecond, "cap violation must not queue")

	// an unrelated user is unaffected
	other, err := g.Acquire(ctx, "bob", "2", model.ActionFarm)
	require.NoError(t, err)
	other.Release()
}

func TestReadAdmittedWhileSchedulerHoldsAccount(t *testing.T) {
	g := newTestGovernor(Config{GlobalLimit: 20, InflightLimit: 1})
	ctx := context.Background()

	cycle, err := g.Acquire(ctx, "sched:1", "1", model.ActionFarm)
	require.NoError(t, err)
	defer cycle.Release()

	// the in-flight cap follows the caller, so an operator read on the
	// same account goes through while the cycle runs
	read, err := g.Acquire(ctx, "op:alice", "1", model.ActionStatus)
	require.NoError(t, err)
	read.Release()
}

func TestWritesSerializePerAccount(t *testing.T) {
	g := newTestGovernor(Config{GlobalLimit: 20, InflightLimit: 1})
	ctx := context.Background()

	first, err := g.Acquire(ctx, "alice", "1", model.ActionFarm)
	require.NoError(t, err)

	acquired := make(chan *Lease)
	go func() {
		lease, err := g.Acquire(ctx, "bob", "1", model.ActionSell)
		if err != nil {
			close(acquired)
			return
		}
		acquired <- lease
	}()

	select {
	case <-acquired:
		t.Fatal("second write acquired while the first held the lock")
	case <-time.After(60 * time.Millisecond):
	}

	// reads are not blocked by the write lock
	read, err := g.Acquire(ctx, "carol", "1", model.ActionStatus)
	require.NoError(t, err)
	read.Release()

	first.Release()
	select {
	case lease := <-acquired:
		require.NotNil(t, lease)
		lease.Release()
	case <-time.After(time.Second):
		t.Fatal("second write never acquired after release")
	}
}

func TestGlobalLimitBlocksUntilReleased(t *testing.T) {
	g := newTestGovernor(Config{GlobalLimit: 2, InflightLimit: 1})
	ctx := context.Background()

	a, err := g.Acquire(ctx, "alice", "1", model.ActionFarm)
	require.NoError(t, err)
	b, err := g.Acquire(ctx, "bob", "2", model.ActionFarm)
	require.NoError(t, err)

	var granted atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		lease, err := g.Acquire(ctx, "carol", "3", model.ActionFarm)
		if err == nil {
			granted.Store(true)
			lease.Release()
		}
	}()

	time.Sleep(40 * time.Millisecond)
	assert.False(t, granted.Load(), "third call must wait for a global slot")

	a.Release()
	select {
	case <-done:
		assert.True(t, granted.Load())
	case <-time.After(time.Second):
		t.Fatal("waiter never got the freed slot")
	}
	b.Release()
}

func TestAbortedWaitsRollBackEveryGate(t *testing.T) {
	g := newTestGovernor(Config{GlobalLimit: 1, InflightLimit: 1})

	holder, err := g.Acquire(context.Background(), "alice", "1", model.ActionFarm)
	require.NoError(t, err)

	// repeated aborted waits must not leak slots or cooldowns
	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		_, err := g.Acquire(ctx, "bob", "2", model.ActionFarm)
		cancel()
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodeAdmissionRejected, apperrors.GetCode(err))
	}

	holder.Release()

	lease, err := g.Acquire(context.Background(), "bob", "2", model.ActionFarm)
	require.NoError(t, err)
	lease.Release()

	assert.Equal(t, 0, g.Stats().InFlight)
}

func TestLeaseReleaseIsIdempotent(t *testing.T) {
	g := newTestGovernor(Config{GlobalLimit: 1, InflightLimit: 1})
	ctx := context.Background()

	lease, err := g.Acquire(ctx, "alice", "1", model.ActionFarm)
	require.NoError(t, err)
	lease.Release()
	lease.Release()

	again, err := g.Acquire(ctx, "alice", "1", model.ActionFriend)
	require.NoError(t, err)
	again.Release()
}

func TestStatsCountsInflight(t *testing.T) {
	g := newTestGovernor(Config{GlobalLimit: 20, InflightLimit: 2})
	ctx := context.Background()

	a, err := g.Acquire(ctx, "alice", "1", model.ActionStatus)
	require.NoError(t, err)
	b, err := g.Acquire(ctx, "bob", "2", model.ActionStatus)
	require.NoError(t, err)

	stats := g.Stats()
	assert.Equal(t, 2, stats.InFlight)
	assert.Equal(t, 1, stats.ByUser["alice"])

	a.Release()
	b.Release()
	assert.Equal(t, 0, g.Stats().InFlight)
}

func TestMemoryCooldownReserveAndRelease(t *testing.T) {
	c := NewMemoryCooldowns()
	ctx := context.Background()

	remaining, err := c.Reserve(ctx, "alice:write", 80*time.Millisecond)
	require.NoError(t, err)
	assert.Zero(t, remaining)

	remaining, err = c.Reserve(ctx, "alice:write", 80*time.Millisecond)
	require.NoError(t, err)
	assert.Positive(t, remaining)

	require.NoError(t, c.Release(ctx, "alice:write"))
	remaining, err = c.Reserve(ctx, "alice:write", 80*time.Millisecond)
	require.NoError(t, err)
	assert.Zero(t, remaining)
}
