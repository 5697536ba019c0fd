package locks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleettools/squawk/pkg/config"
	"github.com/fleettools/squawk/pkg/eventstore"
	"github.com/fleettools/squawk/pkg/models"
	"github.com/fleettools/squawk/pkg/services"
	testdb "github.com/fleettools/squawk/test/database"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	st := testdb.NewTestStore(t)
	return NewCoordinator(st, eventstore.New(st), config.LocksConfig{
		DefaultTimeout:  5 * time.Minute,
		SweepInterval:   30 * time.Second,
		QueueTick:       time.Second,
		ConflictHorizon: time.Hour,
	})
}

func TestCanonicalize(t *testing.T) {
	assert.Equal(t, "/src/auth.ts", Canonicalize("/src/auth.ts"))
	assert.Equal(t, "/src/auth.ts", Canonicalize(" /src/./auth.ts "))
	assert.Equal(t, "/src/auth.ts", Canonicalize("/src/api/../auth.ts"))
	assert.Equal(t, "/src/auth.ts", Canonicalize("//src///auth.ts"))
	assert.Equal(t, "c:/repo/main.go", Canonicalize(`C:\repo\main.go`))
}

func TestAcquireThenReleaseAllowsNextAcquirer(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	res, err := c.Acquire(ctx, AcquireInput{SpecialistID: "agent-a", File: "/src/auth.ts"})
	require.NoError(t, err)
	require.Equal(t, models.AcquireOutcomeAcquired, res.Outcome)
	require.NotNil(t, res.Lock)
	assert.Equal(t, "agent-a", res.Lock.ReservedBy)
	assert.Equal(t, models.LockPurposeEdit, res.Lock.Purpose)

	lock, released, err := c.Release(ctx, res.Lock.ID, "agent-a")
	require.NoError(t, err)
	assert.True(t, released)
	assert.Equal(t, models.LockStatusReleased, lock.Status)
	require.NotNil(t, lock.ReleasedAt)

	active, err := c.ListActive(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, active)

	res2, err := c.Acquire(ctx, AcquireInput{SpecialistID: "agent-b", File: "/src/auth.ts"})
	require.NoError(t, err)
	assert.Equal(t, models.AcquireOutcomeAcquired, res2.Outcome)
}

func TestAcquireConflictQueuesFIFO(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	first, err := c.Acquire(ctx, AcquireInput{SpecialistID: "agent-a", File: "/src/auth.ts"})
	require.NoError(t, err)
	require.Equal(t, models.AcquireOutcomeAcquired, first.Outcome)

	second, err := c.Acquire(ctx, AcquireInput{SpecialistID: "agent-b", File: "/src/auth.ts"})
	require.NoError(t, err)
	assert.Equal(t, models.AcquireOutcomeQueued, second.Outcome)
	assert.Equal(t, 1, second.Position)
	require.NotNil(t, second.ExistingLock)
	assert.Equal(t, "agent-a", second.ExistingLock.ReservedBy)

	third, err := c.Acquire(ctx, AcquireInput{SpecialistID: "agent-c", File: "/src/auth.ts"})
	require.NoError(t, err)
	assert.Equal(t, models.AcquireOutcomeQueued, third.Outcome)
	assert.Equal(t, 2, third.Position)

	// Re-requesting keeps the original slot.
	again, err := c.Acquire(ctx, AcquireInput{SpecialistID: "agent-b", File: "/src/auth.ts"})
	require.NoError(t, err)
	assert.Equal(t, 1, again.Position)

	conflicts := c.RecentConflicts()
	require.NotEmpty(t, conflicts)
	assert.Equal(t, "agent-a", conflicts[0].HolderID)
}

func TestReleaseHandsLockToQueueHead(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	first, err := c.Acquire(ctx, AcquireInput{SpecialistID: "agent-a", File: "/src/auth.ts"})
	require.NoError(t, err)
	_, err = c.Acquire(ctx, AcquireInput{SpecialistID: "agent-b", File: "/src/auth.ts"})
	require.NoError(t, err)

	_, released, err := c.Release(ctx, first.Lock.ID, "agent-a")
	require.NoError(t, err)
	require.True(t, released)

	// Release triggers queue processing synchronously.
	active, err := c.ListActive(ctx, ListFilter{File: "/src/auth.ts"})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "agent-b", active[0].ReservedBy)

	waiters, err := c.Waiters(ctx, "/src/auth.ts")
	require.NoError(t, err)
	assert.Empty(t, waiters)
}

func TestSelfAcquireIsRefusedAsConflict(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	first, err := c.Acquire(ctx, AcquireInput{SpecialistID: "agent-a", File: "/src/api.ts"})
	require.NoError(t, err)
	require.Equal(t, models.AcquireOutcomeAcquired, first.Outcome)

	res, err := c.Acquire(ctx, AcquireInput{SpecialistID: "agent-a", File: "/src/api.ts"})
	require.NoError(t, err)
	assert.Equal(t, models.AcquireOutcomeConflict, res.Outcome)
	require.NotNil(t, res.ExistingLock)
	assert.Equal(t, "agent-a", res.ExistingLock.ReservedBy)

	// The self-conflict must not enqueue a waiter.
	waiters, err := c.Waiters(ctx, "/src/api.ts")
	require.NoError(t, err)
	assert.Empty(t, waiters)
}

func TestReleaseByNonOwnerFails(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	res, err := c.Acquire(ctx, AcquireInput{SpecialistID: "agent-a", File: "/src/auth.ts"})
	require.NoError(t, err)

	_, _, err = c.Release(ctx, res.Lock.ID, "agent-b")
	require.ErrorIs(t, err, services.ErrNotOwner)

	// Force release ignores ownership and records the distinct status.
	lock, released, err := c.ForceRelease(ctx, res.Lock.ID)
	require.NoError(t, err)
	assert.True(t, released)
	assert.Equal(t, models.LockStatusForceReleased, lock.Status)
}

func TestDoubleReleaseIsIdempotent(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	res, err := c.Acquire(ctx, AcquireInput{SpecialistID: "agent-a", File: "/src/auth.ts"})
	require.NoError(t, err)

	_, released, err := c.Release(ctx, res.Lock.ID, "agent-a")
	require.NoError(t, err)
	assert.True(t, released)

	_, released, err = c.Release(ctx, res.Lock.ID, "agent-a")
	require.NoError(t, err)
	assert.False(t, released, "second release must be a no-op")
}

func TestReleaseUnknownLockIsNotFound(t *testing.T) {
	c := newTestCoordinator(t)
	_, _, err := c.Release(context.Background(), "no-such-lock", "agent-a")
	require.ErrorIs(t, err, services.ErrNotFound)
}

func TestSweepExpiresOverdueLocks(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	res, err := c.Acquire(ctx, AcquireInput{SpecialistID: "agent-a", File: "/src/api.ts", TimeoutMS: 1})
	require.NoError(t, err)
	_, err = c.Acquire(ctx, AcquireInput{SpecialistID: "agent-b", File: "/src/api.ts"})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	n, err := c.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	expired, err := c.Get(ctx, res.Lock.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LockStatusExpired, expired.Status)

	// The sweep hands the file to the waiting specialist.
	active, err := c.ListActive(ctx, ListFilter{File: "/src/api.ts"})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "agent-b", active[0].ReservedBy)
}

func TestAcquireOverExpiredLockSucceedsInline(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	_, err := c.Acquire(ctx, AcquireInput{SpecialistID: "agent-a", File: "/src/api.ts", TimeoutMS: 1})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	// No sweep has run, yet a live acquirer is not blocked by a dead holder.
	res, err := c.Acquire(ctx, AcquireInput{SpecialistID: "agent-b", File: "/src/api.ts"})
	require.NoError(t, err)
	assert.Equal(t, models.AcquireOutcomeAcquired, res.Outcome)
	assert.Equal(t, "agent-b", res.Lock.ReservedBy)
}

func TestReleaseAllHeldBy(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	for _, f := range []string{"/a.go", "/b.go", "/c.go"} {
		_, err := c.Acquire(ctx, AcquireInput{SpecialistID: "agent-a", File: f})
		require.NoError(t, err)
	}
	_, err := c.Acquire(ctx, AcquireInput{SpecialistID: "agent-b", File: "/d.go"})
	require.NoError(t, err)

	released, err := c.ReleaseAllHeldBy(ctx, "agent-a")
	require.NoError(t, err)
	assert.Len(t, released, 3)

	active, err := c.ListActive(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "agent-b", active[0].ReservedBy)
}

func TestAcquireValidatesInput(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	_, err := c.Acquire(ctx, AcquireInput{File: "/src/a.ts"})
	require.ErrorIs(t, err, services.ErrInvalidInput)

	_, err = c.Acquire(ctx, AcquireInput{SpecialistID: "agent-a"})
	require.ErrorIs(t, err, services.ErrInvalidInput)

	_, err = c.Acquire(ctx, AcquireInput{SpecialistID: "agent-a", File: "/src/a.ts", Purpose: "own"})
	require.ErrorIs(t, err, services.ErrInvalidInput)
}

func TestBackgroundLoopsStartStop(t *testing.T) {
	c := newTestCoordinator(t)
	c.cfg.SweepInterval = 10 * time.Millisecond
	c.cfg.QueueTick = 5 * time.Millisecond

	ctx := context.Background()
	_, err := c.Acquire(ctx, AcquireInput{SpecialistID: "agent-a", File: "/src/x.ts", TimeoutMS: 1})
	require.NoError(t, err)
	_, err = c.Acquire(ctx, AcquireInput{SpecialistID: "agent-b", File: "/src/x.ts"})
	require.NoError(t, err)

	c.Start(ctx)
	defer c.Stop()

	require.Eventually(t, func() bool {
		active, err := c.ListActive(ctx, ListFilter{File: "/src/x.ts"})
		return err == nil && len(active) == 1 && active[0].ReservedBy == "agent-b"
	}, 2*time.Second, 10*time.Millisecond, "sweeper plus queue processor should hand the lock over")
}
