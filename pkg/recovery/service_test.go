package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleettools/squawk/pkg/blockers"
	"github.com/fleettools/squawk/pkg/checkpoints"
	"github.com/fleettools/squawk/pkg/config"
	"github.com/fleettools/squawk/pkg/eventstore"
	"github.com/fleettools/squawk/pkg/locks"
	"github.com/fleettools/squawk/pkg/mailbox"
	"github.com/fleettools/squawk/pkg/missions"
	"github.com/fleettools/squawk/pkg/models"
	"github.com/fleettools/squawk/pkg/services"
	"github.com/fleettools/squawk/pkg/store"
	testdb "github.com/fleettools/squawk/test/database"
)

type fixture struct {
	recovery    *Service
	checkpoints *checkpoints.Service
	missions    *missions.Service
	locks       *locks.Coordinator
	mailbox     *mailbox.Service
	events      *eventstore.EventStore
	store       *store.Store
	tree        *models.SortieTree
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := testdb.NewTestStore(t)
	es := eventstore.New(st)
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.Checkpoints.Dir = t.TempDir()

	ms := missions.NewService(st, es)
	lc := locks.NewCoordinator(st, es, cfg.Locks)
	mb := mailbox.NewService(st, es)
	bh := blockers.NewHandler(st, es, cfg.Dispatch)
	cs := checkpoints.NewService(st, es, ms, bh, cfg.Checkpoints)
	svc := NewService(st, es, ms, lc, mb, cs, cfg.Recovery)

	tree, err := ms.Decompose(context.Background(), models.DecomposeRequest{
		Task: "Port search indexer",
		Sorties: []models.SortieInput{
			{Title: "tokenizer", Files: []string{"idx/token.go"}},
			{Title: "ranker", Files: []string{"idx/rank.go"}, Dependencies: []int{0}},
		},
	})
	require.NoError(t, err)
	return &fixture{
		recovery: svc, checkpoints: cs, missions: ms, locks: lc,
		mailbox: mb, events: es, store: st, tree: tree,
	}
}

func (f *fixture) addSpecialist(t *testing.T, id string) {
	t.Helper()
	_, err := f.store.DB().Exec(`
		INSERT INTO specialists (id, mission_id, sortie_id, sortie_index, status, spawned_at)
		VALUES (?, ?, ?, 0, 'working', ?)`,
		id, f.tree.Mission.ID, f.tree.Sorties[0].ID, time.Now().UTC())
	require.NoError(t, err)
}

// checkpointWithState builds a mission mid-flight and snapshots it.
func (f *fixture) checkpointWithState(t *testing.T) *models.Checkpoint {
	t.Helper()
	ctx := context.Background()
	f.addSpecialist(t, "spec-a")

	_, err := f.missions.SetSortieStatus(ctx, f.tree.Sorties[0].ID, models.SortieStatusInProgress, "spec-a")
	require.NoError(t, err)
	_, err = f.missions.SetSortieProgress(ctx, f.tree.Sorties[0].ID, 70, "tokenizer mostly done")
	require.NoError(t, err)

	result, err := f.locks.Acquire(ctx, locks.AcquireInput{
		SpecialistID: "spec-a", File: "idx/token.go", TimeoutMS: time.Hour.Milliseconds(),
	})
	require.NoError(t, err)
	require.Equal(t, models.AcquireOutcomeAcquired, result.Outcome)

	_, err = f.mailbox.SendMessage(ctx, f.tree.Mission.ID, models.SendMessageRequest{
		From: "spec-a", To: []string{"spec-b"}, Subject: "token format settled",
	})
	require.NoError(t, err)

	cp, err := f.checkpoints.Create(ctx, models.CreateCheckpointRequest{MissionID: f.tree.Mission.ID})
	require.NoError(t, err)
	return cp
}

func TestRestoreReplaysCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cp := f.checkpointWithState(t)

	// Simulate context loss after the checkpoint: progress regresses and
	// the inbox is drained.
	_, err := f.missions.SetSortieProgress(ctx, f.tree.Sorties[0].ID, 10, "lost")
	require.NoError(t, err)
	_, err = f.mailbox.ReceiveMessages(ctx, f.tree.Mission.ID, "spec-b")
	require.NoError(t, err)

	result, err := f.recovery.Restore(ctx, cp.ID, "agent-new", false)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 2, result.SortiesRestored)
	assert.Equal(t, 1, result.LocksRestored, "surviving lock counts as restored")
	assert.Equal(t, 1, result.MessagesRequeued)
	assert.Empty(t, result.Blockers)
	assert.Contains(t, result.RecoveryContext, "## Recovery Context")

	sortie, err := f.missions.GetSortie(ctx, f.tree.Sorties[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 70, sortie.Progress, "snapshot state wins")

	pending, err := f.mailbox.PendingMessages(ctx, f.tree.Mission.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "token format settled", pending[0].Subject)
}

func TestRestoreIsConsumedExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cp := f.checkpointWithState(t)

	_, err := f.recovery.Restore(ctx, cp.ID, "agent-new", false)
	require.NoError(t, err)

	_, err = f.recovery.Restore(ctx, cp.ID, "agent-new", false)
	require.ErrorIs(t, err, services.ErrConsumed)
}

func TestRestoreDryRunChangesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cp := f.checkpointWithState(t)

	_, err := f.missions.SetSortieProgress(ctx, f.tree.Sorties[0].ID, 10, "lost")
	require.NoError(t, err)

	result, err := f.recovery.Restore(ctx, cp.ID, "agent-new", true)
	require.NoError(t, err)
	assert.True(t, result.DryRun)
	assert.Equal(t, 2, result.SortiesRestored)

	sortie, err := f.missions.GetSortie(ctx, f.tree.Sorties[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 10, sortie.Progress, "dry run must not write")

	// Still consumable afterwards.
	_, err = f.recovery.Restore(ctx, cp.ID, "agent-new", false)
	require.NoError(t, err)
}

func TestRestoreReportsExpiredAndStolenLocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addSpecialist(t, "spec-a")

	_, err := f.missions.SetSortieStatus(ctx, f.tree.Sorties[0].ID, models.SortieStatusInProgress, "spec-a")
	require.NoError(t, err)
	result, err := f.locks.Acquire(ctx, locks.AcquireInput{
		SpecialistID: "spec-a", File: "idx/token.go", TimeoutMS: 50,
	})
	require.NoError(t, err)
	require.Equal(t, models.AcquireOutcomeAcquired, result.Outcome)

	cp, err := f.checkpoints.Create(ctx, models.CreateCheckpointRequest{MissionID: f.tree.Mission.ID})
	require.NoError(t, err)
	require.Len(t, cp.ActiveLocks, 1)

	// Let the snapshotted lock expire, then hand the file to someone else.
	time.Sleep(60 * time.Millisecond)
	other, err := f.locks.Acquire(ctx, locks.AcquireInput{
		SpecialistID: "spec-z", File: "idx/token.go", TimeoutMS: time.Hour.Milliseconds(),
	})
	require.NoError(t, err)
	require.Equal(t, models.AcquireOutcomeAcquired, other.Outcome)

	restored, err := f.recovery.Restore(ctx, cp.ID, "agent-new", false)
	require.NoError(t, err)
	assert.Zero(t, restored.LocksRestored)
	require.Len(t, restored.Blockers, 1)
	assert.Contains(t, restored.Blockers[0], "Lock expired: idx/token.go")
}

func TestScanStaleFlagsQuietMissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cp := f.checkpointWithState(t)
	_ = cp

	// Fresh activity: nothing flagged.
	flagged, err := f.recovery.ScanStale(ctx)
	require.NoError(t, err)
	assert.Empty(t, flagged)

	// Age every mission event past the threshold.
	stale := time.Now().UTC().Add(-f.recovery.cfg.ActivityThreshold - time.Minute)
	_, err = f.store.DB().Exec(
		"UPDATE events SET occurred_at = ?, recorded_at = ? WHERE stream_type = 'mission' AND stream_id = ?",
		stale, stale, f.tree.Mission.ID)
	require.NoError(t, err)

	flagged, err = f.recovery.ScanStale(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{f.tree.Mission.ID}, flagged)

	events, err := f.events.Stream(ctx, models.StreamTypeMission, f.tree.Mission.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventTypeContextCompacted, events[len(events)-1].EventType)

	// The flag event itself counts as activity, so the next pass is quiet.
	flagged, err = f.recovery.ScanStale(ctx)
	require.NoError(t, err)
	assert.Empty(t, flagged)
}

func TestScanStaleSkipsMissionsWithoutCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.missions.SetSortieStatus(ctx, f.tree.Sorties[0].ID, models.SortieStatusInProgress, "spec-a")
	require.NoError(t, err)

	stale := time.Now().UTC().Add(-f.recovery.cfg.ActivityThreshold - time.Minute)
	_, err = f.store.DB().Exec(
		"UPDATE events SET occurred_at = ?, recorded_at = ? WHERE stream_type = 'mission' AND stream_id = ?",
		stale, stale, f.tree.Mission.ID)
	require.NoError(t, err)

	flagged, err := f.recovery.ScanStale(ctx)
	require.NoError(t, err)
	assert.Empty(t, flagged)
}

func TestScanStaleJudgesByOccurrenceTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.checkpointWithState(t)

	// A late-arriving append can carry a historical occurred_at while its
	// recorded_at is fresh; silence is measured by when things happened.
	stale := time.Now().UTC().Add(-f.recovery.cfg.ActivityThreshold - time.Minute)
	_, err := f.store.DB().Exec(
		"UPDATE events SET occurred_at = ? WHERE stream_type = 'mission' AND stream_id = ?",
		stale, f.tree.Mission.ID)
	require.NoError(t, err)

	flagged, err := f.recovery.ScanStale(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{f.tree.Mission.ID}, flagged)
}

func TestRestoreFailureLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cp := f.checkpointWithState(t)
	require.Len(t, cp.Sorties, 2)

	// Post-checkpoint drift the restore would normally rewind.
	_, err := f.missions.SetSortieProgress(ctx, f.tree.Sorties[0].ID, 10, "lost")
	require.NoError(t, err)

	// Losing the second sortie's row makes its snapshot unrestorable, which
	// must roll back the first sortie's restore and the lock work with it.
	_, err = f.store.DB().Exec("DELETE FROM sorties WHERE id = ?", f.tree.Sorties[1].ID)
	require.NoError(t, err)

	_, err = f.recovery.Restore(ctx, cp.ID, "agent-new", false)
	require.ErrorIs(t, err, services.ErrNotFound)

	sortie, err := f.missions.GetSortie(ctx, f.tree.Sorties[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 10, sortie.Progress, "failed restore must not leave partial state")

	got, err := f.checkpoints.Get(ctx, cp.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ConsumedAt, "failed restore must not consume the checkpoint")
}
