package checkpoints

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleettools/squawk/pkg/blockers"
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
	checkpoints *Service
	missions    *missions.Service
	locks       *locks.Coordinator
	mailbox     *mailbox.Service
	blockers    *blockers.Handler
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
	svc := NewService(st, es, ms, bh, cfg.Checkpoints)

	tree, err := ms.Decompose(context.Background(), models.DecomposeRequest{
		Task: "Migrate payment provider",
		Sorties: []models.SortieInput{
			{Title: "adapter", Files: []string{"pay/adapter.go"}},
			{Title: "webhooks", Files: []string{"pay/webhooks.go"}, Dependencies: []int{0}},
		},
	})
	require.NoError(t, err)
	return &fixture{
		checkpoints: svc, missions: ms, locks: lc, mailbox: mb,
		blockers: bh, store: st, tree: tree,
	}
}

// registerSpecialist inserts the registry row a lock snapshot joins on.
func (f *fixture) registerSpecialist(t *testing.T, id string) {
	t.Helper()
	_, err := f.store.DB().Exec(`
		INSERT INTO specialists (id, mission_id, sortie_id, sortie_index, status, spawned_at)
		VALUES (?, ?, ?, 0, 'working', ?)`,
		id, f.tree.Mission.ID, f.tree.Sorties[0].ID, time.Now().UTC())
	require.NoError(t, err)
}

func TestCreateCapturesFullSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.registerSpecialist(t, "spec-a")
	_, err := f.missions.SetSortieStatus(ctx, f.tree.Sorties[0].ID, models.SortieStatusInProgress, "spec-a")
	require.NoError(t, err)
	_, err = f.missions.SetSortieProgress(ctx, f.tree.Sorties[0].ID, 60, "adapter wired")
	require.NoError(t, err)

	result, err := f.locks.Acquire(ctx, locks.AcquireInput{SpecialistID: "spec-a", File: "pay/adapter.go"})
	require.NoError(t, err)
	require.Equal(t, models.AcquireOutcomeAcquired, result.Outcome)

	_, err = f.mailbox.SendMessage(ctx, f.tree.Mission.ID, models.SendMessageRequest{
		From: "spec-a", To: []string{"spec-b"}, Subject: "adapter interface frozen",
	})
	require.NoError(t, err)

	_, _, err = f.blockers.Handle(ctx, blockers.Report{
		MissionID: f.tree.Mission.ID, SortieID: f.tree.Sorties[1].ID,
		SpecialistID: "spec-b", Kind: models.BlockerOther, Description: "waiting on credentials",
	})
	require.NoError(t, err)

	cp, err := f.checkpoints.Create(ctx, models.CreateCheckpointRequest{
		MissionID: f.tree.Mission.ID, Trigger: "manual", CreatedBy: "operator",
	})
	require.NoError(t, err)

	assert.Equal(t, models.TriggerManual, cp.Trigger)
	assert.InDelta(t, 0.0, cp.ProgressPercent, 0.01)
	require.Len(t, cp.Sorties, 2, "both sorties are non-terminal")
	assert.Equal(t, 60, cp.Sorties[0].Progress)
	require.Len(t, cp.ActiveLocks, 1)
	assert.Equal(t, "pay/adapter.go", cp.ActiveLocks[0].File)
	require.Len(t, cp.PendingMessages, 1)
	assert.Equal(t, "adapter interface frozen", cp.PendingMessages[0].Subject)

	rc := cp.RecoveryContext
	assert.Equal(t, "Migrate payment provider", rc.MissionSummary)
	assert.Equal(t, "mission went pending -> in_progress", rc.LastAction,
		"last action is the decoded latest event, not a raw tag")
	assert.Contains(t, rc.Blockers, "waiting on credentials")
	assert.Contains(t, rc.FilesModified, "pay/adapter.go")
	require.NotEmpty(t, rc.NextSteps)
	assert.Contains(t, rc.NextSteps[0], "Resume sortie")

	// File backup exists alongside the row.
	backup := filepath.Join(f.checkpoints.cfg.Dir, f.tree.Mission.ID, cp.ID+".json")
	_, err = os.Stat(backup)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(f.checkpoints.cfg.Dir, f.tree.Mission.ID, "latest.json"))
	require.NoError(t, err)
}

func TestCompletedSortiesExcludedFromSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.missions.SetSortieStatus(ctx, f.tree.Sorties[0].ID, models.SortieStatusCompleted, "")
	require.NoError(t, err)

	cp, err := f.checkpoints.Create(ctx, models.CreateCheckpointRequest{MissionID: f.tree.Mission.ID})
	require.NoError(t, err)
	require.Len(t, cp.Sorties, 1)
	assert.Equal(t, f.tree.Sorties[1].ID, cp.Sorties[0].ID)
	assert.InDelta(t, 50.0, cp.ProgressPercent, 0.01)
}

func TestExpiredLocksExcludedFromSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerSpecialist(t, "spec-a")

	result, err := f.locks.Acquire(ctx, locks.AcquireInput{
		SpecialistID: "spec-a", File: "pay/adapter.go", TimeoutMS: 1,
	})
	require.NoError(t, err)
	require.Equal(t, models.AcquireOutcomeAcquired, result.Outcome)
	time.Sleep(5 * time.Millisecond)

	cp, err := f.checkpoints.Create(ctx, models.CreateCheckpointRequest{MissionID: f.tree.Mission.ID})
	require.NoError(t, err)
	assert.Empty(t, cp.ActiveLocks)
}

func TestProgressTriggerDebounced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.checkpoints.Create(ctx, models.CreateCheckpointRequest{
		MissionID: f.tree.Mission.ID, Trigger: "progress",
	})
	require.NoError(t, err)

	second, err := f.checkpoints.Create(ctx, models.CreateCheckpointRequest{
		MissionID: f.tree.Mission.ID, Trigger: "progress",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "debounced request returns the existing checkpoint")

	// Manual and error triggers bypass the debounce.
	third, err := f.checkpoints.Create(ctx, models.CreateCheckpointRequest{
		MissionID: f.tree.Mission.ID, Trigger: "manual",
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestLatestAndConsume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.checkpoints.Latest(ctx, f.tree.Mission.ID)
	require.ErrorIs(t, err, services.ErrNotFound)

	cp, err := f.checkpoints.Create(ctx, models.CreateCheckpointRequest{MissionID: f.tree.Mission.ID})
	require.NoError(t, err)

	latest, err := f.checkpoints.Latest(ctx, f.tree.Mission.ID)
	require.NoError(t, err)
	assert.Equal(t, cp.ID, latest.ID)

	tx, err := f.store.DB().Begin()
	require.NoError(t, err)
	require.NoError(t, f.checkpoints.MarkConsumed(ctx, tx, cp.ID))
	require.NoError(t, tx.Commit())

	tx, err = f.store.DB().Begin()
	require.NoError(t, err)
	err = f.checkpoints.MarkConsumed(ctx, tx, cp.ID)
	require.ErrorIs(t, err, services.ErrConsumed)
	require.NoError(t, tx.Rollback())

	_, err = f.checkpoints.Latest(ctx, f.tree.Mission.ID)
	require.ErrorIs(t, err, services.ErrNotFound, "consumed checkpoints are skipped")
}

func TestRecoveryPrompt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	prompt, err := f.checkpoints.RecoveryPrompt(ctx, f.tree.Mission.ID)
	require.NoError(t, err)
	assert.Empty(t, prompt, "no checkpoint means no prompt")

	_, err = f.missions.SetSortieStatus(ctx, f.tree.Sorties[0].ID, models.SortieStatusInProgress, "spec-a")
	require.NoError(t, err)
	_, err = f.checkpoints.Create(ctx, models.CreateCheckpointRequest{MissionID: f.tree.Mission.ID})
	require.NoError(t, err)

	prompt, err = f.checkpoints.RecoveryPrompt(ctx, f.tree.Mission.ID)
	require.NoError(t, err)
	assert.Contains(t, prompt, "## Recovery Context")
	assert.Contains(t, prompt, "**Mission**: Migrate payment provider")
	assert.Contains(t, prompt, "### Next Steps")
	assert.Contains(t, prompt, "Resume sortie "+f.tree.Sorties[0].ID)
}

func TestPruneKeepsFloorPerMission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		cp, err := f.checkpoints.Create(ctx, models.CreateCheckpointRequest{MissionID: f.tree.Mission.ID})
		require.NoError(t, err)
		ids = append(ids, cp.ID)
		// Distinct, old timestamps so age ordering is deterministic.
		_, err = f.store.DB().Exec("UPDATE checkpoints SET created_at = ? WHERE id = ?",
			time.Now().UTC().AddDate(0, 0, -10).Add(time.Duration(i)*time.Minute), cp.ID)
		require.NoError(t, err)
	}

	pruned, err := f.checkpoints.Prune(ctx, 7, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, pruned)

	remaining, err := f.checkpoints.List(ctx, f.tree.Mission.ID, 0)
	require.NoError(t, err)
	require.Len(t, remaining, 3)
	assert.Equal(t, ids[4], remaining[0].ID, "newest survive")

	// Backup files of pruned checkpoints are gone.
	for _, id := range ids[:2] {
		_, err := os.Stat(filepath.Join(f.checkpoints.cfg.Dir, f.tree.Mission.ID, id+".json"))
		assert.True(t, os.IsNotExist(err))
	}
}

func TestPruneCompletedMissionKeepsFinalOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, sortie := range f.tree.Sorties {
		_, err := f.missions.SetSortieStatus(ctx, sortie.ID, models.SortieStatusCompleted, "")
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		cp, err := f.checkpoints.Create(ctx, models.CreateCheckpointRequest{MissionID: f.tree.Mission.ID})
		require.NoError(t, err)
		_, err = f.store.DB().Exec("UPDATE checkpoints SET created_at = ? WHERE id = ?",
			time.Now().UTC().Add(time.Duration(i)*time.Minute), cp.ID)
		require.NoError(t, err)
	}

	pruned, err := f.checkpoints.Prune(ctx, 7, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, pruned)

	remaining, err := f.checkpoints.List(ctx, f.tree.Mission.ID, 0)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestCorruptSnapshotFallsBackToFileBackup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cp, err := f.checkpoints.Create(ctx, models.CreateCheckpointRequest{MissionID: f.tree.Mission.ID})
	require.NoError(t, err)

	_, err = f.store.DB().Exec("UPDATE checkpoints SET snapshot = 'not-json{' WHERE id = ?", cp.ID)
	require.NoError(t, err)

	got, err := f.checkpoints.Get(ctx, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, cp.ID, got.ID)
	assert.Len(t, got.Sorties, len(cp.Sorties))
	assert.Equal(t, cp.RecoveryContext.MissionSummary, got.RecoveryContext.MissionSummary)
}
