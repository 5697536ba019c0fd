package missions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleettools/squawk/pkg/models"
	"github.com/fleettools/squawk/pkg/services"
)

func seedMission(t *testing.T, s *Service) *models.SortieTree {
	t.Helper()
	tree, err := s.Decompose(context.Background(), validRequest())
	require.NoError(t, err)
	return tree
}

func TestListFiltersAndPaging(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	seedMission(t, s)
	seedMission(t, s)

	list, err := s.List(ctx, models.MissionFilters{Status: "pending"})
	require.NoError(t, err)
	assert.Equal(t, 2, list.Total)
	assert.Len(t, list.Missions, 2)

	list, err = s.List(ctx, models.MissionFilters{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, list.Total)
	assert.Len(t, list.Missions, 1)

	list, err = s.List(ctx, models.MissionFilters{Status: "completed"})
	require.NoError(t, err)
	assert.Zero(t, list.Total)

	_, err = s.List(ctx, models.MissionFilters{Status: "bogus"})
	require.ErrorIs(t, err, services.ErrInvalidInput)
}

func TestSortieStatusDrivesMissionLifecycle(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	tree := seedMission(t, s)

	// First sortie starting moves the mission to in_progress.
	sortie, err := s.SetSortieStatus(ctx, tree.Sorties[0].ID, models.SortieStatusInProgress, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", sortie.AssignedTo)
	require.NotNil(t, sortie.StartedAt)

	mission, err := s.Get(ctx, tree.Mission.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MissionStatusInProgress, mission.Status)
	require.NotNil(t, mission.StartedAt)

	// Completing all sorties completes the mission.
	for _, st := range tree.Sorties {
		_, err := s.SetSortieStatus(ctx, st.ID, models.SortieStatusCompleted, "")
		require.NoError(t, err)
	}
	mission, err = s.Get(ctx, tree.Mission.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MissionStatusCompleted, mission.Status)
	assert.Equal(t, 3, mission.CompletedSorties)
	require.NotNil(t, mission.CompletedAt)

	sortie, err = s.GetSortie(ctx, tree.Sorties[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 100, sortie.Progress, "completion forces progress to 100")
}

func TestCohortsTrackCompletion(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	tree := seedMission(t, s)

	_, info, err := s.SortiesWithCohorts(ctx, tree.Mission.ID, "")
	require.NoError(t, err)
	assert.Equal(t, []int{0}, info.Parallelizable)
	assert.ElementsMatch(t, []int{1, 2}, info.Blocked)

	_, err = s.SetSortieStatus(ctx, tree.Sorties[0].ID, models.SortieStatusCompleted, "")
	require.NoError(t, err)

	_, info, err = s.SortiesWithCohorts(ctx, tree.Mission.ID, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{1, 2}, info.Parallelizable)
	assert.Empty(t, info.Blocked)
}

func TestPatchSortieProgressClamp(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	tree := seedMission(t, s)

	sortie, err := s.SetSortieProgress(ctx, tree.Sorties[0].ID, 250, "almost there")
	require.NoError(t, err)
	assert.Equal(t, 100, sortie.Progress)
	assert.Equal(t, "almost there", sortie.ProgressNotes)

	sortie, err = s.SetSortieProgress(ctx, tree.Sorties[0].ID, -5, "")
	require.NoError(t, err)
	assert.Zero(t, sortie.Progress)
	assert.Equal(t, "almost there", sortie.ProgressNotes, "empty notes leave the old value")

	badProgress := 120
	_, err = s.PatchSortie(ctx, tree.Sorties[0].ID, models.SortiePatch{Progress: &badProgress})
	require.ErrorIs(t, err, services.ErrInvalidInput)
}

func TestMissionPatchTerminalGuard(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	tree := seedMission(t, s)

	cancelled := string(models.MissionStatusCancelled)
	mission, err := s.Patch(ctx, tree.Mission.ID, models.MissionPatch{Status: &cancelled})
	require.NoError(t, err)
	assert.Equal(t, models.MissionStatusCancelled, mission.Status)
	require.NotNil(t, mission.CompletedAt)

	inProgress := string(models.MissionStatusInProgress)
	_, err = s.Patch(ctx, tree.Mission.ID, models.MissionPatch{Status: &inProgress})
	require.ErrorIs(t, err, services.ErrConflict)
}

func TestDeleteCascades(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	tree := seedMission(t, s)

	require.NoError(t, s.Delete(ctx, tree.Mission.ID))

	_, err := s.Get(ctx, tree.Mission.ID)
	require.ErrorIs(t, err, services.ErrNotFound)
	_, err = s.GetSortie(ctx, tree.Sorties[0].ID)
	require.ErrorIs(t, err, services.ErrNotFound)

	err = s.Delete(ctx, tree.Mission.ID)
	require.ErrorIs(t, err, services.ErrNotFound)
}

func TestApplySnapshotRestoresNonTerminalSorties(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	tree := seedMission(t, s)

	err := s.ApplySnapshot(ctx, tree.Mission.ID, models.SortieSnapshot{
		ID:            tree.Sorties[0].ID,
		Status:        models.SortieStatusInProgress,
		AssignedTo:    "agent-7",
		Progress:      40,
		ProgressNotes: "resumed",
	})
	require.NoError(t, err)

	sortie, err := s.GetSortie(ctx, tree.Sorties[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.SortieStatusInProgress, sortie.Status)
	assert.Equal(t, "agent-7", sortie.AssignedTo)
	assert.Equal(t, 40, sortie.Progress)

	// Completed sorties are never regressed by a snapshot.
	_, err = s.SetSortieStatus(ctx, tree.Sorties[1].ID, models.SortieStatusCompleted, "")
	require.NoError(t, err)
	err = s.ApplySnapshot(ctx, tree.Mission.ID, models.SortieSnapshot{
		ID:     tree.Sorties[1].ID,
		Status: models.SortieStatusPending,
	})
	require.NoError(t, err)
	sortie, err = s.GetSortie(ctx, tree.Sorties[1].ID)
	require.NoError(t, err)
	assert.Equal(t, models.SortieStatusCompleted, sortie.Status)
}

func TestCountByStatus(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	tree := seedMission(t, s)
	seedMission(t, s)

	_, err := s.SetSortieStatus(ctx, tree.Sorties[0].ID, models.SortieStatusInProgress, "a")
	require.NoError(t, err)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts["pending"])
	assert.Equal(t, 1, counts["in_progress"])
}
