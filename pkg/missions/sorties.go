package missions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"

	"github.com/fleettools/squawk/pkg/eventstore"
	"github.com/fleettools/squawk/pkg/models"
	"github.com/fleettools/squawk/pkg/resolver"
	"github.com/fleettools/squawk/pkg/services"
	"github.com/fleettools/squawk/pkg/store"
)

// GetSortie returns a sortie by id.
func (s *Service) GetSortie(ctx context.Context, sortieID string) (*models.Sortie, error) {
	row := s.store.DB().QueryRowContext(ctx,
		"SELECT "+sortieColumns+" FROM sorties WHERE id = ?", sortieID)
	sortie, err := scanSortie(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sortie %s: %w", sortieID, services.ErrNotFound)
	}
	return sortie, err
}

// Sorties returns a mission's sorties in index order, optionally filtered
// by status.
func (s *Service) Sorties(ctx context.Context, missionID string, status string) ([]*models.Sortie, error) {
	if status != "" && !models.SortieStatus(status).Valid() {
		return nil, services.NewValidationError(services.CodeInvalidEnum, "status",
			fmt.Sprintf("unknown status %q", status))
	}
	query := "SELECT " + sortieColumns + " FROM sorties WHERE mission_id = ?"
	args := []any{missionID}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY sortie_index"

	rows, err := s.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sorties of %s: %w", missionID, err)
	}
	defer rows.Close()

	sorties := []*models.Sortie{}
	for rows.Next() {
		sortie, err := scanSortie(rows)
		if err != nil {
			return nil, err
		}
		sorties = append(sorties, sortie)
	}
	return sorties, rows.Err()
}

// CohortInfo reports which pending sorties could run now and which are
// still waiting on dependencies.
type CohortInfo struct {
	Parallelizable []int `json:"parallelizable"`
	Blocked        []int `json:"blocked"`
}

// SortiesWithCohorts returns the sorties plus the derived cohort split over
// the full (unfiltered) dependency graph.
func (s *Service) SortiesWithCohorts(ctx context.Context, missionID string, status string) ([]*models.Sortie, *CohortInfo, error) {
	if _, err := s.Get(ctx, missionID); err != nil {
		return nil, nil, err
	}
	all, err := s.Sorties(ctx, missionID, "")
	if err != nil {
		return nil, nil, err
	}

	done := func(i int) bool { return all[i].Status == models.SortieStatusCompleted }
	pending := func(i int) bool { return all[i].Status == models.SortieStatusPending }
	ready := resolver.Ready(sortieNodes(all), done, pending)

	info := &CohortInfo{Parallelizable: ready, Blocked: []int{}}
	if info.Parallelizable == nil {
		info.Parallelizable = []int{}
	}
	for i, sortie := range all {
		if pending(i) && !lo.Contains(ready, i) {
			info.Blocked = append(info.Blocked, sortie.SortieIndex)
		}
	}

	filtered := all
	if status != "" {
		if !models.SortieStatus(status).Valid() {
			return nil, nil, services.NewValidationError(services.CodeInvalidEnum, "status",
				fmt.Sprintf("unknown status %q", status))
		}
		filtered = lo.Filter(all, func(sortie *models.Sortie, _ int) bool {
			return string(sortie.Status) == status
		})
	}
	return filtered, info, nil
}

// Plan resolves a mission's execution plan from its stored sorties.
func (s *Service) Plan(ctx context.Context, missionID string) (resolver.Result, []*models.Sortie, error) {
	sorties, err := s.Sorties(ctx, missionID, "")
	if err != nil {
		return resolver.Result{}, nil, err
	}
	return resolver.Resolve(sortieNodes(sorties)), sorties, nil
}

// PatchSortie applies a partial sortie update: status, assignee, progress,
// or progress notes. Status changes go through the transition path so
// mission counters and events stay consistent.
func (s *Service) PatchSortie(ctx context.Context, sortieID string, patch models.SortiePatch) (*models.Sortie, error) {
	if patch.Status != nil && !models.SortieStatus(*patch.Status).Valid() {
		return nil, services.NewValidationError(services.CodeInvalidEnum, "status",
			fmt.Sprintf("unknown status %q", *patch.Status))
	}
	if patch.Progress != nil && (*patch.Progress < 0 || *patch.Progress > 100) {
		return nil, services.NewValidationError(services.CodeInvalidRange, "progress",
			fmt.Sprintf("progress %d outside [0,100]", *patch.Progress))
	}

	var sortie *models.Sortie
	err := s.events.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		sortie, err = s.sortieTx(ctx, tx, sortieID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()

		if patch.Progress != nil || patch.ProgressNotes != nil {
			progress := sortie.Progress
			if patch.Progress != nil {
				progress = *patch.Progress
			}
			notes := sortie.ProgressNotes
			if patch.ProgressNotes != nil {
				notes = *patch.ProgressNotes
			}
			_, err = tx.ExecContext(ctx,
				"UPDATE sorties SET progress = ?, progress_notes = ?, updated_at = ? WHERE id = ?",
				progress, notes, now, sortieID)
			if err != nil {
				return fmt.Errorf("update sortie progress: %w", err)
			}
			sortie.Progress = progress
			sortie.ProgressNotes = notes
			sortie.UpdatedAt = now
		}

		assignee := sortie.AssignedTo
		if patch.AssignedTo != nil {
			assignee = *patch.AssignedTo
			_, err = tx.ExecContext(ctx,
				"UPDATE sorties SET assigned_to = ?, updated_at = ? WHERE id = ?",
				assignee, now, sortieID)
			if err != nil {
				return fmt.Errorf("update sortie assignee: %w", err)
			}
			sortie.AssignedTo = assignee
		}

		if patch.Status != nil && models.SortieStatus(*patch.Status) != sortie.Status {
			return s.transitionSortieTx(ctx, tx, sortie, models.SortieStatus(*patch.Status), assignee)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sortie, nil
}

// SetSortieStatus transitions a sortie, updating the mission projection and
// appending the status-change event in the same transaction.
func (s *Service) SetSortieStatus(ctx context.Context, sortieID string, to models.SortieStatus, assignee string) (*models.Sortie, error) {
	if !to.Valid() {
		return nil, services.NewValidationError(services.CodeInvalidEnum, "status",
			fmt.Sprintf("unknown status %q", to))
	}
	var sortie *models.Sortie
	err := s.events.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		sortie, err = s.sortieTx(ctx, tx, sortieID)
		if err != nil {
			return err
		}
		if sortie.Status == to {
			return nil
		}
		return s.transitionSortieTx(ctx, tx, sortie, to, assignee)
	})
	if err != nil {
		return nil, err
	}
	return sortie, nil
}

// SetSortieProgress records a progress report, clamped to [0,100].
func (s *Service) SetSortieProgress(ctx context.Context, sortieID string, progress int, notes string) (*models.Sortie, error) {
	clamped := min(100, max(0, progress))
	patch := models.SortiePatch{Progress: &clamped}
	if notes != "" {
		patch.ProgressNotes = &notes
	}
	return s.PatchSortie(ctx, sortieID, patch)
}

// transitionSortieTx is the single write path for sortie status changes.
// Mission side effects: first activity moves the mission to in_progress;
// the completed counter is recomputed from the rows; completing the last
// sortie completes the mission.
func (s *Service) transitionSortieTx(ctx context.Context, tx *sql.Tx, sortie *models.Sortie, to models.SortieStatus, assignee string) error {
	now := time.Now().UTC()
	from := sortie.Status

	query := "UPDATE sorties SET status = ?, updated_at = ?"
	args := []any{to, now}
	if assignee != "" {
		query += ", assigned_to = ?"
		args = append(args, assignee)
		sortie.AssignedTo = assignee
	}
	if to == models.SortieStatusInProgress && sortie.StartedAt == nil {
		query += ", started_at = ?"
		args = append(args, now)
		sortie.StartedAt = &now
	}
	if to == models.SortieStatusCompleted {
		query += ", completed_at = ?, progress = 100"
		args = append(args, now)
		sortie.CompletedAt = &now
		sortie.Progress = 100
	}
	query += " WHERE id = ?"
	args = append(args, sortie.ID)

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update sortie %s status: %w", sortie.ID, err)
	}
	sortie.Status = to
	sortie.UpdatedAt = now

	_, err := s.events.AppendTx(ctx, tx, eventstore.AppendInput{
		StreamType: models.StreamTypeMission,
		StreamID:   sortie.MissionID,
		EventType:  models.EventTypeSortieStatusChanged,
		Payload: models.SortieStatusChangedPayload{
			SortieID:  sortie.ID,
			MissionID: sortie.MissionID,
			From:      from,
			To:        to,
			Assignee:  sortie.AssignedTo,
		},
	})
	if err != nil {
		return err
	}
	return s.refreshMissionTx(ctx, tx, sortie.MissionID, to)
}

// refreshMissionTx recomputes completed_sorties from the rows and derives
// the mission status from the sortie transition that just happened.
func (s *Service) refreshMissionTx(ctx context.Context, tx *sql.Tx, missionID string, to models.SortieStatus) error {
	mission, err := s.missionTx(ctx, tx, missionID)
	if err != nil {
		return err
	}

	var completed int
	err = tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sorties WHERE mission_id = ? AND status = 'completed'", missionID).
		Scan(&completed)
	if err != nil {
		return fmt.Errorf("count completed sorties: %w", err)
	}
	if completed != mission.CompletedSorties {
		_, err = tx.ExecContext(ctx,
			"UPDATE missions SET completed_sorties = ?, updated_at = ? WHERE id = ?",
			completed, time.Now().UTC(), missionID)
		if err != nil {
			return fmt.Errorf("update mission counters: %w", err)
		}
		mission.CompletedSorties = completed
	}

	if mission.Status.Terminal() {
		return nil
	}
	switch {
	case completed == mission.TotalSorties && mission.TotalSorties > 0:
		return s.setMissionStatusTx(ctx, tx, mission, models.MissionStatusCompleted)
	case mission.Status == models.MissionStatusPending &&
		(to == models.SortieStatusAssigned || to == models.SortieStatusInProgress):
		return s.setMissionStatusTx(ctx, tx, mission, models.MissionStatusInProgress)
	}
	return nil
}

// ApplySnapshot restores a sortie to its checkpointed state. Terminal
// sorties are left alone so re-running a recovery cannot regress them.
func (s *Service) ApplySnapshot(ctx context.Context, missionID string, snap models.SortieSnapshot) error {
	return s.events.InTx(ctx, func(tx *sql.Tx) error {
		return s.ApplySnapshotTx(ctx, tx, missionID, snap)
	})
}

// ApplySnapshotTx is ApplySnapshot inside the caller's transaction, so a
// recovery can restore every sortie atomically.
func (s *Service) ApplySnapshotTx(ctx context.Context, tx *sql.Tx, missionID string, snap models.SortieSnapshot) error {
	sortie, err := s.sortieTx(ctx, tx, snap.ID)
	if err != nil {
		return err
	}
	if sortie.MissionID != missionID {
		return fmt.Errorf("sortie %s belongs to %s: %w", snap.ID, sortie.MissionID, services.ErrConflict)
	}
	if sortie.Status.Terminal() {
		return nil
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE sorties SET status = ?, assigned_to = ?, progress = ?, progress_notes = ?, updated_at = ?
		WHERE id = ?`,
		snap.Status, snap.AssignedTo, snap.Progress, snap.ProgressNotes, now, snap.ID)
	if err != nil {
		return fmt.Errorf("restore sortie %s: %w", snap.ID, err)
	}

	if sortie.Status != snap.Status {
		_, err = s.events.AppendTx(ctx, tx, eventstore.AppendInput{
			StreamType: models.StreamTypeMission,
			StreamID:   missionID,
			EventType:  models.EventTypeSortieStatusChanged,
			Payload: models.SortieStatusChangedPayload{
				SortieID:  snap.ID,
				MissionID: missionID,
				From:      sortie.Status,
				To:        snap.Status,
				Assignee:  snap.AssignedTo,
			},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) sortieTx(ctx context.Context, q store.Querier, sortieID string) (*models.Sortie, error) {
	row := q.QueryRowContext(ctx, "SELECT "+sortieColumns+" FROM sorties WHERE id = ?", sortieID)
	sortie, err := scanSortie(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sortie %s: %w", sortieID, services.ErrNotFound)
	}
	return sortie, err
}

func sortieNodes(sorties []*models.Sortie) []resolver.Node {
	return lo.Map(sorties, func(sortie *models.Sortie, i int) resolver.Node {
		return resolver.Node{
			Index:        i,
			Dependencies: sortie.Dependencies,
			DurationMS:   sortie.EstimatedDurationMS,
		}
	})
}
