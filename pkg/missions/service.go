// Package missions owns the mission/sortie lifecycle: planner decomposition
// intake with full validation, list/detail queries, partial updates, and the
// cascade delete. Mission counters are recomputed inside the same
// transaction as the sortie change that affects them, so the
// completed_sorties projection can never drift from the sortie rows.
package missions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fleettools/squawk/pkg/eventstore"
	"github.com/fleettools/squawk/pkg/models"
	"github.com/fleettools/squawk/pkg/services"
	"github.com/fleettools/squawk/pkg/store"
)

// Service owns missions and their sorties.
type Service struct {
	store  *store.Store
	events *eventstore.EventStore
}

// NewService creates a mission service.
func NewService(st *store.Store, es *eventstore.EventStore) *Service {
	return &Service{store: st, events: es}
}

// Get returns a mission by id.
func (s *Service) Get(ctx context.Context, missionID string) (*models.Mission, error) {
	row := s.store.DB().QueryRowContext(ctx,
		"SELECT "+missionColumns+" FROM missions WHERE id = ?", missionID)
	m, err := scanMission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mission %s: %w", missionID, services.ErrNotFound)
	}
	return m, err
}

// List returns missions matching the filters, newest first, with paging.
func (s *Service) List(ctx context.Context, f models.MissionFilters) (*models.MissionListResponse, error) {
	if f.Status != "" && !models.MissionStatus(f.Status).Valid() {
		return nil, services.NewValidationError(services.CodeInvalidEnum, "status",
			fmt.Sprintf("unknown status %q", f.Status))
	}
	if f.Strategy != "" && !models.MissionStrategy(f.Strategy).Valid() {
		return nil, services.NewValidationError(services.CodeInvalidEnum, "strategy",
			fmt.Sprintf("unknown strategy %q", f.Strategy))
	}
	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	where := " WHERE 1=1"
	var args []any
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.Strategy != "" {
		where += " AND strategy = ?"
		args = append(args, f.Strategy)
	}

	var total int
	if err := s.store.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM missions"+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count missions: %w", err)
	}

	rows, err := s.store.DB().QueryContext(ctx,
		"SELECT "+missionColumns+" FROM missions"+where+" ORDER BY created_at DESC LIMIT ? OFFSET ?",
		append(args, limit, offset)...)
	if err != nil {
		return nil, fmt.Errorf("list missions: %w", err)
	}
	defer rows.Close()

	missions := []*models.Mission{}
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, err
		}
		missions = append(missions, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &models.MissionListResponse{Missions: missions, Total: total, Limit: limit, Offset: offset}, nil
}

// CountByStatus returns mission counts keyed by status, for the coordinator
// status endpoint.
func (s *Service) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.store.DB().QueryContext(ctx,
		"SELECT status, COUNT(*) FROM missions GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// Patch applies a partial mission update. Only status changes are accepted;
// the transition is recorded as a mission_status_changed event.
func (s *Service) Patch(ctx context.Context, missionID string, patch models.MissionPatch) (*models.Mission, error) {
	if patch.Status == nil {
		return s.Get(ctx, missionID)
	}
	to := models.MissionStatus(*patch.Status)
	if !to.Valid() {
		return nil, services.NewValidationError(services.CodeInvalidEnum, "status",
			fmt.Sprintf("unknown status %q", *patch.Status))
	}

	var mission *models.Mission
	err := s.events.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		mission, err = s.missionTx(ctx, tx, missionID)
		if err != nil {
			return err
		}
		if mission.Status == to {
			return nil
		}
		if mission.Status.Terminal() {
			return fmt.Errorf("mission %s is %s: %w", missionID, mission.Status, services.ErrConflict)
		}
		return s.setMissionStatusTx(ctx, tx, mission, to)
	})
	if err != nil {
		return nil, err
	}
	return mission, nil
}

// Delete removes a mission and everything that hangs off it: sorties and
// specialists via the schema cascade, blockers and checkpoints explicitly.
// Lock rows survive since they are keyed by specialist, not mission.
func (s *Service) Delete(ctx context.Context, missionID string) error {
	return s.store.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM missions WHERE id = ?", missionID)
		if err != nil {
			return fmt.Errorf("delete mission %s: %w", missionID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("mission %s: %w", missionID, services.ErrNotFound)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM blockers WHERE mission_id = ?", missionID); err != nil {
			return fmt.Errorf("delete blockers of %s: %w", missionID, err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM checkpoints WHERE mission_id = ?", missionID); err != nil {
			return fmt.Errorf("delete checkpoints of %s: %w", missionID, err)
		}
		slog.Info("Mission deleted", "mission_id", missionID)
		return nil
	})
}

// setMissionStatusTx updates the status, stamps the lifecycle timestamps,
// and appends the transition event.
func (s *Service) setMissionStatusTx(ctx context.Context, tx *sql.Tx, mission *models.Mission, to models.MissionStatus) error {
	now := time.Now().UTC()
	from := mission.Status

	query := "UPDATE missions SET status = ?, updated_at = ?"
	args := []any{to, now}
	if to == models.MissionStatusInProgress && mission.StartedAt == nil {
		query += ", started_at = ?"
		args = append(args, now)
		mission.StartedAt = &now
	}
	if to.Terminal() {
		query += ", completed_at = ?"
		args = append(args, now)
		mission.CompletedAt = &now
	}
	query += " WHERE id = ?"
	args = append(args, mission.ID)

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update mission %s status: %w", mission.ID, err)
	}
	mission.Status = to
	mission.UpdatedAt = now

	_, err := s.events.AppendTx(ctx, tx, eventstore.AppendInput{
		StreamType: models.StreamTypeMission,
		StreamID:   mission.ID,
		EventType:  models.EventTypeMissionStatusChanged,
		Payload: models.MissionStatusChangedPayload{
			MissionID: mission.ID,
			From:      from,
			To:        to,
		},
	})
	return err
}

func (s *Service) missionTx(ctx context.Context, q store.Querier, missionID string) (*models.Mission, error) {
	row := q.QueryRowContext(ctx, "SELECT "+missionColumns+" FROM missions WHERE id = ?", missionID)
	m, err := scanMission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mission %s: %w", missionID, services.ErrNotFound)
	}
	return m, err
}

const missionColumns = "id, task, strategy, status, context, total_sorties, completed_sorties, created_at, updated_at, started_at, completed_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMission(row rowScanner) (*models.Mission, error) {
	var (
		m           models.Mission
		description sql.NullString
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(&m.ID, &m.Title, &m.Strategy, &m.Status, &description,
		&m.TotalSorties, &m.CompletedSorties, &m.CreatedAt, &m.UpdatedAt,
		&startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	m.Description = description.String
	if startedAt.Valid {
		t := startedAt.Time
		m.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		m.CompletedAt = &t
	}
	return &m, nil
}

func scanSortie(row rowScanner) (*models.Sortie, error) {
	var (
		st          models.Sortie
		description sql.NullString
		files       string
		deps        string
		assignedTo  sql.NullString
		notes       sql.NullString
		estimate    sql.NullInt64
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(&st.ID, &st.MissionID, &st.SortieIndex, &st.Title, &description,
		&st.Type, &files, &deps, &st.Complexity, &st.Status, &assignedTo,
		&st.Progress, &notes, &estimate, &st.CreatedAt, &st.UpdatedAt,
		&startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	st.Description = description.String
	if err := json.Unmarshal([]byte(files), &st.Files); err != nil {
		return nil, fmt.Errorf("decode files of %s: %w", st.ID, err)
	}
	if err := json.Unmarshal([]byte(deps), &st.Dependencies); err != nil {
		return nil, fmt.Errorf("decode dependencies of %s: %w", st.ID, err)
	}
	st.AssignedTo = assignedTo.String
	st.ProgressNotes = notes.String
	st.EstimatedDurationMS = estimate.Int64
	if startedAt.Valid {
		t := startedAt.Time
		st.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		st.CompletedAt = &t
	}
	return &st, nil
}

const sortieColumns = "id, mission_id, sortie_index, title, description, sortie_type, files, dependencies, complexity, status, assigned_to, progress, progress_notes, estimated_duration_ms, created_at, updated_at, started_at, completed_at"
