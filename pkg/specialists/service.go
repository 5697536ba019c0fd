// Package specialists tracks the worker agents assigned to sorties and
// implements the tool surface they call: register, reserve, progress,
// complete, blocked, and squawk. Every tool call refreshes the caller's
// heartbeat so the dispatch monitor can tell live agents from dead ones.
package specialists

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fleettools/squawk/pkg/blockers"
	"github.com/fleettools/squawk/pkg/eventstore"
	"github.com/fleettools/squawk/pkg/locks"
	"github.com/fleettools/squawk/pkg/mailbox"
	"github.com/fleettools/squawk/pkg/metrics"
	"github.com/fleettools/squawk/pkg/missions"
	"github.com/fleettools/squawk/pkg/models"
	"github.com/fleettools/squawk/pkg/services"
	"github.com/fleettools/squawk/pkg/store"
)

// RecoveryPrompter supplies the formatted recovery prompt for a mission's
// latest unconsumed checkpoint, or "" when none exists.
type RecoveryPrompter interface {
	RecoveryPrompt(ctx context.Context, missionID string) (string, error)
}

// Service is the specialist registry and tool surface.
type Service struct {
	store    *store.Store
	events   *eventstore.EventStore
	missions *missions.Service
	locks    *locks.Coordinator
	mailbox  *mailbox.Service
	blockers *blockers.Handler

	recovery RecoveryPrompter
}

// NewService creates a specialist service.
func NewService(st *store.Store, es *eventstore.EventStore, ms *missions.Service,
	lc *locks.Coordinator, mb *mailbox.Service, bh *blockers.Handler) *Service {
	return &Service{store: st, events: es, missions: ms, locks: lc, mailbox: mb, blockers: bh}
}

// SetRecoveryPrompter wires the checkpoint service in after construction.
// Optional: without it registration simply omits recovery context.
func (s *Service) SetRecoveryPrompter(rp RecoveryPrompter) {
	s.recovery = rp
}

// Spawn records a specialist the orchestrator is about to launch for a
// sortie. The agent later claims the row by registering with the same id.
func (s *Service) Spawn(ctx context.Context, missionID string, sortie *models.Sortie) (*models.Specialist, error) {
	now := time.Now().UTC()
	sp := &models.Specialist{
		ID:          fmt.Sprintf("spec-%s.%d", missionID, sortie.SortieIndex),
		MissionID:   missionID,
		SortieID:    sortie.ID,
		SortieIndex: sortie.SortieIndex,
		Status:      models.SpecialistSpawned,
		SpawnedAt:   now,
	}
	err := s.events.InTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO specialists (id, mission_id, sortie_id, sortie_index, status, spawned_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING`,
			sp.ID, sp.MissionID, sp.SortieID, sp.SortieIndex, sp.Status, sp.SpawnedAt)
		if err != nil {
			return fmt.Errorf("insert specialist: %w", err)
		}
		_, err = s.events.AppendTx(ctx, tx, eventstore.AppendInput{
			StreamType: models.StreamTypeSpecialist,
			StreamID:   sp.ID,
			EventType:  models.EventTypeSpecialistSpawned,
			Payload: models.SpecialistSpawnedPayload{
				SpecialistID: sp.ID,
				Name:         sortie.Title,
				MissionID:    missionID,
				SortieID:     sortie.ID,
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.SpecialistsSpawned.Inc()
	return sp, nil
}

// Register announces a specialist is alive. Unknown ids are admitted (agents
// spawned outside the orchestrator pick their own), the assigned sortie is
// marked and returned, and any unconsumed checkpoint for the mission rides
// along as a recovery prompt.
func (s *Service) Register(ctx context.Context, req models.RegisterRequest) (*models.RegisterResponse, error) {
	if req.SortieIndex == nil {
		return nil, services.NewValidationError(services.CodeMissingField, "sortie_index", "sortie_index is required")
	}
	mission, err := s.missions.Get(ctx, req.MissionID)
	if err != nil {
		return nil, err
	}
	all, err := s.missions.Sorties(ctx, req.MissionID, "")
	if err != nil {
		return nil, err
	}
	idx := *req.SortieIndex
	if idx < 0 || idx >= len(all) {
		return nil, services.NewValidationError(services.CodeInvalidRange, "sortie_index",
			fmt.Sprintf("sortie_index %d outside [0,%d)", idx, len(all)))
	}
	sortie := all[idx]

	capabilities, err := json.Marshal(req.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("marshal capabilities: %w", err)
	}

	now := time.Now().UTC()
	err = s.events.InTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO specialists (id, mission_id, sortie_id, sortie_index, status, capabilities,
				spawned_at, registered_at, last_heartbeat_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				status = excluded.status,
				capabilities = excluded.capabilities,
				registered_at = excluded.registered_at,
				last_heartbeat_at = excluded.last_heartbeat_at`,
			req.SpecialistID, req.MissionID, sortie.ID, idx, models.SpecialistRegistered,
			string(capabilities), now, now, now)
		if err != nil {
			return fmt.Errorf("upsert specialist: %w", err)
		}
		_, err = s.events.AppendTx(ctx, tx, eventstore.AppendInput{
			StreamType: models.StreamTypeSpecialist,
			StreamID:   req.SpecialistID,
			EventType:  models.EventTypeSpecialistRegistered,
			Payload: models.SpecialistRegisteredPayload{
				SpecialistID: req.SpecialistID,
				Name:         sortie.Title,
				Capabilities: req.Capabilities,
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	if sortie.Status == models.SortieStatusPending {
		if _, err := s.missions.SetSortieStatus(ctx, sortie.ID, models.SortieStatusAssigned, req.SpecialistID); err != nil {
			return nil, err
		}
	}

	resp := &models.RegisterResponse{
		SortieID:       sortie.ID,
		SortieIndex:    idx,
		Description:    sortie.Title,
		Files:          sortie.Files,
		Dependencies:   emptyIfNil(sortie.Dependencies),
		MissionTask:    mission.Title,
		MissionContext: mission.Description,
	}
	if s.recovery != nil {
		prompt, err := s.recovery.RecoveryPrompt(ctx, req.MissionID)
		if err != nil {
			slog.Warn("Recovery prompt lookup failed", "mission_id", req.MissionID, "error", err)
		} else {
			resp.RecoveryContext = prompt
		}
	}

	slog.Info("Specialist registered",
		"specialist_id", req.SpecialistID,
		"mission_id", req.MissionID,
		"sortie_id", sortie.ID)
	return resp, nil
}

// Get returns a specialist by id.
func (s *Service) Get(ctx context.Context, specialistID string) (*models.Specialist, error) {
	row := s.store.DB().QueryRowContext(ctx,
		"SELECT "+specialistColumns+" FROM specialists WHERE id = ?", specialistID)
	sp, err := scanSpecialist(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("specialist %s: %w", specialistID, services.ErrNotFound)
	}
	return sp, err
}

// ListByMission returns a mission's specialists in sortie order.
func (s *Service) ListByMission(ctx context.Context, missionID string) ([]*models.Specialist, error) {
	rows, err := s.store.DB().QueryContext(ctx,
		"SELECT "+specialistColumns+" FROM specialists WHERE mission_id = ? ORDER BY sortie_index", missionID)
	if err != nil {
		return nil, fmt.Errorf("list specialists: %w", err)
	}
	defer rows.Close()

	sps := []*models.Specialist{}
	for rows.Next() {
		sp, err := scanSpecialist(rows)
		if err != nil {
			return nil, err
		}
		sps = append(sps, sp)
	}
	return sps, rows.Err()
}

// Stale returns non-terminal specialists whose last heartbeat (or spawn,
// when they never registered) is older than the cutoff.
func (s *Service) Stale(ctx context.Context, cutoff time.Time) ([]*models.Specialist, error) {
	rows, err := s.store.DB().QueryContext(ctx, `
		SELECT `+specialistColumns+` FROM specialists
		WHERE status NOT IN ('completed', 'failed')
		  AND COALESCE(last_heartbeat_at, spawned_at) < ?
		ORDER BY mission_id, sortie_index`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale specialists: %w", err)
	}
	defer rows.Close()

	var sps []*models.Specialist
	for rows.Next() {
		sp, err := scanSpecialist(rows)
		if err != nil {
			return nil, err
		}
		sps = append(sps, sp)
	}
	return sps, rows.Err()
}

// MarkFailed moves a specialist to failed and fails its sortie. Locks the
// specialist still holds are released so waiters can proceed.
func (s *Service) MarkFailed(ctx context.Context, specialistID, reason string) error {
	sp, err := s.Get(ctx, specialistID)
	if err != nil {
		return err
	}
	if sp.Status.Terminal() {
		return nil
	}
	now := time.Now().UTC()
	_, err = s.store.DB().ExecContext(ctx,
		"UPDATE specialists SET status = ?, completed_at = ? WHERE id = ?",
		models.SpecialistFailed, now, specialistID)
	if err != nil {
		return fmt.Errorf("fail specialist %s: %w", specialistID, err)
	}
	if _, err := s.locks.ReleaseAllHeldBy(ctx, specialistID); err != nil {
		return err
	}
	if _, err := s.missions.SetSortieStatus(ctx, sp.SortieID, models.SortieStatusFailed, ""); err != nil {
		return err
	}
	slog.Warn("Specialist failed", "specialist_id", specialistID, "reason", reason)
	return nil
}

// touch refreshes the heartbeat and optionally advances the status.
func (s *Service) touch(ctx context.Context, specialistID string, status models.SpecialistStatus) error {
	query := "UPDATE specialists SET last_heartbeat_at = ?"
	args := []any{time.Now().UTC()}
	if status != "" {
		query += ", status = ?"
		args = append(args, status)
	}
	query += " WHERE id = ? AND status NOT IN ('completed', 'failed')"
	args = append(args, specialistID)
	if _, err := s.store.DB().ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("touch specialist %s: %w", specialistID, err)
	}
	return nil
}

const specialistColumns = "id, mission_id, sortie_id, sortie_index, status, capabilities, spawned_at, registered_at, last_heartbeat_at, completed_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSpecialist(row rowScanner) (*models.Specialist, error) {
	var (
		sp           models.Specialist
		capabilities sql.NullString
		registeredAt sql.NullTime
		heartbeatAt  sql.NullTime
		completedAt  sql.NullTime
	)
	err := row.Scan(&sp.ID, &sp.MissionID, &sp.SortieID, &sp.SortieIndex, &sp.Status,
		&capabilities, &sp.SpawnedAt, &registeredAt, &heartbeatAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if capabilities.Valid && capabilities.String != "" {
		if err := json.Unmarshal([]byte(capabilities.String), &sp.Capabilities); err != nil {
			return nil, fmt.Errorf("decode capabilities of %s: %w", sp.ID, err)
		}
	}
	if registeredAt.Valid {
		t := registeredAt.Time
		sp.RegisteredAt = &t
	}
	if heartbeatAt.Valid {
		t := heartbeatAt.Time
		sp.LastHeartbeatAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		sp.CompletedAt = &t
	}
	return &sp, nil
}

func emptyIfNil(deps []int) []int {
	if deps == nil {
		return []int{}
	}
	return deps
}
