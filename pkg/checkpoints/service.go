// Package checkpoints snapshots mission state for crash recovery: the
// non-terminal sorties, the active locks, the undelivered messages, and a
// structured recovery context an agent can resume from. Checkpoints live in
// the database with a JSON file backup per mission; a retention pruner keeps
// the backlog bounded.
package checkpoints

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleettools/squawk/pkg/blockers"
	"github.com/fleettools/squawk/pkg/config"
	"github.com/fleettools/squawk/pkg/eventstore"
	"github.com/fleettools/squawk/pkg/metrics"
	"github.com/fleettools/squawk/pkg/missions"
	"github.com/fleettools/squawk/pkg/models"
	"github.com/fleettools/squawk/pkg/services"
	"github.com/fleettools/squawk/pkg/store"
)

// progressDebounce suppresses progress-triggered checkpoints that arrive
// within this window of the previous one for the same mission. Manual and
// error triggers always go through.
const progressDebounce = 10 * time.Second

// Service creates, stores, and retires checkpoints.
type Service struct {
	store    *store.Store
	events   *eventstore.EventStore
	missions *missions.Service
	blockers *blockers.Handler
	cfg      config.CheckpointsConfig

	mu       sync.Mutex
	lastTake map[string]time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a checkpoint service. The retention pruner does not run
// until Start is called.
func NewService(st *store.Store, es *eventstore.EventStore, ms *missions.Service,
	bh *blockers.Handler, cfg config.CheckpointsConfig) *Service {
	return &Service{
		store:    st,
		events:   es,
		missions: ms,
		blockers: bh,
		cfg:      cfg,
		lastTake: map[string]time.Time{},
	}
}

// Create snapshots a mission now. Progress-triggered requests inside the
// debounce window return the existing latest checkpoint instead of taking a
// new one.
func (s *Service) Create(ctx context.Context, req models.CreateCheckpointRequest) (*models.Checkpoint, error) {
	trigger := models.CheckpointTrigger(req.Trigger)
	if req.Trigger == "" {
		trigger = models.TriggerManual
	}
	if !trigger.Valid() {
		return nil, services.NewValidationError(services.CodeInvalidEnum, "trigger",
			fmt.Sprintf("unknown trigger %q", req.Trigger))
	}
	createdBy := req.CreatedBy
	if createdBy == "" {
		createdBy = "system"
	}

	if trigger == models.TriggerProgress && !s.debounceOK(req.MissionID) {
		latest, err := s.Latest(ctx, req.MissionID)
		if err == nil {
			return latest, nil
		}
		// Fall through and take one anyway when none exists yet.
	}

	mission, err := s.missions.Get(ctx, req.MissionID)
	if err != nil {
		return nil, err
	}

	cp := &models.Checkpoint{
		ID:              "ckpt-" + uuid.NewString()[:8],
		MissionID:       mission.ID,
		Timestamp:       time.Now().UTC(),
		Trigger:         trigger,
		ProgressPercent: mission.ProgressPercent(),
		CreatedBy:       createdBy,
		Version:         models.CurrentCheckpointVersion,
	}

	err = s.events.InTx(ctx, func(tx *sql.Tx) error {
		if err := s.assembleSnapshotTx(ctx, tx, mission, cp); err != nil {
			return err
		}
		snapshot, err := json.Marshal(cp)
		if err != nil {
			return fmt.Errorf("marshal checkpoint: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO checkpoints (id, mission_id, created_at, trigger_type, progress_percent,
				snapshot, created_by, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			cp.ID, cp.MissionID, cp.Timestamp, cp.Trigger, cp.ProgressPercent,
			string(snapshot), cp.CreatedBy, cp.Version)
		if err != nil {
			return fmt.Errorf("insert checkpoint: %w", err)
		}
		_, err = s.events.AppendTx(ctx, tx, eventstore.AppendInput{
			StreamType: models.StreamTypeMission,
			StreamID:   cp.MissionID,
			EventType:  models.EventTypeCheckpointCreated,
			Payload: models.CheckpointCreatedPayload{
				CheckpointID:    cp.ID,
				MissionID:       cp.MissionID,
				Trigger:         string(cp.Trigger),
				ProgressPercent: cp.ProgressPercent,
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.recordTake(cp.MissionID)
	metrics.CheckpointsCreated.WithLabelValues(string(cp.Trigger)).Inc()
	// File backup is best-effort: the database row is authoritative.
	if err := s.writeBackup(cp); err != nil {
		slog.Warn("Checkpoint file backup failed", "checkpoint_id", cp.ID, "error", err)
	}

	slog.Info("Checkpoint created",
		"checkpoint_id", cp.ID,
		"mission_id", cp.MissionID,
		"trigger", cp.Trigger,
		"progress_percent", cp.ProgressPercent,
		"sorties", len(cp.Sorties),
		"locks", len(cp.ActiveLocks),
		"messages", len(cp.PendingMessages))
	return cp, nil
}

// assembleSnapshotTx gathers every snapshot section inside one transaction
// so the checkpoint is internally consistent.
func (s *Service) assembleSnapshotTx(ctx context.Context, tx *sql.Tx, mission *models.Mission, cp *models.Checkpoint) error {
	now := time.Now().UTC()

	var err error
	if cp.Sorties, err = snapshotSorties(ctx, tx, mission.ID); err != nil {
		return err
	}
	if cp.ActiveLocks, err = snapshotLocks(ctx, tx, mission.ID, now); err != nil {
		return err
	}
	if cp.PendingMessages, err = snapshotMessages(ctx, tx, mission.ID); err != nil {
		return err
	}
	cp.RecoveryContext, err = s.buildRecoveryContext(ctx, tx, mission, cp, now)
	return err
}

// snapshotSorties captures the sorties still in play.
func snapshotSorties(ctx context.Context, tx *sql.Tx, missionID string) ([]models.SortieSnapshot, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, sortie_index, status, assigned_to, files, progress, progress_notes, started_at, updated_at
		FROM sorties
		WHERE mission_id = ? AND status NOT IN ('completed', 'failed')
		ORDER BY sortie_index`, missionID)
	if err != nil {
		return nil, fmt.Errorf("snapshot sorties: %w", err)
	}
	defer rows.Close()

	snaps := []models.SortieSnapshot{}
	for rows.Next() {
		var (
			snap       models.SortieSnapshot
			assignedTo sql.NullString
			files      string
			notes      sql.NullString
			startedAt  sql.NullTime
		)
		err := rows.Scan(&snap.ID, &snap.SortieIndex, &snap.Status, &assignedTo,
			&files, &snap.Progress, &notes, &startedAt, &snap.UpdatedAt)
		if err != nil {
			return nil, err
		}
		snap.AssignedTo = assignedTo.String
		snap.ProgressNotes = notes.String
		if err := json.Unmarshal([]byte(files), &snap.Files); err != nil {
			return nil, fmt.Errorf("decode files of %s: %w", snap.ID, err)
		}
		if startedAt.Valid {
			t := startedAt.Time
			snap.StartedAt = &t
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// snapshotLocks captures the mission's active, unexpired locks. Locks are
// keyed by specialist, so the mission association goes through the
// specialists table.
func snapshotLocks(ctx context.Context, tx *sql.Tx, missionID string, now time.Time) ([]models.LockSnapshot, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT l.id, l.file, l.reserved_by, l.reserved_at, l.expires_at, l.purpose, l.timeout_ms
		FROM locks l
		JOIN specialists sp ON sp.id = l.reserved_by
		WHERE sp.mission_id = ? AND l.status = 'active' AND l.expires_at > ?
		ORDER BY l.reserved_at`, missionID, now)
	if err != nil {
		return nil, fmt.Errorf("snapshot locks: %w", err)
	}
	defer rows.Close()

	snaps := []models.LockSnapshot{}
	for rows.Next() {
		var snap models.LockSnapshot
		err := rows.Scan(&snap.ID, &snap.File, &snap.ReservedBy, &snap.ReservedAt,
			&snap.ExpiresAt, &snap.Purpose, &snap.TimeoutMS)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// snapshotMessages captures the mission mailbox's undelivered messages.
func snapshotMessages(ctx context.Context, tx *sql.Tx, missionID string) ([]models.MessageSnapshot, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, from_agent, recipients, subject, payload, sent_at
		FROM messages
		WHERE mailbox_id = ? AND delivered_at IS NULL
		ORDER BY sequence`, missionID)
	if err != nil {
		return nil, fmt.Errorf("snapshot messages: %w", err)
	}
	defer rows.Close()

	snaps := []models.MessageSnapshot{}
	for rows.Next() {
		var (
			snap       models.MessageSnapshot
			recipients string
			payload    sql.NullString
		)
		err := rows.Scan(&snap.ID, &snap.From, &recipients, &snap.Subject, &payload, &snap.SentAt)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(recipients), &snap.To); err != nil {
			return nil, fmt.Errorf("decode recipients of %s: %w", snap.ID, err)
		}
		snap.Payload = payload.String
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// buildRecoveryContext derives the structured resume summary: the latest
// event as the last action, the in-play sorties as next steps, open
// blockers, and the files touched so far.
func (s *Service) buildRecoveryContext(ctx context.Context, tx *sql.Tx, mission *models.Mission,
	cp *models.Checkpoint, now time.Time) (models.RecoveryContext, error) {

	rc := models.RecoveryContext{
		MissionSummary: mission.Title,
		LastActivityAt: now,
	}

	latest, err := s.events.LatestTx(ctx, tx, models.StreamTypeMission, mission.ID)
	if err != nil && !errors.Is(err, eventstore.ErrNoEvents) {
		return rc, err
	}
	if latest != nil {
		rc.LastAction = describeEvent(latest)
		rc.LastActivityAt = latest.OccurredAt
	}
	if mission.StartedAt != nil {
		rc.ElapsedTimeMS = now.Sub(*mission.StartedAt).Milliseconds()
	}

	seen := map[string]bool{}
	for _, snap := range cp.Sorties {
		switch snap.Status {
		case models.SortieStatusInProgress, models.SortieStatusAssigned:
			rc.NextSteps = append(rc.NextSteps,
				fmt.Sprintf("Resume sortie %s (%d%% complete)", snap.ID, snap.Progress))
		case models.SortieStatusPending:
			rc.NextSteps = append(rc.NextSteps, fmt.Sprintf("Start sortie %s", snap.ID))
		}
		if snap.Status == models.SortieStatusInProgress || snap.Progress > 0 {
			for _, f := range snap.Files {
				if path, _ := models.ParseFileEntry(f); !seen[path] {
					seen[path] = true
					rc.FilesModified = append(rc.FilesModified, path)
				}
			}
		}
	}

	open, err := s.blockers.Unresolved(ctx, mission.ID)
	if err != nil {
		return rc, err
	}
	rc.Blockers = open
	return rc, nil
}

// Get returns a checkpoint by id, including its full snapshot.
func (s *Service) Get(ctx context.Context, checkpointID string) (*models.Checkpoint, error) {
	row := s.store.DB().QueryRowContext(ctx,
		"SELECT "+checkpointColumns+" FROM checkpoints WHERE id = ?", checkpointID)
	cp, err := s.scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint %s: %w", checkpointID, services.ErrNotFound)
	}
	return cp, err
}

// List returns a mission's checkpoints, newest first. A limit of 0 returns
// everything.
func (s *Service) List(ctx context.Context, missionID string, limit int) ([]*models.Checkpoint, error) {
	query := "SELECT " + checkpointColumns + " FROM checkpoints WHERE mission_id = ? ORDER BY created_at DESC"
	args := []any{missionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	cps := []*models.Checkpoint{}
	for rows.Next() {
		cp, err := s.scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

// Latest returns the newest unconsumed checkpoint for a mission.
func (s *Service) Latest(ctx context.Context, missionID string) (*models.Checkpoint, error) {
	row := s.store.DB().QueryRowContext(ctx, `
		SELECT `+checkpointColumns+` FROM checkpoints
		WHERE mission_id = ? AND consumed_at IS NULL
		ORDER BY created_at DESC LIMIT 1`, missionID)
	cp, err := s.scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no unconsumed checkpoint for %s: %w", missionID, services.ErrNotFound)
	}
	return cp, err
}

// MarkConsumed stamps a checkpoint as used by a recovery. A checkpoint is
// consumed at most once.
func (s *Service) MarkConsumed(ctx context.Context, tx *sql.Tx, checkpointID string) error {
	res, err := tx.ExecContext(ctx,
		"UPDATE checkpoints SET consumed_at = ? WHERE id = ? AND consumed_at IS NULL",
		time.Now().UTC(), checkpointID)
	if err != nil {
		return fmt.Errorf("consume checkpoint %s: %w", checkpointID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("checkpoint %s: %w", checkpointID, services.ErrConsumed)
	}
	return nil
}

// RecoveryPrompt returns the formatted resume prompt for the mission's
// latest unconsumed checkpoint, or "" when none exists.
func (s *Service) RecoveryPrompt(ctx context.Context, missionID string) (string, error) {
	cp, err := s.Latest(ctx, missionID)
	if errors.Is(err, services.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return FormatPrompt(cp), nil
}

func (s *Service) debounceOK(missionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.lastTake[missionID]; ok && time.Since(last) < progressDebounce {
		return false
	}
	return true
}

func (s *Service) recordTake(missionID string) {
	s.mu.Lock()
	s.lastTake[missionID] = time.Now()
	s.mu.Unlock()
}

const checkpointColumns = "id, mission_id, created_at, trigger_type, progress_percent, snapshot, created_by, consumed_at, expires_at, version"

type rowScanner interface {
	Scan(dest ...any) error
}

// scanCheckpoint hydrates a row. The snapshot column is authoritative; a
// corrupt blob falls back to the JSON file backup before giving up.
func (s *Service) scanCheckpoint(row rowScanner) (*models.Checkpoint, error) {
	var (
		id, missionID, createdBy string
		createdAt                time.Time
		trigger                  models.CheckpointTrigger
		progress                 float64
		snapshot                 string
		consumedAt               sql.NullTime
		expiresAt                sql.NullTime
		version                  int
	)
	err := row.Scan(&id, &missionID, &createdAt, &trigger, &progress,
		&snapshot, &createdBy, &consumedAt, &expiresAt, &version)
	if err != nil {
		return nil, err
	}

	var cp models.Checkpoint
	if err := json.Unmarshal([]byte(snapshot), &cp); err != nil {
		restored, ferr := s.readBackup(missionID, id)
		if ferr != nil {
			return nil, fmt.Errorf("checkpoint %s snapshot corrupt (%v) and backup unreadable: %w", id, err, ferr)
		}
		slog.Warn("Checkpoint snapshot corrupt, restored from file backup", "checkpoint_id", id)
		cp = *restored
	}

	cp.ID = id
	cp.MissionID = missionID
	cp.Timestamp = createdAt
	cp.Trigger = trigger
	cp.ProgressPercent = progress
	cp.CreatedBy = createdBy
	cp.Version = version
	if consumedAt.Valid {
		t := consumedAt.Time
		cp.ConsumedAt = &t
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		cp.ExpiresAt = &t
	}
	return &cp, nil
}
