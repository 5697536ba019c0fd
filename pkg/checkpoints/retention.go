package checkpoints

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fleettools/squawk/pkg/models"
)

// Start launches the retention pruner: one pass immediately, then one per
// configured interval.
func (s *Service) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx)
	slog.Info("Checkpoint pruner started",
		"retention_days", s.cfg.RetentionDays,
		"keep_per_mission", s.cfg.KeepPerMission,
		"interval", s.cfg.PruneInterval)
}

// Stop halts the pruner and waits for the loop to exit.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Checkpoint pruner stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	if _, err := s.Prune(ctx, s.cfg.RetentionDays, s.cfg.KeepPerMission); err != nil {
		slog.Error("Startup checkpoint prune failed", "error", err)
	}

	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Prune(ctx, s.cfg.RetentionDays, s.cfg.KeepPerMission); err != nil {
				slog.Error("Checkpoint prune failed", "error", err)
			}
		}
	}
}

// Prune deletes checkpoints older than the cutoff, always keeping the newest
// keepPerMission per mission. Completed missions keep only their final
// checkpoint regardless of age. Returns the number of rows removed.
func (s *Service) Prune(ctx context.Context, olderThanDays, keepPerMission int) (int, error) {
	if olderThanDays <= 0 {
		olderThanDays = s.cfg.RetentionDays
	}
	if keepPerMission <= 0 {
		keepPerMission = s.cfg.KeepPerMission
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)

	// Age-based pass: old rows beyond the newest keepPerMission of their
	// mission.
	victims, err := s.selectVictims(ctx, `
		SELECT id, mission_id FROM checkpoints c
		WHERE created_at < ?
		  AND id NOT IN (
			SELECT id FROM checkpoints
			WHERE mission_id = c.mission_id
			ORDER BY created_at DESC LIMIT ?
		  )`, cutoff, keepPerMission)
	if err != nil {
		return 0, err
	}

	// Completed missions need only the final checkpoint.
	final, err := s.selectVictims(ctx, `
		SELECT c.id, c.mission_id FROM checkpoints c
		JOIN missions m ON m.id = c.mission_id
		WHERE m.status IN ('completed', 'cancelled')
		  AND c.id NOT IN (
			SELECT id FROM checkpoints
			WHERE mission_id = c.mission_id
			ORDER BY created_at DESC LIMIT 1
		  )`)
	if err != nil {
		return 0, err
	}
	victims = append(victims, final...)

	pruned := 0
	for _, v := range victims {
		res, err := s.store.DB().ExecContext(ctx, "DELETE FROM checkpoints WHERE id = ?", v.id)
		if err != nil {
			return pruned, fmt.Errorf("delete checkpoint %s: %w", v.id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		pruned++
		if err := os.Remove(s.backupPath(v.missionID, v.id)); err != nil && !os.IsNotExist(err) {
			slog.Warn("Checkpoint backup removal failed", "checkpoint_id", v.id, "error", err)
		}
	}
	if pruned > 0 {
		slog.Info("Checkpoints pruned", "count", pruned)
	}
	return pruned, nil
}

type victim struct {
	id        string
	missionID string
}

func (s *Service) selectVictims(ctx context.Context, query string, args ...any) ([]victim, error) {
	rows, err := s.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select prune victims: %w", err)
	}
	defer rows.Close()

	var victims []victim
	for rows.Next() {
		var v victim
		if err := rows.Scan(&v.id, &v.missionID); err != nil {
			return nil, err
		}
		victims = append(victims, v)
	}
	return victims, rows.Err()
}

// writeBackup persists the checkpoint JSON under
// <dir>/<mission_id>/<checkpoint_id>.json and repoints latest.json at it.
func (s *Service) writeBackup(cp *models.Checkpoint) error {
	dir := filepath.Join(s.cfg.Dir, cp.MissionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal backup: %w", err)
	}

	var g errgroup.Group
	g.Go(func() error {
		if err := os.WriteFile(s.backupPath(cp.MissionID, cp.ID), data, 0o644); err != nil {
			return fmt.Errorf("write backup: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := os.WriteFile(filepath.Join(dir, "latest.json"), data, 0o644); err != nil {
			return fmt.Errorf("write latest pointer: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func (s *Service) readBackup(missionID, checkpointID string) (*models.Checkpoint, error) {
	data, err := os.ReadFile(s.backupPath(missionID, checkpointID))
	if err != nil {
		return nil, err
	}
	var cp models.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode backup %s: %w", checkpointID, err)
	}
	return &cp, nil
}

func (s *Service) backupPath(missionID, checkpointID string) string {
	return filepath.Join(s.cfg.Dir, missionID, checkpointID+".json")
}
