package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fleettools/squawk/pkg/eventstore"
	"github.com/fleettools/squawk/pkg/models"
	"github.com/fleettools/squawk/pkg/services"
)

// Start launches the stale-mission scanner: one pass immediately, then one
// per configured interval.
func (s *Service) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx)
	slog.Info("Recovery scanner started",
		"activity_threshold", s.cfg.ActivityThreshold,
		"scan_interval", s.cfg.ScanInterval)
}

// Stop halts the scanner and waits for the loop to exit.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Recovery scanner stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	if _, err := s.ScanStale(ctx); err != nil {
		slog.Error("Startup recovery scan failed", "error", err)
	}

	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ScanStale(ctx); err != nil {
				slog.Error("Recovery scan failed", "error", err)
			}
		}
	}
}

// ScanStale flags in-progress missions whose event stream has been silent
// past the activity threshold and which have a checkpoint to resume from.
// Flagging appends a context_compacted event, which also refreshes the
// stream so the same mission is not re-flagged every pass. Returns the
// flagged mission ids.
func (s *Service) ScanStale(ctx context.Context) ([]string, error) {
	rows, err := s.store.DB().QueryContext(ctx,
		"SELECT id FROM missions WHERE status = 'in_progress'")
	if err != nil {
		return nil, fmt.Errorf("list in-progress missions: %w", err)
	}
	defer rows.Close()

	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		candidates = append(candidates, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().Add(-s.cfg.ActivityThreshold)
	var flagged []string
	for _, missionID := range candidates {
		latest, err := s.events.Latest(ctx, models.StreamTypeMission, missionID)
		if errors.Is(err, eventstore.ErrNoEvents) {
			continue
		}
		if err != nil {
			return flagged, err
		}
		if latest.OccurredAt.After(cutoff) {
			continue
		}

		cp, err := s.checkpoints.Latest(ctx, missionID)
		if errors.Is(err, services.ErrNotFound) {
			// Nothing to resume from; leave it for the operator.
			slog.Warn("Stale mission has no checkpoint", "mission_id", missionID)
			continue
		}
		if err != nil {
			return flagged, err
		}

		_, err = s.events.Append(ctx, eventstore.AppendInput{
			StreamType: models.StreamTypeMission,
			StreamID:   missionID,
			EventType:  models.EventTypeContextCompacted,
			Payload: models.ContextCompactedPayload{
				MissionID:    missionID,
				LastEventAt:  latest.OccurredAt,
				CheckpointID: cp.ID,
			},
		})
		if err != nil {
			return flagged, err
		}
		flagged = append(flagged, missionID)
		slog.Warn("Mission flagged for recovery",
			"mission_id", missionID,
			"last_event_at", latest.OccurredAt,
			"checkpoint_id", cp.ID)
	}
	return flagged, nil
}
