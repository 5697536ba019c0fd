// Package recovery restores missions from checkpoints after a fleet loses
// its context: sortie state is rolled back to the snapshot, surviving locks
// are re-acquired, undelivered messages are requeued, and the checkpoint is
// consumed so the same restore can never run twice. A background scanner
// flags in-progress missions that have gone quiet.
package recovery

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/fleettools/squawk/pkg/checkpoints"
	"github.com/fleettools/squawk/pkg/config"
	"github.com/fleettools/squawk/pkg/eventstore"
	"github.com/fleettools/squawk/pkg/locks"
	"github.com/fleettools/squawk/pkg/mailbox"
	"github.com/fleettools/squawk/pkg/metrics"
	"github.com/fleettools/squawk/pkg/missions"
	"github.com/fleettools/squawk/pkg/models"
	"github.com/fleettools/squawk/pkg/services"
	"github.com/fleettools/squawk/pkg/store"
)

// Service restores missions from checkpoints.
type Service struct {
	store       *store.Store
	events      *eventstore.EventStore
	missions    *missions.Service
	locks       *locks.Coordinator
	mailbox     *mailbox.Service
	checkpoints *checkpoints.Service
	cfg         config.RecoveryConfig

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a recovery service. The stale-mission scanner does not
// run until Start is called.
func NewService(st *store.Store, es *eventstore.EventStore, ms *missions.Service,
	lc *locks.Coordinator, mb *mailbox.Service, cs *checkpoints.Service,
	cfg config.RecoveryConfig) *Service {
	return &Service{
		store: st, events: es, missions: ms, locks: lc,
		mailbox: mb, checkpoints: cs, cfg: cfg,
	}
}

// Restore replays a checkpoint: sortie snapshots are applied, locks
// re-acquired where still possible, and pending messages requeued, all in
// one transaction with consuming the checkpoint, so a failure midway leaves
// the fleet exactly as it was. Dry runs change nothing and report what a
// real restore would do.
func (s *Service) Restore(ctx context.Context, checkpointID, agentID string, dryRun bool) (*models.RecoverResult, error) {
	cp, err := s.checkpoints.Get(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if cp.ConsumedAt != nil {
		return nil, fmt.Errorf("checkpoint %s consumed at %s: %w",
			checkpointID, cp.ConsumedAt.Format(time.RFC3339), services.ErrConsumed)
	}

	result := &models.RecoverResult{
		CheckpointID:    cp.ID,
		MissionID:       cp.MissionID,
		RecoveryContext: checkpoints.FormatPrompt(cp),
		DryRun:          dryRun,
	}

	if dryRun {
		result.Success = true
		result.SortiesRestored = len(cp.Sorties)
		now := time.Now().UTC()
		for _, snap := range cp.ActiveLocks {
			if now.After(snap.ExpiresAt) {
				result.Blockers = append(result.Blockers, "Lock expired: "+snap.File)
				continue
			}
			result.LocksRestored++
		}
		result.MessagesRequeued = len(cp.PendingMessages)
		return result, nil
	}

	now := time.Now().UTC()
	err = s.events.InTx(ctx, func(tx *sql.Tx) error {
		// The transaction retries on write contention, so counters start
		// from zero each attempt.
		result.SortiesRestored, result.LocksRestored, result.MessagesRequeued = 0, 0, 0
		result.Blockers = nil

		for _, snap := range cp.Sorties {
			if err := s.missions.ApplySnapshotTx(ctx, tx, cp.MissionID, snap); err != nil {
				return fmt.Errorf("restore sortie %s: %w", snap.ID, err)
			}
			result.SortiesRestored++
		}

		for _, snap := range cp.ActiveLocks {
			if now.After(snap.ExpiresAt) {
				result.Blockers = append(result.Blockers, "Lock expired: "+snap.File)
				continue
			}
			lock, holder, err := s.locks.ReacquireTx(ctx, tx, snap.ReservedBy, snap.File,
				snap.Purpose, snap.ExpiresAt.Sub(now).Milliseconds(), now)
			if err != nil {
				return err
			}
			switch {
			case lock != nil:
				result.LocksRestored++
			case holder != nil:
				result.Blockers = append(result.Blockers,
					fmt.Sprintf("Lock conflict: %s held by %s", snap.File, holder.ReservedBy))
			default:
				result.Blockers = append(result.Blockers, "Lock expired: "+snap.File)
			}
		}

		for _, snap := range cp.PendingMessages {
			requeued, err := s.mailbox.RequeueMessageTx(ctx, tx, cp.MissionID, snap)
			if err != nil {
				return fmt.Errorf("requeue message %s: %w", snap.ID, err)
			}
			if requeued {
				result.MessagesRequeued++
			}
		}

		if err := s.checkpoints.MarkConsumed(ctx, tx, cp.ID); err != nil {
			return err
		}
		_, err := s.events.AppendTx(ctx, tx, eventstore.AppendInput{
			StreamType: models.StreamTypeMission,
			StreamID:   cp.MissionID,
			EventType:  models.EventTypeFleetRecovered,
			Payload: models.FleetRecoveredPayload{
				MissionID:        cp.MissionID,
				CheckpointID:     cp.ID,
				SortiesRestored:  result.SortiesRestored,
				LocksRestored:    result.LocksRestored,
				MessagesRequeued: result.MessagesRequeued,
				Warnings:         result.Blockers,
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	result.Success = true
	metrics.MissionsRecovered.Inc()
	slog.Info("Fleet recovered",
		"mission_id", cp.MissionID,
		"checkpoint_id", cp.ID,
		"agent_id", agentID,
		"sorties_restored", result.SortiesRestored,
		"locks_restored", result.LocksRestored,
		"messages_requeued", result.MessagesRequeued,
		"warnings", len(result.Blockers))
	return result, nil
}
