package specialists

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"github.com/fleettools/squawk/pkg/blockers"
	"github.com/fleettools/squawk/pkg/locks"
	"github.com/fleettools/squawk/pkg/models"
	"github.com/fleettools/squawk/pkg/services"
)

// Reserve requests an exclusive file reservation on behalf of a specialist.
func (s *Service) Reserve(ctx context.Context, req models.ReserveRequest) (*models.ReserveResponse, error) {
	if err := s.touch(ctx, req.SpecialistID, ""); err != nil {
		return nil, err
	}
	result, err := s.locks.Acquire(ctx, locks.AcquireInput{
		SpecialistID: req.SpecialistID,
		File:         req.File,
		TimeoutMS:    req.TimeoutMS,
		Purpose:      req.Purpose,
	})
	if err != nil {
		return nil, err
	}

	switch result.Outcome {
	case models.AcquireOutcomeAcquired:
		return &models.ReserveResponse{
			Status:    "reserved",
			LockID:    result.Lock.ID,
			File:      result.Lock.File,
			ExpiresAt: &result.Lock.ExpiresAt,
		}, nil
	case models.AcquireOutcomeQueued:
		return &models.ReserveResponse{
			Status:        "queued",
			File:          result.ExistingLock.File,
			HeldBy:        result.ExistingLock.ReservedBy,
			HeldUntil:     &result.ExistingLock.ExpiresAt,
			QueuePosition: result.Position,
		}, nil
	default:
		return &models.ReserveResponse{
			Status:    "conflict",
			File:      result.ExistingLock.File,
			HeldBy:    result.ExistingLock.ReservedBy,
			HeldUntil: &result.ExistingLock.ExpiresAt,
		}, nil
	}
}

// Progress records percent-complete on the caller's sortie and moves it to
// in_progress on the first report.
func (s *Service) Progress(ctx context.Context, req models.ProgressRequest) (*models.Sortie, error) {
	if req.Progress == nil {
		return nil, services.NewValidationError(services.CodeMissingField, "progress", "progress is required")
	}
	sp, err := s.Get(ctx, req.SpecialistID)
	if err != nil {
		return nil, err
	}
	if err := s.touch(ctx, req.SpecialistID, models.SpecialistWorking); err != nil {
		return nil, err
	}

	sortie, err := s.missions.GetSortie(ctx, sp.SortieID)
	if err != nil {
		return nil, err
	}
	if sortie.Status == models.SortieStatusPending || sortie.Status == models.SortieStatusAssigned {
		if _, err := s.missions.SetSortieStatus(ctx, sp.SortieID, models.SortieStatusInProgress, req.SpecialistID); err != nil {
			return nil, err
		}
	}
	return s.missions.SetSortieProgress(ctx, sp.SortieID, *req.Progress, req.Notes)
}

// Complete finishes the caller's sortie: marks it completed, releases every
// lock the specialist holds, and reports which dependent sorties became
// ready.
func (s *Service) Complete(ctx context.Context, req models.CompleteRequest) (*models.CompleteResponse, error) {
	sp, err := s.Get(ctx, req.SpecialistID)
	if err != nil {
		return nil, err
	}
	if sp.Status.Terminal() {
		return nil, fmt.Errorf("specialist %s is %s: %w", sp.ID, sp.Status, services.ErrConflict)
	}

	if _, err := s.missions.SetSortieStatus(ctx, sp.SortieID, models.SortieStatusCompleted, req.SpecialistID); err != nil {
		return nil, err
	}
	released, err := s.locks.ReleaseAllHeldBy(ctx, req.SpecialistID)
	if err != nil {
		return nil, err
	}
	if err := s.markCompleted(ctx, req.SpecialistID); err != nil {
		return nil, err
	}

	_, info, err := s.missions.SortiesWithCohorts(ctx, sp.MissionID, "")
	if err != nil {
		return nil, err
	}
	mission, err := s.missions.Get(ctx, sp.MissionID)
	if err != nil {
		return nil, err
	}

	slog.Info("Sortie completed",
		"specialist_id", sp.ID,
		"sortie_id", sp.SortieID,
		"locks_released", len(released),
		"dependents_ready", info.Parallelizable)
	return &models.CompleteResponse{
		SortieID:         sp.SortieID,
		LocksReleased:    len(released),
		DependentsReady:  info.Parallelizable,
		MissionCompleted: mission.Status == models.MissionStatusCompleted,
	}, nil
}

// Blocked reports the caller cannot proceed and returns the handler's
// verdict. A waiting or escalated verdict marks the specialist blocked; a
// retry or resolution leaves it working.
func (s *Service) Blocked(ctx context.Context, req models.BlockedRequest) (*models.BlockedResponse, error) {
	sp, err := s.Get(ctx, req.SpecialistID)
	if err != nil {
		return nil, err
	}

	res, retries, err := s.blockers.Handle(ctx, blockers.Report{
		MissionID:      sp.MissionID,
		SortieID:       sp.SortieID,
		SpecialistID:   sp.ID,
		Kind:           models.BlockerKind(req.Kind),
		Description:    req.Description,
		AffectedFile:   req.AffectedFile,
		AffectedSortie: req.AffectedSortie,
	})
	if err != nil {
		return nil, err
	}

	status := models.SpecialistWorking
	if res.Status == models.ResolutionWaiting || res.Status == models.ResolutionManual {
		status = models.SpecialistBlocked
	}
	if err := s.touch(ctx, req.SpecialistID, status); err != nil {
		return nil, err
	}
	if status == models.SpecialistBlocked {
		if _, err := s.missions.SetSortieStatus(ctx, sp.SortieID, models.SortieStatusBlocked, ""); err != nil {
			return nil, err
		}
	}

	return &models.BlockedResponse{
		Status:         res.Status,
		ResolutionHint: res.ResolutionHint,
		RetryAfterMS:   res.RetryAfterMS,
		NextAction:     res.NextAction,
		RetryCount:     retries,
	}, nil
}

// Squawk is the inter-specialist messaging tool. Send enqueues a message in
// the mission mailbox; receive drains the caller's undelivered messages.
func (s *Service) Squawk(ctx context.Context, req models.SquawkRequest) (*models.SquawkResponse, error) {
	sp, err := s.Get(ctx, req.SpecialistID)
	if err != nil {
		return nil, err
	}
	if err := s.touch(ctx, req.SpecialistID, ""); err != nil {
		return nil, err
	}

	switch models.SquawkAction(req.Action) {
	case models.SquawkSend:
		if len(req.To) == 0 {
			return nil, services.NewValidationError(services.CodeMissingField, "to",
				"send requires at least one recipient")
		}
		// Recipients are sortie-mates; a "*" entry broadcasts.
		msg, err := s.mailbox.SendMessage(ctx, sp.MissionID, models.SendMessageRequest{
			From:    sp.ID,
			To:      req.To,
			Subject: req.Subject,
			Payload: req.Payload,
		})
		if err != nil {
			return nil, err
		}
		return &models.SquawkResponse{Status: "sent", MessageID: msg.ID}, nil

	case models.SquawkReceive:
		msgs, err := s.mailbox.ReceiveMessages(ctx, sp.MissionID, sp.ID)
		if err != nil {
			return nil, err
		}
		return &models.SquawkResponse{
			Status:   fmt.Sprintf("%d messages", len(msgs)),
			Messages: lo.Ternary(msgs != nil, msgs, []*models.Message{}),
		}, nil

	default:
		return nil, services.NewValidationError(services.CodeInvalidEnum, "action",
			fmt.Sprintf("unknown action %q", req.Action))
	}
}

func (s *Service) markCompleted(ctx context.Context, specialistID string) error {
	now := time.Now().UTC()
	_, err := s.store.DB().ExecContext(ctx, `
		UPDATE specialists SET status = ?, completed_at = ?, last_heartbeat_at = ?
		WHERE id = ?`,
		models.SpecialistCompleted, now, now, specialistID)
	if err != nil {
		return fmt.Errorf("complete specialist %s: %w", specialistID, err)
	}
	return nil
}
