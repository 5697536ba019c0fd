// Package blockers resolves specialist blocker reports. Retryable kinds get
// an exponential backoff schedule capped at a ceiling, with a retry budget
// that escalates to manual intervention; dependency blockers resolve or wait
// on the state of the sortie they name. Every report and its verdict is
// persisted and recorded on the specialist's event stream.
package blockers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fleettools/squawk/pkg/config"
	"github.com/fleettools/squawk/pkg/eventstore"
	"github.com/fleettools/squawk/pkg/models"
	"github.com/fleettools/squawk/pkg/services"
	"github.com/fleettools/squawk/pkg/store"
)

// Handler decides what a blocked specialist should do next.
type Handler struct {
	store  *store.Store
	events *eventstore.EventStore
	cfg    config.DispatchConfig
}

// NewHandler creates a blocker handler.
func NewHandler(st *store.Store, es *eventstore.EventStore, cfg config.DispatchConfig) *Handler {
	return &Handler{store: st, events: es, cfg: cfg}
}

// Report identifies who is blocked, on what, and why.
type Report struct {
	MissionID      string
	SortieID       string
	SpecialistID   string
	Kind           models.BlockerKind
	Description    string
	AffectedFile   string
	AffectedSortie string
}

// Handle resolves one blocker report. The retry count is derived from the
// persisted history: prior reports of the same kind by the same specialist
// on the same sortie. The resolution is stored alongside the report, so
// repeated reports walk the backoff schedule without the caller tracking
// any state.
func (h *Handler) Handle(ctx context.Context, report Report) (*models.Resolution, int, error) {
	if !report.Kind.Valid() {
		return nil, 0, services.NewValidationError(services.CodeInvalidEnum, "kind",
			fmt.Sprintf("unknown blocker kind %q", report.Kind))
	}
	if report.Description == "" {
		return nil, 0, services.NewValidationError(services.CodeMissingField, "description",
			"description is required")
	}

	var (
		resolution *models.Resolution
		retryCount int
	)
	err := h.events.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		retryCount, err = h.priorReports(ctx, tx, report)
		if err != nil {
			return err
		}
		resolution, err = h.resolve(ctx, tx, report, retryCount)
		if err != nil {
			return err
		}
		if err := h.persistTx(ctx, tx, report, resolution, retryCount); err != nil {
			return err
		}
		_, err = h.events.AppendTx(ctx, tx, eventstore.AppendInput{
			StreamType: models.StreamTypeSpecialist,
			StreamID:   report.SpecialistID,
			EventType:  models.EventTypeSpecialistBlockerHandled,
			Payload: models.BlockerHandledPayload{
				SpecialistID: report.SpecialistID,
				Kind:         report.Kind,
				RetryCount:   retryCount,
				RetryAfterMS: resolution.RetryAfterMS,
				TargetSortie: report.AffectedSortie,
				Status:       string(resolution.Status),
			},
		})
		return err
	})
	if err != nil {
		return nil, 0, err
	}

	slog.Info("Blocker handled",
		"specialist_id", report.SpecialistID,
		"kind", report.Kind,
		"status", resolution.Status,
		"retry_count", retryCount,
		"retry_after_ms", resolution.RetryAfterMS)
	return resolution, retryCount, nil
}

// resolve applies the per-kind policy.
func (h *Handler) resolve(ctx context.Context, tx *sql.Tx, report Report, retryCount int) (*models.Resolution, error) {
	switch report.Kind {
	case models.BlockerLockTimeout, models.BlockerAPIError:
		if retryCount >= h.cfg.MaxRetries {
			return &models.Resolution{
				Status: models.ResolutionManual,
				ResolutionHint: fmt.Sprintf("%d retries exhausted for %s blocker; escalating to operator",
					retryCount, report.Kind),
			}, nil
		}
		hint := "Transient API failure: retry after backoff"
		if report.Kind == models.BlockerLockTimeout {
			hint = fmt.Sprintf("Lock on %s still contended: retry the reservation after backoff", report.AffectedFile)
		}
		return &models.Resolution{
			Status:         models.ResolutionRetrying,
			ResolutionHint: hint,
			RetryAfterMS:   h.backoffMS(retryCount),
			NextAction:     models.NextActionRetry,
		}, nil

	case models.BlockerDependency:
		if report.AffectedSortie == "" {
			return nil, services.NewValidationError(services.CodeMissingField, "affected_sortie",
				"dependency blockers must name the sortie they wait on")
		}
		status, err := h.sortieStatus(ctx, tx, report.AffectedSortie)
		if errors.Is(err, services.ErrNotFound) {
			return &models.Resolution{
				Status:         models.ResolutionManual,
				ResolutionHint: fmt.Sprintf("Dependency %s does not exist", report.AffectedSortie),
			}, nil
		}
		if err != nil {
			return nil, err
		}
		if status == models.SortieStatusCompleted {
			return &models.Resolution{
				Status:         models.ResolutionResolved,
				ResolutionHint: fmt.Sprintf("Dependency %s is complete", report.AffectedSortie),
				NextAction:     models.NextActionResumeWork,
			}, nil
		}
		return &models.Resolution{
			Status:         models.ResolutionWaiting,
			ResolutionHint: fmt.Sprintf("Dependency %s is %s", report.AffectedSortie, status),
			NextAction:     models.NextActionWaitForDependency,
		}, nil

	default:
		return &models.Resolution{
			Status:         models.ResolutionManual,
			ResolutionHint: "Blocker requires operator attention: " + report.Description,
		}, nil
	}
}

// backoffMS computes initial * multiplier^attempt, capped at the ceiling.
func (h *Handler) backoffMS(attempt int) int64 {
	ms := float64(h.cfg.BackoffInitial.Milliseconds())
	for i := 0; i < attempt; i++ {
		ms *= h.cfg.BackoffMultiplier
		if ms >= float64(h.cfg.BackoffMax.Milliseconds()) {
			return h.cfg.BackoffMax.Milliseconds()
		}
	}
	return int64(ms)
}

func (h *Handler) priorReports(ctx context.Context, tx *sql.Tx, report Report) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM blockers
		WHERE sortie_id = ? AND reported_by = ? AND kind = ?`,
		report.SortieID, report.SpecialistID, report.Kind).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count prior blockers: %w", err)
	}
	return n, nil
}

func (h *Handler) persistTx(ctx context.Context, tx *sql.Tx, report Report, res *models.Resolution, retryCount int) error {
	now := time.Now().UTC()
	var resolvedAt any
	if res.Status == models.ResolutionResolved {
		resolvedAt = now
	}
	details := report.AffectedFile
	if report.AffectedSortie != "" {
		details = report.AffectedSortie
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO blockers (id, mission_id, sortie_id, reported_by, kind, description,
			details, retry_count, status, retry_after_ms, reported_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		"blk-"+uuid.NewString()[:8], report.MissionID, report.SortieID, report.SpecialistID,
		report.Kind, report.Description, details, retryCount, res.Status,
		nullableMS(res.RetryAfterMS), now, resolvedAt)
	if err != nil {
		return fmt.Errorf("insert blocker: %w", err)
	}
	return nil
}

func (h *Handler) sortieStatus(ctx context.Context, tx *sql.Tx, sortieID string) (models.SortieStatus, error) {
	var status models.SortieStatus
	err := tx.QueryRowContext(ctx,
		"SELECT status FROM sorties WHERE id = ?", sortieID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("sortie %s: %w", sortieID, services.ErrNotFound)
	}
	return status, err
}

// History returns a mission's blocker records, newest first.
func (h *Handler) History(ctx context.Context, missionID string) ([]*models.Blocker, error) {
	rows, err := h.store.DB().QueryContext(ctx, `
		SELECT id, mission_id, sortie_id, reported_by, kind, description, details,
			retry_count, status, retry_after_ms, reported_at, resolved_at
		FROM blockers WHERE mission_id = ? ORDER BY reported_at DESC`, missionID)
	if err != nil {
		return nil, fmt.Errorf("list blockers: %w", err)
	}
	defer rows.Close()

	blockers := []*models.Blocker{}
	for rows.Next() {
		var (
			b          models.Blocker
			details    sql.NullString
			retryAfter sql.NullInt64
			resolvedAt sql.NullTime
		)
		err := rows.Scan(&b.ID, &b.MissionID, &b.SortieID, &b.ReportedBy, &b.Kind,
			&b.Description, &details, &b.RetryCount, &b.Status, &retryAfter,
			&b.ReportedAt, &resolvedAt)
		if err != nil {
			return nil, err
		}
		b.Details = details.String
		b.RetryAfterMS = retryAfter.Int64
		if resolvedAt.Valid {
			t := resolvedAt.Time
			b.ResolvedAt = &t
		}
		blockers = append(blockers, &b)
	}
	return blockers, rows.Err()
}

// Unresolved returns the open blocker descriptions for a mission, for
// checkpoint recovery context.
func (h *Handler) Unresolved(ctx context.Context, missionID string) ([]string, error) {
	rows, err := h.store.DB().QueryContext(ctx, `
		SELECT description FROM blockers
		WHERE mission_id = ? AND status IN (?, ?) AND resolved_at IS NULL
		ORDER BY reported_at`, missionID, models.ResolutionWaiting, models.ResolutionManual)
	if err != nil {
		return nil, fmt.Errorf("list unresolved blockers: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func nullableMS(v int64) any {
	if v <= 0 {
		return nil
	}
	return v
}
