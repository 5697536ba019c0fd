// Package locks implements the file-lock coordinator: exclusive, time-bounded
// reservations on canonical file paths with a per-file FIFO waiter queue, a
// background expiry sweeper, and denial diagnostics. The single-active-lock
// invariant is enforced by the database's partial unique index, so a race
// between two acquirers can never produce two holders.
package locks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fleettools/squawk/pkg/config"
	"github.com/fleettools/squawk/pkg/eventstore"
	"github.com/fleettools/squawk/pkg/metrics"
	"github.com/fleettools/squawk/pkg/models"
	"github.com/fleettools/squawk/pkg/services"
	"github.com/fleettools/squawk/pkg/store"
)

// Coordinator grants and tracks file reservations.
type Coordinator struct {
	store  *store.Store
	events *eventstore.EventStore
	cfg    config.LocksConfig

	conflicts *conflictLog

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCoordinator creates a lock coordinator. Background loops do not run
// until Start is called.
func NewCoordinator(st *store.Store, es *eventstore.EventStore, cfg config.LocksConfig) *Coordinator {
	return &Coordinator{
		store:     st,
		events:    es,
		cfg:       cfg,
		conflicts: newConflictLog(cfg.ConflictHorizon),
	}
}

// AcquireInput describes one reservation attempt. TimeoutMS falls back to
// the configured default; Purpose to "edit".
type AcquireInput struct {
	SpecialistID string
	File         string
	TimeoutMS    int64
	Purpose      string
}

// Acquire attempts an exclusive reservation of the canonical path. The
// outcome is acquired, conflict (the requester already holds the file), or
// queued (another holder is active and the requester joined the FIFO queue).
func (c *Coordinator) Acquire(ctx context.Context, in AcquireInput) (*models.AcquireResult, error) {
	if in.SpecialistID == "" {
		return nil, services.NewValidationError(services.CodeMissingField, "specialist_id", "specialist_id is required")
	}
	if strings.TrimSpace(in.File) == "" {
		return nil, services.NewValidationError(services.CodeMissingField, "file", "file is required")
	}
	purpose := models.LockPurpose(in.Purpose)
	if in.Purpose == "" {
		purpose = models.LockPurposeEdit
	}
	if !purpose.Valid() {
		return nil, services.NewValidationError(services.CodeInvalidEnum, "purpose",
			fmt.Sprintf("unknown purpose %q", in.Purpose))
	}
	timeoutMS := in.TimeoutMS
	if timeoutMS <= 0 {
		timeoutMS = c.cfg.DefaultTimeout.Milliseconds()
	}
	file := Canonicalize(in.File)

	var result *models.AcquireResult
	err := c.events.InTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()

		existing, err := c.activeLockTx(ctx, tx, file)
		if err != nil {
			return err
		}
		if existing != nil && existing.Expired(now) {
			// The sweeper has not caught this one yet; expire it inline
			// so a dead holder never blocks a live acquirer.
			if err := c.markReleasedTx(ctx, tx, existing, models.LockStatusExpired); err != nil {
				return err
			}
			existing = nil
		}
		if existing != nil {
			if existing.ReservedBy == in.SpecialistID {
				// Re-acquire while holding is refused as a conflict
				// against self rather than extended.
				result = &models.AcquireResult{
					Outcome:      models.AcquireOutcomeConflict,
					ExistingLock: existing,
				}
				return nil
			}
			pos, err := c.enqueueTx(ctx, tx, existing, in.SpecialistID, file, purpose, timeoutMS, now)
			if err != nil {
				return err
			}
			result = &models.AcquireResult{
				Outcome:      models.AcquireOutcomeQueued,
				ExistingLock: existing,
				Position:     pos,
			}
			return nil
		}

		lock, err := c.insertLockTx(ctx, tx, in.SpecialistID, file, purpose, timeoutMS, now)
		if err != nil {
			return err
		}
		result = &models.AcquireResult{
			Outcome: models.AcquireOutcomeAcquired,
			Lock:    lock,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.LockAcquisitions.WithLabelValues(string(result.Outcome)).Inc()
	if result.Outcome != models.AcquireOutcomeAcquired {
		c.conflicts.record(models.LockConflict{
			File:       file,
			HolderID:   result.ExistingLock.ReservedBy,
			ExpiresAt:  result.ExistingLock.ExpiresAt,
			Requestor:  in.SpecialistID,
			OccurredAt: time.Now().UTC(),
		})
	}
	return result, nil
}

// ReacquireTx re-establishes a checkpointed reservation inside the caller's
// transaction, so a recovery restores all of its locks atomically with the
// rest of its state. It never queues: the file is either free (or already
// held by the same specialist), returning the lock, or held by someone else,
// returning the current holder instead.
func (c *Coordinator) ReacquireTx(ctx context.Context, tx *sql.Tx, specialistID, file string,
	purpose models.LockPurpose, timeoutMS int64, now time.Time) (lock, holder *models.Lock, err error) {

	if timeoutMS <= 0 {
		return nil, nil, nil
	}
	if !purpose.Valid() {
		purpose = models.LockPurposeEdit
	}
	canonical := Canonicalize(file)

	existing, err := c.activeLockTx(ctx, tx, canonical)
	if err != nil {
		return nil, nil, err
	}
	if existing != nil && existing.Expired(now) {
		if err := c.markReleasedTx(ctx, tx, existing, models.LockStatusExpired); err != nil {
			return nil, nil, err
		}
		existing = nil
	}
	if existing != nil {
		if existing.ReservedBy == specialistID {
			// The reservation survived the context loss intact.
			return existing, nil, nil
		}
		return nil, existing, nil
	}

	lock, err = c.insertLockTx(ctx, tx, specialistID, canonical, purpose, timeoutMS, now)
	if err != nil {
		return nil, nil, err
	}
	return lock, nil, nil
}

// Release ends a reservation. Only the owner may release; releasing a lock
// that is no longer active is a no-op reporting released=false.
func (c *Coordinator) Release(ctx context.Context, lockID, specialistID string) (*models.Lock, bool, error) {
	var (
		lock     *models.Lock
		released bool
	)
	err := c.events.InTx(ctx, func(tx *sql.Tx) error {
		released = false
		var err error
		lock, err = c.lockByIDTx(ctx, tx, lockID)
		if err != nil {
			return err
		}
		if lock.Status != models.LockStatusActive {
			return nil
		}
		if lock.ReservedBy != specialistID {
			return fmt.Errorf("lock %s is held by %s: %w", lockID, lock.ReservedBy, services.ErrNotOwner)
		}
		if err := c.markReleasedTx(ctx, tx, lock, models.LockStatusReleased); err != nil {
			return err
		}
		released = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if released {
		c.processQueue(ctx, lock.File)
	}
	return lock, released, nil
}

// ForceRelease is the operator override: it releases regardless of owner and
// records the distinct force_released status.
func (c *Coordinator) ForceRelease(ctx context.Context, lockID string) (*models.Lock, bool, error) {
	var (
		lock     *models.Lock
		released bool
	)
	err := c.events.InTx(ctx, func(tx *sql.Tx) error {
		released = false
		var err error
		lock, err = c.lockByIDTx(ctx, tx, lockID)
		if err != nil {
			return err
		}
		if lock.Status != models.LockStatusActive {
			return nil
		}
		if err := c.markReleasedTx(ctx, tx, lock, models.LockStatusForceReleased); err != nil {
			return err
		}
		released = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if released {
		c.processQueue(ctx, lock.File)
	}
	return lock, released, nil
}

// ReleaseAllHeldBy releases every active lock a specialist holds, returning
// the released locks. Used when a sortie completes or its specialist fails.
func (c *Coordinator) ReleaseAllHeldBy(ctx context.Context, specialistID string) ([]*models.Lock, error) {
	held, err := c.ListActive(ctx, ListFilter{SpecialistID: specialistID})
	if err != nil {
		return nil, err
	}
	var released []*models.Lock
	for _, l := range held {
		lock, ok, err := c.Release(ctx, l.ID, specialistID)
		if err != nil {
			return released, err
		}
		if ok {
			released = append(released, lock)
		}
	}
	return released, nil
}

// Get returns a lock by id.
func (c *Coordinator) Get(ctx context.Context, lockID string) (*models.Lock, error) {
	var lock *models.Lock
	err := c.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		lock, err = c.lockByIDTx(ctx, tx, lockID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return lock, nil
}

// ListFilter narrows active-lock listings.
type ListFilter struct {
	File         string
	SpecialistID string
}

// ListActive returns active locks, optionally filtered by canonical path or
// holder.
func (c *Coordinator) ListActive(ctx context.Context, f ListFilter) ([]*models.Lock, error) {
	query := "SELECT " + lockColumns + " FROM locks WHERE status = 'active'"
	var args []any
	if f.File != "" {
		query += " AND file = ?"
		args = append(args, Canonicalize(f.File))
	}
	if f.SpecialistID != "" {
		query += " AND reserved_by = ?"
		args = append(args, f.SpecialistID)
	}
	query += " ORDER BY reserved_at"

	rows, err := c.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list active locks: %w", err)
	}
	defer rows.Close()

	var locks []*models.Lock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		locks = append(locks, l)
	}
	return locks, rows.Err()
}

// ActiveCount returns the number of active locks, for the status endpoint.
func (c *Coordinator) ActiveCount(ctx context.Context) (int, error) {
	var n int
	err := c.store.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM locks WHERE status = 'active'").Scan(&n)
	return n, err
}

// QueuedCount returns the total number of waiters across all files.
func (c *Coordinator) QueuedCount(ctx context.Context) (int, error) {
	var n int
	err := c.store.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM lock_waiters").Scan(&n)
	return n, err
}

// RecentConflicts returns denial diagnostics newer than the horizon.
func (c *Coordinator) RecentConflicts() []models.LockConflict {
	return c.conflicts.recent()
}

const lockColumns = "id, file, reserved_by, purpose, status, reserved_at, expires_at, released_at, timeout_ms, checksum"

func (c *Coordinator) lockByIDTx(ctx context.Context, q store.Querier, lockID string) (*models.Lock, error) {
	row := q.QueryRowContext(ctx, "SELECT "+lockColumns+" FROM locks WHERE id = ?", lockID)
	lock, err := scanLock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lock %s: %w", lockID, services.ErrNotFound)
	}
	return lock, err
}

func (c *Coordinator) activeLockTx(ctx context.Context, q store.Querier, file string) (*models.Lock, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+lockColumns+" FROM locks WHERE file = ? AND status = 'active'", file)
	lock, err := scanLock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return lock, err
}

func (c *Coordinator) insertLockTx(ctx context.Context, tx *sql.Tx, specialistID, file string,
	purpose models.LockPurpose, timeoutMS int64, now time.Time) (*models.Lock, error) {

	lock := &models.Lock{
		ID:         uuid.NewString(),
		File:       file,
		ReservedBy: specialistID,
		ReservedAt: now,
		ExpiresAt:  now.Add(time.Duration(timeoutMS) * time.Millisecond),
		Purpose:    purpose,
		TimeoutMS:  timeoutMS,
		Status:     models.LockStatusActive,
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO locks (id, file, reserved_by, purpose, status, reserved_at, expires_at, timeout_ms)
		VALUES (?, ?, ?, ?, 'active', ?, ?, ?)`,
		lock.ID, lock.File, lock.ReservedBy, lock.Purpose, lock.ReservedAt, lock.ExpiresAt, lock.TimeoutMS)
	if err != nil {
		return nil, fmt.Errorf("insert lock for %s: %w", file, err)
	}

	_, err = c.events.AppendTx(ctx, tx, eventstore.AppendInput{
		StreamType: models.StreamTypeLock,
		StreamID:   lock.ID,
		EventType:  models.EventTypeLockAcquired,
		Payload: models.LockAcquiredPayload{
			LockID:       lock.ID,
			File:         lock.File,
			SpecialistID: lock.ReservedBy,
			ExpiresAt:    lock.ExpiresAt,
			Purpose:      string(lock.Purpose),
		},
	})
	if err != nil {
		return nil, err
	}
	return lock, nil
}

func (c *Coordinator) markReleasedTx(ctx context.Context, tx *sql.Tx, lock *models.Lock, status models.LockStatus) error {
	now := time.Now().UTC()
	_, err := tx.ExecContext(ctx,
		"UPDATE locks SET status = ?, released_at = ? WHERE id = ? AND status = 'active'",
		status, now, lock.ID)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", lock.ID, err)
	}
	lock.Status = status
	lock.ReleasedAt = &now

	eventType := models.EventTypeLockReleased
	if status == models.LockStatusExpired {
		eventType = models.EventTypeLockExpired
	}
	_, err = c.events.AppendTx(ctx, tx, eventstore.AppendInput{
		StreamType: models.StreamTypeLock,
		StreamID:   lock.ID,
		EventType:  eventType,
		Payload: models.LockReleasedPayload{
			LockID:       lock.ID,
			File:         lock.File,
			SpecialistID: lock.ReservedBy,
			Status:       status,
		},
	})
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLock(row rowScanner) (*models.Lock, error) {
	var (
		l          models.Lock
		releasedAt sql.NullTime
		checksum   sql.NullString
	)
	err := row.Scan(&l.ID, &l.File, &l.ReservedBy, &l.Purpose, &l.Status,
		&l.ReservedAt, &l.ExpiresAt, &releasedAt, &l.TimeoutMS, &checksum)
	if err != nil {
		return nil, err
	}
	if releasedAt.Valid {
		t := releasedAt.Time
		l.ReleasedAt = &t
	}
	l.Checksum = checksum.String
	return &l, nil
}
