package locks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fleettools/squawk/pkg/eventstore"
	"github.com/fleettools/squawk/pkg/models"
)

// enqueueTx adds a waiter to the file's FIFO queue and returns its 1-based
// position. A specialist already queued for the file keeps its original slot.
func (c *Coordinator) enqueueTx(ctx context.Context, tx *sql.Tx, holder *models.Lock,
	specialistID, file string, purpose models.LockPurpose, timeoutMS int64, now time.Time) (int, error) {

	res, err := tx.ExecContext(ctx, `
		INSERT INTO lock_waiters (id, file, agent_id, purpose, timeout_ms, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (file, agent_id) DO NOTHING`,
		uuid.NewString(), file, specialistID, purpose, timeoutMS, now)
	if err != nil {
		return 0, fmt.Errorf("enqueue waiter for %s: %w", file, err)
	}

	var position int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM lock_waiters
		WHERE file = ? AND queue_seq <= (SELECT queue_seq FROM lock_waiters WHERE file = ? AND agent_id = ?)`,
		file, file, specialistID).Scan(&position)
	if err != nil {
		return 0, fmt.Errorf("waiter position for %s: %w", file, err)
	}

	if inserted, _ := res.RowsAffected(); inserted > 0 {
		_, err = c.events.AppendTx(ctx, tx, eventstore.AppendInput{
			StreamType: models.StreamTypeLock,
			StreamID:   holder.ID,
			EventType:  models.EventTypeLockQueued,
			Payload: models.LockQueuedPayload{
				File:         file,
				SpecialistID: specialistID,
				Position:     position,
				HolderID:     holder.ReservedBy,
			},
		})
		if err != nil {
			return 0, err
		}
	}
	return position, nil
}

// Waiters returns the FIFO queue for a file, head first.
func (c *Coordinator) Waiters(ctx context.Context, file string) ([]*models.LockWaiter, error) {
	rows, err := c.store.DB().QueryContext(ctx, `
		SELECT id, file, agent_id, purpose, timeout_ms, enqueued_at
		FROM lock_waiters WHERE file = ? ORDER BY queue_seq`, Canonicalize(file))
	if err != nil {
		return nil, fmt.Errorf("list waiters: %w", err)
	}
	defer rows.Close()

	var waiters []*models.LockWaiter
	for rows.Next() {
		var w models.LockWaiter
		if err := rows.Scan(&w.ID, &w.File, &w.SpecialistID, &w.Purpose, &w.TimeoutMS, &w.EnqueuedAt); err != nil {
			return nil, err
		}
		waiters = append(waiters, &w)
	}
	return waiters, rows.Err()
}

// processQueue hands the file to its head waiter when no active lock
// remains. A race with a fresh acquirer simply leaves the waiter queued for
// the next tick.
func (c *Coordinator) processQueue(ctx context.Context, file string) {
	err := c.events.InTx(ctx, func(tx *sql.Tx) error {
		active, err := c.activeLockTx(ctx, tx, file)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		if active != nil {
			if !active.Expired(now) {
				return nil
			}
			if err := c.markReleasedTx(ctx, tx, active, models.LockStatusExpired); err != nil {
				return err
			}
		}

		var head models.LockWaiter
		err = tx.QueryRowContext(ctx, `
			SELECT id, file, agent_id, purpose, timeout_ms, enqueued_at
			FROM lock_waiters WHERE file = ? ORDER BY queue_seq LIMIT 1`, file).
			Scan(&head.ID, &head.File, &head.SpecialistID, &head.Purpose, &head.TimeoutMS, &head.EnqueuedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read queue head for %s: %w", file, err)
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM lock_waiters WHERE id = ?", head.ID); err != nil {
			return fmt.Errorf("dequeue waiter %s: %w", head.ID, err)
		}
		lock, err := c.insertLockTx(ctx, tx, head.SpecialistID, file, head.Purpose, head.TimeoutMS, now)
		if err != nil {
			return err
		}
		slog.Debug("Lock granted to queue head",
			"file", file, "specialist_id", head.SpecialistID, "lock_id", lock.ID)
		return nil
	})
	if err != nil {
		slog.Error("Queue processing failed", "file", file, "error", err)
	}
}

// processAllQueues runs processQueue for every file with waiters.
func (c *Coordinator) processAllQueues(ctx context.Context) {
	files, err := c.queuedFiles(ctx)
	if err != nil {
		slog.Error("Listing queued files failed", "error", err)
		return
	}
	for _, file := range files {
		c.processQueue(ctx, file)
	}
}

func (c *Coordinator) queuedFiles(ctx context.Context) ([]string, error) {
	rows, err := c.store.DB().QueryContext(ctx,
		"SELECT DISTINCT file FROM lock_waiters ORDER BY file")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []string
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}
