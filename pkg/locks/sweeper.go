package locks

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/fleettools/squawk/pkg/metrics"
	"github.com/fleettools/squawk/pkg/models"
)

// Start launches the two background loops: the expiry sweeper and the
// waiter-queue processor. Idempotent; a second Start is a no-op.
func (c *Coordinator) Start(ctx context.Context) {
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	go c.run(ctx)

	slog.Info("Lock coordinator started",
		"sweep_interval", c.cfg.SweepInterval,
		"queue_tick", c.cfg.QueueTick)
}

// Stop cancels the background loops, runs one final expiry sweep so no
// stale active rows outlive the process, and waits for the loops to exit.
func (c *Coordinator) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done

	if _, err := c.SweepExpired(context.Background()); err != nil {
		slog.Error("Final expiry sweep failed", "error", err)
	}
	slog.Info("Lock coordinator stopped")
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.done)

	sweep := time.NewTicker(c.cfg.SweepInterval)
	defer sweep.Stop()
	queue := time.NewTicker(c.cfg.QueueTick)
	defer queue.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			if n, err := c.SweepExpired(ctx); err != nil {
				slog.Error("Expiry sweep failed", "error", err)
			} else if n > 0 {
				slog.Info("Expired stale locks", "count", n)
			}
		case <-queue.C:
			c.processAllQueues(ctx)
		}
	}
}

// SweepExpired marks every overdue active lock expired and hands each
// affected file to its waiter queue. Returns the number of locks expired.
func (c *Coordinator) SweepExpired(ctx context.Context) (int, error) {
	now := time.Now().UTC()

	rows, err := c.store.DB().QueryContext(ctx,
		"SELECT "+lockColumns+" FROM locks WHERE status = 'active' AND expires_at < ?", now)
	if err != nil {
		return 0, err
	}
	var overdue []*models.Lock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			rows.Close()
			return 0, err
		}
		overdue = append(overdue, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	expired := 0
	for _, lock := range overdue {
		err := c.events.InTx(ctx, func(tx *sql.Tx) error {
			// Re-check under the transaction; the owner may have released
			// between the scan and now.
			current, err := c.lockByIDTx(ctx, tx, lock.ID)
			if err != nil {
				return err
			}
			if current.Status != models.LockStatusActive {
				return nil
			}
			return c.markReleasedTx(ctx, tx, current, models.LockStatusExpired)
		})
		if err != nil {
			slog.Error("Expiring lock failed", "lock_id", lock.ID, "file", lock.File, "error", err)
			continue
		}
		expired++
		metrics.LocksExpired.Inc()
		c.processQueue(ctx, lock.File)
	}
	return expired, nil
}
