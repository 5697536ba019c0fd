// Package mailbox implements named append-only event streams for
// inter-component messaging, consumer cursors over those streams, and the
// inter-specialist message queue. Mailbox rows are created lazily on first
// append and never deleted.
package mailbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fleettools/squawk/pkg/eventstore"
	"github.com/fleettools/squawk/pkg/models"
	"github.com/fleettools/squawk/pkg/services"
	"github.com/fleettools/squawk/pkg/store"
)

// Service owns mailboxes, cursors, and messages.
type Service struct {
	store  *store.Store
	events *eventstore.EventStore
}

// NewService creates a mailbox service.
func NewService(st *store.Store, es *eventstore.EventStore) *Service {
	return &Service{store: st, events: es}
}

// Append writes caller-supplied events onto a mailbox stream, creating the
// mailbox on first use. Returns the mailbox with its full event list and the
// number of events inserted.
func (s *Service) Append(ctx context.Context, req models.MailboxAppendRequest) (*models.Mailbox, int, error) {
	if strings.TrimSpace(req.StreamID) == "" {
		return nil, 0, services.NewValidationError(services.CodeMissingField, "stream_id", "stream_id is required")
	}
	if len(req.Events) == 0 {
		return nil, 0, services.NewValidationError(services.CodeMissingField, "events", "at least one event is required")
	}
	for i, ev := range req.Events {
		if strings.TrimSpace(ev.Type) == "" {
			return nil, 0, services.NewValidationError(services.CodeMissingField,
				fmt.Sprintf("events[%d].type", i), "event type is required")
		}
	}

	inserted := 0
	err := s.events.InTx(ctx, func(tx *sql.Tx) error {
		inserted = 0
		if err := s.touchMailboxTx(ctx, tx, req.StreamID); err != nil {
			return err
		}
		for _, ev := range req.Events {
			var payload any
			if len(ev.Data) > 0 {
				payload = ev.Data
			}
			_, err := s.events.AppendTx(ctx, tx, eventstore.AppendInput{
				StreamType:  models.StreamTypeMailbox,
				StreamID:    req.StreamID,
				EventType:   ev.Type,
				Payload:     payload,
				CausationID: ev.CausationID,
				Metadata:    ev.Metadata,
				MailboxID:   req.StreamID,
			})
			if err != nil {
				return err
			}
			inserted++
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	mb, err := s.Read(ctx, req.StreamID)
	if err != nil {
		return nil, 0, err
	}
	return mb, inserted, nil
}

// Read returns a mailbox and every event on its stream, in sequence order.
func (s *Service) Read(ctx context.Context, streamID string) (*models.Mailbox, error) {
	mb, err := s.getMailbox(ctx, streamID)
	if err != nil {
		return nil, err
	}
	events, err := s.events.Stream(ctx, models.StreamTypeMailbox, streamID)
	if err != nil {
		return nil, err
	}
	mb.Events = events
	if mb.Events == nil {
		mb.Events = []*models.Event{}
	}
	return mb, nil
}

// AdvanceCursor upserts a consumer's read position on a mailbox stream. The
// stream must exist; positions never move backwards past zero but may rewind
// intentionally, so the only bound checked is non-negativity.
func (s *Service) AdvanceCursor(ctx context.Context, streamID, consumerID string, position int64) (*models.Cursor, error) {
	if consumerID == "" {
		consumerID = "default"
	}
	if position < 0 {
		return nil, services.NewValidationError(services.CodeInvalidRange, "position", "position must be >= 0")
	}
	if _, err := s.getMailbox(ctx, streamID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	_, err := s.store.DB().ExecContext(ctx, `
		INSERT INTO cursors (mailbox_id, consumer_id, position, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (mailbox_id, consumer_id) DO UPDATE SET position = excluded.position, updated_at = excluded.updated_at`,
		streamID, consumerID, position, now)
	if err != nil {
		return nil, fmt.Errorf("advance cursor %s/%s: %w", streamID, consumerID, err)
	}
	return &models.Cursor{
		ID:         models.CursorID(streamID, consumerID),
		StreamID:   streamID,
		ConsumerID: consumerID,
		Position:   position,
		UpdatedAt:  now,
	}, nil
}

// GetCursor resolves a cursor by its "<stream_id>:<consumer_id>" id.
func (s *Service) GetCursor(ctx context.Context, cursorID string) (*models.Cursor, error) {
	streamID, consumerID, ok := strings.Cut(cursorID, ":")
	if !ok {
		return nil, services.NewValidationError(services.CodeMissingField, "cursor_id",
			"cursor id must be <stream_id>:<consumer_id>")
	}

	var c models.Cursor
	err := s.store.DB().QueryRowContext(ctx, `
		SELECT mailbox_id, consumer_id, position, updated_at
		FROM cursors WHERE mailbox_id = ? AND consumer_id = ?`, streamID, consumerID).
		Scan(&c.StreamID, &c.ConsumerID, &c.Position, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cursor %s: %w", cursorID, services.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get cursor %s: %w", cursorID, err)
	}
	c.ID = cursorID
	return &c, nil
}

// ActiveMailboxes returns the number of mailbox streams, for the status
// endpoint.
func (s *Service) ActiveMailboxes(ctx context.Context) (int, error) {
	var n int
	err := s.store.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM mailboxes").Scan(&n)
	return n, err
}

func (s *Service) getMailbox(ctx context.Context, streamID string) (*models.Mailbox, error) {
	var mb models.Mailbox
	err := s.store.DB().QueryRowContext(ctx,
		"SELECT id, created_at, updated_at FROM mailboxes WHERE id = ?", streamID).
		Scan(&mb.ID, &mb.CreatedAt, &mb.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mailbox %s: %w", streamID, services.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get mailbox %s: %w", streamID, err)
	}
	return &mb, nil
}

// touchMailboxTx creates the mailbox row on first append and bumps
// updated_at on every subsequent one.
func (s *Service) touchMailboxTx(ctx context.Context, tx *sql.Tx, streamID string) error {
	now := time.Now().UTC()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO mailboxes (id, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET updated_at = excluded.updated_at`,
		streamID, now, now)
	if err != nil {
		return fmt.Errorf("touch mailbox %s: %w", streamID, err)
	}
	return nil
}
