package mailbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/fleettools/squawk/pkg/eventstore"
	"github.com/fleettools/squawk/pkg/models"
	"github.com/fleettools/squawk/pkg/services"
)

// SendMessage enqueues a message in the given mailbox for its recipients.
// The "*" recipient broadcasts to any consumer.
func (s *Service) SendMessage(ctx context.Context, mailboxID string, req models.SendMessageRequest) (*models.Message, error) {
	if mailboxID == "" {
		return nil, services.NewValidationError(services.CodeMissingField, "mailbox_id", "mailbox_id is required")
	}
	if len(req.To) == 0 {
		return nil, services.NewValidationError(services.CodeMissingField, "to", "at least one recipient is required")
	}

	recipients, err := json.Marshal(req.To)
	if err != nil {
		return nil, fmt.Errorf("marshal recipients: %w", err)
	}

	msg := &models.Message{
		ID:        uuid.NewString(),
		MailboxID: mailboxID,
		From:      req.From,
		To:        req.To,
		Subject:   req.Subject,
		Payload:   req.Payload,
		SentAt:    time.Now().UTC(),
	}

	err = s.events.InTx(ctx, func(tx *sql.Tx) error {
		if err := s.touchMailboxTx(ctx, tx, mailboxID); err != nil {
			return err
		}
		err := tx.QueryRowContext(ctx, `
			INSERT INTO messages (mailbox_id, sequence, id, from_agent, recipients, subject, payload, sent_at)
			VALUES (?, (SELECT COALESCE(MAX(sequence), 0) + 1 FROM messages WHERE mailbox_id = ?), ?, ?, ?, ?, ?, ?)
			RETURNING sequence`,
			mailboxID, mailboxID, msg.ID, msg.From, string(recipients), msg.Subject, msg.Payload, msg.SentAt).
			Scan(&msg.Sequence)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		_, err = s.events.AppendTx(ctx, tx, eventstore.AppendInput{
			StreamType: models.StreamTypeMailbox,
			StreamID:   mailboxID,
			EventType:  models.EventTypeMessageSent,
			MailboxID:  mailboxID,
			Payload: models.MessageSentPayload{
				MessageID: msg.ID,
				From:      msg.From,
				To:        msg.To,
				Subject:   msg.Subject,
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// ReceiveMessages drains the undelivered messages addressed to a recipient
// (directly or via broadcast), marking each delivered.
func (s *Service) ReceiveMessages(ctx context.Context, mailboxID, recipientID string) ([]*models.Message, error) {
	pending, err := s.PendingMessages(ctx, mailboxID)
	if err != nil {
		return nil, err
	}
	mine := lo.Filter(pending, func(m *models.Message, _ int) bool {
		return m.Broadcast() || lo.Contains(m.To, recipientID)
	})
	if len(mine) == 0 {
		return []*models.Message{}, nil
	}

	now := time.Now().UTC()
	err = s.events.InTx(ctx, func(tx *sql.Tx) error {
		for _, m := range mine {
			res, err := tx.ExecContext(ctx,
				"UPDATE messages SET delivered_at = ? WHERE id = ? AND delivered_at IS NULL", now, m.ID)
			if err != nil {
				return fmt.Errorf("mark delivered %s: %w", m.ID, err)
			}
			// A concurrent receiver may have drained it first.
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}
			m.DeliveredAt = &now
			_, err = s.events.AppendTx(ctx, tx, eventstore.AppendInput{
				StreamType: models.StreamTypeMailbox,
				StreamID:   mailboxID,
				EventType:  models.EventTypeMessageDelivered,
				MailboxID:  mailboxID,
				Payload: models.MessageSentPayload{
					MessageID: m.ID,
					From:      m.From,
					To:        m.To,
					Subject:   m.Subject,
				},
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lo.Filter(mine, func(m *models.Message, _ int) bool { return m.DeliveredAt != nil }), nil
}

// PendingMessages returns every undelivered message in a mailbox, oldest
// first. Checkpoints snapshot exactly this set.
func (s *Service) PendingMessages(ctx context.Context, mailboxID string) ([]*models.Message, error) {
	rows, err := s.store.DB().QueryContext(ctx, `
		SELECT mailbox_id, sequence, id, from_agent, recipients, subject, payload, sent_at, delivered_at
		FROM messages WHERE mailbox_id = ? AND delivered_at IS NULL ORDER BY sequence`, mailboxID)
	if err != nil {
		return nil, fmt.Errorf("list pending messages: %w", err)
	}
	defer rows.Close()

	var msgs []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// RequeueMessage re-enqueues a checkpointed message. A message that was
// delivered after the snapshot was taken is re-pended under its original id,
// since its receiver lost context; one already pending is left untouched and
// reported false.
func (s *Service) RequeueMessage(ctx context.Context, mailboxID string, snap models.MessageSnapshot) (bool, error) {
	requeued := false
	err := s.events.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		requeued, err = s.RequeueMessageTx(ctx, tx, mailboxID, snap)
		return err
	})
	return requeued, err
}

// RequeueMessageTx is RequeueMessage inside the caller's transaction.
func (s *Service) RequeueMessageTx(ctx context.Context, tx *sql.Tx, mailboxID string, snap models.MessageSnapshot) (bool, error) {
	recipients, err := json.Marshal(snap.To)
	if err != nil {
		return false, fmt.Errorf("marshal recipients: %w", err)
	}

	var delivered sql.NullTime
	err = tx.QueryRowContext(ctx,
		"SELECT delivered_at FROM messages WHERE id = ?", snap.ID).Scan(&delivered)
	switch {
	case err == nil && !delivered.Valid:
		return false, nil
	case err == nil:
		_, err = tx.ExecContext(ctx,
			"UPDATE messages SET delivered_at = NULL WHERE id = ?", snap.ID)
		if err != nil {
			return false, fmt.Errorf("re-pend message %s: %w", snap.ID, err)
		}
		return true, nil
	case !errors.Is(err, sql.ErrNoRows):
		return false, err
	}
	if err := s.touchMailboxTx(ctx, tx, mailboxID); err != nil {
		return false, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (mailbox_id, sequence, id, from_agent, recipients, subject, payload, sent_at)
		VALUES (?, (SELECT COALESCE(MAX(sequence), 0) + 1 FROM messages WHERE mailbox_id = ?), ?, ?, ?, ?, ?, ?)`,
		mailboxID, mailboxID, snap.ID, snap.From, string(recipients), snap.Subject, snap.Payload, snap.SentAt)
	if err != nil {
		return false, fmt.Errorf("requeue message %s: %w", snap.ID, err)
	}
	return true, nil
}

func scanMessage(rows *sql.Rows) (*models.Message, error) {
	var (
		m           models.Message
		recipients  string
		payload     sql.NullString
		deliveredAt sql.NullTime
	)
	err := rows.Scan(&m.MailboxID, &m.Sequence, &m.ID, &m.From, &recipients,
		&m.Subject, &payload, &m.SentAt, &deliveredAt)
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	if err := json.Unmarshal([]byte(recipients), &m.To); err != nil {
		return nil, fmt.Errorf("decode recipients of %s: %w", m.ID, err)
	}
	m.Payload = payload.String
	if deliveredAt.Valid {
		t := deliveredAt.Time
		m.DeliveredAt = &t
	}
	return &m, nil
}
