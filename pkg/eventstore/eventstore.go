// Package eventstore persists the append-only event log that is the source
// of truth for all coordination state. Every state change is an event in a
// stream identified by (stream_type, stream_id); sequence numbers are
// allocated inside the insert so each stream stays gap-free from 1 under
// concurrent writers.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/fleettools/squawk/pkg/metrics"
	"github.com/fleettools/squawk/pkg/models"
	"github.com/fleettools/squawk/pkg/store"
)

// ErrNoEvents is returned when a stream has no events yet.
var ErrNoEvents = errors.New("no events in stream")

// EventStore appends and queries the event log.
type EventStore struct {
	store *store.Store
}

// New creates an EventStore backed by the given store.
func New(st *store.Store) *EventStore {
	return &EventStore{store: st}
}

// AppendInput describes one event to persist. OccurredAt defaults to now;
// RecordedAt is always assigned by the store.
type AppendInput struct {
	StreamType    models.StreamType
	StreamID      string
	EventType     string
	Payload       any
	OccurredAt    time.Time
	CausationID   string
	CorrelationID string
	Metadata      map[string]string
	MailboxID     string
}

// Append persists one event in its own transaction, retrying on conflicts
// from concurrent writers.
func (es *EventStore) Append(ctx context.Context, in AppendInput) (*models.Event, error) {
	var ev *models.Event
	err := es.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		ev, err = es.AppendTx(ctx, tx, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// AppendTx persists one event inside the caller's transaction. Callers that
// update projections alongside the event use this so both commit or neither
// does.
func (es *EventStore) AppendTx(ctx context.Context, q store.Querier, in AppendInput) (*models.Event, error) {
	if in.StreamType == "" || in.StreamID == "" || in.EventType == "" {
		return nil, errors.New("stream_type, stream_id and event_type are required")
	}

	data, err := marshalPayload(in.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}

	occurredAt := in.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	recordedAt := time.Now().UTC()

	var metadata any
	var metadataRaw json.RawMessage
	if len(in.Metadata) > 0 {
		raw, err := json.Marshal(in.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal event metadata: %w", err)
		}
		metadata = string(raw)
		metadataRaw = raw
	}

	ev := &models.Event{
		ID:            uuid.NewString(),
		StreamType:    in.StreamType,
		StreamID:      in.StreamID,
		EventType:     in.EventType,
		Data:          data,
		OccurredAt:    occurredAt,
		RecordedAt:    recordedAt,
		CausationID:   in.CausationID,
		CorrelationID: in.CorrelationID,
		Metadata:      metadataRaw,
		SchemaVersion: models.CurrentEventSchemaVersion,
		MailboxID:     in.MailboxID,
	}

	// The sequence is allocated by the insert itself so no window exists
	// between reading MAX and writing MAX+1. The unique index on
	// (stream_type, stream_id, sequence_number) catches the remaining
	// race between two uncommitted transactions; InTx retries those.
	err = q.QueryRowContext(ctx, `
		INSERT INTO events (
			id, stream_type, stream_id, sequence_number, event_type, data,
			occurred_at, recorded_at, causation_id, correlation_id, metadata,
			schema_version, mailbox_id
		) VALUES (?, ?, ?,
			(SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM events WHERE stream_type = ? AND stream_id = ?),
			?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING sequence_number`,
		ev.ID, ev.StreamType, ev.StreamID, ev.StreamType, ev.StreamID,
		ev.EventType, string(data), occurredAt, recordedAt,
		nullable(ev.CausationID), nullable(ev.CorrelationID), metadata,
		ev.SchemaVersion, nullable(ev.MailboxID),
	).Scan(&ev.SequenceNumber)
	if err != nil {
		return nil, fmt.Errorf("append event %s to %s/%s: %w", in.EventType, in.StreamType, in.StreamID, err)
	}
	metrics.EventsAppended.WithLabelValues(string(ev.StreamType), ev.EventType).Inc()
	return ev, nil
}

// InTx runs fn in a transaction, retrying when SQLite reports a busy
// snapshot or a sequence collision from a concurrent writer. Retried
// functions re-read current state, so domain decisions made inside fn stay
// correct after a retry.
func (es *EventStore) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	op := func() error {
		err := es.store.WithTx(ctx, fn)
		if err == nil {
			return nil
		}
		if isRetryable(err) {
			slog.Debug("Retrying transaction after writer conflict", "error", err)
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

// isRetryable reports whether the error is a transient SQLite conflict: a
// locked database, a stale WAL snapshot, or a uniqueness race.
func isRetryable(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	if se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked {
		return true
	}
	return se.Code == sqlite3.ErrConstraint &&
		(se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}

// marshalPayload accepts structs, maps, raw JSON, or nil.
func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(raw), nil
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
