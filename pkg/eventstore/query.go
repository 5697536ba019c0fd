package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fleettools/squawk/pkg/models"
	"github.com/fleettools/squawk/pkg/store"
)

// Filter narrows an event query. Zero fields are ignored; Limit defaults
// to 100 and is capped at 1000.
type Filter struct {
	StreamType models.StreamType
	StreamID   string
	EventType  string
	Since      time.Time
	AfterSeq   int64
	Limit      int
}

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

const eventColumns = `id, stream_type, stream_id, sequence_number, event_type, data,
	occurred_at, recorded_at, causation_id, correlation_id, metadata, schema_version, mailbox_id`

// Query returns events matching the filter, ordered by recorded time then
// sequence so interleaved streams read back in arrival order.
func (es *EventStore) Query(ctx context.Context, f Filter) ([]*models.Event, error) {
	var (
		conds []string
		args  []any
	)
	if f.StreamType != "" {
		conds = append(conds, "stream_type = ?")
		args = append(args, f.StreamType)
	}
	if f.StreamID != "" {
		conds = append(conds, "stream_id = ?")
		args = append(args, f.StreamID)
	}
	if f.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, f.EventType)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "recorded_at >= ?")
		args = append(args, f.Since.UTC())
	}
	if f.AfterSeq > 0 {
		conds = append(conds, "sequence_number > ?")
		args = append(args, f.AfterSeq)
	}

	query := "SELECT " + eventColumns + " FROM events"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY recorded_at, stream_type, stream_id, sequence_number LIMIT ?"
	args = append(args, clampLimit(f.Limit))

	return es.queryEvents(ctx, es.store.DB(), query, args...)
}

// Stream returns every event of one stream in sequence order.
func (es *EventStore) Stream(ctx context.Context, streamType models.StreamType, streamID string) ([]*models.Event, error) {
	return es.StreamTx(ctx, es.store.DB(), streamType, streamID)
}

// StreamTx is Stream inside the caller's transaction.
func (es *EventStore) StreamTx(ctx context.Context, q store.Querier, streamType models.StreamType, streamID string) ([]*models.Event, error) {
	query := "SELECT " + eventColumns + ` FROM events
		WHERE stream_type = ? AND stream_id = ?
		ORDER BY sequence_number`
	return es.queryEvents(ctx, q, query, streamType, streamID)
}

// Latest returns the newest event of a stream, or ErrNoEvents.
func (es *EventStore) Latest(ctx context.Context, streamType models.StreamType, streamID string) (*models.Event, error) {
	return es.LatestTx(ctx, es.store.DB(), streamType, streamID)
}

// LatestTx is Latest inside the caller's transaction.
func (es *EventStore) LatestTx(ctx context.Context, q store.Querier, streamType models.StreamType, streamID string) (*models.Event, error) {
	query := "SELECT " + eventColumns + ` FROM events
		WHERE stream_type = ? AND stream_id = ?
		ORDER BY sequence_number DESC LIMIT 1`
	events, err := es.queryEvents(ctx, q, query, streamType, streamID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrNoEvents
	}
	return events[0], nil
}

// ByCorrelation returns every event carrying the given correlation id, in
// arrival order, across all streams.
func (es *EventStore) ByCorrelation(ctx context.Context, correlationID string) ([]*models.Event, error) {
	query := "SELECT " + eventColumns + ` FROM events
		WHERE correlation_id = ?
		ORDER BY recorded_at, sequence_number`
	return es.queryEvents(ctx, es.store.DB(), query, correlationID)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultQueryLimit
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

func (es *EventStore) queryEvents(ctx context.Context, q store.Querier, query string, args ...any) ([]*models.Event, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (*models.Event, error) {
	var (
		ev          models.Event
		data        string
		causation   sql.NullString
		correlation sql.NullString
		metadata    sql.NullString
		mailboxID   sql.NullString
	)
	err := rows.Scan(&ev.ID, &ev.StreamType, &ev.StreamID, &ev.SequenceNumber,
		&ev.EventType, &data, &ev.OccurredAt, &ev.RecordedAt,
		&causation, &correlation, &metadata, &ev.SchemaVersion, &mailboxID)
	if err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	ev.Data = json.RawMessage(data)
	ev.CausationID = causation.String
	ev.CorrelationID = correlation.String
	ev.MailboxID = mailboxID.String
	if metadata.Valid && metadata.String != "" {
		ev.Metadata = json.RawMessage(metadata.String)
	}
	return &ev, nil
}

// VerifyStream checks that a stream's sequence numbers run 1..n with no
// gaps or duplicates. Used by integrity checks and tests.
func (es *EventStore) VerifyStream(ctx context.Context, streamType models.StreamType, streamID string) error {
	rows, err := es.store.DB().QueryContext(ctx,
		`SELECT sequence_number FROM events
		 WHERE stream_type = ? AND stream_id = ?
		 ORDER BY sequence_number`, streamType, streamID)
	if err != nil {
		return fmt.Errorf("query stream sequences: %w", err)
	}
	defer rows.Close()

	want := int64(1)
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return err
		}
		if seq != want {
			return fmt.Errorf("stream %s/%s: expected sequence %d, found %d", streamType, streamID, want, seq)
		}
		want++
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if want == 1 {
		return errors.New("stream is empty")
	}
	return nil
}
