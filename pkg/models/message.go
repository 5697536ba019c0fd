package models

import (
	"encoding/json"
	"time"
)

// Message is a mailbox entry addressed to one or more agents. Broadcast
// messages carry the "*" recipient.
type Message struct {
	ID          string     `json:"id"`
	MailboxID   string     `json:"mailbox_id"`
	Sequence    int64      `json:"sequence"`
	From        string     `json:"from"`
	To          []string   `json:"to"`
	Subject     string     `json:"subject"`
	Payload     string     `json:"payload,omitempty"`
	SentAt      time.Time  `json:"sent_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// Broadcast reports whether the message addresses the whole fleet.
func (m *Message) Broadcast() bool {
	for _, r := range m.To {
		if r == "*" {
			return true
		}
	}
	return false
}

// Mailbox is a named append-only event stream used for inter-component
// messaging. Rows are created lazily on first append and never deleted.
type Mailbox struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Events    []*Event  `json:"events"`
}

// Cursor tracks a consumer's read position in a mailbox stream. Position is
// the sequence of the last event read; 0 means nothing read yet. ID is the
// deterministic "<stream_id>:<consumer_id>" composite.
type Cursor struct {
	ID         string    `json:"id"`
	StreamID   string    `json:"stream_id"`
	ConsumerID string    `json:"consumer_id"`
	Position   int64     `json:"position"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// CursorID builds the composite identifier a cursor is addressed by.
func CursorID(streamID, consumerID string) string {
	return streamID + ":" + consumerID
}

// EventInput is one caller-supplied event in a mailbox append request.
type EventInput struct {
	Type        string            `json:"type" binding:"required"`
	Data        json.RawMessage   `json:"data,omitempty"`
	CausationID string            `json:"causation_id,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// MailboxAppendRequest is the HTTP payload for POST /api/v1/mailbox/append.
type MailboxAppendRequest struct {
	StreamID string       `json:"stream_id" binding:"required"`
	Events   []EventInput `json:"events" binding:"required"`
}

// AdvanceCursorRequest is the HTTP payload for POST /api/v1/cursor/advance.
// ConsumerID defaults to "default" when omitted.
type AdvanceCursorRequest struct {
	StreamID   string `json:"stream_id" binding:"required"`
	ConsumerID string `json:"consumer_id,omitempty"`
	Position   *int64 `json:"position" binding:"required"`
}

// SendMessageRequest enqueues an inter-specialist message.
type SendMessageRequest struct {
	From    string   `json:"from" binding:"required"`
	To      []string `json:"to" binding:"required"`
	Subject string   `json:"subject" binding:"required"`
	Payload string   `json:"payload,omitempty"`
}
