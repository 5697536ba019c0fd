// Package models defines the persistent entities, enumerations, and
// request/response types shared by the squawk coordination server.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// StreamType partitions the event log. Sequence numbers are allocated
// per (stream_type, stream_id) pair.
type StreamType string

const (
	StreamTypeMission    StreamType = "mission"
	StreamTypeMailbox    StreamType = "mailbox"
	StreamTypeSpecialist StreamType = "specialist"
	StreamTypeLock       StreamType = "lock"
	StreamTypeSystem     StreamType = "system"
)

// CurrentEventSchemaVersion is stamped on every appended event. The field is
// reserved for future migration and is never branched on.
const CurrentEventSchemaVersion = 1

// Event is an immutable fact recorded about a stream. Events are the source
// of truth; projection rows are derived from them in the same transaction.
type Event struct {
	ID             string          `json:"event_id"`
	StreamType     StreamType      `json:"stream_type"`
	StreamID       string          `json:"stream_id"`
	SequenceNumber int64           `json:"sequence_number"`
	EventType      string          `json:"event_type"`
	Data           json.RawMessage `json:"data"`
	OccurredAt     time.Time       `json:"occurred_at"`
	RecordedAt     time.Time       `json:"recorded_at"`
	CausationID    string          `json:"causation_id,omitempty"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	SchemaVersion  int             `json:"schema_version"`
	MailboxID      string          `json:"mailbox_id,omitempty"`
}

// Event type tags. Every observable state change appends exactly one of these.
const (
	EventTypeMissionCreated           = "mission_created"
	EventTypeMissionStatusChanged     = "mission_status_changed"
	EventTypeSortieCreated            = "sortie_created"
	EventTypeSortieStatusChanged      = "sortie_status_changed"
	EventTypeSpecialistSpawned        = "specialist_spawned"
	EventTypeSpecialistRegistered     = "specialist_registered"
	EventTypeSpecialistBlockerHandled = "specialist_blocker_handled"
	EventTypeLockAcquired             = "lock_acquired"
	EventTypeLockReleased             = "lock_released"
	EventTypeLockExpired              = "lock_expired"
	EventTypeLockQueued               = "lock_queued"
	EventTypeCheckpointCreated        = "checkpoint_created"
	EventTypeContextCompacted         = "context_compacted"
	EventTypeFleetRecovered           = "fleet_recovered"
	EventTypeMessageSent              = "message_sent"
	EventTypeMessageDelivered         = "message_delivered"
	EventTypeMailboxAppended          = "mailbox_appended"
)

// MissionCreatedPayload is the data payload for mission_created.
type MissionCreatedPayload struct {
	MissionID    string `json:"mission_id"`
	Task         string `json:"task"`
	Strategy     string `json:"strategy"`
	TotalSorties int    `json:"total_sorties"`
}

// MissionStatusChangedPayload is the data payload for mission_status_changed.
type MissionStatusChangedPayload struct {
	MissionID string        `json:"mission_id"`
	From      MissionStatus `json:"from"`
	To        MissionStatus `json:"to"`
}

// SortieCreatedPayload is the data payload for sortie_created.
type SortieCreatedPayload struct {
	SortieID     string   `json:"sortie_id"`
	MissionID    string   `json:"mission_id"`
	SortieIndex  int      `json:"sortie_index"`
	Description  string   `json:"description"`
	Files        []string `json:"files"`
	Dependencies []int    `json:"dependencies"`
}

// SortieStatusChangedPayload is the data payload for sortie_status_changed.
type SortieStatusChangedPayload struct {
	SortieID  string       `json:"sortie_id"`
	MissionID string       `json:"mission_id"`
	From      SortieStatus `json:"from"`
	To        SortieStatus `json:"to"`
	Assignee  string       `json:"assignee,omitempty"`
}

// SpecialistSpawnedPayload is the data payload for specialist_spawned.
type SpecialistSpawnedPayload struct {
	SpecialistID string `json:"specialist_id"`
	Name         string `json:"name"`
	MissionID    string `json:"mission_id"`
	SortieID     string `json:"sortie_id"`
}

// SpecialistRegisteredPayload is the data payload for specialist_registered.
type SpecialistRegisteredPayload struct {
	SpecialistID string   `json:"specialist_id"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// BlockerHandledPayload is the data payload for specialist_blocker_handled.
type BlockerHandledPayload struct {
	SpecialistID string      `json:"specialist_id"`
	Kind         BlockerKind `json:"kind"`
	RetryCount   int         `json:"retry_count"`
	RetryAfterMS int64       `json:"retry_after_ms,omitempty"`
	TargetSortie string      `json:"target_sortie,omitempty"`
	Status       string      `json:"status"`
}

// LockAcquiredPayload is the data payload for lock_acquired.
type LockAcquiredPayload struct {
	LockID       string    `json:"lock_id"`
	File         string    `json:"file"`
	SpecialistID string    `json:"specialist_id"`
	ExpiresAt    time.Time `json:"expires_at"`
	Purpose      string    `json:"purpose"`
}

// LockReleasedPayload is the data payload for lock_released and lock_expired.
type LockReleasedPayload struct {
	LockID       string     `json:"lock_id"`
	File         string     `json:"file"`
	SpecialistID string     `json:"specialist_id"`
	Status       LockStatus `json:"status"`
}

// LockQueuedPayload is the data payload for lock_queued.
type LockQueuedPayload struct {
	File         string `json:"file"`
	SpecialistID string `json:"specialist_id"`
	Position     int    `json:"position"`
	HolderID     string `json:"holder_id"`
}

// CheckpointCreatedPayload is the data payload for checkpoint_created.
type CheckpointCreatedPayload struct {
	CheckpointID    string  `json:"checkpoint_id"`
	MissionID       string  `json:"mission_id"`
	Trigger         string  `json:"trigger"`
	ProgressPercent float64 `json:"progress_percent"`
}

// ContextCompactedPayload is the data payload for context_compacted, emitted
// when the recovery scanner flags a stale in-progress mission.
type ContextCompactedPayload struct {
	MissionID    string    `json:"mission_id"`
	LastEventAt  time.Time `json:"last_event_at"`
	CheckpointID string    `json:"checkpoint_id"`
}

// FleetRecoveredPayload is the data payload for fleet_recovered.
type FleetRecoveredPayload struct {
	MissionID        string   `json:"mission_id"`
	CheckpointID     string   `json:"checkpoint_id"`
	SortiesRestored  int      `json:"sorties_restored"`
	LocksRestored    int      `json:"locks_restored"`
	MessagesRequeued int      `json:"messages_requeued"`
	Warnings         []string `json:"warnings,omitempty"`
}

// MessageSentPayload is the data payload for message_sent and message_delivered.
type MessageSentPayload struct {
	MessageID string   `json:"message_id"`
	From      string   `json:"from"`
	To        []string `json:"to"`
	Subject   string   `json:"subject"`
}

// MailboxAppendedPayload is the data payload for mailbox_appended on arbitrary
// caller-defined mailbox streams.
type MailboxAppendedPayload struct {
	MailboxID string `json:"mailbox_id"`
	Count     int    `json:"count"`
}

// payloadRegistry maps each event type tag to a constructor for its payload
// struct. Unknown tags round-trip as raw JSON.
var payloadRegistry = map[string]func() any{
	EventTypeMissionCreated:           func() any { return &MissionCreatedPayload{} },
	EventTypeMissionStatusChanged:     func() any { return &MissionStatusChangedPayload{} },
	EventTypeSortieCreated:            func() any { return &SortieCreatedPayload{} },
	EventTypeSortieStatusChanged:      func() any { return &SortieStatusChangedPayload{} },
	EventTypeSpecialistSpawned:        func() any { return &SpecialistSpawnedPayload{} },
	EventTypeSpecialistRegistered:     func() any { return &SpecialistRegisteredPayload{} },
	EventTypeSpecialistBlockerHandled: func() any { return &BlockerHandledPayload{} },
	EventTypeLockAcquired:             func() any { return &LockAcquiredPayload{} },
	EventTypeLockReleased:             func() any { return &LockReleasedPayload{} },
	EventTypeLockExpired:              func() any { return &LockReleasedPayload{} },
	EventTypeLockQueued:               func() any { return &LockQueuedPayload{} },
	EventTypeCheckpointCreated:        func() any { return &CheckpointCreatedPayload{} },
	EventTypeContextCompacted:         func() any { return &ContextCompactedPayload{} },
	EventTypeFleetRecovered:           func() any { return &FleetRecoveredPayload{} },
	EventTypeMessageSent:              func() any { return &MessageSentPayload{} },
	EventTypeMessageDelivered:         func() any { return &MessageSentPayload{} },
	EventTypeMailboxAppended:          func() any { return &MailboxAppendedPayload{} },
}

// DecodeEventData decodes an event's data blob into the payload struct
// registered for its type tag. Unregistered types are returned as
// json.RawMessage so callers can still inspect them.
func DecodeEventData(eventType string, data json.RawMessage) (any, error) {
	ctor, ok := payloadRegistry[eventType]
	if !ok {
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return raw, nil
	}
	payload := ctor()
	if err := json.Unmarshal(data, payload); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", eventType, err)
	}
	return payload, nil
}

// EncodeEventData marshals a payload for storage in an event's data column.
func EncodeEventData(payload any) (json.RawMessage, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event payload: %w", err)
	}
	return b, nil
}

// KnownEventType reports whether the type tag has a registered payload schema.
func KnownEventType(eventType string) bool {
	_, ok := payloadRegistry[eventType]
	return ok
}
