package models

import "time"

// SpecialistStatus tracks a spawned specialist through its lifecycle.
type SpecialistStatus string

const (
	SpecialistSpawned    SpecialistStatus = "spawned"
	SpecialistRegistered SpecialistStatus = "registered"
	SpecialistWorking    SpecialistStatus = "working"
	SpecialistBlocked    SpecialistStatus = "blocked"
	SpecialistCompleted  SpecialistStatus = "completed"
	SpecialistFailed     SpecialistStatus = "failed"
)

// Valid reports whether the status is one of the known values.
func (s SpecialistStatus) Valid() bool {
	switch s {
	case SpecialistSpawned, SpecialistRegistered, SpecialistWorking,
		SpecialistBlocked, SpecialistCompleted, SpecialistFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are expected.
func (s SpecialistStatus) Terminal() bool {
	return s == SpecialistCompleted || s == SpecialistFailed
}

// Specialist is a worker agent assigned to exactly one sortie.
type Specialist struct {
	ID              string           `json:"id"`
	MissionID       string           `json:"mission_id"`
	SortieID        string           `json:"sortie_id"`
	SortieIndex     int              `json:"sortie_index"`
	Status          SpecialistStatus `json:"status"`
	Capabilities    []string         `json:"capabilities,omitempty"`
	SpawnedAt       time.Time        `json:"spawned_at"`
	RegisteredAt    *time.Time       `json:"registered_at,omitempty"`
	LastHeartbeatAt *time.Time       `json:"last_heartbeat_at,omitempty"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
}

// RegisterRequest announces a specialist is alive and ready for work.
type RegisterRequest struct {
	SpecialistID string   `json:"specialist_id" binding:"required"`
	MissionID    string   `json:"mission_id" binding:"required"`
	SortieIndex  *int     `json:"sortie_index" binding:"required"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// RegisterResponse returns the assigned sortie and mission context. When an
// unconsumed checkpoint exists for the mission, RecoveryContext carries its
// formatted recovery prompt so the agent can self-inject it on resume.
type RegisterResponse struct {
	SortieID        string   `json:"sortie_id"`
	SortieIndex     int      `json:"sortie_index"`
	Description     string   `json:"description"`
	Files           []string `json:"files"`
	Dependencies    []int    `json:"dependencies"`
	MissionTask     string   `json:"mission_task"`
	MissionContext  string   `json:"mission_context,omitempty"`
	RecoveryContext string   `json:"recovery_context,omitempty"`
}

// ReserveRequest asks for an exclusive file reservation.
type ReserveRequest struct {
	SpecialistID string `json:"specialist_id" binding:"required"`
	File         string `json:"file" binding:"required"`
	Purpose      string `json:"purpose,omitempty"`
	TimeoutMS    int64  `json:"timeout_ms,omitempty"`
}

// ReserveResponse reports the outcome of a reservation attempt. Status is
// "reserved", "conflict", or "queued".
type ReserveResponse struct {
	Status        string     `json:"status"`
	LockID        string     `json:"lock_id,omitempty"`
	File          string     `json:"file"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	HeldBy        string     `json:"held_by,omitempty"`
	HeldUntil     *time.Time `json:"held_until,omitempty"`
	QueuePosition int        `json:"queue_position,omitempty"`
}

// ProgressRequest reports percent-complete on the assigned sortie.
type ProgressRequest struct {
	SpecialistID string `json:"specialist_id" binding:"required"`
	Progress     *int   `json:"progress" binding:"required"`
	Notes        string `json:"notes,omitempty"`
}

// CompleteRequest marks the assigned sortie finished and releases its locks.
type CompleteRequest struct {
	SpecialistID  string   `json:"specialist_id" binding:"required"`
	Summary       string   `json:"summary,omitempty"`
	FilesModified []string `json:"files_modified,omitempty"`
}

// CompleteResponse acknowledges completion and reports unblocked work.
type CompleteResponse struct {
	SortieID         string `json:"sortie_id"`
	LocksReleased    int    `json:"locks_released"`
	DependentsReady  []int  `json:"dependents_ready,omitempty"`
	MissionCompleted bool   `json:"mission_completed"`
}

// BlockedRequest reports the specialist cannot proceed. AffectedSortie names
// the sortie a dependency blocker waits on; AffectedFile the path a
// lock_timeout blocker could not reserve.
type BlockedRequest struct {
	SpecialistID   string `json:"specialist_id" binding:"required"`
	Kind           string `json:"kind" binding:"required"`
	Description    string `json:"description" binding:"required"`
	AffectedFile   string `json:"affected_file,omitempty"`
	AffectedSortie string `json:"affected_sortie,omitempty"`
}

// BlockedResponse carries the handler's resolution back to the specialist.
type BlockedResponse struct {
	Status         ResolutionStatus `json:"status"`
	ResolutionHint string           `json:"resolution_hint"`
	RetryAfterMS   int64            `json:"retry_after_ms,omitempty"`
	NextAction     string           `json:"next_action,omitempty"`
	RetryCount     int              `json:"retry_count"`
}

// SquawkAction selects between the two halves of the squawk tool.
type SquawkAction string

const (
	SquawkSend    SquawkAction = "send"
	SquawkReceive SquawkAction = "receive"
)

// SquawkRequest sends a message to other specialists or drains the caller's
// undelivered messages, depending on Action.
type SquawkRequest struct {
	SpecialistID string   `json:"specialist_id" binding:"required"`
	Action       string   `json:"action" binding:"required"`
	To           []string `json:"to,omitempty"`
	Subject      string   `json:"subject,omitempty"`
	Payload      string   `json:"payload,omitempty"`
}

// SquawkResponse acknowledges a send or returns the drained messages.
type SquawkResponse struct {
	Status    string     `json:"status"`
	MessageID string     `json:"message_id,omitempty"`
	Messages  []*Message `json:"messages,omitempty"`
}
