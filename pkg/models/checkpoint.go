package models

import "time"

// CheckpointTrigger records why a checkpoint was taken.
type CheckpointTrigger string

const (
	TriggerProgress CheckpointTrigger = "progress"
	TriggerError    CheckpointTrigger = "error"
	TriggerManual   CheckpointTrigger = "manual"
)

// Valid reports whether the trigger is one of the known values.
func (t CheckpointTrigger) Valid() bool {
	switch t {
	case TriggerProgress, TriggerError, TriggerManual:
		return true
	}
	return false
}

// CurrentCheckpointVersion is stamped on every checkpoint written.
const CurrentCheckpointVersion = 1

// SortieSnapshot captures a non-terminal sortie's state at checkpoint time.
type SortieSnapshot struct {
	ID            string       `json:"id"`
	SortieIndex   int          `json:"sortie_index"`
	Status        SortieStatus `json:"status"`
	AssignedTo    string       `json:"assigned_to,omitempty"`
	Files         []string     `json:"files"`
	Progress      int          `json:"progress"`
	ProgressNotes string       `json:"progress_notes,omitempty"`
	StartedAt     *time.Time   `json:"started_at,omitempty"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// LockSnapshot captures an active, unexpired lock at checkpoint time.
type LockSnapshot struct {
	ID         string      `json:"id"`
	File       string      `json:"file"`
	ReservedBy string      `json:"reserved_by"`
	ReservedAt time.Time   `json:"reserved_at"`
	ExpiresAt  time.Time   `json:"expires_at"`
	Purpose    LockPurpose `json:"purpose"`
	TimeoutMS  int64       `json:"timeout_ms"`
}

// MessageSnapshot captures a pending (undelivered) message at checkpoint time.
type MessageSnapshot struct {
	ID      string   `json:"id"`
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Payload string   `json:"payload,omitempty"`
	SentAt  time.Time `json:"sent_at"`
}

// RecoveryContext is the structured summary injected into an agent prompt
// when a fleet resumes from a checkpoint.
type RecoveryContext struct {
	LastAction     string    `json:"last_action"`
	NextSteps      []string  `json:"next_steps"`
	Blockers       []string  `json:"blockers"`
	FilesModified  []string  `json:"files_modified"`
	MissionSummary string    `json:"mission_summary"`
	ElapsedTimeMS  int64     `json:"elapsed_time_ms"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Checkpoint is a snapshot sufficient to resume a mission. A checkpoint is
// consumed at most once by recovery.
type Checkpoint struct {
	ID              string            `json:"id"`
	MissionID       string            `json:"mission_id"`
	Timestamp       time.Time         `json:"timestamp"`
	Trigger         CheckpointTrigger `json:"trigger"`
	ProgressPercent float64           `json:"progress_percent"`
	Sorties         []SortieSnapshot  `json:"sorties"`
	ActiveLocks     []LockSnapshot    `json:"active_locks"`
	PendingMessages []MessageSnapshot `json:"pending_messages"`
	RecoveryContext RecoveryContext   `json:"recovery_context"`
	CreatedBy       string            `json:"created_by"`
	ConsumedAt      *time.Time        `json:"consumed_at,omitempty"`
	ExpiresAt       *time.Time        `json:"expires_at,omitempty"`
	Version         int               `json:"version"`
}

// CreateCheckpointRequest is the HTTP payload for POST /api/v1/checkpoints.
type CreateCheckpointRequest struct {
	MissionID string `json:"mission_id" binding:"required"`
	Trigger   string `json:"trigger,omitempty"`
	CreatedBy string `json:"created_by,omitempty"`
}

// RecoverRequest is the HTTP payload for POST /api/v1/checkpoints/:id/recover.
type RecoverRequest struct {
	AgentID string `json:"agent_id" binding:"required"`
	DryRun  bool   `json:"dry_run,omitempty"`
}

// RecoverResult summarizes a checkpoint restoration.
type RecoverResult struct {
	Success          bool     `json:"success"`
	CheckpointID     string   `json:"checkpoint_id"`
	MissionID        string   `json:"mission_id"`
	SortiesRestored  int      `json:"sorties_restored"`
	LocksRestored    int      `json:"locks_restored"`
	MessagesRequeued int      `json:"messages_requeued"`
	Blockers         []string `json:"blockers,omitempty"`
	RecoveryContext  string   `json:"recovery_context"`
	DryRun           bool     `json:"dry_run,omitempty"`
}

// PruneRequest is the HTTP payload for POST /api/v1/checkpoints/prune.
type PruneRequest struct {
	OlderThanDays  *int `json:"older_than_days,omitempty"`
	KeepPerMission *int `json:"keep_per_mission,omitempty"`
}
