package models

import "time"

// BlockerKind classifies why a specialist cannot proceed.
type BlockerKind string

const (
	BlockerLockTimeout BlockerKind = "lock_timeout"
	BlockerAPIError    BlockerKind = "api_error"
	BlockerDependency  BlockerKind = "dependency"
	BlockerOther       BlockerKind = "other"
)

// Valid reports whether the blocker kind is one of the known values.
func (k BlockerKind) Valid() bool {
	switch k {
	case BlockerLockTimeout, BlockerAPIError, BlockerDependency, BlockerOther:
		return true
	}
	return false
}

// ResolutionStatus is the handler's verdict on a reported blocker.
type ResolutionStatus string

const (
	ResolutionResolved ResolutionStatus = "resolved"
	ResolutionRetrying ResolutionStatus = "retrying"
	ResolutionWaiting  ResolutionStatus = "waiting"
	ResolutionManual   ResolutionStatus = "manual_intervention_required"
)

// Next actions returned with a resolution.
const (
	NextActionResumeWork        = "resume_work"
	NextActionRetry             = "retry"
	NextActionWaitForDependency = "wait_for_dependency"
)

// BlockerReport is a specialist's account of why it is stuck. AffectedSortie
// carries the sortie id a dependency blocker waits on; AffectedFile the path
// a lock_timeout blocker could not reserve.
type BlockerReport struct {
	Kind           BlockerKind `json:"kind"`
	Description    string      `json:"description"`
	AffectedFile   string      `json:"affected_file,omitempty"`
	AffectedSortie string      `json:"affected_sortie,omitempty"`
	RetryCount     int         `json:"retry_count"`
}

// Resolution is the handler's decision on one blocker report.
type Resolution struct {
	Status         ResolutionStatus `json:"status"`
	ResolutionHint string           `json:"resolution_hint"`
	RetryAfterMS   int64            `json:"retry_after_ms,omitempty"`
	NextAction     string           `json:"next_action,omitempty"`
}

// Blocker is the persisted record of one blocked report and its resolution.
type Blocker struct {
	ID           string           `json:"id"`
	MissionID    string           `json:"mission_id"`
	SortieID     string           `json:"sortie_id"`
	ReportedBy   string           `json:"reported_by"`
	Kind         BlockerKind      `json:"kind"`
	Description  string           `json:"description"`
	Details      string           `json:"details,omitempty"`
	RetryCount   int              `json:"retry_count"`
	Status       ResolutionStatus `json:"status"`
	RetryAfterMS int64            `json:"retry_after_ms,omitempty"`
	ReportedAt   time.Time        `json:"reported_at"`
	ResolvedAt   *time.Time       `json:"resolved_at,omitempty"`
}
