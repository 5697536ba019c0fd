package models

import "time"

// LockPurpose is the declared intent of a file reservation.
type LockPurpose string

const (
	LockPurposeEdit   LockPurpose = "edit"
	LockPurposeRead   LockPurpose = "read"
	LockPurposeDelete LockPurpose = "delete"
)

// Valid reports whether the purpose is one of the known values.
func (p LockPurpose) Valid() bool {
	switch p {
	case LockPurposeEdit, LockPurposeRead, LockPurposeDelete:
		return true
	}
	return false
}

// LockStatus is the lifecycle state of a file reservation.
type LockStatus string

const (
	LockStatusActive        LockStatus = "active"
	LockStatusReleased      LockStatus = "released"
	LockStatusExpired       LockStatus = "expired"
	LockStatusForceReleased LockStatus = "force_released"
)

// Lock is an exclusive, time-bounded reservation of a canonical file path.
// At most one active lock exists per path at any instant.
type Lock struct {
	ID         string      `json:"id"`
	File       string      `json:"file"`
	ReservedBy string      `json:"reserved_by"`
	ReservedAt time.Time   `json:"reserved_at"`
	ExpiresAt  time.Time   `json:"expires_at"`
	ReleasedAt *time.Time  `json:"released_at,omitempty"`
	Purpose    LockPurpose `json:"purpose"`
	TimeoutMS  int64       `json:"timeout_ms"`
	Checksum   string      `json:"checksum,omitempty"`
	Status     LockStatus  `json:"status"`
}

// Expired reports whether the lock's deadline has passed relative to now.
func (l *Lock) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// AcquireOutcome discriminates the three possible results of an acquire.
type AcquireOutcome string

const (
	AcquireOutcomeAcquired AcquireOutcome = "acquired"
	AcquireOutcomeConflict AcquireOutcome = "conflict"
	AcquireOutcomeQueued   AcquireOutcome = "queued"
)

// AcquireResult is the outcome of a lock acquisition attempt.
type AcquireResult struct {
	Outcome      AcquireOutcome `json:"outcome"`
	Lock         *Lock          `json:"lock,omitempty"`
	ExistingLock *Lock          `json:"existing_lock,omitempty"`
	Position     int            `json:"position,omitempty"`
}

// LockWaiter is one entry in a file's FIFO waiter queue.
type LockWaiter struct {
	ID           string      `json:"id"`
	File         string      `json:"file"`
	SpecialistID string      `json:"specialist_id"`
	Purpose      LockPurpose `json:"purpose"`
	TimeoutMS    int64       `json:"timeout_ms"`
	EnqueuedAt   time.Time   `json:"enqueued_at"`
}

// LockConflict is a denial record retained for diagnostics.
type LockConflict struct {
	File       string    `json:"file"`
	HolderID   string    `json:"holder_id"`
	ExpiresAt  time.Time `json:"expires_at"`
	Requestor  string    `json:"requestor"`
	OccurredAt time.Time `json:"occurred_at"`
}

// AcquireLockRequest is the HTTP payload for POST /api/v1/lock/acquire.
type AcquireLockRequest struct {
	File         string `json:"file" binding:"required"`
	SpecialistID string `json:"specialist_id" binding:"required"`
	TimeoutMS    int64  `json:"timeout_ms,omitempty"`
	Purpose      string `json:"purpose,omitempty"`
}

// ReleaseLockRequest is the HTTP payload for POST /api/v1/lock/release.
type ReleaseLockRequest struct {
	LockID       string `json:"lock_id" binding:"required"`
	SpecialistID string `json:"specialist_id" binding:"required"`
}

// ForceReleaseLockRequest is the HTTP payload for POST /api/v1/lock/force-release.
type ForceReleaseLockRequest struct {
	LockID string `json:"lock_id" binding:"required"`
	Reason string `json:"reason,omitempty"`
}
