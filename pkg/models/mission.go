package models

import "time"

// MissionStrategy is how the planner decomposed the task into sorties.
type MissionStrategy string

const (
	StrategyFileBased     MissionStrategy = "file-based"
	StrategyFeatureBased  MissionStrategy = "feature-based"
	StrategyRiskBased     MissionStrategy = "risk-based"
	StrategyResearchBased MissionStrategy = "research-based"
)

// Valid reports whether the strategy is one of the known values.
func (s MissionStrategy) Valid() bool {
	switch s {
	case StrategyFileBased, StrategyFeatureBased, StrategyRiskBased, StrategyResearchBased:
		return true
	}
	return false
}

// MissionStatus is the lifecycle state of a mission.
type MissionStatus string

const (
	MissionStatusPending    MissionStatus = "pending"
	MissionStatusInProgress MissionStatus = "in_progress"
	MissionStatusCompleted  MissionStatus = "completed"
	MissionStatusBlocked    MissionStatus = "blocked"
	MissionStatusCancelled  MissionStatus = "cancelled"
)

// Valid reports whether the status is one of the known values.
func (s MissionStatus) Valid() bool {
	switch s {
	case MissionStatusPending, MissionStatusInProgress, MissionStatusCompleted,
		MissionStatusBlocked, MissionStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s MissionStatus) Terminal() bool {
	return s == MissionStatusCompleted || s == MissionStatusCancelled
}

// Mission is a decomposed user task executed as a set of sorties. Title is
// the task text as submitted; Description carries any planner context.
type Mission struct {
	ID               string          `json:"id"`
	Title            string          `json:"title"`
	Description      string          `json:"description,omitempty"`
	Strategy         MissionStrategy `json:"strategy"`
	Status           MissionStatus   `json:"status"`
	TotalSorties     int             `json:"total_sorties"`
	CompletedSorties int             `json:"completed_sorties"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

// ProgressPercent is completed_sorties / total_sorties scaled to [0,100].
func (m *Mission) ProgressPercent() float64 {
	if m.TotalSorties == 0 {
		return 0
	}
	return float64(m.CompletedSorties) / float64(m.TotalSorties) * 100
}

// SortieStatus is the lifecycle state of a sortie.
type SortieStatus string

const (
	SortieStatusPending    SortieStatus = "pending"
	SortieStatusAssigned   SortieStatus = "assigned"
	SortieStatusInProgress SortieStatus = "in_progress"
	SortieStatusCompleted  SortieStatus = "completed"
	SortieStatusBlocked    SortieStatus = "blocked"
	SortieStatusFailed     SortieStatus = "failed"
)

// Valid reports whether the status is one of the known values.
func (s SortieStatus) Valid() bool {
	switch s {
	case SortieStatusPending, SortieStatusAssigned, SortieStatusInProgress,
		SortieStatusCompleted, SortieStatusBlocked, SortieStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s SortieStatus) Terminal() bool {
	return s == SortieStatusCompleted || s == SortieStatusFailed
}

// SortieType categorizes the kind of work a sortie performs.
type SortieType string

const (
	SortieTypeTask    SortieType = "task"
	SortieTypeFeature SortieType = "feature"
	SortieTypeBugfix  SortieType = "bugfix"
	SortieTypeChore   SortieType = "chore"
)

// Valid reports whether the type is one of the known values.
func (t SortieType) Valid() bool {
	switch t {
	case SortieTypeTask, SortieTypeFeature, SortieTypeBugfix, SortieTypeChore:
		return true
	}
	return false
}

// Complexity bounds for sorties.
const (
	MinComplexity = 1
	MaxComplexity = 5
)

// Sortie is a single unit of work within a mission. Its ID is
// "<mission_id>.<sortie_index>" and its dependencies reference sorties of
// the same mission with strictly smaller indices.
type Sortie struct {
	ID                  string       `json:"id"`
	MissionID           string       `json:"mission_id"`
	SortieIndex         int          `json:"sortie_index"`
	Title               string       `json:"title"`
	Description         string       `json:"description,omitempty"`
	Files               []string     `json:"files"`
	Dependencies        []int        `json:"dependencies"`
	Complexity          int          `json:"complexity"`
	Type                SortieType   `json:"type"`
	Status              SortieStatus `json:"status"`
	AssignedTo          string       `json:"assigned_to,omitempty"`
	Progress            int          `json:"progress"`
	ProgressNotes       string       `json:"progress_notes,omitempty"`
	EstimatedDurationMS int64        `json:"estimated_duration_ms,omitempty"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
	StartedAt           *time.Time   `json:"started_at,omitempty"`
	CompletedAt         *time.Time   `json:"completed_at,omitempty"`
}

// SortieInput is one planner-produced sortie in a decompose request.
type SortieInput struct {
	Title               string   `json:"title" binding:"required"`
	Description         string   `json:"description,omitempty"`
	Files               []string `json:"files"`
	Dependencies        []int    `json:"dependencies"`
	Complexity          int      `json:"complexity,omitempty"`
	Type                string   `json:"type,omitempty"`
	EstimatedDurationMS int64    `json:"estimated_duration_ms,omitempty"`
}

// NewFilePrefix marks a file entry as created by the sortie rather than
// modified. Such entries are exempt from the cross-sortie overlap check.
const NewFilePrefix = "new:"

// ParseFileEntry splits a sortie file entry into its path and whether it is
// marked as newly created.
func ParseFileEntry(entry string) (path string, isNew bool) {
	if len(entry) > len(NewFilePrefix) && entry[:len(NewFilePrefix)] == NewFilePrefix {
		return entry[len(NewFilePrefix):], true
	}
	return entry, false
}

// DecomposeRequest accepts a planner's mission decomposition as data. Task
// becomes the mission title; Context its description.
type DecomposeRequest struct {
	Task     string        `json:"task" binding:"required"`
	Strategy string        `json:"strategy,omitempty"`
	Context  string        `json:"context,omitempty"`
	Sorties  []SortieInput `json:"sorties" binding:"required"`
}

// SortieTree is the decompose result: the persisted mission, its sorties,
// and the execution plan derived from their dependencies.
type SortieTree struct {
	Mission *Mission  `json:"mission"`
	Sorties []*Sortie `json:"sorties"`
	Plan    any       `json:"execution_plan"`
}

// MissionFilters narrows mission list queries.
type MissionFilters struct {
	Status   string `json:"status,omitempty"`
	Strategy string `json:"strategy,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	Offset   int    `json:"offset,omitempty"`
}

// MissionListResponse is a paged mission listing.
type MissionListResponse struct {
	Missions []*Mission `json:"missions"`
	Total    int        `json:"total"`
	Limit    int        `json:"limit"`
	Offset   int        `json:"offset"`
}

// MissionPatch carries partial mission updates.
type MissionPatch struct {
	Status *string `json:"status,omitempty"`
}

// SortiePatch carries partial sortie updates.
type SortiePatch struct {
	Status        *string `json:"status,omitempty"`
	AssignedTo    *string `json:"assigned_to,omitempty"`
	Progress      *int    `json:"progress,omitempty"`
	ProgressNotes *string `json:"progress_notes,omitempty"`
}
