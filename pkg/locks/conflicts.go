package locks

import (
	"sort"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/fleettools/squawk/pkg/models"
)

// conflictLog retains recent lock denials for diagnostics. Entries expire
// on their own after the horizon, so pruning needs no extra loop.
type conflictLog struct {
	cache *gocache.Cache
}

func newConflictLog(horizon time.Duration) *conflictLog {
	if horizon <= 0 {
		horizon = time.Hour
	}
	return &conflictLog{
		cache: gocache.New(horizon, horizon/4),
	}
}

func (l *conflictLog) record(c models.LockConflict) {
	l.cache.SetDefault(uuid.NewString(), c)
}

// recent returns the retained conflicts, newest first.
func (l *conflictLog) recent() []models.LockConflict {
	items := l.cache.Items()
	conflicts := make([]models.LockConflict, 0, len(items))
	for _, item := range items {
		conflicts = append(conflicts, item.Object.(models.LockConflict))
	}
	sort.Slice(conflicts, func(i, j int) bool {
		return conflicts[i].OccurredAt.After(conflicts[j].OccurredAt)
	})
	return conflicts
}
