package dispatch

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

func WithinCooldown(last, now time.Time, cooldownMinutes int) bool {
	if cooldownMinutes <= 0 {
		return false
	}
	return now.Sub(last) < time.Duration(cooldownMinutes)*time.Minute
}

// recentDispatches is a process-local overlay over the persisted last-alert
// time: it marks a dispatch attempt before the audit row is written, so
// cooldown holds even when the write fails or there were no recipients.
type recentDispatches struct {
	mu   sync.Mutex
	last map[uuid.UUID]time.Time
}

func newRecentDispatches() *recentDispatches {
	return &recentDispatches{last: map[uuid.UUID]time.Time{}}
}

func (r *recentDispatches) mark(id uuid.UUID, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last[id] = at
}

func (r *recentDispatches) lastDispatch(id uuid.UUID) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.last[id]
	return at, ok
}
