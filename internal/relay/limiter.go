package relay

import (
	"sync"
	"time"

	"github.com/dkeye/Spatial/internal/domain"
)

// MoveLimiter is a sliding-window limiter on position updates per peer.
type MoveLimiter struct {
	mu       sync.Mutex
	history  map[domain.PeerID][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

// NewMoveLimiter returns nil for a non-positive limit, meaning unlimited.
func NewMoveLimiter(limit int, interval time.Duration) *MoveLimiter {
	if limit <= 0 || interval <= 0 {
		return nil
	}
	return &MoveLimiter{
		history:  make(map[domain.PeerID][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

func (rl *MoveLimiter) Allow(id domain.PeerID) bool {
	if rl == nil {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[id]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) >= rl.limit {
		rl.history[id] = fresh
		return false
	}
	rl.history[id] = append(fresh, now)
	return true
}

func (rl *MoveLimiter) Interval() time.Duration {
	if rl == nil {
		return 0
	}
	return rl.interval
}

func (rl *MoveLimiter) Forget(id domain.PeerID) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	delete(rl.history, id)
	rl.mu.Unlock()
}
