package commands

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// maxTrackedUsers caps the limiter map so rotating user ids cannot
	// exhaust memory.
	maxTrackedUsers = 4096

	// commandInterval and commandBurst shape the per-user command rate.
	commandInterval = 2 * time.Second
	commandBurst    = 5

	// limiterIdleAge is how long an untouched entry survives pruning.
	limiterIdleAge = 10 * time.Minute
)

type limiterEntry struct {
	lim  *rate.Limiter
	last time.Time
}

// userLimiter rate-limits commands per user id. Safe for concurrent use.
type userLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
}

func newUserLimiter() *userLimiter {
	return &userLimiter{entries: make(map[string]*limiterEntry)}
}

// Allow reports whether the user may run a command now.
func (u *userLimiter) Allow(userID string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	now := time.Now()
	if len(u.entries) >= maxTrackedUsers {
		for k, e := range u.entries {
			if now.Sub(e.last) >= limiterIdleAge {
				delete(u.entries, k)
			}
		}
		for len(u.entries) >= maxTrackedUsers {
			for k := range u.entries {
				delete(u.entries, k)
				break
			}
		}
	}

	e, ok := u.entries[userID]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(rate.Every(commandInterval), commandBurst)}
		u.entries[userID] = e
	}
	e.last = now
	return e.lim.Allow()
}
