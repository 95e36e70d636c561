package signal

import (
	"slices"
	"sync"
	"time"

	"github.com/dkeye/callhub/internal/core"
	"github.com/dkeye/callhub/internal/domain"
)

type limitKey struct {
	user domain.UserID
	kind core.Kind
}

// RateLimiter keeps a sliding window per participant and envelope kind.
// Only the kinds it was built with are limited.
type RateLimiter struct {
	limit    int
	interval time.Duration
	kinds    []core.Kind
	now      func() time.Time

	mu      sync.Mutex
	history map[limitKey][]time.Time
}

// NewRateLimiter limits invites and group joins unless kinds is given.
func NewRateLimiter(limit int, interval time.Duration, kinds ...core.Kind) *RateLimiter {
	if len(kinds) == 0 {
		kinds = []core.Kind{core.KindInvite, core.KindGroupJoin}
	}
	return &RateLimiter{
		limit:    limit,
		interval: interval,
		kinds:    kinds,
		now:      time.Now,
		history:  make(map[limitKey][]time.Time),
	}
}

// Allow records one attempt and reports whether it fits in the window.
func (rl *RateLimiter) Allow(uid domain.UserID, kind core.Kind) bool {
	if !slices.Contains(rl.kinds, kind) {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	key := limitKey{user: uid, kind: kind}
	now := rl.now()
	cutoff := now.Add(-rl.interval)
	attempts := slices.DeleteFunc(rl.history[key], func(t time.Time) bool { return !t.After(cutoff) })
	if len(attempts) >= rl.limit {
		rl.history[key] = attempts
		return false
	}
	rl.history[key] = append(attempts, now)
	return true
}

// Forget drops every window of uid.
func (rl *RateLimiter) Forget(uid domain.UserID) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key := range rl.history {
		if key.user == uid {
			delete(rl.history, key)
		}
	}
}

func (rl *RateLimiter) tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.history)
}
