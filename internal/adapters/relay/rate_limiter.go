package relay

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dkeye/peercall/internal/domain"
)

// RateLimiter is a per-peer sliding window.
type RateLimiter struct {
	mu       sync.Mutex
	clock    clock.Clock
	history  map[domain.PeerID][]time.Time
	limit    int
	interval time.Duration
}

// NewRateLimiter allows limit messages per interval. limit <= 0 disables it.
func NewRateLimiter(limit int, interval time.Duration, clk clock.Clock) *RateLimiter {
	if clk == nil {
		clk = clock.New()
	}
	return &RateLimiter{
		clock:    clk,
		history:  make(map[domain.PeerID][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

func (rl *RateLimiter) Allow(id domain.PeerID) bool {
	if rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
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

func (rl *RateLimiter) Forget(id domain.PeerID) {
	rl.mu.Lock()
	delete(rl.history, id)
	rl.mu.Unlock()
}
