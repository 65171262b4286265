package server

import (
	"sync"
	"time"
)

// rateLimiter is a fixed-window counter per identity. Excess sends are
// rejected rather than queued: the client's outbox is the only queue in the
// system.
type rateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	counts  map[int]*windowCount
	nowFunc func() time.Time
}

type windowCount struct {
	start time.Time
	n     int
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		limit:   limit,
		window:  window,
		counts:  make(map[int]*windowCount),
		nowFunc: time.Now,
	}
}

func (rl *rateLimiter) allow(userId int) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFunc()
	wc, ok := rl.counts[userId]
	if !ok || now.Sub(wc.start) >= rl.window {
		rl.counts[userId] = &windowCount{start: now, n: 1}
		return true
	}

	if wc.n >= rl.limit {
		return false
	}

	wc.n++
	return true
}

// prune drops windows that expired, keeping the map bounded by the set of
// recently active identities.
func (rl *rateLimiter) prune() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFunc()
	for userId, wc := range rl.counts {
		if now.Sub(wc.start) >= rl.window {
			delete(rl.counts, userId)
		}
	}
}
