package pacer

import (
	"sync"
	"time"

	"github.com/qqbridge/qqbridge/internal/target"
)

// DefaultCooldown is the minimum gap between sends to one conversation.
const DefaultCooldown = 3 * time.Second

// Limiter is a per-conversation cooldown gate for outbound sends. It
// answers "may this conversation be sent to right now" and records the
// send time when the answer is yes; a denied call mutates nothing.
// Conversations are independent, so throughput across distinct targets
// is not limited. Safe for concurrent use.
type Limiter struct {
	cooldown time.Duration
	nowFunc  func() time.Time // injectable for testing; defaults to time.Now

	mu   sync.Mutex
	last map[target.Target]time.Time
}

// NewLimiter creates a limiter with the given cooldown. A zero or
// negative cooldown disables the gate: every Allow call succeeds.
func NewLimiter(cooldown time.Duration) *Limiter {
	return &Limiter{
		cooldown: cooldown,
		nowFunc:  time.Now,
		last:     make(map[target.Target]time.Time),
	}
}

// Allow reports whether a send to t may proceed now, recording the
// send time when it may. The first send to a target is always allowed.
func (l *Limiter) Allow(t target.Target) bool {
	now := l.nowFunc()

	l.mu.Lock()
	defer l.mu.Unlock()

	if last, ok := l.last[t]; ok && now.Sub(last) < l.cooldown {
		return false
	}
	l.last[t] = now
	return true
}

// Remaining returns how long until a send to t becomes eligible, zero
// if it is eligible already. Callers denied by Allow can sleep this
// long instead of polling.
func (l *Limiter) Remaining(t target.Target) time.Duration {
	now := l.nowFunc()

	l.mu.Lock()
	defer l.mu.Unlock()

	last, ok := l.last[t]
	if !ok {
		return 0
	}
	if rem := l.cooldown - now.Sub(last); rem > 0 {
		return rem
	}
	return 0
}
