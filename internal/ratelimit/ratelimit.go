// Package ratelimit adapts github.com/joeycumines/go-catrate's sliding
// window limiter into the single-window start-rate gate the scheduler
// needs: at most N task starts per rolling interval.
package ratelimit

import (
	"time"

	"github.com/joeycumines/go-catrate"
)

const globalCategory = "global"

// Gate wraps a catrate.Limiter configured with exactly one window. A Gate
// with no limiter (returned by New when cap/interval are non-positive), or
// a nil *Gate, always allows, matching "rate-limit not configured".
type Gate struct {
	limiter *catrate.Limiter
}

// New builds a Gate allowing at most cap starts per interval. If interval
// <= 0 or cap <= 0, rate limiting is disabled and the returned Gate always
// allows.
func New(interval time.Duration, cap int) *Gate {
	if interval <= 0 || cap <= 0 {
		return &Gate{}
	}
	return &Gate{
		limiter: catrate.NewLimiter(map[time.Duration]int{interval: cap}),
	}
}

// Allow attempts to reserve one start slot. ok is true if the start may
// proceed now; retryAt is the earliest time a subsequent Allow could
// succeed (zero value if unlimited or a slot is available now).
func (g *Gate) Allow() (retryAt time.Time, ok bool) {
	if g == nil || g.limiter == nil {
		return time.Time{}, true
	}
	return g.limiter.Allow(globalCategory)
}
