package notification

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle caps how many messages one recipient may receive per window.
type Throttle struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewThrottle allows perWindow messages per recipient every window, with the
// full allowance available up front.
func NewThrottle(perWindow int, window time.Duration) *Throttle {
	if perWindow <= 0 {
		perWindow = 1
	}
	return &Throttle{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Every(window / time.Duration(perWindow)),
		burst:    perWindow,
	}
}

func (t *Throttle) limiter(key string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[key]
	if !ok {
		l = rate.NewLimiter(t.limit, t.burst)
		t.limiters[key] = l
	}
	return l
}

// Allow consumes one token for key at now.
func (t *Throttle) Allow(key string, now time.Time) bool {
	return t.limiter(key).AllowN(now, 1)
}
