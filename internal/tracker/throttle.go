package tracker

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle admits at most one write per interval for each key, measured
// from the last write that was marked as accepted. Readings that arrive
// early are dropped, not queued.
type Throttle struct {
	interval time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{interval: interval, limiters: make(map[string]*rate.Limiter)}
}

func (t *Throttle) limiter(key string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(t.interval), 1)
		t.limiters[key] = l
	}
	return l
}

// Ready reports whether a write for key would be admitted at now.
func (t *Throttle) Ready(key string, now time.Time) bool {
	return t.limiter(key).TokensAt(now) >= 1
}

// Mark records an accepted write for key at now.
func (t *Throttle) Mark(key string, now time.Time) {
	t.limiter(key).AllowN(now, 1)
}

// Forget drops the state for key, e.g. once its ride has ended.
func (t *Throttle) Forget(key string) {
	t.mu.Lock()
	delete(t.limiters, key)
	t.mu.Unlock()
}
