package logx

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle gates repetitive log lines per key (e.g. "cache_full", "queue_full").
//
// Each key gets its own token bucket: burst lines pass immediately, then one
// line per interval. Suppressed lines are counted and reported on the next
// allowed line so operators still see the volume.
type Throttle struct {
	mu       sync.Mutex
	every    time.Duration
	burst    int
	limiters map[string]*throttleState
}

type throttleState struct {
	lim        *rate.Limiter
	suppressed uint64
}

// NewThrottle returns a throttle allowing burst lines per key, then one per every.
func NewThrottle(every time.Duration, burst int) *Throttle {
	if every <= 0 {
		every = 5 * time.Second
	}
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{every: every, burst: burst, limiters: map[string]*throttleState{}}
}

// Allow reports whether a line for key may be written now, and how many lines
// were suppressed since the previous allowed one.
func (t *Throttle) Allow(key string) (bool, uint64) {
	if t == nil {
		return true, 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.limiters[key]
	if st == nil {
		st = &throttleState{lim: rate.NewLimiter(rate.Every(t.every), t.burst)}
		t.limiters[key] = st
	}
	if !st.lim.Allow() {
		st.suppressed++
		return false, 0
	}
	n := st.suppressed
	st.suppressed = 0
	return true, n
}

// Warn logs msg at warn level if the key's bucket allows it.
func (t *Throttle) Warn(log Logger, key, msg string, fields ...Field) {
	ok, suppressed := t.Allow(key)
	if !ok {
		return
	}
	if suppressed > 0 {
		fields = append(fields, Uint64("suppressed", suppressed))
	}
	log.Warn(msg, fields...)
}
