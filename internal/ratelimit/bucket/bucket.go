// Package bucket implements the per-key token bucket limiter from spec
// §4.2. The refill vocabulary (capacity, refill rate, interval) mirrors
// golang.org/x/time/rate's Limiter/Burst terms, but the admission
// contract (explicit retryAfterMs, floor-interval refill, LRU eviction)
// does not match rate.Limiter's API, so the bucket is tracked explicitly
// per key here.
package bucket

import (
	"container/list"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config is a per-key token bucket's static parameters.
type Config struct {
	Capacity   int64
	RefillRate int64 // tokens granted per Interval
	Interval   time.Duration
}

// AsRateLimit expresses this configuration as a golang.org/x/time/rate
// limit (events per second), for admin-surface reporting and for
// sizing x/time-based limiters elsewhere (e.g. an outbound per-backend
// throttle) from the same config surface.
func (c Config) AsRateLimit() rate.Limit {
	if c.Interval <= 0 || c.RefillRate <= 0 {
		return rate.Inf
	}
	perSecond := float64(c.RefillRate) / c.Interval.Seconds()
	return rate.Limit(perSecond)
}

// Result is the outcome of a Consume call.
type Result struct {
	Allowed      bool
	Tokens       int64
	RetryAfterMs int64
}

type state struct {
	tokens     int64
	lastRefill time.Time
	lastAccess time.Time
	lruElem    *list.Element
}

// Limiter tracks one token bucket per key.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	maxKeys int
	states  map[string]*state
	lru     *list.List
	now     func() time.Time
}

func New(cfg Config, maxKeys int) *Limiter {
	return &Limiter{
		cfg:     cfg,
		maxKeys: maxKeys,
		states:  make(map[string]*state),
		lru:     list.New(),
		now:     time.Now,
	}
}

// Consume attempts to withdraw n tokens from key's bucket, refilling
// first per the floor-interval rule in spec §4.2.
func (l *Limiter) Consume(key string, n int64) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	st := l.touch(key, now)
	l.refill(st, now)
	st.lastAccess = now

	if st.tokens >= n {
		st.tokens -= n
		return Result{Allowed: true, Tokens: st.tokens}
	}

	deficit := n - st.tokens
	var retryAfter time.Duration
	if l.cfg.RefillRate > 0 {
		intervals := math.Ceil(float64(deficit) / float64(l.cfg.RefillRate))
		retryAfter = time.Duration(intervals) * l.cfg.Interval
	}
	return Result{Allowed: false, Tokens: st.tokens, RetryAfterMs: retryAfter.Milliseconds()}
}

func (l *Limiter) refill(st *state, now time.Time) {
	if l.cfg.Interval <= 0 || l.cfg.RefillRate <= 0 {
		return
	}
	elapsedIntervals := int64(now.Sub(st.lastRefill) / l.cfg.Interval)
	if elapsedIntervals <= 0 {
		return
	}
	st.tokens += elapsedIntervals * l.cfg.RefillRate
	if st.tokens > l.cfg.Capacity {
		st.tokens = l.cfg.Capacity
	}
	st.lastRefill = st.lastRefill.Add(time.Duration(elapsedIntervals) * l.cfg.Interval)
}

func (l *Limiter) touch(key string, now time.Time) *state {
	if st, ok := l.states[key]; ok {
		l.lru.MoveToFront(st.lruElem)
		return st
	}

	st := &state{tokens: l.cfg.Capacity, lastRefill: now, lastAccess: now}
	st.lruElem = l.lru.PushFront(key)
	l.states[key] = st

	if l.maxKeys > 0 && len(l.states) > l.maxKeys {
		oldest := l.lru.Back()
		if oldest != nil {
			oldKey := oldest.Value.(string)
			if oldKey != key {
				delete(l.states, oldKey)
				l.lru.Remove(oldest)
			}
		}
	}
	return st
}

// TrackedKeys reports how many distinct keys currently have state, for tests.
func (l *Limiter) TrackedKeys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.states)
}
