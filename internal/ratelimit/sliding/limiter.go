// Package sliding implements the per-key sliding-window call limiter from
// spec §4.1.
package sliding

import (
	"container/list"
	"sync"
	"time"
)

const windowDuration = 60 * time.Second

// Result is the outcome of a Check call.
type Result struct {
	Allowed      bool
	Remaining    int
	RetryAfterMs int64
}

// keyState holds the ordered timestamps of recent calls for one key,
// plus the list.Element tracking its position in the LRU eviction list.
type keyState struct {
	timestamps *list.List // FIFO of time.Time, oldest first
	lruElem    *list.Element
}

// Limiter is a per-key sliding-window limiter bounded by maxKeys with
// least-recently-used eviction for keys that stop sending traffic.
type Limiter struct {
	mu      sync.Mutex
	limit   int
	maxKeys int
	states  map[string]*keyState
	lru     *list.List // front = most recently used; elem.Value = key string
	now     func() time.Time
}

// New returns a Limiter admitting at most `limit` calls per key in any
// trailing 60-second window, evicting least-recently-used keys once more
// than maxKeys are tracked (0 ⇒ unbounded).
func New(limit, maxKeys int) *Limiter {
	return &Limiter{
		limit:   limit,
		maxKeys: maxKeys,
		states:  make(map[string]*keyState),
		lru:     list.New(),
		now:     time.Now,
	}
}

// Check prunes timestamps older than the 60s window, then admits or
// denies the call per spec §4.1.
func (l *Limiter) Check(key string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	st := l.touch(key)
	l.prune(st, now)

	count := st.timestamps.Len()
	if l.limit > 0 && count >= l.limit {
		windowStart := st.timestamps.Front().Value.(time.Time)
		retryAfter := windowStart.Add(windowDuration).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return Result{Allowed: false, Remaining: 0, RetryAfterMs: retryAfter.Milliseconds()}
	}

	st.timestamps.PushBack(now)
	remaining := 0
	if l.limit > 0 {
		remaining = l.limit - count - 1
	}
	return Result{Allowed: true, Remaining: remaining}
}

func (l *Limiter) prune(st *keyState, now time.Time) {
	cutoff := now.Add(-windowDuration)
	for st.timestamps.Len() > 0 {
		front := st.timestamps.Front()
		if front.Value.(time.Time).Before(cutoff) {
			st.timestamps.Remove(front)
			continue
		}
		break
	}
}

// touch returns the key's state, creating it if absent and marking it
// most-recently-used; it evicts the least-recently-used key if maxKeys
// would be exceeded.
func (l *Limiter) touch(key string) *keyState {
	if st, ok := l.states[key]; ok {
		l.lru.MoveToFront(st.lruElem)
		return st
	}

	st := &keyState{timestamps: list.New()}
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

// Reset drops all tracked state, for tests.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = make(map[string]*keyState)
	l.lru = list.New()
}

// TrackedKeys reports how many distinct keys currently have state, for tests.
func (l *Limiter) TrackedKeys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.states)
}
