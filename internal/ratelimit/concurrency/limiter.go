// Package concurrency implements the three-map in-flight call limiter
// from spec §4.3. It never blocks: a caller that gets false from
// Acquire is responsible for treating it as a denial.
package concurrency

import "sync"

// Limits is the per-key/per-tool/per-(key,tool) cap configuration.
// Zero means unlimited for that axis.
type Limits struct {
	MaxPerKey     int
	MaxPerTool    int
	MaxPerKeyTool int
}

// Limiter tracks in-flight call counts across three independent axes,
// mirroring teacher internal/store's mutex-guarded map idiom generalized
// to three maps under one lock.
type Limiter struct {
	mu        sync.Mutex
	limits    Limits
	byKey     map[string]int
	byTool    map[string]int
	byKeyTool map[string]int
}

func New(limits Limits) *Limiter {
	return &Limiter{
		limits:    limits,
		byKey:     make(map[string]int),
		byTool:    make(map[string]int),
		byKeyTool: make(map[string]int),
	}
}

func keyToolID(key, tool string) string { return key + "\x00" + tool }

// Acquire increments all three counters if none of the configured caps
// would be exceeded and returns true; otherwise it leaves state
// untouched and returns false.
func (l *Limiter) Acquire(key, tool string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	kt := keyToolID(key, tool)
	if l.limits.MaxPerKey > 0 && l.byKey[key] >= l.limits.MaxPerKey {
		return false
	}
	if l.limits.MaxPerTool > 0 && l.byTool[tool] >= l.limits.MaxPerTool {
		return false
	}
	if l.limits.MaxPerKeyTool > 0 && l.byKeyTool[kt] >= l.limits.MaxPerKeyTool {
		return false
	}

	l.byKey[key]++
	l.byTool[tool]++
	l.byKeyTool[kt]++
	return true
}

// Release decrements all three counters, deleting map entries that drop
// to zero. Release must be called exactly once per successful Acquire,
// on every terminating path (success, backend error, timeout,
// cancellation) per spec §3's acquire/release-parity invariant.
func (l *Limiter) Release(key, tool string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kt := keyToolID(key, tool)
	decr(l.byKey, key)
	decr(l.byTool, tool)
	decr(l.byKeyTool, kt)
}

func decr(m map[string]int, k string) {
	v, ok := m[k]
	if !ok {
		return
	}
	if v <= 1 {
		delete(m, k)
		return
	}
	m[k] = v - 1
}

// Counts returns a snapshot of the current in-flight counters, for
// invariant checks and tests.
func (l *Limiter) Counts(key, tool string) (byKey, byTool, byKeyTool int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.byKey[key], l.byTool[tool], l.byKeyTool[keyToolID(key, tool)]
}

// Empty reports whether all counters have drained to zero, i.e. every
// map is empty — the conservation property from spec §8.
func (l *Limiter) Empty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byKey) == 0 && len(l.byTool) == 0 && len(l.byKeyTool) == 0
}
