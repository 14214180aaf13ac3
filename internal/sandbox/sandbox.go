// Package sandbox implements the try-before-buy admission rules from
// spec §4.8 step 5: a named policy restricts which tools a key may
// call and how many calls it may make within a rolling window. Windowed
// counter shape is grounded on the teacher's trial-usage counter
// (internal/ratelimit/manager.go GetTrialUsage/IncTrialUsage), widened
// from a simple lifetime cap to a per-window cap with reset.
package sandbox

import (
	"sync"
	"time"
)

// Policy is a named sandbox configuration. A tool present in
// DeniedTools is always rejected; if AllowedTools is non-empty, a tool
// absent from it is rejected too.
type Policy struct {
	Name          string
	AllowedTools  map[string]struct{}
	DeniedTools   map[string]struct{}
	WindowSeconds int64
	MaxCalls      int64
}

// Result is the outcome of an admission check.
type Result struct {
	Allowed bool
	Reason  string
}

type windowState struct {
	windowStart time.Time
	calls       int64
}

// Manager holds named policies and per-key windowed call counters.
type Manager struct {
	mu       sync.Mutex
	policies map[string]Policy
	windows  map[string]*windowState // keyed by "policy:key"
	now      func() time.Time
}

func New() *Manager {
	return &Manager{
		policies: make(map[string]Policy),
		windows:  make(map[string]*windowState),
		now:      time.Now,
	}
}

// SetPolicy registers or replaces a named policy.
func (m *Manager) SetPolicy(p Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[p.Name] = p
}

// Policy returns a registered policy by name.
func (m *Manager) Policy(name string) (Policy, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.policies[name]
	return p, ok
}

// Check admits or denies key's call to tool under the named policy. A
// policy name unknown to the manager allows unconditionally (the
// caller is responsible for only invoking Check when
// record.SandboxPolicy is set).
func (m *Manager) Check(policyName, key, tool string) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.policies[policyName]
	if !ok {
		return Result{Allowed: true}
	}
	if _, denied := p.DeniedTools[tool]; denied {
		return Result{Allowed: false, Reason: "sandbox_tool_denied"}
	}
	if len(p.AllowedTools) > 0 {
		if _, allowed := p.AllowedTools[tool]; !allowed {
			return Result{Allowed: false, Reason: "sandbox_tool_not_allowed"}
		}
	}

	if p.MaxCalls <= 0 {
		return Result{Allowed: true}
	}
	st := m.window(policyName, key, m.now())
	if st.calls >= p.MaxCalls {
		return Result{Allowed: false, Reason: "sandbox_window_limit_exceeded"}
	}
	return Result{Allowed: true}
}

// Record increments key's windowed counter after an admitted sandboxed
// call.
func (m *Manager) Record(policyName, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.policies[policyName]
	if !ok || p.MaxCalls <= 0 {
		return
	}
	st := m.window(policyName, key, m.now())
	st.calls++
}

// PruneStaleWindows removes windowed counters whose window started
// before cutoff, so a Manager serving many short-lived trial keys does
// not grow unbounded (the scheduler's retention job drives this).
func (m *Manager) PruneStaleWindows(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, st := range m.windows {
		if st.windowStart.Before(cutoff) {
			delete(m.windows, id)
			removed++
		}
	}
	return removed
}

func (m *Manager) window(policyName, key string, now time.Time) *windowState {
	p := m.policies[policyName]
	id := policyName + ":" + key
	st, ok := m.windows[id]
	if !ok {
		st = &windowState{windowStart: now}
		m.windows[id] = st
		return st
	}
	if p.WindowSeconds > 0 && now.Sub(st.windowStart) >= time.Duration(p.WindowSeconds)*time.Second {
		st.windowStart = now
		st.calls = 0
	}
	return st
}
