// Package breaker implements the per-backend circuit breaker from spec
// §4.7: closed/open/half-open state machine with a consecutive-failure
// threshold and cooldown-gated lazy half-open transition.
package breaker

import (
	"sync"
	"sync/atomic"
	"time"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config is a breaker's static parameters.
type Config struct {
	FailureThreshold int
	CooldownMs       int64
}

// Breaker is one circuit, typically one per downstream tool/backend.
// Observability counters are atomic so Snapshot can be read without
// taking the state-transition lock.
type Breaker struct {
	mu    sync.Mutex
	cfg   Config
	state State

	consecutiveFailures int
	openedAt            time.Time
	halfOpenProbeInFlight bool

	totalFailures   atomic.Int64
	totalSuccesses  atomic.Int64
	totalRejections atomic.Int64
	lastFailureAt   atomic.Int64 // unix nanos, 0 if never

	now func() time.Time
}

func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, state: StateClosed, now: time.Now}
}

// Snapshot is a point-in-time read of a breaker's counters, safe to
// copy and serialize for an admin/metrics endpoint.
type Snapshot struct {
	State           State
	TotalFailures   int64
	TotalSuccesses  int64
	TotalRejections int64
	LastFailureAt   time.Time
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	state := b.state
	b.mu.Unlock()

	var lastFailure time.Time
	if n := b.lastFailureAt.Load(); n != 0 {
		lastFailure = time.Unix(0, n)
	}
	return Snapshot{
		State:           state,
		TotalFailures:   b.totalFailures.Load(),
		TotalSuccesses:  b.totalSuccesses.Load(),
		TotalRejections: b.totalRejections.Load(),
		LastFailureAt:   lastFailure,
	}
}

// AllowRequest reports whether a call should proceed. In the open
// state it lazily transitions to half_open once the cooldown has
// elapsed, admitting exactly one probe.
func (b *Breaker) AllowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if b.halfOpenProbeInFlight {
			b.totalRejections.Add(1)
			return false
		}
		b.halfOpenProbeInFlight = true
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= time.Duration(b.cfg.CooldownMs)*time.Millisecond {
			b.state = StateHalfOpen
			b.halfOpenProbeInFlight = true
			return true
		}
		b.totalRejections.Add(1)
		return false
	}
	return true
}

// RecordSuccess reports a successful call. From half_open this closes
// the breaker and resets counters; from closed it just tallies.
func (b *Breaker) RecordSuccess() {
	b.totalSuccesses.Add(1)

	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateHalfOpen:
		b.state = StateClosed
		b.consecutiveFailures = 0
		b.halfOpenProbeInFlight = false
	case StateClosed:
		b.consecutiveFailures = 0
	}
}

// RecordFailure reports a failed call. From closed, N consecutive
// failures opens the breaker. From half_open, any failure reopens it
// with a refreshed openedAt.
func (b *Breaker) RecordFailure() {
	now := b.now()
	b.totalFailures.Add(1)
	b.lastFailureAt.Store(now.UnixNano())

	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = now
		b.halfOpenProbeInFlight = false
		b.consecutiveFailures = 0
	case StateClosed:
		b.consecutiveFailures++
		if b.cfg.FailureThreshold > 0 && b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.openedAt = now
		}
	}
}

// CurrentState returns the breaker's state without mutating it.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Registry owns one Breaker per key (typically a tool or backend name),
// created lazily on first use.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*Breaker
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

func (r *Registry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b
	}
	b := New(r.cfg)
	r.breakers[key] = b
	return b
}

// Snapshots returns every tracked breaker's current snapshot, keyed by
// the same key passed to Get.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.Lock()
	keys := make([]string, 0, len(r.breakers))
	breakers := make([]*Breaker, 0, len(r.breakers))
	for k, b := range r.breakers {
		keys = append(keys, k)
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	out := make(map[string]Snapshot, len(keys))
	for i, k := range keys {
		out[k] = breakers[i].Snapshot()
	}
	return out
}
