// Package spendcap implements the spend-cap manager from spec §4.5: a
// server-wide daily cap and a per-key hourly cap, with a configurable
// breach action and auto-suspend/auto-resume for keys.
package spendcap

import (
	"sync"
	"time"

	"github.com/rajasatyajit/toolgate/internal/logger"
)

// BreachAction controls what happens when a hourly cap is exceeded.
type BreachAction string

const (
	BreachDeny    BreachAction = "deny"
	BreachSuspend BreachAction = "suspend"
)

// Config is the manager's static configuration.
type Config struct {
	ServerDailyCallCap      int64
	ServerDailyCreditCap    int64
	BreachAction            BreachAction
	AutoResumeAfterSeconds  int64
}

// Result is the outcome of a cap check.
type Result struct {
	Allowed bool
	Reason  string
}

// ResumeNotifier receives a notification when an auto-suspended key
// transitions back to active. Grounded on the teacher billing
// provider's webhook-callback shape: a single-method sink the caller
// wires to whatever downstream delivery mechanism it wants.
type ResumeNotifier interface {
	NotifyAutoResume(key string, suspendedAt time.Time)
}

type serverDaily struct {
	dailyCalls   int64
	dailyCredits int64
	resetDay     string
}

type hourlyState struct {
	hour          string
	hourlyCalls   int64
	hourlyCredits int64
}

type suspension struct {
	suspendedAt time.Time
}

// Manager tracks server-wide daily spend and per-key hourly spend,
// independent of the key store's own QuotaCounters (spec §4.4), which
// track day/month windows rather than the rolling server+hourly caps
// here.
type Manager struct {
	mu       sync.Mutex
	cfg      Config
	server   serverDaily
	hourly   map[string]*hourlyState
	suspend  map[string]suspension
	notifier ResumeNotifier
	now      func() time.Time
}

func New(cfg Config, notifier ResumeNotifier) *Manager {
	return &Manager{
		cfg:      cfg,
		hourly:   make(map[string]*hourlyState),
		suspend:  make(map[string]suspension),
		notifier: notifier,
		now:      time.Now,
	}
}

func dayKey(t time.Time) string  { return t.Format("2006-01-02") }
func hourKey(t time.Time) string { return t.Format("2006-01-02T15") }

// CheckServerCap checks cost against the server-wide daily caps,
// rolling the counters to a new day first. 0 means unlimited.
func (m *Manager) CheckServerCap(cost int64) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.rollServerDay(now)

	if m.cfg.ServerDailyCallCap > 0 && m.server.dailyCalls+1 > m.cfg.ServerDailyCallCap {
		return Result{Allowed: false, Reason: "server_daily_call_cap_exceeded"}
	}
	if m.cfg.ServerDailyCreditCap > 0 && m.server.dailyCredits+cost > m.cfg.ServerDailyCreditCap {
		return Result{Allowed: false, Reason: "server_daily_credit_cap_exceeded"}
	}
	return Result{Allowed: true}
}

// RecordServerSpend commits cost against the server-wide daily counters
// after a successful gate decision.
func (m *Manager) RecordServerSpend(cost int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollServerDay(m.now())
	m.server.dailyCalls++
	m.server.dailyCredits += cost
}

// UnrecordServerSpend reverses RecordServerSpend for proxy-failure
// rollback.
func (m *Manager) UnrecordServerSpend(cost int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollServerDay(m.now())
	m.server.dailyCalls = floor0(m.server.dailyCalls - 1)
	m.server.dailyCredits = floor0(m.server.dailyCredits - cost)
}

func (m *Manager) rollServerDay(now time.Time) {
	day := dayKey(now)
	if m.server.resetDay != day {
		m.server.dailyCalls = 0
		m.server.dailyCredits = 0
		m.server.resetDay = day
	}
}

// HourlyQuota is the subset of a key's quota config the manager checks
// per hour; callers pass it in rather than this package depending on
// keystore's QuotaConfig directly.
type HourlyQuota struct {
	HourlyCallLimit   int64
	HourlyCreditLimit int64
}

// CheckHourlyCap checks cost against key's hourly caps. On breach it
// applies the configured BreachAction: "deny" just rejects; "suspend"
// also marks the key auto-suspended as of now.
func (m *Manager) CheckHourlyCap(key string, cost int64, quota HourlyQuota) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	st := m.rollHourly(key, now)

	breach := ""
	if quota.HourlyCallLimit > 0 && st.hourlyCalls+1 > quota.HourlyCallLimit {
		breach = "hourly_call_cap_exceeded"
	} else if quota.HourlyCreditLimit > 0 && st.hourlyCredits+cost > quota.HourlyCreditLimit {
		breach = "hourly_credit_cap_exceeded"
	}
	if breach == "" {
		return Result{Allowed: true}
	}
	if m.cfg.BreachAction == BreachSuspend {
		m.suspend[key] = suspension{suspendedAt: now}
		logger.Warn("key auto-suspended on hourly cap breach", "key", key, "reason", breach)
	}
	return Result{Allowed: false, Reason: breach}
}

// RecordHourlySpend commits cost against key's hourly counters.
func (m *Manager) RecordHourlySpend(key string, cost int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.rollHourly(key, m.now())
	st.hourlyCalls++
	st.hourlyCredits += cost
}

// UnrecordHourlySpend reverses RecordHourlySpend for proxy-failure
// rollback; counters never go negative, matching quota.Unrecord.
func (m *Manager) UnrecordHourlySpend(key string, cost int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.rollHourly(key, m.now())
	st.hourlyCalls = floor0(st.hourlyCalls - 1)
	st.hourlyCredits = floor0(st.hourlyCredits - cost)
}

func floor0(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

func (m *Manager) rollHourly(key string, now time.Time) *hourlyState {
	hour := hourKey(now)
	st, ok := m.hourly[key]
	if !ok {
		st = &hourlyState{hour: hour}
		m.hourly[key] = st
		return st
	}
	if st.hour != hour {
		st.hour = hour
		st.hourlyCalls = 0
		st.hourlyCredits = 0
	}
	return st
}

// IsAutoSuspended reports whether key is currently auto-suspended. A
// zero AutoResumeAfterSeconds means the suspension is permanent until
// manually cleared. A transition to resumed fires an auto-resume
// notification exactly once.
func (m *Manager) IsAutoSuspended(key string) bool {
	m.mu.Lock()
	s, ok := m.suspend[key]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if m.cfg.AutoResumeAfterSeconds <= 0 {
		m.mu.Unlock()
		return true
	}
	now := m.now()
	if now.Sub(s.suspendedAt) < time.Duration(m.cfg.AutoResumeAfterSeconds)*time.Second {
		m.mu.Unlock()
		return true
	}
	delete(m.suspend, key)
	m.mu.Unlock()

	if m.notifier != nil {
		m.notifier.NotifyAutoResume(key, s.suspendedAt)
	}
	return false
}

// ClearSuspension manually lifts an auto-suspension, e.g. from an admin
// endpoint.
func (m *Manager) ClearSuspension(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.suspend, key)
}
