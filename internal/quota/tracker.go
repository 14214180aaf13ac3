// Package quota implements the quota tracker and quota rollover manager
// from spec §4.4.
package quota

import (
	"time"

	"github.com/rajasatyajit/toolgate/internal/keystore"
)

// Result is the outcome of a Check call.
type Result struct {
	Allowed bool
	Reason  string
}

func dayKey(t time.Time) string   { return t.Format("2006-01-02") }
func monthKey(t time.Time) string { return t.Format("2006-01") }

// RollCounters resets the day/month counters to zero on first access
// after their boundary, per spec §4.4 and the §3 reset invariant: a
// reset never loses events, only the enforcement-window counters.
func RollCounters(qc *keystore.QuotaCounters, now time.Time) {
	day := dayKey(now)
	month := monthKey(now)
	if qc.LastResetDay != day {
		qc.DailyCalls = 0
		qc.DailyCredits = 0
		qc.LastResetDay = day
	}
	if qc.LastResetMonth != month {
		qc.MonthlyCalls = 0
		qc.MonthlyCredits = 0
		qc.LastResetMonth = month
	}
}

// Check rolls stale counters, then rejects cost when it would exceed any
// enabled (non-zero) limit. Hourly limits are enforced separately by
// internal/spendcap per spec §4.5.
func Check(cfg keystore.QuotaConfig, qc *keystore.QuotaCounters, cost int64, now time.Time) Result {
	RollCounters(qc, now)

	if cfg.DailyCallLimit > 0 && qc.DailyCalls+1 > cfg.DailyCallLimit {
		return Result{Allowed: false, Reason: "quota_daily_call_exceeded"}
	}
	if cfg.MonthlyCallLimit > 0 && qc.MonthlyCalls+1 > cfg.MonthlyCallLimit {
		return Result{Allowed: false, Reason: "quota_monthly_call_exceeded"}
	}
	if cfg.DailyCreditLimit > 0 && qc.DailyCredits+cost > cfg.DailyCreditLimit {
		return Result{Allowed: false, Reason: "quota_daily_credit_exceeded"}
	}
	if cfg.MonthlyCreditLimit > 0 && qc.MonthlyCredits+cost > cfg.MonthlyCreditLimit {
		return Result{Allowed: false, Reason: "quota_monthly_credit_exceeded"}
	}
	return Result{Allowed: true}
}

// Record increments counters after a committed call.
func Record(qc *keystore.QuotaCounters, cost int64) {
	qc.DailyCalls++
	qc.MonthlyCalls++
	qc.DailyCredits += cost
	qc.MonthlyCredits += cost
}

// Unrecord reverses Record for proxy-failure rollback; counters never go
// negative (spec §8 quota idempotency property).
func Unrecord(qc *keystore.QuotaCounters, cost int64) {
	qc.DailyCalls = floor0(qc.DailyCalls - 1)
	qc.MonthlyCalls = floor0(qc.MonthlyCalls - 1)
	qc.DailyCredits = floor0(qc.DailyCredits - cost)
	qc.MonthlyCredits = floor0(qc.MonthlyCredits - cost)
}

func floor0(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
