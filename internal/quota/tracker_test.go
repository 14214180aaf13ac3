package quota

import (
	"testing"
	"time"

	"github.com/rajasatyajit/toolgate/internal/keystore"
)

func TestCheck_AllowsWithinLimits(t *testing.T) {
	cfg := keystore.QuotaConfig{DailyCallLimit: 10, DailyCreditLimit: 100}
	qc := &keystore.QuotaCounters{}
	now := time.Now()

	r := Check(cfg, qc, 5, now)
	if !r.Allowed {
		t.Fatalf("expected allowed, got %+v", r)
	}
}

func TestCheck_DeniesOverDailyCallLimit(t *testing.T) {
	cfg := keystore.QuotaConfig{DailyCallLimit: 2}
	qc := &keystore.QuotaCounters{}
	now := time.Now()

	RollCounters(qc, now)
	Record(qc, 1)
	Record(qc, 1)
	r := Check(cfg, qc, 1, now)
	if r.Allowed {
		t.Fatal("expected denial over daily call limit")
	}
	if r.Reason != "quota_daily_call_exceeded" {
		t.Errorf("unexpected reason: %s", r.Reason)
	}
}

func TestCheck_DeniesOverDailyCreditLimit(t *testing.T) {
	cfg := keystore.QuotaConfig{DailyCreditLimit: 10}
	qc := &keystore.QuotaCounters{}
	now := time.Now()

	RollCounters(qc, now)
	Record(qc, 8)
	r := Check(cfg, qc, 5, now)
	if r.Allowed {
		t.Fatal("expected denial over daily credit limit")
	}
	if r.Reason != "quota_daily_credit_exceeded" {
		t.Errorf("unexpected reason: %s", r.Reason)
	}
}

func TestRollCounters_ResetsOnDayBoundary(t *testing.T) {
	qc := &keystore.QuotaCounters{DailyCalls: 5, LastResetDay: "2020-01-01"}
	now := time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC)

	RollCounters(qc, now)
	if qc.DailyCalls != 0 {
		t.Errorf("expected daily calls reset to 0, got %d", qc.DailyCalls)
	}
	if qc.LastResetDay != "2020-01-02" {
		t.Errorf("expected LastResetDay updated, got %s", qc.LastResetDay)
	}
}

func TestRollCounters_ResetsOnMonthBoundary(t *testing.T) {
	qc := &keystore.QuotaCounters{MonthlyCalls: 5, LastResetMonth: "2020-01"}
	now := time.Date(2020, 2, 1, 0, 0, 0, 0, time.UTC)

	RollCounters(qc, now)
	if qc.MonthlyCalls != 0 {
		t.Errorf("expected monthly calls reset to 0, got %d", qc.MonthlyCalls)
	}
}

func TestRecordUnrecord_Idempotent(t *testing.T) {
	qc := &keystore.QuotaCounters{}
	Record(qc, 10)
	Unrecord(qc, 10)

	if qc.DailyCalls != 0 || qc.MonthlyCalls != 0 || qc.DailyCredits != 0 || qc.MonthlyCredits != 0 {
		t.Errorf("expected counters back to zero after record+unrecord, got %+v", qc)
	}
}

func TestUnrecord_NeverGoesNegative(t *testing.T) {
	qc := &keystore.QuotaCounters{}
	Unrecord(qc, 10)

	if qc.DailyCalls < 0 || qc.DailyCredits < 0 {
		t.Errorf("expected counters floored at 0, got %+v", qc)
	}
}

func TestCheck_ZeroLimitMeansUnlimited(t *testing.T) {
	cfg := keystore.QuotaConfig{}
	qc := &keystore.QuotaCounters{}
	now := time.Now()
	for i := 0; i < 1000; i++ {
		Record(qc, 1000)
	}
	if r := Check(cfg, qc, 1000, now); !r.Allowed {
		t.Fatal("expected unlimited config to always allow")
	}
}
