package usage

import (
	"testing"
	"time"
)

func mkEvent(ts time.Time, tool, key string, credits int64, denied bool, reason string) Event {
	return Event{Timestamp: ts, Tool: tool, Key: key, Credits: credits, Denied: denied, DenyReason: reason}
}

func TestRecord_EvictsOldest25PercentWhenFull(t *testing.T) {
	m := New(8)
	base := time.Now()
	for i := 0; i < 10; i++ {
		m.Record(mkEvent(base.Add(time.Duration(i)*time.Second), "t", "k", 1, false, ""))
	}
	// After the 9th event (index 8), length exceeds 8, drop floor(8*0.25)=2.
	if got := m.Len(); got > 8 {
		t.Fatalf("expected ring bounded near maxEvents, got %d", got)
	}
}

func TestRecord_RetainsMostRecentAfterEviction(t *testing.T) {
	m := New(4)
	base := time.Now()
	for i := 0; i < 6; i++ {
		m.Record(mkEvent(base.Add(time.Duration(i)*time.Second), "t", "k", 1, false, ""))
	}
	s := m.Summary(time.Time{}, "")
	if s.TotalCalls == 0 {
		t.Fatal("expected events retained after eviction")
	}
	if s.TotalCalls >= 6 {
		t.Fatalf("expected eviction to have dropped some events, got %d", s.TotalCalls)
	}
}

func TestSummary_AggregatesCallsCreditsAndDenials(t *testing.T) {
	m := New(100)
	base := time.Now()
	m.Record(mkEvent(base, "search", "k1", 5, false, ""))
	m.Record(mkEvent(base, "search", "k1", 3, false, ""))
	m.Record(mkEvent(base, "search", "k2", 0, true, "insufficient_credits"))

	s := m.Summary(time.Time{}, "")
	if s.TotalCalls != 3 {
		t.Errorf("expected 3 total calls, got %d", s.TotalCalls)
	}
	if s.TotalCreditsSpent != 8 {
		t.Errorf("expected 8 total credits, got %d", s.TotalCreditsSpent)
	}
	if s.TotalDenied != 1 {
		t.Errorf("expected 1 denied, got %d", s.TotalDenied)
	}
	if s.PerTool["search"].Calls != 3 {
		t.Errorf("expected perTool search calls 3, got %d", s.PerTool["search"].Calls)
	}
	if s.DenyReasons["insufficient_credits"] != 1 {
		t.Errorf("expected 1 insufficient_credits deny reason, got %d", s.DenyReasons["insufficient_credits"])
	}
}

func TestSummary_FiltersBySince(t *testing.T) {
	m := New(100)
	base := time.Now()
	m.Record(mkEvent(base.Add(-time.Hour), "t", "k", 1, false, ""))
	m.Record(mkEvent(base, "t", "k", 1, false, ""))

	s := m.Summary(base.Add(-time.Minute), "")
	if s.TotalCalls != 1 {
		t.Errorf("expected 1 call after since filter, got %d", s.TotalCalls)
	}
}

func TestSummary_FiltersByNamespace(t *testing.T) {
	m := New(100)
	base := time.Now()
	e1 := mkEvent(base, "t", "k", 1, false, "")
	e1.Namespace = "ns-a"
	e2 := mkEvent(base, "t", "k", 1, false, "")
	e2.Namespace = "ns-b"
	m.Record(e1)
	m.Record(e2)

	s := m.Summary(time.Time{}, "ns-a")
	if s.TotalCalls != 1 {
		t.Errorf("expected 1 call for ns-a, got %d", s.TotalCalls)
	}
}

func TestKeyUsage_ReturnsNewestFirstUpTo50(t *testing.T) {
	m := New(1000)
	base := time.Now()
	for i := 0; i < 60; i++ {
		m.Record(mkEvent(base.Add(time.Duration(i)*time.Second), "t", "k1", 1, false, ""))
	}
	ku := m.KeyUsage("k1", time.Time{})
	if len(ku.RecentEvents) != 50 {
		t.Fatalf("expected 50 recent events, got %d", len(ku.RecentEvents))
	}
	if !ku.RecentEvents[0].Timestamp.After(ku.RecentEvents[1].Timestamp) {
		t.Error("expected recent events newest-first")
	}
}

func TestKeyUsage_HourlyBuckets(t *testing.T) {
	m := New(100)
	hour := time.Date(2020, 1, 1, 10, 0, 0, 0, time.UTC)
	m.Record(mkEvent(hour, "t", "k1", 5, false, ""))
	m.Record(mkEvent(hour.Add(30*time.Minute), "t", "k1", 5, false, ""))
	m.Record(mkEvent(hour.Add(time.Hour), "t", "k1", 5, false, ""))

	ku := m.KeyUsage("k1", time.Time{})
	if len(ku.HourlyBuckets) != 2 {
		t.Fatalf("expected 2 hourly buckets, got %d", len(ku.HourlyBuckets))
	}
	if b := ku.HourlyBuckets["2020-01-01T10:00:00"]; b.Calls != 2 || b.Credits != 10 {
		t.Errorf("unexpected hour bucket: %+v", b)
	}
}

func TestKeyUsage_IgnoresOtherKeys(t *testing.T) {
	m := New(100)
	base := time.Now()
	m.Record(mkEvent(base, "t", "k1", 1, false, ""))
	m.Record(mkEvent(base, "t", "k2", 1, false, ""))

	ku := m.KeyUsage("k1", time.Time{})
	if ku.Summary.TotalCalls != 1 {
		t.Errorf("expected only k1's events counted, got %d", ku.Summary.TotalCalls)
	}
}
