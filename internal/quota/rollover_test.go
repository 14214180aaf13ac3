package quota

import (
	"sync"
	"testing"
	"time"
)

func TestNewRolloverState_StartsWithZeroRollover(t *testing.T) {
	now := time.Date(2020, 1, 15, 10, 0, 0, 0, time.UTC)
	s := NewRolloverState(100, PeriodDaily, 50, 40, now)

	if s.Remaining() != 100 {
		t.Errorf("expected remaining 100, got %d", s.Remaining())
	}
	if !s.PeriodStart.Equal(time.Date(2020, 1, 15, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected period start: %v", s.PeriodStart)
	}
}

func TestRolloverState_ConsumeWithinLimit(t *testing.T) {
	now := time.Date(2020, 1, 15, 10, 0, 0, 0, time.UTC)
	s := NewRolloverState(100, PeriodDaily, 50, 40, now)

	if ok := s.Consume(30, now); !ok {
		t.Fatal("expected consume within limit to succeed")
	}
	if s.Remaining() != 70 {
		t.Errorf("expected remaining 70, got %d", s.Remaining())
	}
}

func TestRolloverState_ConsumeDeniedOverLimit(t *testing.T) {
	now := time.Date(2020, 1, 15, 10, 0, 0, 0, time.UTC)
	s := NewRolloverState(100, PeriodDaily, 50, 40, now)

	if ok := s.Consume(150, now); ok {
		t.Fatal("expected consume over limit to fail")
	}
	if s.Used != 0 {
		t.Errorf("expected no mutation on denied consume, got Used=%d", s.Used)
	}
}

// Matches spec's worked rollover example exactly: limit=100,
// rolloverPercent=50, maxRollover=40, consume 20 in the first period.
// unused = 100-20 = 80; newRollover = min(80*50/100, 40) = min(40,40) = 40.
// Remaining after reset = 100 (fresh limit) + 40 (rollover) = 140.
func TestRolloverState_ConservationArithmeticMatchesSpecExample(t *testing.T) {
	day1 := time.Date(2020, 1, 1, 10, 0, 0, 0, time.UTC)
	s := NewRolloverState(100, PeriodDaily, 50, 40, day1)

	if ok := s.Consume(20, day1); !ok {
		t.Fatal("expected consume of 20 to succeed")
	}

	day2 := time.Date(2020, 1, 2, 0, 0, 1, 0, time.UTC)
	s.advance(day2)

	if s.Rollover != 40 {
		t.Errorf("expected rollover 40, got %d", s.Rollover)
	}
	if s.Used != 0 {
		t.Errorf("expected used reset to 0, got %d", s.Used)
	}
	if got := s.Remaining(); got != 140 {
		t.Errorf("expected remaining 140 after rollover, got %d", got)
	}
	if s.PeriodsCompleted != 1 {
		t.Errorf("expected 1 period completed, got %d", s.PeriodsCompleted)
	}
}

func TestRolloverState_MaxRolloverCaps(t *testing.T) {
	day1 := time.Date(2020, 1, 1, 10, 0, 0, 0, time.UTC)
	s := NewRolloverState(100, PeriodDaily, 100, 10, day1)

	day2 := time.Date(2020, 1, 2, 0, 0, 1, 0, time.UTC)
	s.advance(day2)

	if s.Rollover != 10 {
		t.Errorf("expected rollover capped at maxRollover 10, got %d", s.Rollover)
	}
}

func TestRolloverState_MultiPeriodAdvanceCatchesUp(t *testing.T) {
	day1 := time.Date(2020, 1, 1, 10, 0, 0, 0, time.UTC)
	s := NewRolloverState(100, PeriodDaily, 50, 40, day1)

	future := day1.AddDate(0, 0, 5)
	s.advance(future)

	if s.PeriodsCompleted != 5 {
		t.Errorf("expected 5 periods completed catching up, got %d", s.PeriodsCompleted)
	}
}

func TestRolloverState_MonthlyPeriodBounds(t *testing.T) {
	now := time.Date(2020, 3, 15, 10, 0, 0, 0, time.UTC)
	s := NewRolloverState(1000, PeriodMonthly, 0, 0, now)

	wantStart := time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC)
	wantEnd := time.Date(2020, 4, 1, 0, 0, 0, 0, time.UTC)
	if !s.PeriodStart.Equal(wantStart) || !s.PeriodEnd.Equal(wantEnd) {
		t.Errorf("unexpected monthly bounds: %v - %v", s.PeriodStart, s.PeriodEnd)
	}
}

func TestRolloverManager_GetOrCreateReturnsSameState(t *testing.T) {
	m := NewRolloverManager()
	now := time.Now()

	s1 := m.GetOrCreate("k", 100, PeriodDaily, 50, 40, now)
	s2 := m.GetOrCreate("k", 999, PeriodDaily, 0, 0, now)

	if s1 != s2 {
		t.Fatal("expected GetOrCreate to return the same state for an existing key")
	}
}

func TestRolloverManager_ConsumeUnknownKey(t *testing.T) {
	m := NewRolloverManager()
	ok, err := m.Consume("missing", 1, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected consume on unknown key to fail")
	}
}

func TestRolloverManager_StatusSnapshot(t *testing.T) {
	m := NewRolloverManager()
	now := time.Now()
	m.GetOrCreate("k", 100, PeriodDaily, 50, 40, now)
	m.Consume("k", 10, now)

	snap, ok := m.Status("k")
	if !ok {
		t.Fatal("expected status to exist")
	}
	if snap.Used != 10 {
		t.Errorf("expected snapshot Used=10, got %d", snap.Used)
	}
}

func TestRolloverManager_ConcurrentConsumeStaysWithinLimit(t *testing.T) {
	m := NewRolloverManager()
	now := time.Now()
	m.GetOrCreate("k", 100, PeriodDaily, 0, 0, now)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.Consume("k", 1, now)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 100 {
		t.Errorf("expected exactly 100 consumes allowed out of 200 concurrent attempts, got %d", allowed)
	}
}
