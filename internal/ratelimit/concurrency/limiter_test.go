package concurrency

import (
	"sync"
	"testing"
)

func TestLimiter_AcquireRelease(t *testing.T) {
	l := New(Limits{MaxPerKey: 1})
	if !l.Acquire("k", "search") {
		t.Fatal("expected first acquire to succeed")
	}
	if l.Acquire("k", "search") {
		t.Fatal("expected second acquire to be denied by MaxPerKey")
	}
	l.Release("k", "search")
	if !l.Acquire("k", "search") {
		t.Fatal("expected acquire to succeed again after release")
	}
}

func TestLimiter_PerToolCap(t *testing.T) {
	l := New(Limits{MaxPerTool: 1})
	if !l.Acquire("a", "search") {
		t.Fatal("expected first acquire for tool to succeed")
	}
	if l.Acquire("b", "search") {
		t.Fatal("expected second acquire for same tool, different key, to be denied")
	}
}

func TestLimiter_PerKeyToolCap(t *testing.T) {
	l := New(Limits{MaxPerKeyTool: 1})
	if !l.Acquire("k", "search") {
		t.Fatal("expected first acquire to succeed")
	}
	if !l.Acquire("k", "gen") {
		t.Fatal("expected acquire for different tool, same key, to succeed")
	}
	if l.Acquire("k", "search") {
		t.Fatal("expected second acquire for same (key,tool) pair to be denied")
	}
}

func TestLimiter_UnlimitedWhenZero(t *testing.T) {
	l := New(Limits{})
	for i := 0; i < 1000; i++ {
		if !l.Acquire("k", "search") {
			t.Fatalf("expected unlimited limiter to always acquire, denied at %d", i)
		}
	}
}

func TestLimiter_ReleaseWithoutAcquireIsNoOp(t *testing.T) {
	l := New(Limits{MaxPerKey: 1})
	l.Release("k", "search") // must not panic or go negative
	byKey, byTool, byKeyTool := l.Counts("k", "search")
	if byKey != 0 || byTool != 0 || byKeyTool != 0 {
		t.Errorf("expected all counters to remain zero, got %d %d %d", byKey, byTool, byKeyTool)
	}
}

func TestLimiter_ConservationUnderConcurrency(t *testing.T) {
	l := New(Limits{})
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Acquire("k", "tool") {
				l.Release("k", "tool")
			}
		}()
	}
	wg.Wait()

	if !l.Empty() {
		t.Error("expected counters to fully drain after balanced acquire/release pairs")
	}
}

func TestLimiter_CountsReflectState(t *testing.T) {
	l := New(Limits{})
	l.Acquire("k", "search")
	l.Acquire("k", "search")
	byKey, byTool, byKeyTool := l.Counts("k", "search")
	if byKey != 2 || byTool != 2 || byKeyTool != 2 {
		t.Errorf("expected counts of 2, got %d %d %d", byKey, byTool, byKeyTool)
	}
}
